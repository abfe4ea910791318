package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

type ErrorResponse struct {
	Error     string         `json:"error"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ToHTTPError maps a domain error onto its HTTP status. Internal faults
// keep their cause out of the message.
func ToHTTPError(err error) *httperror.HTTPError {
	switch {
	case errors.Is(err, sentinel.ErrInternal):
		return httperror.NewHTTPError(http.StatusInternalServerError, "internal server error")
	case errors.Is(err, sentinel.ErrBadRequest):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, sentinel.ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrConstraintViolation):
		return httperror.NewHTTPError(http.StatusConflict, "request conflicted with concurrent updates, retry later")
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, sentinel.ErrStoreUnavailable):
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "identity store unavailable, retry later")
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		var (
			code    int
			message string
			meta    map[string]any
		)

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			code = he.Code
			message = http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		case httperror.IsHTTPError(err):
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		default:
			httperr := ToHTTPError(err)
			code = httperror.GetStatusCode(httperr)
			message = httperr.Error()
		}

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Error:     message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
