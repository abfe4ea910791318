package identify

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/utils"
)

// Identifier settles a submission onto its cluster
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

type Handler struct {
	identifier Identifier
}

func NewHandler(identifier Identifier) *Handler {
	return &Handler{identifier: identifier}
}

// Register registers identify routes
func (h *Handler) Register(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.POST("/identify", h.Identify, m...)
}

// Identify reconciles the submitted email and phone number
// @Summary Identify a contact
// @Accept json
// @Produce json
// @Param request body models.IdentifyRequest true "email and/or phoneNumber"
// @Success 200 {object} models.IdentifyResponse
// @Failure 400 {object} middleware.ErrorResponse
// @Failure 409 {object} middleware.ErrorResponse
// @Failure 503 {object} middleware.ErrorResponse
// @Router /identify [post]
func (h *Handler) Identify(c echo.Context) error {
	req, err := utils.BindRequest[models.IdentifyRequest](c)
	if err != nil {
		return err
	}

	resp, err := h.identifier.Identify(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}
