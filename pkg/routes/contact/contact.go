package contact

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// ClusterReader projects the cluster a contact belongs to
type ClusterReader interface {
	Cluster(ctx context.Context, contactID int64) (*models.IdentifyResponse, error)
}

type Handler struct {
	reader ClusterReader
}

func NewHandler(reader ClusterReader) *Handler {
	return &Handler{reader: reader}
}

// Register registers contact routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.GetContact)
}

// GetContact returns the consolidated cluster of any member contact
// @Summary Get a contact's cluster
// @Produce json
// @Param id path int true "contact id"
// @Success 200 {object} models.IdentifyResponse
// @Failure 404 {object} middleware.ErrorResponse
// @Router /api/v1/contacts/{id} [get]
func (h *Handler) GetContact(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: contact id must be a positive integer", sentinel.ErrBadRequest)
	}

	resp, err := h.reader.Cluster(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}
