package safety

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consult-core/internal/handler"
	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/service/safety"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

type Handler struct {
	service *safety.Service
}

func NewHandler(service *safety.Service) *Handler {
	return &Handler{
		service: service,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	checks := r.Group("/safety-checks")
	{
		checks.POST("", h.Evaluate)
		checks.GET("/:id", h.GetCheck)
	}
}

// Evaluate runs a safety check. The verdict is returned with 201 whether it
// is safe, caution or unsafe; only malformed input or storage failure errors.
func (h *Handler) Evaluate(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	var req model.SafetyRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	result, err := h.service.Evaluate(c.Request.Context(), actor, &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, result)
}

func (h *Handler) GetCheck(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	result, err := h.service.Lookup(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}
