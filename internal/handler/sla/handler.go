package sla

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/handler"
	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/service/sla"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

type Handler struct {
	monitor *sla.Monitor
}

func NewHandler(monitor *sla.Monitor) *Handler {
	return &Handler{
		monitor: monitor,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/consultations/:id/sla", h.CheckCompliance)

	violations := r.Group("/sla/violations")
	{
		violations.GET("", h.ListViolations)
		violations.GET("/:id", h.GetViolation)
		violations.POST("/:id/acknowledge", h.Acknowledge)
		violations.POST("/:id/resolve", h.Resolve)
	}
}

// RegisterAdminRoutes exposes the manual sweep trigger.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sla/sweep", h.Sweep)
}

type noteRequest struct {
	Note string `json:"note" binding:"max=1000"`
}

func (h *Handler) CheckCompliance(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	rec, err := h.monitor.CheckCompliance(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, rec)
}

func (h *Handler) ListViolations(c *gin.Context) {
	var filter model.SLAViolationFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		httputil.RespondWithError(c, errors.InvalidInput("invalid violation filter", err))
		return
	}
	if filter.Status != nil && !filter.Status.Valid() {
		httputil.RespondWithError(c, errors.InvalidInput("unknown status "+string(*filter.Status), nil))
		return
	}
	if filter.Urgency != nil && !filter.Urgency.Valid() {
		httputil.RespondWithError(c, errors.InvalidInput("unknown urgency "+string(*filter.Urgency), nil))
		return
	}

	items, err := h.monitor.List(c.Request.Context(), &filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, items)
}

func (h *Handler) GetViolation(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	v, err := h.monitor.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, v)
}

func (h *Handler) Acknowledge(c *gin.Context) {
	h.move(c, h.monitor.Acknowledge)
}

func (h *Handler) Resolve(c *gin.Context) {
	h.move(c, h.monitor.Resolve)
}

type moveFunc func(ctx context.Context, id uuid.UUID, actor model.Actor, note string) (*model.SLAViolation, error)

func (h *Handler) move(c *gin.Context, fn moveFunc) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	var req noteRequest
	if c.Request.ContentLength != 0 && !handler.BindJSON(c, &req) {
		return
	}

	v, err := fn(c.Request.Context(), id, actor, req.Note)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, v)
}

func (h *Handler) Sweep(c *gin.Context) {
	result, err := h.monitor.Sweep(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}
