package consultation

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/handler"
	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/service/consultation"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

type Handler struct {
	service *consultation.Service
}

func NewHandler(service *consultation.Service) *Handler {
	return &Handler{
		service: service,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	consultations := r.Group("/consultations")
	{
		consultations.POST("", h.CreateConsultation)
		consultations.GET("", h.ListConsultations)
		consultations.GET("/:id", h.GetConsultation)
		consultations.GET("/:id/history", h.GetHistory)
		consultations.GET("/:id/transitions", h.AllowedTransitions)
		consultations.POST("/:id/transitions", h.RequestTransition)
	}
}

type transitionRequest struct {
	To model.Status `json:"to"`
	model.TransitionContext
}

type allowedResponse struct {
	CurrentState model.Status   `json:"current_state"`
	Allowed      []model.Status `json:"allowed_transitions"`
}

func (h *Handler) CreateConsultation(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	var req model.NewConsultation
	if !handler.BindJSON(c, &req) {
		return
	}

	created, err := h.service.Create(c.Request.Context(), actor, &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, created)
}

func (h *Handler) GetConsultation(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	found, err := h.service.Get(c.Request.Context(), id, actor, handler.Access(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, found)
}

func (h *Handler) GetHistory(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	records, err := h.service.History(c.Request.Context(), id, actor, handler.Access(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, records)
}

func (h *Handler) AllowedTransitions(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	found, err := h.service.Get(c.Request.Context(), id, actor, handler.Access(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, allowedResponse{
		CurrentState: found.Status,
		Allowed:      consultation.LegalTransitions(found.Status),
	})
}

func (h *Handler) RequestTransition(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	if req.To == "" {
		httputil.RespondWithError(c, errors.InvalidInput("to is required", nil))
		return
	}

	updated, err := h.service.RequestTransition(c.Request.Context(), id, req.To, actor, req.TransitionContext)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, updated)
}

func (h *Handler) ListConsultations(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	items, err := h.service.List(c.Request.Context(), actor, handler.Access(c), filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, items)
}

const maxListLimit = 200

func parseFilter(c *gin.Context) (*model.ConsultationFilter, error) {
	filter := &model.ConsultationFilter{Limit: 50}

	for _, s := range c.QueryArray("status") {
		st := model.Status(s)
		if !st.Valid() {
			return nil, errors.InvalidInput("unknown status "+s, nil)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if u := c.Query("urgency"); u != "" {
		urgency := model.Urgency(u)
		if !urgency.Valid() {
			return nil, errors.InvalidInput("unknown urgency "+u, nil)
		}
		filter.Urgency = &urgency
	}
	for param, dst := range map[string]**uuid.UUID{
		"patient_id":  &filter.PatientID,
		"provider_id": &filter.ProviderID,
	} {
		if raw := c.Query(param); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, errors.InvalidInput("invalid "+param, err)
			}
			*dst = &id
		}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			return nil, errors.InvalidInput("limit must be between 1 and "+strconv.Itoa(maxListLimit), err)
		}
		filter.Limit = n
	}
	return filter, nil
}
