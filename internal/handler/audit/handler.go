package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/service/audit"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

type Handler struct {
	service       *audit.Service
	readWindow    time.Duration
	readThreshold int
}

// NewHandler serves the audit trail. window and threshold are the defaults
// for the read-volume report when the request does not override them.
func NewHandler(service *audit.Service, window time.Duration, threshold int) *Handler {
	return &Handler{
		service:       service,
		readWindow:    window,
		readThreshold: threshold,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	events := r.Group("/audit-events")
	{
		events.GET("", h.ListEvents)
		events.GET("/export", h.ExportEvents)
		events.GET("/read-volume", h.ReadVolume)
	}
}

func bindFilter(c *gin.Context) (model.AuditFilter, bool) {
	var filter model.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		httputil.RespondWithError(c, errors.InvalidInput("invalid audit filter", err))
		return filter, false
	}
	for param, dst := range map[string]**uuid.UUID{
		"patient_id": &filter.PatientID,
		"actor_id":   &filter.ActorID,
	} {
		if raw := c.Query(param); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httputil.RespondWithError(c, errors.InvalidInput("invalid "+param, err))
				return filter, false
			}
			*dst = &id
		}
	}
	if filter.Action != nil && !filter.Action.Valid() {
		httputil.RespondWithError(c, errors.InvalidInput("unknown action "+string(*filter.Action), nil))
		return filter, false
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		httputil.RespondWithError(c, errors.InvalidInput("to must not be before from", nil))
		return filter, false
	}
	return filter, true
}

func (h *Handler) ListEvents(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	cursor, err := audit.DecodeCursor(c.Query("cursor"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	events, next, err := h.service.Page(c.Request.Context(), filter, cursor, filter.PageSize)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPage(c, events, audit.EncodeCursor(next))
}

// ExportEvents streams every matching event as newline-delimited JSON.
// A storage failure after the first byte truncates the stream; the
// X-Audit-Export-Complete trailer tells the client whether it finished.
func (h *Handler) ExportEvents(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename=audit_events_"+time.Now().UTC().Format("20060102T150405Z")+".ndjson")
	c.Header("Trailer", "X-Audit-Export-Complete, X-Audit-Export-Count")
	c.Status(http.StatusOK)

	n, err := h.service.Export(c.Request.Context(), filter, c.Writer)
	c.Writer.Header().Set("X-Audit-Export-Count", strconv.Itoa(n))
	c.Writer.Header().Set("X-Audit-Export-Complete", strconv.FormatBool(err == nil))
	if err != nil {
		_ = c.Error(err)
	}
}

type readVolumeResponse struct {
	Window    string                   `json:"window"`
	Threshold int                      `json:"threshold"`
	Signals   []model.ReadVolumeSignal `json:"signals"`
}

func (h *Handler) ReadVolume(c *gin.Context) {
	window, threshold := h.readWindow, h.readThreshold
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httputil.RespondWithError(c, errors.InvalidInput("invalid window", err))
			return
		}
		window = d
	}
	if raw := c.Query("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.RespondWithError(c, errors.InvalidInput("invalid threshold", err))
			return
		}
		threshold = n
	}

	signals, err := h.service.ReadVolumeSignals(c.Request.Context(), window, threshold)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if signals == nil {
		signals = []model.ReadVolumeSignal{}
	}
	httputil.RespondWithSuccess(c, readVolumeResponse{
		Window:    window.String(),
		Threshold: threshold,
		Signals:   signals,
	})
}
