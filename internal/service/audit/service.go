package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

const defaultPageSize = 500

type Service struct {
	repo     repository.AuditRepository
	metrics  *metrics.Metrics
	logger   *logger.Logger
	pageSize int
	now      func() time.Time
}

type Option func(*Service)

// WithPageSize sets how many events Query fetches per round trip.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo repository.AuditRepository, m *metrics.Metrics, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		metrics:  m,
		logger:   log.WithComponent("audit"),
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEvent builds an event for actor touching a patient's resource.
func NewEvent(actor model.Actor, action model.AuditAction, resourceType string, resourceID, patientID uuid.UUID, at time.Time) *model.AuditEvent {
	return &model.AuditEvent{
		ID:           uuid.New(),
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		Outcome:      model.AuditOutcomeSuccess,
		Metadata:     model.JSONMap{},
		RecordedAt:   at,
	}
}

// ApplyAccess copies the caller's justification onto the event and flags
// break-glass access. Only a read becomes an emergency-access event; other
// actions keep their own action so they stay queryable by it.
func ApplyAccess(e *model.AuditEvent, req model.AccessRequest) {
	if j := strings.TrimSpace(req.Justification); j != "" {
		e.Justification = &j
	}
	if req.RequestID != "" {
		id := req.RequestID
		e.RequestID = &id
	}
	if req.Emergency {
		e.EmergencyAccess = true
		if e.Action == model.AuditActionRead {
			e.Action = model.AuditActionEmergencyAccess
		}
	}
}

// Validate checks every required field and the justification rule.
func Validate(e *model.AuditEvent) error {
	if e == nil {
		return apperrors.IncompleteAuditEvent([]string{"event"})
	}
	var missing []string
	if e.ActorID == uuid.Nil {
		missing = append(missing, "actor_id")
	}
	if e.ActorRole == "" {
		missing = append(missing, "actor_role")
	}
	if !e.Action.Valid() {
		missing = append(missing, "action")
	}
	if e.ResourceType == "" {
		missing = append(missing, "resource_type")
	}
	if e.ResourceID == uuid.Nil {
		missing = append(missing, "resource_id")
	}
	if e.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if e.RecordedAt.IsZero() {
		missing = append(missing, "recorded_at")
	}
	needsJustification := e.RequiresJustification || e.EmergencyAccess || e.Action == model.AuditActionEmergencyAccess
	if needsJustification && (e.Justification == nil || strings.TrimSpace(*e.Justification) == "") {
		missing = append(missing, "justification")
	}
	if len(missing) > 0 {
		return apperrors.IncompleteAuditEvent(missing)
	}
	return nil
}

// Prepare validates e and seals it with its digest. Callers that write audit
// events inside their own transaction must call Prepare first.
func Prepare(e *model.AuditEvent) error {
	if err := Validate(e); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Action == model.AuditActionEmergencyAccess {
		e.EmergencyAccess = true
	}
	if e.Outcome == "" {
		e.Outcome = model.AuditOutcomeSuccess
	}
	if e.Metadata == nil {
		e.Metadata = model.JSONMap{}
	}
	e.RecordedAt = e.RecordedAt.UTC().Truncate(time.Microsecond)
	e.Digest = Digest(e)
	return nil
}

// Digest is the SHA3-256 of the event's canonical form. It lets exported
// events be checked for tampering.
func Digest(e *model.AuditEvent) string {
	justification := ""
	if e.Justification != nil {
		justification = *e.Justification
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		meta, _ = json.Marshal(e.Metadata)
	}
	canonical := strings.Join([]string{
		e.ID.String(),
		e.ActorID.String(),
		string(e.ActorRole),
		string(e.Action),
		e.ResourceType,
		e.ResourceID.String(),
		e.PatientID.String(),
		justification,
		fmt.Sprintf("%t", e.EmergencyAccess),
		strings.Join(e.PHIFields, ","),
		e.Outcome,
		string(meta),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether e still matches its stored digest.
func Verify(e *model.AuditEvent) bool {
	return e.Digest != "" && e.Digest == Digest(e)
}

// Record appends one event. An incomplete event is rejected and never retried.
func (s *Service) Record(ctx context.Context, e *model.AuditEvent) error {
	if err := Prepare(e); err != nil {
		s.metrics.AuditWriteFailures.Inc()
		return err
	}
	if err := s.repo.Create(ctx, e); err != nil {
		s.metrics.AuditWriteFailures.Inc()
		s.logger.Error(err, "failed to record audit event",
			"action", string(e.Action),
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID.String())
		return err
	}
	s.metrics.AuditEventsTotal.WithLabelValues(string(e.Action)).Inc()
	return nil
}

// Query streams matching events ordered by (recorded_at, id). Pages are
// fetched lazily; ranging over the sequence again restarts from the first event.
func (s *Service) Query(ctx context.Context, filter model.AuditFilter) iter.Seq2[*model.AuditEvent, error] {
	pageSize := s.pageSize
	if filter.PageSize > 0 {
		pageSize = filter.PageSize
	}

	return func(yield func(*model.AuditEvent, error) bool) {
		var cursor *model.AuditCursor
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, apperrors.StorageUnavailable("audit query interrupted", err))
				return
			}
			page, err := s.repo.ListPage(ctx, &filter, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &model.AuditCursor{RecordedAt: last.RecordedAt, ID: last.ID}
		}
	}
}

// Export writes matching events as newline-delimited JSON and returns how many
// were written.
func (s *Service) Export(ctx context.Context, filter model.AuditFilter, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for e, err := range s.Query(ctx, filter) {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(e); err != nil {
			return n, fmt.Errorf("failed to write audit export: %w", err)
		}
		n++
	}
	return n, nil
}

// ReadVolumeSignals reports actors whose read count in the trailing window
// reached threshold. It is a signal for review, never an enforcement.
func (s *Service) ReadVolumeSignals(ctx context.Context, window time.Duration, threshold int) ([]model.ReadVolumeSignal, error) {
	end := s.now()
	start := end.Add(-window)

	type tally struct {
		role     model.Role
		reads    int
		patients map[uuid.UUID]struct{}
	}
	byActor := make(map[uuid.UUID]*tally)

	for _, action := range []model.AuditAction{model.AuditActionRead, model.AuditActionEmergencyAccess} {
		action := action
		filter := model.AuditFilter{Action: &action, From: &start, To: &end}
		for e, err := range s.Query(ctx, filter) {
			if err != nil {
				return nil, err
			}
			t, ok := byActor[e.ActorID]
			if !ok {
				t = &tally{role: e.ActorRole, patients: make(map[uuid.UUID]struct{})}
				byActor[e.ActorID] = t
			}
			t.reads++
			t.patients[e.PatientID] = struct{}{}
		}
	}

	var signals []model.ReadVolumeSignal
	for actorID, t := range byActor {
		if t.reads < threshold {
			continue
		}
		signals = append(signals, model.ReadVolumeSignal{
			ActorID:          actorID,
			ActorRole:        t.role,
			Reads:            t.reads,
			DistinctPatients: len(t.patients),
			WindowStart:      start,
			WindowEnd:        end,
		})
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Reads != signals[j].Reads {
			return signals[i].Reads > signals[j].Reads
		}
		return signals[i].ActorID.String() < signals[j].ActorID.String()
	})
	return signals, nil
}

// Page returns at most limit events after cursor, and the cursor for the
// next page when more may follow.
func (s *Service) Page(ctx context.Context, filter model.AuditFilter, after *model.AuditCursor, limit int) ([]*model.AuditEvent, *model.AuditCursor, error) {
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	events, err := s.repo.ListPage(ctx, &filter, after, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(events) < limit {
		return events, nil, nil
	}
	last := events[len(events)-1]
	return events, &model.AuditCursor{RecordedAt: last.RecordedAt, ID: last.ID}, nil
}

// EncodeCursor renders a cursor as an opaque token.
func EncodeCursor(c *model.AuditCursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.RecordedAt.UnixMicro(), 10) + ":" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (*model.AuditCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.InvalidInput("malformed cursor", err)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, apperrors.InvalidInput("malformed cursor", nil)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, apperrors.InvalidInput("malformed cursor", err)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperrors.InvalidInput("malformed cursor", err)
	}
	return &model.AuditCursor{RecordedAt: time.UnixMicro(micros).UTC(), ID: uid}, nil
}
