package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	auditHandler "github.com/jwalitptl/consult-core/internal/handler/audit"
	consultationHandler "github.com/jwalitptl/consult-core/internal/handler/consultation"
	"github.com/jwalitptl/consult-core/internal/handler/health"
	promHandler "github.com/jwalitptl/consult-core/internal/handler/prometheus"
	safetyHandler "github.com/jwalitptl/consult-core/internal/handler/safety"
	slaHandler "github.com/jwalitptl/consult-core/internal/handler/sla"
	"github.com/jwalitptl/consult-core/internal/middleware"
	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository/memory"
	"github.com/jwalitptl/consult-core/internal/service/audit"
	"github.com/jwalitptl/consult-core/internal/service/consultation"
	"github.com/jwalitptl/consult-core/internal/service/safety"
	"github.com/jwalitptl/consult-core/internal/service/sla"
	"github.com/jwalitptl/consult-core/pkg/auth"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
	"github.com/jwalitptl/consult-core/pkg/validator"
)

const testSecret = "router-test-secret"

type apiResponse struct {
	Status  int             `json:"-"`
	Header  http.Header     `json:"-"`
	Success bool            `json:"success"`
	RawData json.RawMessage `json:"data"`
	Error   *struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details"`
		RequestID string                 `json:"request_id"`
	} `json:"error"`
}

func (r *apiResponse) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.RawData, v))
}

type testServer struct {
	engine *httptest.Server
	store  *memory.Store
	tokens *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewStore()
	registry := prometheus.NewRegistry()
	m := metrics.New("test", registry)
	log := logger.Nop()
	v := validator.New()

	auditSvc := audit.NewService(store.Audit(), m, log)
	safetySvc := safety.NewService(store.SafetyChecks(), safety.NewStaticReference(), v, m, log)
	consultSvc := consultation.NewService(store.Consultations(), safetySvc, auditSvc, v, m, log)
	monitor := sla.NewMonitor(store.SLA(), store.Consultations(), m, log)

	tokens := auth.NewJWTService(testSecret, "consult-core", "")
	r := NewRouter(middleware.NewAuthMiddleware(tokens), Handlers{
		Health:       health.NewHandler(map[string]health.Pinger{"storage": store}),
		Consultation: consultationHandler.NewHandler(consultSvc),
		Safety:       safetyHandler.NewHandler(safetySvc),
		Audit:        auditHandler.NewHandler(auditSvc, time.Hour, 1),
		SLA:          slaHandler.NewHandler(monitor),
	}, promHandler.New(registry), RouterConfig{
		RateLimit: rate.Inf,
		Logger:    zerolog.Nop(),
	})
	r.Setup()

	srv := httptest.NewServer(r.Engine())
	t.Cleanup(srv.Close)
	return &testServer{engine: srv, store: store, tokens: tokens}
}

func (s *testServer) token(t *testing.T, actor model.Actor) string {
	t.Helper()
	tok, err := s.tokens.GenerateToken(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string, headers ...string) *apiResponse {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.engine.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := &apiResponse{Status: resp.StatusCode, Header: resp.Header}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return out
}

func actor(role model.Role) model.Actor {
	return model.Actor{ID: uuid.New(), Role: role}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.NotEmpty(t, resp.Header.Get(middleware.HeaderXRequestID))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/consultations", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)

	resp = s.do(t, http.MethodGet, "/consultations", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestConsultationFlow(t *testing.T) {
	s := newTestServer(t)
	patient := actor(model.RolePatient)
	coordinator := actor(model.RoleCareCoordinator)
	provider := actor(model.RoleProvider)

	// Create
	created := s.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"patient_id":      patient.ID,
		"urgency":         "urgent",
		"chief_complaint": "chest tightness",
	}, s.token(t, patient))
	require.Equal(t, http.StatusCreated, created.Status, "%+v", created.Error)
	var c model.Consultation
	created.decode(t, &c)
	assert.Equal(t, model.StatusPending, c.Status)
	path := "/consultations/" + c.ID.String()

	// Skipping triage is rejected with the legal alternatives.
	resp := s.do(t, http.MethodPost, path+"/transitions", map[string]interface{}{
		"to":          "assigned",
		"provider_id": provider.ID,
	}, s.token(t, coordinator))
	require.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "invalid_transition", resp.Error.Code)
	assert.ElementsMatch(t, []interface{}{"triaged", "cancelled"}, resp.Error.Details["allowed_transitions"])

	resp = s.do(t, http.MethodPost, path+"/transitions", map[string]interface{}{"to": "triaged"}, s.token(t, coordinator))
	require.Equal(t, http.StatusOK, resp.Status, "%+v", resp.Error)

	// Assignment needs a provider.
	resp = s.do(t, http.MethodPost, path+"/transitions", map[string]interface{}{"to": "assigned"}, s.token(t, coordinator))
	require.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, "missing_context", resp.Error.Code)
	assert.Equal(t, "provider_id", resp.Error.Details["missing_field"])

	resp = s.do(t, http.MethodPost, path+"/transitions", map[string]interface{}{
		"to":          "assigned",
		"provider_id": provider.ID,
	}, s.token(t, coordinator))
	require.Equal(t, http.StatusOK, resp.Status, "%+v", resp.Error)
	resp.decode(t, &c)
	assert.Equal(t, model.StatusAssigned, c.Status)

	// The assigned provider reads without a justification.
	resp = s.do(t, http.MethodGet, path+"/transitions", nil, s.token(t, provider))
	require.Equal(t, http.StatusOK, resp.Status, "%+v", resp.Error)
	var allowed struct {
		CurrentState model.Status   `json:"current_state"`
		Allowed      []model.Status `json:"allowed_transitions"`
	}
	resp.decode(t, &allowed)
	assert.Equal(t, model.StatusAssigned, allowed.CurrentState)
	assert.Contains(t, allowed.Allowed, model.StatusInReview)

	resp = s.do(t, http.MethodGet, path+"/history", nil, s.token(t, provider))
	require.Equal(t, http.StatusOK, resp.Status)
	var history []model.StateTransitionRecord
	resp.decode(t, &history)
	assert.Len(t, history, 2)
}

func TestReadByNonParticipantNeedsJustification(t *testing.T) {
	s := newTestServer(t)
	patient := actor(model.RolePatient)
	outsider := actor(model.RoleProvider)

	created := s.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"patient_id":      patient.ID,
		"urgency":         "routine",
		"chief_complaint": "rash",
	}, s.token(t, patient))
	require.Equal(t, http.StatusCreated, created.Status)
	var c model.Consultation
	created.decode(t, &c)

	resp := s.do(t, http.MethodGet, "/consultations/"+c.ID.String(), nil, s.token(t, outsider))
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "incomplete_audit_event", resp.Error.Code)

	resp = s.do(t, http.MethodGet, "/consultations/"+c.ID.String(), nil, s.token(t, outsider),
		"X-Access-Justification", "covering for on-call colleague")
	assert.Equal(t, http.StatusOK, resp.Status)

	var reads int
	for _, e := range s.store.AuditEvents() {
		if e.Action == model.AuditActionRead && e.ActorID == outsider.ID {
			reads++
			require.NotNil(t, e.Justification)
			assert.Equal(t, "covering for on-call colleague", *e.Justification)
			assert.NotEmpty(t, e.RequestID)
		}
	}
	assert.Equal(t, 1, reads)
}

func TestMalformedInput(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, actor(model.RoleProvider))

	resp := s.do(t, http.MethodGet, "/consultations/not-a-uuid", nil, tok)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = s.do(t, http.MethodGet, "/consultations?status=floating", nil, tok)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = s.do(t, http.MethodPost, "/consultations/"+uuid.NewString()+"/transitions", map[string]interface{}{}, tok)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = s.do(t, http.MethodGet, "/consultations/"+uuid.NewString(), nil, tok)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestSafetyCheckEndpoint(t *testing.T) {
	s := newTestServer(t)
	pharmacist := actor(model.RolePharmacist)

	resp := s.do(t, http.MethodPost, "/safety-checks", map[string]interface{}{
		"patient_id": uuid.New(),
		"proposed":   []map[string]interface{}{{"name": "amoxicillin", "dose_mg": 500}},
		"profile":    map[string]interface{}{"age_years": 40, "weight_kg": 70},
	}, s.token(t, pharmacist))
	require.Equal(t, http.StatusCreated, resp.Status, "%+v", resp.Error)
	var result model.SafetyCheckResult
	resp.decode(t, &result)
	assert.NotEqual(t, uuid.Nil, result.ID)

	resp = s.do(t, http.MethodGet, "/safety-checks/"+result.ID.String(), nil, s.token(t, pharmacist))
	assert.Equal(t, http.StatusOK, resp.Status)

	resp = s.do(t, http.MethodPost, "/safety-checks", map[string]interface{}{"patient_id": uuid.New()}, s.token(t, pharmacist))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

type auditPage struct {
	Items      []model.AuditEvent `json:"items"`
	NextCursor string             `json:"next_cursor"`
}

func TestAuditRoutesRestrictedToCompliance(t *testing.T) {
	s := newTestServer(t)
	patient := actor(model.RolePatient)

	for i := 0; i < 3; i++ {
		resp := s.do(t, http.MethodPost, "/consultations", map[string]interface{}{
			"patient_id":      patient.ID,
			"urgency":         "medium",
			"chief_complaint": "cough",
		}, s.token(t, patient))
		require.Equal(t, http.StatusCreated, resp.Status)
	}

	resp := s.do(t, http.MethodGet, "/audit-events", nil, s.token(t, actor(model.RoleProvider)))
	assert.Equal(t, http.StatusForbidden, resp.Status)

	officer := s.token(t, actor(model.RoleComplianceOfficer))
	resp = s.do(t, http.MethodGet, "/audit-events?page_size=2&patient_id="+patient.ID.String(), nil, officer)
	require.Equal(t, http.StatusOK, resp.Status, "%+v", resp.Error)
	var first auditPage
	resp.decode(t, &first)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	resp = s.do(t, http.MethodGet, "/audit-events?page_size=2&patient_id="+patient.ID.String()+"&cursor="+first.NextCursor, nil, officer)
	require.Equal(t, http.StatusOK, resp.Status)
	var last auditPage
	resp.decode(t, &last)
	require.Len(t, last.Items, 1)
	assert.Empty(t, last.NextCursor)
	assert.NotEqual(t, first.Items[0].ID, last.Items[0].ID)

	resp = s.do(t, http.MethodGet, "/audit-events?cursor=@@@@", nil, officer)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = s.do(t, http.MethodGet, "/audit-events?action=delete", nil, officer)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestAuditExportStreamsNDJSON(t *testing.T) {
	s := newTestServer(t)
	patient := actor(model.RolePatient)
	resp := s.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"patient_id":      patient.ID,
		"urgency":         "high",
		"chief_complaint": "fever",
	}, s.token(t, patient))
	require.Equal(t, http.StatusCreated, resp.Status)

	req, err := http.NewRequest(http.MethodGet, s.engine.URL+"/api/v1/audit-events/export", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, actor(model.RoleAdmin)))
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, "application/x-ndjson", httpResp.Header.Get("Content-Type"))
	dec := json.NewDecoder(httpResp.Body)
	var lines int
	for dec.More() {
		var e model.AuditEvent
		require.NoError(t, dec.Decode(&e))
		lines++
	}
	assert.Equal(t, 1, lines)
	assert.Equal(t, "true", httpResp.Trailer.Get("X-Audit-Export-Complete"))
}

func TestSLARoutes(t *testing.T) {
	s := newTestServer(t)
	patient := actor(model.RolePatient)
	coordinator := s.token(t, actor(model.RoleCareCoordinator))

	resp := s.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"patient_id":      patient.ID,
		"urgency":         "urgent",
		"chief_complaint": "shortness of breath",
	}, s.token(t, patient))
	require.Equal(t, http.StatusCreated, resp.Status)
	var c model.Consultation
	resp.decode(t, &c)

	resp = s.do(t, http.MethodGet, "/consultations/"+c.ID.String()+"/sla", nil, coordinator)
	require.Equal(t, http.StatusOK, resp.Status)
	var rec model.ComplianceRecord
	resp.decode(t, &rec)
	assert.True(t, rec.Compliant)
	assert.Equal(t, 30, rec.ThresholdMinutes)

	// Only admins may trigger a sweep by hand.
	resp = s.do(t, http.MethodPost, "/admin/sla/sweep", nil, coordinator)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	resp = s.do(t, http.MethodPost, "/admin/sla/sweep", nil, s.token(t, actor(model.RoleAdmin)))
	require.Equal(t, http.StatusOK, resp.Status)
	var result model.SweepResult
	resp.decode(t, &result)
	assert.Equal(t, 0, result.Violations)

	resp = s.do(t, http.MethodGet, "/sla/violations?status=open", nil, coordinator)
	assert.Equal(t, http.StatusOK, resp.Status)
	resp = s.do(t, http.MethodGet, "/sla/violations?status=closed", nil, coordinator)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	resp = s.do(t, http.MethodPost, "/sla/violations/"+uuid.NewString()+"/acknowledge", nil, coordinator)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health/live", nil, "")

	resp, err := http.Get(s.engine.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `http_requests_total{method="GET",route="/api/v1/health/live",status="200"}`)
}
