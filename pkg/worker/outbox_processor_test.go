package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository/memory"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/messaging"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}

func (m *MockBroker) Close() error {
	return m.Called().Error(0)
}

type relayFixture struct {
	store   *memory.Store
	broker  *MockBroker
	proc    *OutboxProcessor
	metrics *metrics.Metrics
	now     time.Time
}

func newRelay(t *testing.T, cfg OutboxProcessorConfig) *relayFixture {
	t.Helper()
	f := &relayFixture{
		store:   memory.NewStore(),
		broker:  new(MockBroker),
		metrics: metrics.New("test", prometheus.NewRegistry()),
		now:     time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.proc = NewOutboxProcessor(f.store.Outbox(), f.broker, cfg, logger.Nop(), f.metrics)
	f.proc.now = func() time.Time { return f.now }
	return f
}

func testConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		MaxRetries:    3,
	}
}

func (f *relayFixture) enqueue(t *testing.T, eventType string, payload interface{}) *model.OutboxEvent {
	t.Helper()
	e, err := model.NewOutboxEvent(eventType, uuid.New(), payload, f.now)
	require.NoError(t, err)
	f.store.EnqueueOutbox(e)
	return e
}

func (f *relayFixture) status(id uuid.UUID) *model.OutboxEvent {
	for _, e := range f.store.OutboxEvents() {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func TestOutboxProcessor_DeliversToRoutedChannel(t *testing.T) {
	f := newRelay(t, testConfig())
	esc := f.enqueue(t, model.EventSLAEscalation, model.EscalationPayload{Target: "care-coordinator"})
	tr := f.enqueue(t, model.EventConsultationTransitioned, model.TransitionPayload{ToState: model.StatusTriaged})

	var published messaging.Message
	f.broker.On("Publish", mock.Anything, "sla.escalations", mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &published))
		}).Return(nil).Once()
	f.broker.On("Publish", mock.Anything, "consultation.transitions", mock.Anything).Return(nil).Once()

	n, err := f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.broker.AssertExpectations(t)

	assert.Equal(t, esc.ID, published.ID)
	assert.Equal(t, model.EventSLAEscalation, published.Type)
	assert.Equal(t, 1, published.Attempt)
	assert.JSONEq(t, string(esc.Payload), string(published.Payload))

	assert.Equal(t, model.OutboxStatusProcessed, f.status(esc.ID).Status)
	assert.Equal(t, model.OutboxStatusProcessed, f.status(tr.ID).Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OutboxEventsProcessed))

	// nothing left to claim
	n, err = f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxProcessor_UnknownTypeUsesDefaultChannel(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultChannel = "fallback"
	f := newRelay(t, cfg)
	f.enqueue(t, "consultation.archived", map[string]string{})
	f.broker.On("Publish", mock.Anything, "fallback", mock.Anything).Return(nil).Once()

	_, err := f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	f.broker.AssertExpectations(t)
}

func TestOutboxProcessor_RetryThenPark(t *testing.T) {
	f := newRelay(t, testConfig())
	e := f.enqueue(t, model.EventSLAEscalation, model.EscalationPayload{})
	f.broker.On("Publish", mock.Anything, "sla.escalations", mock.Anything).Return(errors.New("connection refused"))

	// first failed delivery: in-process attempts exhausted, rescheduled
	n, err := f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	f.broker.AssertNumberOfCalls(t, "Publish", 2)

	got := f.status(e.ID)
	assert.Equal(t, model.OutboxStatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, f.now.Add(2*time.Millisecond), *got.RetryAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "connection refused", *got.ErrorMessage)

	// not due yet
	n, err = f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	f.broker.AssertNumberOfCalls(t, "Publish", 2)

	f.now = f.now.Add(time.Second)
	_, _ = f.proc.ProcessOnce(context.Background())
	assert.Equal(t, 2, f.status(e.ID).RetryCount)

	f.now = f.now.Add(time.Second)
	_, _ = f.proc.ProcessOnce(context.Background())
	assert.Equal(t, model.OutboxStatusFailed, f.status(e.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutboxEventsFailed))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OutboxRetries.WithLabelValues(model.EventSLAEscalation)))

	// parked events are never claimed again
	f.now = f.now.Add(time.Hour)
	n, err = f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	f.broker.AssertNumberOfCalls(t, "Publish", 6)
}

func TestOutboxProcessor_Cleanup(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 24 * time.Hour
	f := newRelay(t, cfg)
	old := f.enqueue(t, model.EventSLAEscalation, model.EscalationPayload{})
	f.broker.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	_, err := f.proc.ProcessOnce(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	fresh := f.enqueue(t, model.EventSLAEscalation, model.EscalationPayload{})

	n, err := f.proc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, f.status(old.ID))
	assert.NotNil(t, f.status(fresh.ID))
}

func TestOutboxProcessor_StartStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	f := newRelay(t, cfg)
	f.enqueue(t, model.EventSLAEscalation, model.EscalationPayload{})
	f.broker.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.OutboxEventsProcessed) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestNewOutboxProcessor_InvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewOutboxProcessor(memory.NewStore().Outbox(), new(MockBroker), OutboxProcessorConfig{}, logger.Nop(), metrics.New("t", prometheus.NewRegistry()))
	})
}
