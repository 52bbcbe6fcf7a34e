package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

// blockingSweeper holds every sweep until release is closed.
type blockingSweeper struct {
	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
	release chan struct{}
}

func (s *blockingSweeper) Sweep(ctx context.Context) (*model.SweepResult, error) {
	s.calls.Add(1)
	n := s.running.Add(1)
	defer s.running.Add(-1)
	if n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return &model.SweepResult{}, nil
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) (*model.SweepResult, error) {
	s.calls.Add(1)
	return &model.SweepResult{Checked: 1}, s.err
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(context.Context) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func newMetrics() *metrics.Metrics {
	return metrics.New("test", prometheus.NewRegistry())
}

func TestSLASweepWorker_SkipsTicksWhileBusy(t *testing.T) {
	m := newMetrics()
	sweeper := &blockingSweeper{release: make(chan struct{})}
	w := NewSLASweepWorker(sweeper, 2*time.Millisecond, m, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SLASweepsSkipped) >= 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), sweeper.calls.Load())

	close(sweeper.release)
	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), sweeper.maxSeen.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSLASweepWorker_KeepsRunningAfterError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("storage unavailable")}
	w := NewSLASweepWorker(sweeper, 2*time.Millisecond, newMetrics(), logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestRunOnce_Lock(t *testing.T) {
	sweeper := &countingSweeper{}
	locker := &fakeLocker{}
	w := NewSLASweepWorker(sweeper, time.Minute, newMetrics(), logger.Nop(), WithLocker(locker))
	ctx := context.Background()

	res, ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, locker.released)

	// another replica holds it
	locker.held = true
	_, ran, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), sweeper.calls.Load())

	locker.held = false
	locker.err = errors.New("redis down")
	_, ran, err = w.RunOnce(ctx)
	assert.Error(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestRunOnce_ReleasesAfterCancel(t *testing.T) {
	locker := &fakeLocker{}
	sweeper := &blockingSweeper{release: make(chan struct{})}
	w := NewSLASweepWorker(sweeper, time.Minute, newMetrics(), logger.Nop(), WithLocker(locker))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, locker.held)
}
