package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

// Sweeper runs one SLA sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (*model.SweepResult, error)
}

// SLASweepWorker runs the SLA sweep on a fixed interval. Ticks are handed to
// a single worker goroutine; a tick that arrives while a sweep is still
// running is dropped and counted.
type SLASweepWorker struct {
	sweeper  Sweeper
	locker   Locker
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *logger.Logger
	trigger  chan struct{}
}

type Option func(*SLASweepWorker)

// WithLocker makes every sweep hold l for its duration.
func WithLocker(l Locker) Option {
	return func(w *SLASweepWorker) {
		if l != nil {
			w.locker = l
		}
	}
}

func NewSLASweepWorker(sweeper Sweeper, interval time.Duration, m *metrics.Metrics, log *logger.Logger, opts ...Option) *SLASweepWorker {
	w := &SLASweepWorker{
		sweeper:  sweeper,
		locker:   noopLocker{},
		interval: interval,
		metrics:  m,
		logger:   log.WithComponent("sla-sweep"),
		trigger:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled and the in-flight sweep has returned.
func (w *SLASweepWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.loop(ctx)
	}()
	defer wg.Wait()

	w.logger.Info("Starting SLA sweep worker", "interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down SLA sweep worker")
			return
		case <-ticker.C:
			select {
			case w.trigger <- struct{}{}:
			default:
				w.metrics.SLASweepsSkipped.Inc()
				w.logger.Warn("previous SLA sweep still running, skipping tick")
			}
		}
	}
}

func (w *SLASweepWorker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			if _, _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error(err, "SLA sweep failed")
			}
		}
	}
}

// RunOnce performs one sweep under the lock. ran is false when another
// replica held the lock.
func (w *SLASweepWorker) RunOnce(ctx context.Context) (result *model.SweepResult, ran bool, err error) {
	release, ok, err := w.locker.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		w.logger.Debug("SLA sweep lock held elsewhere")
		return nil, false, nil
	}
	defer func() {
		// release even when ctx was cancelled mid-sweep
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := release(rctx); rerr != nil {
			w.logger.Error(rerr, "failed to release SLA sweep lock")
		}
	}()

	result, err = w.sweeper.Sweep(ctx)
	return result, true, err
}
