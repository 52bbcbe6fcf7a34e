// Package app wires storage, metrics and the workflow services from config.
// Both binaries build on it so they share one view of the system.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/consult-core/internal/config"
	"github.com/jwalitptl/consult-core/internal/repository"
	"github.com/jwalitptl/consult-core/internal/repository/memory"
	"github.com/jwalitptl/consult-core/internal/repository/postgres"
	"github.com/jwalitptl/consult-core/internal/service/audit"
	"github.com/jwalitptl/consult-core/internal/service/consultation"
	"github.com/jwalitptl/consult-core/internal/service/safety"
	"github.com/jwalitptl/consult-core/internal/service/sla"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
	"github.com/jwalitptl/consult-core/pkg/validator"
)

const metricsNamespace = "consult"

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    repository.Store

	Audit         *audit.Service
	Safety        *safety.Service
	Consultations *consultation.Service
	SLA           *sla.Monitor

	db *sqlx.DB
}

// New opens storage and builds every service. Close releases the storage.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: registry,
		Metrics:  metrics.New(metricsNamespace, registry),
	}

	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using in-memory storage; data is lost on exit")
		a.Store = memory.NewStore()
	default:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.Store = postgres.NewStore(db)
	}

	v := validator.New()

	a.Audit = audit.NewService(a.Store.Audit(), a.Metrics, log,
		audit.WithPageSize(cfg.Audit.PageSize))

	reference := safety.Chain{
		safety.NewCachedReference(a.Store.Interactions(), cfg.Safety.InteractionCacheTTL, a.Metrics),
		safety.NewStaticReference(),
	}
	a.Safety = safety.NewService(a.Store.SafetyChecks(), reference, v, a.Metrics, log,
		safety.WithMaxMgPerKg(cfg.Safety.MaxMgPerKg))

	a.Consultations = consultation.NewService(a.Store.Consultations(), a.Safety, a.Audit, v, a.Metrics, log,
		consultation.WithMaxRetries(cfg.Workflow.MaxTransitionRetries))

	a.SLA = sla.NewMonitor(a.Store.SLA(), a.Store.Consultations(), a.Metrics, log,
		sla.WithThresholds(cfg.SLA.Thresholds()),
		sla.WithEscalationTargets(cfg.SLA.Targets()),
		sla.WithBatchSize(cfg.SLA.SweepBatchSize))

	return a, nil
}

// Migrate applies the schema. It is a no-op for the memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	if err := postgres.Migrate(ctx, a.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
