package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/consult-core/internal/app"
	"github.com/jwalitptl/consult-core/internal/config"
	auditHandler "github.com/jwalitptl/consult-core/internal/handler/audit"
	consultationHandler "github.com/jwalitptl/consult-core/internal/handler/consultation"
	"github.com/jwalitptl/consult-core/internal/handler/health"
	"github.com/jwalitptl/consult-core/internal/handler/prometheus"
	safetyHandler "github.com/jwalitptl/consult-core/internal/handler/safety"
	slaHandler "github.com/jwalitptl/consult-core/internal/handler/sla"
	"github.com/jwalitptl/consult-core/internal/middleware"
	"github.com/jwalitptl/consult-core/internal/router"
	"github.com/jwalitptl/consult-core/pkg/auth"
	"github.com/jwalitptl/consult-core/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if cfg.JWT.Secret == "" {
		log.Fatal(errors.New("jwt.secret is empty"), "refusing to start without a signing secret")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize storage")
	}
	defer a.Close()

	// Initialize middleware
	tokens := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	// Initialize handlers
	handlers := router.Handlers{
		Health:       health.NewHandler(map[string]health.Pinger{"storage": a.Store}),
		Consultation: consultationHandler.NewHandler(a.Consultations),
		Safety:       safetyHandler.NewHandler(a.Safety),
		Audit:        auditHandler.NewHandler(a.Audit, cfg.Audit.ReadVolumeWindow, cfg.Audit.ReadVolumeThreshold),
		SLA:          slaHandler.NewHandler(a.SLA),
	}

	// Setup router
	r := router.NewRouter(authMiddleware, handlers, prometheus.New(a.Registry), router.RouterConfig{
		RateLimit: rate.Limit(cfg.RateLimit.RPS),
		RateBurst: cfg.RateLimit.Burst,
		Timeout:   time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		Logger:    *log.Zerolog(),
	})
	r.Setup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "storage", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	log.Info("server exited")
}
