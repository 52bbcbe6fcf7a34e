package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/consult-core/internal/app"
	"github.com/jwalitptl/consult-core/internal/config"
	"github.com/jwalitptl/consult-core/internal/model"
	internalworker "github.com/jwalitptl/consult-core/internal/worker"
	"github.com/jwalitptl/consult-core/pkg/auth"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/messaging/redis"
	"github.com/jwalitptl/consult-core/pkg/worker"
)

const sweepLockKey = "consult:sla:sweep"

func main() {
	rootCmd := &cobra.Command{
		Use:          "consult-worker",
		Short:        "Background jobs for the consultation workflow",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (overrides CONFIG_FILE)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("CONFIG_FILE", path)
		}
		return nil
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrap() (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(cfg, logger.New(cfg.Log.Level, cfg.Log.Format))
}

func brokerConfig(cfg config.RedisConfig) redis.Config {
	return redis.Config{
		URL:             cfg.URL,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

func outboxConfig(cfg config.OutboxConfig) worker.OutboxProcessorConfig {
	return worker.OutboxProcessorConfig{
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		Lease:          cfg.Lease,
		MaxRetries:     cfg.MaxRetries,
		Retention:      cfg.Retention,
		Channels:       worker.DefaultChannels,
		DefaultChannel: cfg.Channel,
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the SLA sweep loop and the outbox relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			cfg, log := a.Config, a.Logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := redis.NewClient(ctx, brokerConfig(cfg.Redis))
			if err != nil {
				return err
			}
			broker := redis.NewRedisBroker(client, brokerConfig(cfg.Redis), log)
			defer broker.Close()

			processor := worker.NewOutboxProcessor(a.Store.Outbox(), broker, outboxConfig(cfg.Outbox), log, a.Metrics)

			var opts []internalworker.Option
			if cfg.SLA.DistributedLock {
				opts = append(opts, internalworker.WithLocker(internalworker.NewRedisLocker(client, sweepLockKey, cfg.SLA.LockTTL)))
			}
			sweeper := internalworker.NewSLASweepWorker(a.SLA, cfg.SLA.SweepInterval, a.Metrics, log, opts...)

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
				Handler:           opsMux(a),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error(err, "metrics server failed")
				}
			}()

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				sweeper.Start(ctx)
			}()
			go func() {
				defer wg.Done()
				processor.Start(ctx)
			}()

			<-ctx.Done()
			log.Info("shutting down worker")
			wg.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// opsMux serves metrics and probes for the worker process.
func opsMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.PingContext(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single SLA sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []internalworker.Option
			if useLock, _ := cmd.Flags().GetBool("lock"); useLock {
				client, err := redis.NewClient(cmd.Context(), brokerConfig(a.Config.Redis))
				if err != nil {
					return err
				}
				defer client.Close()
				opts = append(opts, internalworker.WithLocker(internalworker.NewRedisLocker(client, sweepLockKey, a.Config.SLA.LockTTL)))
			}

			w := internalworker.NewSLASweepWorker(a.SLA, a.Config.SLA.SweepInterval, a.Metrics, a.Logger, opts...)
			result, ran, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintln(cmd.ErrOrStderr(), "sweep skipped: lock held by another worker")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().Bool("lock", false, "Take the distributed sweep lock in Redis")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.Logger.Info("schema applied", "driver", a.Config.Database.Driver)
			return nil
		},
	}
}

// tokenCmd issues a signed token for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is empty")
			}

			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			id := uuid.New()
			if subject != "" {
				if id, err = uuid.Parse(subject); err != nil {
					return fmt.Errorf("invalid subject: %w", err)
				}
			}
			actor := model.Actor{ID: id, Role: model.Role(role)}
			if !actor.Role.Valid() || actor.Role == model.RoleSystem {
				return fmt.Errorf("invalid role %q", role)
			}

			token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience).GenerateToken(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Actor id (uuid); random when empty")
	cmd.Flags().String("role", string(model.RoleProvider), "Actor role")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
