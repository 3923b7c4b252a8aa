package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/uptimer/internal/alert"
	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/checker"
	"github.com/hazz-dev/uptimer/internal/config"
	"github.com/hazz-dev/uptimer/internal/dashboard"
	"github.com/hazz-dev/uptimer/internal/logging"
	"github.com/hazz-dev/uptimer/internal/scheduler"
	"github.com/hazz-dev/uptimer/internal/server"
	"github.com/hazz-dev/uptimer/internal/storage"
	"github.com/hazz-dev/uptimer/internal/version"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uptimer",
		Short:        "Self-hosted HTTP uptime monitor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults and environment only when empty)")
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before the config")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tickCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(summaryCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uptimer %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, API and dashboard",
		RunE:  runServe,
	}
}

// setup loads the config, builds the logger and opens the database with the
// configured checks seeded. The returned cleanup closes both.
func setup(ctx context.Context) (*config.Config, *slog.Logger, *storage.DB, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logOut, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("building logger: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logOut.Close()
		return nil, nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	cleanup := func() {
		db.Close()
		logOut.Close()
	}

	if err := seedChecks(ctx, db, cfg.Checks, time.Now(), logger); err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	return cfg, logger, db, cleanup, nil
}

type seedStore interface {
	GetCheckByName(ctx context.Context, name string) (*check.Check, error)
	CreateCheck(ctx context.Context, c *check.Check) error
}

// seedChecks creates the configured checks that are not stored yet. Stored
// checks are matched by name and left untouched.
func seedChecks(ctx context.Context, db seedStore, checks []config.Check, now time.Time, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, cc := range checks {
		_, err := db.GetCheckByName(ctx, cc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("looking up check %q: %w", cc.Name, err)
		}
		c, err := check.New(cc.Spec(), now)
		if err != nil {
			return fmt.Errorf("check %q: %w", cc.Name, err)
		}
		if err := db.CreateCheck(ctx, c); err != nil {
			return fmt.Errorf("seeding check %q: %w", cc.Name, err)
		}
		logger.Info("seeded check", "check", c.Name, "url", c.URL, "id", c.ID)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Config, logger, database
	cfg, logger, db, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("config loaded", "checks", len(cfg.Checks), "tick", cfg.Scheduler.Tick.Duration)

	// 3. Scheduler with optional webhook alerts
	sched := scheduler.New(db, checker.NewHTTPProber(nil), scheduler.Options{
		Tick:        cfg.Scheduler.Tick.Duration,
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger)

	var alerter *alert.Alerter
	if wh := cfg.Alerts.Webhook; wh.URL != "" {
		alerter = alert.New(wh.URL, wh.Cooldown.Duration, wh.FailureThreshold, logger)
		sched.SetOnResult(alerter.Notify)
	}

	// 4. API server and dashboard on a single mux
	apiServer := server.New(db, sched, server.Options{
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Router())
	mux.Handle("/", dashboard.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start scheduler and HTTP server
	sched.Start(ctx)
	logger.Info("scheduler started", "tick", cfg.Scheduler.Tick.Duration)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 6. Wait for signal or server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		sched.Wait()
		return fmt.Errorf("HTTP server: %w", err)
	}

	// 7. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}
	sched.Wait()
	if alerter != nil {
		alerter.Wait()
	}

	logger.Info("shutdown complete")
	return nil
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Probe every due check once and record the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, db, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := scheduler.New(db, checker.NewHTTPProber(nil), scheduler.Options{
				Concurrency: cfg.Scheduler.Concurrency,
			}, logger)
			return executeTick(ctx, cmd.OutOrStdout(), sched, db, time.Now())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print every check with its latest status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, db, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return executeStatus(cmd.Context(), cmd.OutOrStdout(), db)
		},
	}
}

func summaryCmd() *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "summary <id|name>",
		Short: "Print the uptime of one check over a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, db, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return executeSummary(cmd.Context(), cmd.OutOrStdout(), db, args[0], window, time.Now())
		},
	}
	cmd.Flags().StringVar(&window, "window", "24h", "summary window, e.g. 30m, 24h or 7d")
	return cmd
}
