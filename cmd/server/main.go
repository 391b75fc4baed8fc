// Command server runs the job-shop production tracker and its maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/diewo77/go-jobshop/auth"
	"github.com/diewo77/go-jobshop/internal/config"
	"github.com/diewo77/go-jobshop/internal/db"
	"github.com/diewo77/go-jobshop/internal/server"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/internal/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const (
	Version = "0.1.0"
	appName = "jobshop"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command needs: configuration and a logger.
type env struct {
	cfg *config.Config
	log *slog.Logger
}

func rootCmd() *cobra.Command {
	var logLevel string
	e := &env{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Job-shop production tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load environment variables from .env file
			_ = godotenv.Load()
			e.log = newLogger(logLevel)
			slog.SetDefault(e.log)
			e.cfg = config.Load()
			return e.cfg.Validate()
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(e),
		migrateCmd(e),
		seedCmd(e),
		backfillCmd(e),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			// Skip configuration loading.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// open connects to the configured database.
func (e *env) open(ctx context.Context) (*gorm.DB, error) {
	conn, err := db.Connect(ctx, e.cfg.Database, e.log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return conn, nil
}

func serveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return e.serve(ctx)
		},
	}
}

func (e *env) serve(ctx context.Context) error {
	conn, err := e.open(ctx)
	if err != nil {
		return err
	}
	// Schema: SQL files when MIGRATIONS is on, AutoMigrate otherwise.
	if err := db.Migrate(ctx, conn, e.cfg.Database, e.cfg.App.Migrations, e.log); err != nil {
		return err
	}
	if e.cfg.App.Seed {
		if err := e.seed(ctx, conn); err != nil {
			return err
		}
	}

	policy, err := services.ParseUnassignedSelectionPolicy(e.cfg.App.UnassignedSelectionPolicy)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := server.NewApp(server.Deps{
		DB:       conn,
		Storage:  storage.NewFileStorage(e.cfg.App.StorageDir),
		Policy:   policy,
		Auth:     auth.New(e.cfg.App.SessionSecret, e.cfg.App.TrustActorHeader),
		Registry: registry,
		Logger:   e.log,
	})

	read, write, idle := e.cfg.Server.Timeouts()
	srv := &http.Server{
		Addr:         ":" + e.cfg.Server.Port,
		Handler:      app,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info("server starting", "port", e.cfg.Server.Port, "dev", e.cfg.App.Dev, "policy", policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	e.log.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	e.log.Info("server stopped gracefully")
	return nil
}
