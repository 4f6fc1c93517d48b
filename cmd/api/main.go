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

	"telemed-platform/internal/db"
	"telemed-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "telemed-api",
		Short:         "Telemedicine call session API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the expired call sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(noSweeper)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "Do not run the in-process expired call sweeper")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := db.Migrate(ctx, app.DB); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			app.Log.Info("schema applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-calls",
		Short: "End call sessions whose rejoin window lapsed, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			n := app.Calls.CleanupExpiredSessions(ctx)
			app.Log.Info("sweep finished", "ended", n)
			return nil
		},
	}
}

func runServer(noSweeper bool) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap(rootCtx, true)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg, log := app.Config, app.Log
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := newRouter(app)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if !noSweeper {
		go func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error("call sweeper panicked", "panic", p)
				}
			}()
			runSweeper(rootCtx, app)
		}()
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "redis_lock", app.Redis != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
		return err
	}
	return nil
}

func healthCheck(app *application) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return utils.HealthCheck(ctx, app.DB, 2*time.Second)
	}
}
