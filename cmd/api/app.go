package main

import (
	"context"
	"database/sql"
	"log/slog"

	"telemed-platform/internal/appointment"
	"telemed-platform/internal/audit"
	"telemed-platform/internal/auth"
	"telemed-platform/internal/callsession"
	"telemed-platform/internal/config"
	"telemed-platform/internal/reporting"
	"telemed-platform/pkg/logger"
	"telemed-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// application holds the process-wide dependencies. No globals.
type application struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Auth         *auth.Manager
	Appointments appointment.Repository
	Events       *audit.Service
	Calls        *callsession.Service
	Reports      *reporting.Service
}

// bootstrap loads config and opens storage. Redis is optional: without it the
// call start lock is a no-op. withAuth is false for CLI tasks that never
// verify tokens.
func bootstrap(ctx context.Context, withAuth bool) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	app := &application{Config: cfg, Log: log}

	if withAuth {
		app.Auth, err = auth.NewManager(cfg.Auth)
		if err != nil {
			return nil, err
		}
	}

	app.DB, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, err
	}

	lock := callsession.StartLock(callsession.NoopStartLock{})
	if cfg.RedisEnabled() {
		app.Redis, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			app.Close()
			return nil, err
		}
		lock = callsession.NewRedisStartLock(app.Redis, cfg.Calls.StartLockTTL, 0)
	}

	sessions := callsession.NewPostgresRepo(app.DB)
	app.Appointments = appointment.NewPostgresRepo(app.DB)
	app.Events = audit.NewService(audit.NewPostgresRepo(app.DB))
	app.Calls = callsession.NewService(
		sessions,
		app.Appointments,
		utils.NewUnitOfWork(app.DB, log),
		callsession.WithInitialGrace(cfg.Calls.InitialRejoinGrace),
		callsession.WithReconnectWindow(cfg.Calls.ReconnectWindow),
		callsession.WithStartLock(lock),
		callsession.WithEventRecorder(app.Events),
	)
	app.Reports = reporting.NewService(sessions)
	return app, nil
}

func (a *application) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func runSweeper(ctx context.Context, app *application) {
	ctx = logger.With(ctx, app.Log.With("component", "call_sweeper"))
	callsession.RunSweeper(ctx, app.Calls, app.Config.Calls.SweepInterval)
}
