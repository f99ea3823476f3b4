// Package app wires configuration, storage, actions, the engine and
// the operator server into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram/bot"

	"schedengine/internal/action"
	"schedengine/internal/action/heartbeat"
	"schedengine/internal/action/telegramnotify"
	"schedengine/internal/action/webhook"
	"schedengine/internal/config"
	"schedengine/internal/engine"
	"schedengine/internal/ops"
	"schedengine/internal/partition"
	"schedengine/internal/platform/httpclient"
	"schedengine/internal/platform/logger"
	"schedengine/internal/platform/pg"
	"schedengine/migrations"
)

// App wires application components.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	closeLog func() error

	// RegisterActions lets the embedding binary add custom actions
	// before Run starts the engine.
	RegisterActions func(*action.Registry) error
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, closeLog := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		Service:      "schedengine",
	})
	return &App{cfg: cfg, log: log, closeLog: closeLog}, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	defer func() {
		if a.closeLog != nil {
			_ = a.closeLog()
		}
	}()
	a.log.Info("starting", "env", a.cfg.Env, "driver", a.cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, cleanup, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := repo.EnsureConfigured(ctx); err != nil {
		return err
	}

	registry := action.NewRegistry(a.log)
	if err := a.registerBuiltins(registry, repo); err != nil {
		return err
	}
	if a.RegisterActions != nil {
		if err := a.RegisterActions(registry); err != nil {
			return err
		}
	}

	eng := engine.New(repo, registry, a.log, engine.Options{
		TickInterval:  a.cfg.Engine.TickInterval,
		Workers:       a.cfg.Engine.Workers,
		RetentionDays: a.cfg.Engine.RetentionDays,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := ops.New(a.cfg.HTTP.Addr, eng, repo, a.log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.log.Error("ops server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("ops server shutdown", "error", err)
	}
	return eng.Stop(shutdownCtx)
}

func (a *App) openRepository(ctx context.Context) (*partition.Repository, func(), error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		dsn := pg.BuildDSN(pg.DSNConfig{
			Host:            a.cfg.Store.PG.Host,
			Port:            a.cfg.Store.PG.Port,
			User:            a.cfg.Store.PG.User,
			Password:        a.cfg.Store.PG.Password,
			Database:        a.cfg.Store.PG.Database,
			SSLMode:         a.cfg.Store.PG.SSLMode,
			ApplicationName: "schedengine",
		})
		if err := pg.WaitForDB(ctx, dsn, pg.DefaultWaitOptions()); err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		if err := pg.ApplyMigrations(migrations.Postgres, "postgres", dsn); err != nil {
			return nil, nil, err
		}
		pool, err := pg.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		repo := partition.NewPostgresRepository(pool, a.cfg.Engine.Partitions, a.log)
		return repo, func() {
			_ = repo.Close()
			pool.Close()
		}, nil
	case "sqlite":
		repo := partition.NewSQLiteRepository(a.cfg.Store.DataDir, a.cfg.Engine.Partitions, a.log)
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, errors.New("unknown store driver " + a.cfg.Store.Driver)
	}
}

func (a *App) registerBuiltins(registry *action.Registry, repo *partition.Repository) error {
	if err := registry.Register(heartbeat.ID, heartbeat.New(repo)); err != nil {
		return err
	}

	client := httpclient.New(
		httpclient.WithLogger(a.log),
		httpclient.WithTimeout(a.cfg.Webhook.Timeout),
		httpclient.WithRetries(a.cfg.Webhook.Retries, 500*time.Millisecond),
		httpclient.WithMaxBackoff(10*time.Second),
	)
	if err := registry.Register(webhook.ID, webhook.New(client)); err != nil {
		return err
	}

	if a.cfg.Telegram.Token != "" {
		b, err := bot.New(a.cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		if err := registry.Register(telegramnotify.ID, telegramnotify.New(b)); err != nil {
			return err
		}
	}
	return nil
}
