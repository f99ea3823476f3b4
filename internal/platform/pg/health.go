package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WaitOptions controls the startup wait for a reachable database.
type WaitOptions struct {
	// MaxAttempts caps connection attempts; 0 keeps trying until the
	// context expires.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PingTimeout     time.Duration
}

// DefaultWaitOptions returns the wait used at engine startup.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// WaitForDB blocks until the database behind dsn answers a ping,
// backing off exponentially between attempts.
func WaitForDB(ctx context.Context, dsn string, opts WaitOptions) error {
	interval := opts.InitialInterval
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for database: %w", err)
		}
		if err := tryPing(ctx, dsn, opts.PingTimeout); err == nil {
			return nil
		} else if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return fmt.Errorf("database unreachable after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for database: %w", ctx.Err())
		case <-time.After(interval):
			interval *= 2
			if interval > opts.MaxInterval {
				interval = opts.MaxInterval
			}
		}
	}
}

// Healthy reports whether the pool currently answers a ping.
func Healthy(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pool.Ping(pingCtx)
}

func tryPing(ctx context.Context, dsn string, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.New(pingCtx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(pingCtx)
}
