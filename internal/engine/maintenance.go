package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// pruneSchedule fires the retention job once a day, off-peak.
const pruneSchedule = "13 3 * * *"

// maintenance runs the engine's housekeeping on its own cron runner,
// separate from the schedule tick loop.
type maintenance struct {
	cron *cron.Cron
	log  *slog.Logger
}

func newMaintenance(e *Engine, log *slog.Logger) *maintenance {
	m := &maintenance{log: log}
	m.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log})),
	)
	_, _ = m.cron.AddFunc(pruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		e.pruneRuns(ctx)
	})
	return m
}

func (m *maintenance) start() error {
	m.cron.Start()
	return nil
}

func (m *maintenance) stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		m.log.Warn("maintenance job still running at shutdown")
	}
}

// cronLogger adapts slog to the cron runner's logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	l.log.Error("cron: "+msg, args...)
}
