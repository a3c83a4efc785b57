package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"rapid/sos-relay/internal/mesh"
)

const (
	meshReplaySchedule = "@every 30s"
	meshReplayTimeout  = 20 * time.Second
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// newScheduler registers the periodic SOS queue drain and mesh retry replay.
// An empty drain schedule disables the drain job only.
func (a *App) newScheduler() (*cron.Cron, error) {
	logger := cronLogger{logger: a.logger.With("component", "cron")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(meshReplaySchedule, a.replayMesh); err != nil {
		return nil, fmt.Errorf("schedule mesh replay: %w", err)
	}
	if a.cfg.DrainSchedule == "" {
		return c, nil
	}
	if _, err := c.AddFunc(a.cfg.DrainSchedule, func() { a.drain("schedule") }); err != nil {
		return nil, fmt.Errorf("invalid drain schedule %q: %w", a.cfg.DrainSchedule, err)
	}
	a.logger.Info("sos queue drain scheduled", "schedule", a.cfg.DrainSchedule)
	return c, nil
}

// replayMesh retries envelopes the engine could not transmit earlier.
func (a *App) replayMesh() {
	if a.engine.QueueSize() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), meshReplayTimeout)
	defer cancel()
	n, err := a.engine.ProcessQueue(ctx)
	switch {
	case errors.Is(err, mesh.ErrNoTransport):
		a.logger.Debug("mesh replay skipped, no transport")
	case err != nil:
		a.logger.Debug("mesh replay failed", "error", err)
	case n > 0:
		a.logger.Info("mesh retry queue replayed", "sent", n, "remaining", a.engine.QueueSize())
	}
}
