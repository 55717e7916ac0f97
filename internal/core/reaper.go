package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/models"
)

// Reaper periodically fails jobs that never reached a terminal state and
// cancels their tasks.
type Reaper struct {
	engine *Engine
	cfg    config.ReaperConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu sync.Mutex
}

func NewReaper(engine *Engine, cfg *config.ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg == nil {
		cfg = &config.ReaperConfig{Schedule: "@every 1m", MaxAge: 30 * time.Minute}
	}
	c := *cfg
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper")

	cl := cronLogger{logger}
	return &Reaper{
		engine: engine,
		cfg:    c,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl))),
		logger: logger,
	}
}

func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		r.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.cfg.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("reaper started", "schedule", r.cfg.Schedule, "max_age", r.cfg.MaxAge)
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	r.logger.Info("reaper stopped")
}

// Sweep fails every non-terminal job older than MaxAge and returns how many
// were reaped. Sweeps never overlap.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.engine.now().Add(-r.cfg.MaxAge)
	jobs, err := r.engine.jobs.QueryStaleJobs(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to query stale jobs", "error", err)
		return 0, err
	}

	reaped := 0
	for _, j := range jobs {
		if r.reap(ctx, j) {
			reaped++
		}
	}

	if reaped > 0 {
		r.logger.Info("sweep complete", "reaped", reaped, "candidates", len(jobs))
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, j *models.Job) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while reaping job", "job_id", j.ID, "panic", p)
			ok = false
		}
	}()

	_, err := r.engine.FailJob(ctx, j.ID, KindTimedOut, "")
	r.engine.Cancel(j.ID)

	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		return false
	case err != nil:
		r.logger.Error("failed to time out job", "job_id", j.ID, "error", err)
		return false
	}

	r.logger.Warn("job timed out", "job_id", j.ID, "started", j.Started)
	return true
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
