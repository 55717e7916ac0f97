package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/models"
	"github.com/orrn/printd/internal/quota"
)

type Deps struct {
	Jobs         JobStore
	Users        UserStore
	Classifier   Classifier
	Assigner     Assigner
	Destinations DestinationLookup
	Sender       Sender
	Notifier     Notifier
	Logger       *slog.Logger
}

type Options struct {
	ScratchDir string
	// Debug forces every job through the simulated transport.
	Debug  bool
	Policy quota.Policy
	Pool   *config.PoolConfig
	Now    func() time.Time
}

// Engine accepts print jobs, runs them through the pipeline on its worker
// pool and records every outcome in the job store.
type Engine struct {
	jobs         JobStore
	users        UserStore
	classifier   Classifier
	assigner     Assigner
	destinations DestinationLookup
	sender       Sender
	notifier     Notifier
	logger       *slog.Logger

	pool       *Pool
	scratchDir string
	debug      bool
	policy     quota.Policy
	now        func() time.Time
}

func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Users == nil:
		return nil, fmt.Errorf("user store is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Assigner == nil:
		return nil, fmt.Errorf("assigner is required")
	case deps.Destinations == nil:
		return nil, fmt.Errorf("destination lookup is required")
	case deps.Sender == nil:
		return nil, fmt.Errorf("sender is required")
	}
	if opts.ScratchDir == "" {
		return nil, fmt.Errorf("scratch dir is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Policy.Rules == nil {
		opts.Policy = quota.DefaultPolicy("", nil)
	}

	return &Engine{
		jobs:         deps.Jobs,
		users:        deps.Users,
		classifier:   deps.Classifier,
		assigner:     deps.Assigner,
		destinations: deps.Destinations,
		sender:       deps.Sender,
		notifier:     deps.Notifier,
		logger:       logger.With("component", "engine"),
		pool:         NewPool(opts.Pool, logger),
		scratchDir:   opts.ScratchDir,
		debug:        opts.Debug,
		policy:       opts.Policy,
		now:          now,
	}, nil
}

func (e *Engine) Start() error {
	if err := os.MkdirAll(e.scratchDir, 0o750); err != nil {
		return fmt.Errorf("failed to create scratch dir %s: %w", e.scratchDir, err)
	}
	if err := e.pool.Start(); err != nil {
		return err
	}
	e.logger.Info("engine started", "scratch_dir", e.scratchDir, "debug", e.debug)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	err := e.pool.Stop(ctx)
	e.logger.Info("engine stopped", "error", err)
	return err
}

// Submit stores content for jobID and queues the pipeline. Only storage and
// admission problems are returned; the outcome of the pipeline itself is
// recorded on the job.
func (e *Engine) Submit(ctx context.Context, jobID string, content io.Reader, debug bool) (string, error) {
	log := e.logger.With("job_id", jobID)
	log.Debug("receiving job data")

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job == nil {
		return "", ErrJobNotFound
	}
	if job.IsTerminal() {
		return "", ErrAlreadyTerminal
	}
	if e.pool.Has(jobID) {
		return "", ErrTaskExists
	}

	stored, err := e.store(ctx, jobID, content)
	if err != nil {
		log.Error("failed to store job data", "error", err)
		return "", stageErr(KindStorageFailure, err)
	}
	log.Info("job data stored", "file", stored)

	debug = debug || e.debug
	err = e.pool.Submit(ctx, jobID, func(tctx context.Context) {
		e.process(tctx, jobID, stored, debug)
	})
	if err != nil {
		if errors.Is(err, ErrTaskExists) {
			return "", err
		}
		os.Remove(stored)
		log.Error("failed to queue job", "error", err)
		e.FailJob(context.WithoutCancel(ctx), jobID, KindInternal, "")
		return "", fmt.Errorf("failed to queue job %s: %w", jobID, err)
	}

	return "Successfully created request " + jobID, nil
}

// store writes the compressed content to the scratch dir and stamps the job
// as received. On error nothing is left behind on disk.
func (e *Engine) store(ctx context.Context, jobID string, content io.Reader) (string, error) {
	if err := os.MkdirAll(e.scratchDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	path := filepath.Join(e.scratchDir, jobID+".ps.xz")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write job data: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to flush job data: %w", err)
	}

	_, err = e.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return ErrAlreadyTerminal
		}
		now := e.now()
		j.File = path
		j.Received = &now
		return nil
	})
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to record received job: %w", err)
	}
	return path, nil
}

// Cancel interrupts the task for jobID at its next stage boundary.
func (e *Engine) Cancel(jobID string) {
	if e.pool.Cancel(jobID) {
		e.logger.Info("job cancelled", "job_id", jobID)
	}
}

// HasTask reports whether a task for jobID is queued or running.
func (e *Engine) HasTask(jobID string) bool {
	return e.pool.Has(jobID)
}

func (e *Engine) Quota(ctx context.Context, userID string) (quota.Snapshot, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user == nil {
		return quota.Snapshot{}, ErrUserNotFound
	}
	return e.quotaFor(user), nil
}

func (e *Engine) quotaFor(user *models.User) quota.Snapshot {
	return e.policy.Compute(user.Profile(), user.TotalPrinted, quota.Current(e.now()))
}

// FailJob marks the job failed unless it already reached a terminal state,
// in which case ErrAlreadyTerminal is returned and the job is untouched.
// An empty reason uses the kind's default message.
func (e *Engine) FailJob(ctx context.Context, jobID string, kind ErrorKind, reason string) (*models.Job, error) {
	if reason == "" {
		reason = kind.Message()
	}

	job, err := e.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return ErrAlreadyTerminal
		}
		j.Fail(string(kind), reason, e.now())
		return nil
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		e.logger.Warn("job already finished, not failing", "job_id", jobID, "kind", kind)
		return nil, err
	}
	if err != nil {
		e.logger.Error("failed to mark job failed", "job_id", jobID, "kind", kind, "error", err)
		return nil, err
	}

	e.notify(job)
	return job, nil
}

func (e *Engine) notify(job *models.Job) {
	if e.notifier != nil && job != nil {
		e.notifier.JobFinished(job)
	}
}
