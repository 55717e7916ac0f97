package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/orrn/printd/internal/inkcov"
	"github.com/orrn/printd/internal/models"
)

// run carries one job through the pipeline. Each stage fills in what the
// next one needs.
type run struct {
	jobID    string
	stored   string
	document string
	debug    bool

	job  *models.Job
	dest *models.Destination
	log  *slog.Logger
}

type stage struct {
	name string
	fn   func(context.Context, *run) error
}

func (e *Engine) stages() []stage {
	return []stage{
		{"decompress", e.decompress},
		{"classify", e.classify},
		{"admit", e.admit},
		{"assign", e.assign},
		{"transmit", e.transmit},
	}
}

func (e *Engine) process(ctx context.Context, jobID, stored string, debug bool) {
	r := &run{
		jobID:  jobID,
		stored: stored,
		debug:  debug,
		log:    e.logger.With("job_id", jobID),
	}
	defer r.cleanup()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pipeline panicked", "panic", p)
			e.fail(ctx, r, &StageError{Kind: KindInternal, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	start := time.Now()
	if err := e.runStages(ctx, r); err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = stageErr(KindInternal, err)
		}
		e.fail(ctx, r, se)
		return
	}
	r.log.Info("job printed", "pages", r.job.Pages, "color_pages", r.job.ColorPages, "duration", time.Since(start))
}

func (e *Engine) runStages(ctx context.Context, r *run) error {
	for _, s := range e.stages() {
		if err := ctx.Err(); err != nil {
			return cancelled(s.name, err)
		}

		start := time.Now()
		err := s.fn(ctx, r)
		if err == nil {
			r.log.Debug("stage complete", "stage", s.name, "duration", time.Since(start))
			continue
		}

		// A stage interrupted by cancellation reports the cancellation,
		// not whatever the interrupted call returned.
		if ctx.Err() != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return cancelled(s.name, ctx.Err())
		}

		var se *StageError
		if !errors.As(err, &se) {
			se = stageErr(KindInternal, err)
		}
		se.Stage = s.name
		return se
	}
	return nil
}

func cancelled(stage string, err error) *StageError {
	return &StageError{
		Kind:   KindInternal,
		Stage:  stage,
		Reason: "Job was cancelled",
		Err:    errors.Join(ErrJobCancelled, err),
	}
}

func (e *Engine) fail(ctx context.Context, r *run, se *StageError) {
	if errors.Is(se, ErrAlreadyTerminal) {
		r.log.Warn("job finished elsewhere, stopping pipeline", "stage", se.Stage)
		return
	}

	if errors.Is(se, ErrJobCancelled) {
		r.log.Info("job cancelled", "stage", se.Stage)
	} else {
		r.log.Error("job failed", "stage", se.Stage, "kind", se.Kind, "error", se.Err)
	}
	e.FailJob(context.WithoutCancel(ctx), r.jobID, se.Kind, se.Message())
}

func (r *run) cleanup() {
	if r.document != "" {
		if err := os.Remove(r.document); err != nil && !os.IsNotExist(err) {
			r.log.Warn("failed to remove working file", "file", r.document, "error", err)
		}
	}
	if err := os.Remove(r.stored); err != nil && !os.IsNotExist(err) {
		r.log.Warn("failed to remove job data", "file", r.stored, "error", err)
	}
}

// update persists fn unless the job already reached a terminal state.
func (e *Engine) update(ctx context.Context, jobID string, fn func(*models.Job)) (*models.Job, error) {
	return e.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return ErrAlreadyTerminal
		}
		fn(j)
		return nil
	})
}

func (e *Engine) decompress(_ context.Context, r *run) error {
	in, err := os.Open(r.stored)
	if err != nil {
		return stageErr(KindDecompressionFailure, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(e.scratchDir, "job-*.ps")
	if err != nil {
		return stageErr(KindInternal, fmt.Errorf("failed to create working file: %w", err))
	}
	r.document = out.Name()
	defer out.Close()

	zr, err := xz.NewReader(in)
	if err != nil {
		return stageErr(KindDecompressionFailure, err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		return stageErr(KindDecompressionFailure, err)
	}
	if err := out.Close(); err != nil {
		return stageErr(KindDecompressionFailure, err)
	}
	return nil
}

func (e *Engine) classify(ctx context.Context, r *run) error {
	res, err := e.classifier.Classify(ctx, r.document)
	if errors.Is(err, inkcov.ErrToolUnavailable) {
		return stageErr(KindInternal, err)
	}
	if err != nil {
		return stageErr(KindClassificationFailure, err)
	}

	pages, color := res.PageCount(), res.ColorPages()
	r.log.Debug("classified", "pages", pages, "color_pages", color, "monochrome", res.Monochrome)

	job, err := e.update(ctx, r.jobID, func(j *models.Job) {
		now := e.now()
		j.Pages = pages
		j.ColorPages = color
		j.Processed = &now
	})
	if err != nil {
		return err
	}
	r.job = job
	return nil
}

func (e *Engine) admit(ctx context.Context, r *run) error {
	user, err := e.users.GetUser(ctx, r.job.UserID)
	if err != nil {
		return stageErr(KindInternal, err)
	}
	if user == nil {
		return stageErr(KindInternal, fmt.Errorf("%w: %s", ErrUserNotFound, r.job.UserID))
	}

	if r.job.ColorPages > 0 && !user.ColorPrinting {
		return stageErr(KindColorDisabled, nil)
	}

	snap := e.quotaFor(user)
	if cost := r.job.Cost(); snap.Remaining < cost {
		return stageErr(KindInsufficientQuota, fmt.Errorf("cost %d exceeds remaining %d", cost, snap.Remaining))
	}
	return nil
}

func (e *Engine) assign(ctx context.Context, r *run) error {
	job, err := e.assigner.Assign(ctx, r.jobID)
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return err
		}
		return stageErr(KindInternal, err)
	}
	if job == nil || job.Destination == nil {
		return stageErr(KindInvalidDestination, nil)
	}

	dest, err := e.destinations.GetDestination(ctx, *job.Destination)
	if err != nil {
		return stageErr(KindInternal, err)
	}
	if dest == nil {
		return stageErr(KindInvalidDestination, fmt.Errorf("unknown destination %s", *job.Destination))
	}

	r.job = job
	r.dest = dest
	r.log.Debug("assigned", "destination", dest.Name)
	return nil
}

func (e *Engine) transmit(ctx context.Context, r *run) error {
	if err := e.sender.Send(ctx, r.document, r.dest, r.debug); err != nil {
		return stageErr(KindTransmitFailure, err)
	}

	// Printing happened; record it even if the task was cancelled meanwhile.
	job, err := e.update(context.WithoutCancel(ctx), r.jobID, func(j *models.Job) {
		now := e.now()
		j.Printed = &now
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		r.log.Warn("job was finalized while sending", "destination", r.dest.Name)
		return err
	}
	if err != nil {
		return stageErr(KindInternal, err)
	}
	r.job = job
	e.notify(job)
	return nil
}
