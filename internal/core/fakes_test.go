package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/orrn/printd/internal/inkcov"
	"github.com/orrn/printd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── job store ───────────────────────────────────────────────────────────────

type memJobs struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	failUpdate map[string]error
	staleErr   error
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*models.Job), failUpdate: make(map[string]error)}
}

func (m *memJobs) put(j *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
}

func (m *memJobs) get(id string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (m *memJobs) GetJob(_ context.Context, id string) (*models.Job, error) {
	return m.get(id), nil
}

func (m *memJobs) UpdateJob(_ context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate[id]; err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.jobs[id] = &cp
	out := cp
	return &out, nil
}

func (m *memJobs) QueryStaleJobs(_ context.Context, olderThan time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleErr != nil {
		return nil, m.staleErr
	}
	var out []*models.Job
	for _, j := range m.jobs {
		if !j.IsTerminal() && j.Started.Before(olderThan) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ─── users ───────────────────────────────────────────────────────────────────

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// ─── classifier ──────────────────────────────────────────────────────────────

type fakeClassifier struct {
	result *inkcov.Result
	err    error
	// block, when set, holds Classify until it is closed or ctx ends.
	block   chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func classification(pages, color int) *inkcov.Result {
	r := &inkcov.Result{}
	for i := 0; i < pages; i++ {
		c := inkcov.Coverage{K: 0.1}
		if i < color {
			c.C = 0.3
		}
		r.Pages = append(r.Pages, c)
	}
	return r
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (*inkcov.Result, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// documentClassifier reads the declared color model from the document itself
// and reports fixed page coverage.
type documentClassifier struct {
	pages []inkcov.Coverage
}

func (d documentClassifier) Classify(_ context.Context, path string) (*inkcov.Result, error) {
	model, err := inkcov.DetectColorModelFile(path)
	if err != nil {
		return nil, err
	}
	return inkcov.NewResult(model, d.pages), nil
}

// ─── assigner / destinations ─────────────────────────────────────────────────

type fakeAssigner struct {
	jobs *memJobs
	dest string
	err  error
}

func (f *fakeAssigner) Assign(ctx context.Context, jobID string) (*models.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.dest == "" {
		return f.jobs.GetJob(ctx, jobID)
	}
	return f.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return ErrAlreadyTerminal
		}
		d := f.dest
		j.Destination = &d
		return nil
	})
}

type memDestinations map[string]*models.Destination

func (m memDestinations) GetDestination(_ context.Context, id string) (*models.Destination, error) {
	d, ok := m[id]
	if !ok {
		return nil, nil
	}
	return d, nil
}

// ─── sender / notifier ───────────────────────────────────────────────────────

type fakeSender struct {
	err   error
	calls atomic.Int32
	debug atomic.Bool
}

func (f *fakeSender) Send(_ context.Context, document string, _ *models.Destination, debug bool) error {
	f.calls.Add(1)
	f.debug.Store(debug)
	if document == "" {
		return errors.New("empty document path")
	}
	return f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (f *fakeNotifier) JobFinished(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func compress(t *testing.T, data string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf
}
