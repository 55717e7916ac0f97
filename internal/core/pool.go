package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/printd/internal/config"
)

type task struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	fn     func(context.Context)
}

// Pool runs at most one task per job id on a bounded set of workers. Core
// workers live until Stop; extra workers are started when the queue is full
// and exit after IdleTimeout without work.
type Pool struct {
	cfg    config.PoolConfig
	logger *slog.Logger

	queue chan *task

	mu      sync.Mutex
	tasks   map[string]*task
	workers int
	running bool
	stopped bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewPool(cfg *config.PoolConfig, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = &config.PoolConfig{
			MinWorkers:  5,
			MaxWorkers:  30,
			QueueSize:   300,
			SubmitWait:  30 * time.Second,
			IdleTimeout: 10 * time.Minute,
		}
	}
	c := *cfg
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        c,
		logger:     logger.With("component", "pool"),
		queue:      make(chan *task, c.QueueSize),
		tasks:      make(map[string]*task),
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the core workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.running {
		return nil
	}
	p.running = true

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked(nil, true)
	}
	return nil
}

// Submit registers fn under id and hands it to a worker. When the pool is
// saturated it blocks for up to SubmitWait for queue space.
func (p *Pool) Submit(ctx context.Context, id string, fn func(context.Context)) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if _, ok := p.tasks[id]; ok {
		p.mu.Unlock()
		return ErrTaskExists
	}

	tctx, cancel := context.WithCancel(p.baseCtx)
	t := &task{id: id, ctx: tctx, cancel: cancel, fn: fn}
	p.tasks[id] = t
	p.mu.Unlock()

	select {
	case p.queue <- t:
		return nil
	default:
	}

	p.mu.Lock()
	if p.running && p.workers < p.cfg.MaxWorkers {
		p.spawnLocked(t, false)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.logger.Warn("pool saturated, waiting for queue space", "job_id", id, "wait", p.cfg.SubmitWait)

	timer := time.NewTimer(p.cfg.SubmitWait)
	defer timer.Stop()

	select {
	case p.queue <- t:
		return nil
	case <-timer.C:
		p.release(t)
		return ErrPoolSaturated
	case <-ctx.Done():
		p.release(t)
		return ctx.Err()
	case <-p.stopCh:
		p.release(t)
		return ErrPoolStopped
	}
}

// Cancel removes the task for id and cancels its context. It is a no-op for
// unknown or finished ids.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if ok {
		delete(p.tasks, id)
	}
	p.mu.Unlock()

	if ok {
		t.cancel()
		p.logger.Debug("task cancelled", "job_id", id)
	}
	return ok
}

func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[id]
	return ok
}

// Active returns the number of registered tasks, queued or running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Stop stops accepting work and waits for running tasks. Tasks still queued
// are run with a cancelled context. If ctx expires first every remaining
// task is cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		p.drain()
		return nil
	case <-ctx.Done():
		p.logger.Warn("stop deadline exceeded, cancelling running tasks", "active", p.Active())
		p.baseCancel()
		p.drain()
		return ctx.Err()
	}
}

func (p *Pool) drain() {
	for {
		select {
		case t := <-p.queue:
			p.logger.Debug("discarding queued task", "job_id", t.id)
			p.run(t)
		default:
			return
		}
	}
}

func (p *Pool) spawnLocked(first *task, core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) worker(first *task, core bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	if first != nil {
		p.run(first)
	}

	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if !core {
		timer = time.NewTimer(p.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.queue:
			p.run(t)
			if timer != nil {
				timer.Reset(p.cfg.IdleTimeout)
			}
		case <-idle:
			return
		}
	}
}

// run always calls fn. A task cancelled while queued gets a done context, so
// fn can record the outcome and release what it owns.
func (p *Pool) run(t *task) {
	defer p.release(t)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "job_id", t.id, "panic", r)
		}
	}()

	t.fn(t.ctx)
}

// release drops the registry entry only if it still belongs to t, so a late
// release never removes a newer task registered under the same id.
func (p *Pool) release(t *task) {
	p.mu.Lock()
	if cur, ok := p.tasks[t.id]; ok && cur == t {
		delete(p.tasks, t.id)
	}
	p.mu.Unlock()
	t.cancel()
}
