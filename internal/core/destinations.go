package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/models"
)

var ErrDestinationNotFound = errors.New("destination not found")

const (
	defaultSMBPort           = 445
	defaultConnectionTimeout = 5 * time.Second
	maxConcurrentProbes      = 8
)

// DestinationManager tracks printer reachability and assigns jobs to the
// least loaded reachable destination in their queue.
type DestinationManager struct {
	store  DestinationStore
	jobs   JobStore
	config *config.DestinationsConfig
	logger *slog.Logger

	mu           sync.RWMutex
	destinations map[string]*models.Destination

	dial   func(ctx context.Context, network, address string) (net.Conn, error)
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDestinationManager(store DestinationStore, jobs JobStore, cfg *config.DestinationsConfig, logger *slog.Logger) *DestinationManager {
	if cfg == nil {
		cfg = &config.DestinationsConfig{
			HealthCheckInterval: 30 * time.Second,
			ConnectionTimeout:   defaultConnectionTimeout,
			Port:                defaultSMBPort,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	return &DestinationManager{
		store:        store,
		jobs:         jobs,
		config:       cfg,
		logger:       logger.With("component", "destinations"),
		destinations: make(map[string]*models.Destination),
		dial:         d.DialContext,
		stopCh:       make(chan struct{}),
	}
}

func (dm *DestinationManager) Start(ctx context.Context) error {
	if err := dm.Load(ctx); err != nil {
		return err
	}

	dm.wg.Add(1)
	go dm.healthCheckLoop()
	return nil
}

func (dm *DestinationManager) Stop() {
	close(dm.stopCh)
	dm.wg.Wait()
}

func (dm *DestinationManager) Load(ctx context.Context) error {
	list, err := dm.store.ListDestinations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load destinations: %w", err)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.destinations = make(map[string]*models.Destination, len(list))
	for _, d := range list {
		dm.destinations[d.ID] = d
	}
	dm.logger.Info("destinations loaded", "count", len(list))
	return nil
}

// List returns a snapshot sorted by name.
func (dm *DestinationManager) List() []*models.Destination {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]*models.Destination, 0, len(dm.destinations))
	for _, d := range dm.destinations {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetDestination reads through to the store so credentials are always
// current. Unknown ids return nil without error.
func (dm *DestinationManager) GetDestination(ctx context.Context, id string) (*models.Destination, error) {
	return dm.store.GetDestination(ctx, id)
}

// Assign binds jobID to the reachable destination in its queue with the
// fewest unfinished jobs. If nothing is reachable the job is returned
// without a destination.
func (dm *DestinationManager) Assign(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := dm.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Destination != nil {
		return job, nil
	}

	candidates := dm.candidates(job.QueueName)
	if len(candidates) == 0 {
		dm.logger.Warn("no destination available", "job_id", jobID, "queue", job.QueueName)
		return job, nil
	}

	load, err := dm.store.CountInFlightByDestination(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].Name < candidates[j].Name
	})
	chosen := candidates[0]

	job, err = dm.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return ErrAlreadyTerminal
		}
		id := chosen.ID
		j.Destination = &id
		return nil
	})
	if err != nil {
		return nil, err
	}

	dm.logger.Info("job assigned", "job_id", jobID, "destination", chosen.Name, "in_flight", load[chosen.ID])
	return job, nil
}

func (dm *DestinationManager) candidates(queue string) []*models.Destination {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	var out []*models.Destination
	for _, d := range dm.destinations {
		if d.Up && d.QueueName == queue {
			out = append(out, d)
		}
	}
	return out
}

// CheckStatus dials the destination's SMB port. Dummy destinations are
// always up.
func (dm *DestinationManager) CheckStatus(ctx context.Context, id string) (bool, error) {
	dm.mu.RLock()
	d, ok := dm.destinations[id]
	dm.mu.RUnlock()
	if !ok {
		return false, ErrDestinationNotFound
	}

	up := true
	var probeErr error
	if !d.IsDummy() {
		timeout := dm.config.ConnectionTimeout
		if timeout == 0 {
			timeout = defaultConnectionTimeout
		}
		port := dm.config.Port
		if port == 0 {
			port = defaultSMBPort
		}

		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dm.dial(dctx, "tcp", net.JoinHostPort(d.Host(), strconv.Itoa(port)))
		cancel()
		if err != nil {
			up = false
			probeErr = err
		} else {
			conn.Close()
		}
	}

	dm.updateStatus(ctx, id, up, probeErr)
	return up, nil
}

func (dm *DestinationManager) updateStatus(ctx context.Context, id string, up bool, probeErr error) {
	dm.mu.Lock()
	d, ok := dm.destinations[id]
	if !ok {
		dm.mu.Unlock()
		return
	}
	changed := d.Up != up
	d.Up = up
	name := d.Name
	dm.mu.Unlock()

	if err := dm.store.SetDestinationUp(ctx, id, up); err != nil {
		dm.logger.Error("failed to persist destination status", "destination", name, "error", err)
	}

	if changed {
		if up {
			dm.logger.Info("destination up", "destination", name)
		} else {
			dm.logger.Warn("destination down", "destination", name, "error", probeErr)
		}
	}
}

// CheckAll probes every known destination, a few at a time. A destination
// removed between the snapshot and its probe is logged and skipped.
func (dm *DestinationManager) CheckAll(ctx context.Context) error {
	dm.mu.RLock()
	ids := make([]string, 0, len(dm.destinations))
	for id := range dm.destinations {
		ids = append(ids, id)
	}
	dm.mu.RUnlock()

	return dm.checkIDs(ctx, ids)
}

func (dm *DestinationManager) checkIDs(ctx context.Context, ids []string) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, id := range ids {
		g.Go(func() error {
			_, err := dm.CheckStatus(ctx, id)
			if errors.Is(err, ErrDestinationNotFound) {
				dm.logger.Warn("destination removed before health check", "destination_id", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to check destination %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (dm *DestinationManager) healthCheckLoop() {
	defer dm.wg.Done()

	interval := dm.config.HealthCheckInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()
	check := func() {
		if err := dm.CheckAll(ctx); err != nil {
			dm.logger.Error("health check failed", "error", err)
		}
	}
	check()

	for {
		select {
		case <-dm.stopCh:
			return
		case <-ticker.C:
			check()
		}
	}
}
