package core

import (
	"context"
	"time"

	"github.com/orrn/printd/internal/inkcov"
	"github.com/orrn/printd/internal/models"
)

// JobStore persists jobs. UpdateJob must be an atomic read-modify-write; if
// fn returns an error nothing is written and that error is returned.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error)
	QueryStaleJobs(ctx context.Context, olderThan time.Time) ([]*models.Job, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type Classifier interface {
	Classify(ctx context.Context, path string) (*inkcov.Result, error)
}

// Assigner binds a job to a destination. The returned job may still have no
// destination.
type Assigner interface {
	Assign(ctx context.Context, jobID string) (*models.Job, error)
}

type DestinationLookup interface {
	GetDestination(ctx context.Context, id string) (*models.Destination, error)
}

type Sender interface {
	Send(ctx context.Context, document string, dest *models.Destination, debug bool) error
}

// Notifier is told about jobs reaching a terminal state.
type Notifier interface {
	JobFinished(job *models.Job)
}

// DestinationStore backs the DestinationManager.
type DestinationStore interface {
	ListDestinations(ctx context.Context) ([]*models.Destination, error)
	GetDestination(ctx context.Context, id string) (*models.Destination, error)
	SetDestinationUp(ctx context.Context, id string, up bool) error
	CountInFlightByDestination(ctx context.Context) (map[string]int, error)
}
