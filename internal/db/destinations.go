package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orrn/printd/internal/models"
)

func (s *Store) scanDestination(row scanner) (*models.Destination, error) {
	d := &models.Destination{}
	var sealed string
	if err := row.Scan(&d.ID, &d.Name, &d.QueueName, &d.Path, &d.Domain, &d.Username, &sealed, &d.Up); err != nil {
		return nil, err
	}
	password, err := s.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials for destination %s: %w", d.Name, err)
	}
	d.Password = password
	return d, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]*models.Destination, error) {
	rows, err := s.db.QueryContext(ctx, ListDestinations)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	var dests []*models.Destination
	for rows.Next() {
		d, err := s.scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// GetDestination returns nil without error for unknown ids.
func (s *Store) GetDestination(ctx context.Context, id string) (*models.Destination, error) {
	d, err := s.scanDestination(s.db.QueryRowContext(ctx, GetDestinationByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return d, nil
}

func (s *Store) PutDestination(ctx context.Context, d *models.Destination) error {
	sealed, err := s.box.Seal(d.Password)
	if err != nil {
		return fmt.Errorf("failed to seal destination credentials: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, UpsertDestination,
		d.ID, d.Name, d.QueueName, d.Path, d.Domain, d.Username, sealed, d.Up); err != nil {
		return fmt.Errorf("failed to save destination: %w", err)
	}
	return nil
}

func (s *Store) SetDestinationUp(ctx context.Context, id string, up bool) error {
	if _, err := s.db.ExecContext(ctx, UpdateDestinationStatus, up, s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update destination status: %w", err)
	}
	return nil
}
