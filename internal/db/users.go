package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orrn/printd/internal/models"
	"github.com/orrn/printd/internal/quota"
)

// GetUser returns nil without error for unknown users. TotalPrinted is
// aggregated from the user's printed jobs.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var (
		u                   models.User
		role                string
		groupsJSON, semJSON string
	)
	err := s.db.QueryRowContext(ctx, GetUserByID, id).Scan(
		&u.ID, &role, &groupsJSON, &semJSON, &u.ColorPrinting, &u.TotalPrinted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.Role = quota.Role(role)
	if err := json.Unmarshal([]byte(groupsJSON), &u.Groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups for user %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(semJSON), &u.Semesters); err != nil {
		return nil, fmt.Errorf("failed to decode semesters for user %s: %w", id, err)
	}
	return &u, nil
}

func (s *Store) PutUser(ctx context.Context, u *models.User) error {
	groups := u.Groups
	if groups == nil {
		groups = []string{}
	}
	semesters := u.Semesters
	if semesters == nil {
		semesters = []quota.Semester{}
	}

	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("failed to encode groups: %w", err)
	}
	semJSON, err := json.Marshal(semesters)
	if err != nil {
		return fmt.Errorf("failed to encode semesters: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, UpsertUser,
		u.ID, string(u.Role), string(groupsJSON), string(semJSON), u.ColorPrinting); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
