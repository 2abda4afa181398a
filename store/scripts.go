package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a script or job identifier is unknown.
var ErrNotFound = errors.New("not found")

// CreateScript stores a new immutable script and returns it.
func (s *Store) CreateScript(ctx context.Context, name, source string) (*Script, error) {
	sc := &Script{
		ID:        uuid.NewString(),
		Name:      name,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scripts (id, name, source, created_at) VALUES (?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Source, sc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert script: %w", err)
	}
	return sc, nil
}

// GetScript fetches a script by id.
func (s *Store) GetScript(ctx context.Context, id string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, source, created_at FROM scripts WHERE id = ?`, id)
	var sc Script
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Source, &sc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sc, nil
}

// ListScripts returns all scripts, newest first.
func (s *Store) ListScripts(ctx context.Context) ([]*Script, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, source, created_at FROM scripts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Script
	for rows.Next() {
		var sc Script
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Source, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}
