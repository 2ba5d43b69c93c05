package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ShareRepository provides CRUD operations for share records.
type ShareRepository struct {
	db *DB
}

// NewShareRepository creates a new ShareRepository.
func NewShareRepository(db *DB) *ShareRepository {
	return &ShareRepository{db: db}
}

func scanShare(row pgx.Row) (*Share, error) {
	s := &Share{}
	err := row.Scan(&s.ID, &s.NodeID, &s.Code, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to scan share: %w", err)
	}
	return s, nil
}

// Create inserts a new share record.
func (r *ShareRepository) Create(ctx context.Context, s *Share) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO shares (node_id, code, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, s.NodeID, s.Code, s.ExpiresAt).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// Get retrieves a share by ID.
func (r *ShareRepository) Get(ctx context.Context, id int64) (*Share, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT id, node_id, code, expires_at, created_at FROM shares WHERE id = $1", id)
	return scanShare(row)
}

// ActiveByNodes returns every share on any of the given nodes that has not
// expired as of now. The permission resolver feeds it a file's own id plus
// all ancestor directory ids.
func (r *ShareRepository) ActiveByNodes(ctx context.Context, nodeIDs []int64, now time.Time) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, node_id, code, expires_at, created_at
		FROM shares
		WHERE node_id = ANY($1) AND (expires_at IS NULL OR expires_at > $2)
	`, nodeIDs, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// ByOwner lists all shares on nodes owned by the given user, newest first.
func (r *ShareRepository) ByOwner(ctx context.Context, ownerID int64) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT s.id, s.node_id, s.code, s.expires_at, s.created_at
		FROM shares s
		JOIN nodes n ON n.id = s.node_id
		WHERE n.owner_id = $1
		ORDER BY s.created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares by owner: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// Delete removes a share record.
func (r *ShareRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM shares WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}
