package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UserRepository provides CRUD operations for user accounts.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// Create inserts a new user. A taken username yields ErrDuplicate.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO users (name, password_hash)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, u.Name, u.PasswordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id int64) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT id, name, password_hash, created_at FROM users WHERE id = $1", id)
	return scanUser(row)
}

// ByName retrieves a user by username.
func (r *UserRepository) ByName(ctx context.Context, name string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT id, name, password_hash, created_at FROM users WHERE name = $1", name)
	return scanUser(row)
}

// Stats returns aggregate server statistics.
func (r *UserRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM nodes WHERE NOT is_regular),
			(SELECT COUNT(*) FROM nodes WHERE is_regular),
			(SELECT COUNT(*) FROM blobs WHERE finished),
			(SELECT COALESCE(SUM(size), 0) FROM blobs WHERE finished),
			(SELECT COALESCE(SUM(size * link_count), 0) FROM blobs WHERE finished)
	`).Scan(
		&stats.Users,
		&stats.Directories,
		&stats.RegularFiles,
		&stats.Blobs,
		&stats.StorageUsed,
		&stats.LogicalSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
