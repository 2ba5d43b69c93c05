package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const blobColumns = `
	id, size, received, created_at, checksum, storage_path, finished, link_count
`

// BlobRepository provides CRUD operations for content-addressed blobs.
type BlobRepository struct {
	db *DB
}

// NewBlobRepository creates a new BlobRepository.
func NewBlobRepository(db *DB) *BlobRepository {
	return &BlobRepository{db: db}
}

func scanBlob(row pgx.Row) (*Blob, error) {
	b := &Blob{}
	err := row.Scan(
		&b.ID,
		&b.Size,
		&b.Received,
		&b.CreatedAt,
		&b.Checksum,
		&b.StoragePath,
		&b.Finished,
		&b.LinkCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to scan blob: %w", err)
	}
	return b, nil
}

// Create inserts a new blob record. New blobs start unfinished with zero
// links; the upload pipeline fills them in.
func (r *BlobRepository) Create(ctx context.Context, b *Blob) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO blobs (size, received, checksum, storage_path, finished, link_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, b.Size, b.Received, b.Checksum, b.StoragePath, b.Finished, b.LinkCount).
		Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create blob: %w", err)
	}
	return nil
}

// Get retrieves a blob by ID.
func (r *BlobRepository) Get(ctx context.Context, id int64) (*Blob, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT"+blobColumns+"FROM blobs WHERE id = $1", id)
	return scanBlob(row)
}

// FindFinished returns the finished blob with the given checksum, or nil
// when no such blob exists (not an error: dedup misses are normal).
func (r *BlobRepository) FindFinished(ctx context.Context, checksum string) (*Blob, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT"+blobColumns+"FROM blobs WHERE checksum = $1 AND finished", checksum)
	b, err := scanBlob(row)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	return b, err
}

// SetReceived records upload progress.
func (r *BlobRepository) SetReceived(ctx context.Context, id, received int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE blobs SET received = $1 WHERE id = $2", received, id)
	if err != nil {
		return fmt.Errorf("failed to update received count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

// Finish flips a blob to finished with its final checksum, storage path and
// size. The partial unique index on checksum decides concurrent finalizes of
// identical content: the loser gets ErrDuplicate and must relink to the
// winner instead.
func (r *BlobRepository) Finish(ctx context.Context, id int64, checksum, storagePath string, size int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE blobs
		SET checksum = $1, storage_path = $2, size = $3, received = $3, finished = TRUE
		WHERE id = $4 AND NOT finished
	`, checksum, storagePath, size, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to finish blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

// AddLinks adjusts the link count by delta and returns the new value.
func (r *BlobRepository) AddLinks(ctx context.Context, id int64, delta int) (int, error) {
	var links int
	err := r.db.Pool.QueryRow(ctx,
		"UPDATE blobs SET link_count = link_count + $1 WHERE id = $2 RETURNING link_count",
		delta, id).Scan(&links)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to update link count: %w", err)
	}
	return links, nil
}

// Delete removes a blob record.
func (r *BlobRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM blobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

// Unfinished returns blobs whose upload started before the cutoff and never
// finished. The janitor uses this to reap aborted uploads.
func (r *BlobRepository) Unfinished(ctx context.Context, cutoff time.Time) ([]*Blob, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT"+blobColumns+"FROM blobs WHERE NOT finished AND created_at < $1", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}
