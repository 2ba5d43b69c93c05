package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// nodeColumns is the select list shared by every node query. Size is
// derived: blob size for regular nodes, child count for directories.
const nodeColumns = `
	n.id, n.name, n.owner_id, u.name, n.parent_id, n.is_regular, n.blob_id,
	n.child_count,
	CASE WHEN n.is_regular THEN COALESCE(b.size, 0) ELSE n.child_count END,
	n.created_at
`

const nodeFrom = `
	FROM nodes n
	JOIN users u ON u.id = n.owner_id
	LEFT JOIN blobs b ON b.id = n.blob_id
`

// NodeRepository provides CRUD and tree-membership operations for nodes.
//
// Directory-membership mutations (attach, detach, delete, child creation)
// serialize per directory by taking a row lock on the parent, so concurrent
// updates to child_count are never lost.
type NodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

func scanNode(row pgx.Row) (*Node, error) {
	n := &Node{}
	err := row.Scan(
		&n.ID,
		&n.Name,
		&n.OwnerID,
		&n.OwnerName,
		&n.ParentID,
		&n.IsRegular,
		&n.BlobID,
		&n.ChildCount,
		&n.Size,
		&n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	return n, nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id int64) (*Node, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+nodeColumns+nodeFrom+" WHERE n.id = $1", id)
	return scanNode(row)
}

// Home retrieves the home root node of a user.
func (r *NodeRepository) Home(ctx context.Context, ownerID int64) (*Node, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+nodeColumns+nodeFrom+" WHERE n.owner_id = $1 AND n.parent_id IS NULL",
		ownerID)
	return scanNode(row)
}

// ChildByName looks up a direct child of parentID by exact name. Unfinished
// uploads are included; visibility filtering belongs to listings.
func (r *NodeRepository) ChildByName(ctx context.Context, parentID int64, name string) (*Node, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+nodeColumns+nodeFrom+" WHERE n.parent_id = $1 AND n.name = $2",
		parentID, name)
	return scanNode(row)
}

// Children lists the visible children of a directory: directories first,
// then regular files, lexicographic by name within each group. Regular
// nodes whose blob is still being uploaded are excluded.
func (r *NodeRepository) Children(ctx context.Context, parentID int64, offset, limit int) ([]*Node, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+nodeColumns+nodeFrom+`
		WHERE n.parent_id = $1 AND (NOT n.is_regular OR COALESCE(b.finished, FALSE))
		ORDER BY n.is_regular, n.name
		OFFSET $2 LIMIT $3`,
		parentID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodesByBlob returns every node linked to the given blob.
func (r *NodeRepository) NodesByBlob(ctx context.Context, blobID int64) ([]*Node, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+nodeColumns+nodeFrom+" WHERE n.blob_id = $1", blobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes by blob: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CreateRoot inserts a user's home root node (no parent).
func (r *NodeRepository) CreateRoot(ctx context.Context, n *Node) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO nodes (name, owner_id, parent_id, is_regular, blob_id, child_count)
		VALUES ($1, $2, NULL, FALSE, NULL, 0)
		RETURNING id, created_at
	`, n.Name, n.OwnerID).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create root node: %w", err)
	}
	return nil
}

// CreateChild inserts a node under n.ParentID, holding the parent's row lock
// while the child row and the parent's child_count change together.
// A sibling name clash yields ErrDuplicate.
func (r *NodeRepository) CreateChild(ctx context.Context, n *Node) error {
	if n.ParentID == nil {
		return fmt.Errorf("create child: parent is required")
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNode(ctx, tx, *n.ParentID); err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO nodes (name, owner_id, parent_id, is_regular, blob_id, child_count)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id, created_at
	`, n.Name, n.OwnerID, n.ParentID, n.IsRegular, n.BlobID).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create node: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE nodes SET child_count = child_count + 1 WHERE id = $1", *n.ParentID); err != nil {
		return fmt.Errorf("failed to update child count: %w", err)
	}

	return tx.Commit(ctx)
}

// Attach links an existing node under a parent directory. A no-op when the
// node is already there. The previous parent, if any, has its child count
// decremented.
func (r *NodeRepository) Attach(ctx context.Context, parentID, childID int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldParent *int64
	err = tx.QueryRow(ctx,
		"SELECT parent_id FROM nodes WHERE id = $1 FOR UPDATE", childID).Scan(&oldParent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNodeNotFound
		}
		return fmt.Errorf("failed to lock node: %w", err)
	}
	if oldParent != nil && *oldParent == parentID {
		return tx.Commit(ctx) // already attached
	}

	// Lock parents in id order so concurrent moves cannot deadlock.
	parents := []int64{parentID}
	if oldParent != nil {
		parents = append(parents, *oldParent)
	}
	if _, err := tx.Exec(ctx,
		"SELECT 1 FROM nodes WHERE id = ANY($1) ORDER BY id FOR UPDATE", parents); err != nil {
		return fmt.Errorf("failed to lock parents: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE nodes SET parent_id = $1 WHERE id = $2", parentID, childID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to attach node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}

	if _, err := tx.Exec(ctx,
		"UPDATE nodes SET child_count = child_count + 1 WHERE id = $1", parentID); err != nil {
		return fmt.Errorf("failed to update child count: %w", err)
	}
	if oldParent != nil {
		if _, err := tx.Exec(ctx,
			"UPDATE nodes SET child_count = child_count - 1 WHERE id = $1", *oldParent); err != nil {
			return fmt.Errorf("failed to update child count: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Detach removes a node from a parent's child list without deleting it.
// A no-op when the node is not listed under that parent.
func (r *NodeRepository) Detach(ctx context.Context, parentID, childID int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNode(ctx, tx, parentID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		"UPDATE nodes SET parent_id = NULL WHERE id = $1 AND parent_id = $2",
		childID, parentID)
	if err != nil {
		return fmt.Errorf("failed to detach node: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx,
			"UPDATE nodes SET child_count = child_count - 1 WHERE id = $1", parentID); err != nil {
			return fmt.Errorf("failed to update child count: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Rename changes a node's name in place. A sibling with the new name yields
// ErrDuplicate.
func (r *NodeRepository) Rename(ctx context.Context, id int64, newName string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE nodes SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to rename node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// SetBlob repoints a regular node at a different blob (dedup relink).
func (r *NodeRepository) SetBlob(ctx context.Context, nodeID, blobID int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE nodes SET blob_id = $1 WHERE id = $2", blobID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to set node blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// Delete removes a node record and maintains its parent's child count.
func (r *NodeRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var parentID *int64
	err = tx.QueryRow(ctx,
		"SELECT parent_id FROM nodes WHERE id = $1 FOR UPDATE", id).Scan(&parentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNodeNotFound
		}
		return fmt.Errorf("failed to lock node: %w", err)
	}

	if parentID != nil {
		if err := lockNode(ctx, tx, *parentID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, "DELETE FROM nodes WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	if parentID != nil {
		if _, err := tx.Exec(ctx,
			"UPDATE nodes SET child_count = child_count - 1 WHERE id = $1", *parentID); err != nil {
			return fmt.Errorf("failed to update child count: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func lockNode(ctx context.Context, tx pgx.Tx, id int64) error {
	var dummy int
	err := tx.QueryRow(ctx,
		"SELECT 1 FROM nodes WHERE id = $1 FOR UPDATE", id).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNodeNotFound
		}
		return fmt.Errorf("failed to lock node: %w", err)
	}
	return nil
}
