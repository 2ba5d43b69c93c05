package service

import (
	"context"
	"time"

	"vault/internal/server/database"
)

// The services consume the database repositories through these interfaces
// so tests can substitute in-memory fakes. The *database repositories are
// the production implementations.

// NodeStore persists namespace nodes and their tree membership.
type NodeStore interface {
	Get(ctx context.Context, id int64) (*database.Node, error)
	Home(ctx context.Context, ownerID int64) (*database.Node, error)
	ChildByName(ctx context.Context, parentID int64, name string) (*database.Node, error)
	Children(ctx context.Context, parentID int64, offset, limit int) ([]*database.Node, error)
	NodesByBlob(ctx context.Context, blobID int64) ([]*database.Node, error)
	CreateRoot(ctx context.Context, n *database.Node) error
	CreateChild(ctx context.Context, n *database.Node) error
	Attach(ctx context.Context, parentID, childID int64) error
	Detach(ctx context.Context, parentID, childID int64) error
	Rename(ctx context.Context, id int64, newName string) error
	SetBlob(ctx context.Context, nodeID, blobID int64) error
	Delete(ctx context.Context, id int64) error
}

// BlobStore persists blob records.
type BlobStore interface {
	Create(ctx context.Context, b *database.Blob) error
	Get(ctx context.Context, id int64) (*database.Blob, error)
	FindFinished(ctx context.Context, checksum string) (*database.Blob, error)
	SetReceived(ctx context.Context, id, received int64) error
	Finish(ctx context.Context, id int64, checksum, storagePath string, size int64) error
	AddLinks(ctx context.Context, id int64, delta int) (int, error)
	Delete(ctx context.Context, id int64) error
}

// ShareStore persists share records.
type ShareStore interface {
	Create(ctx context.Context, s *database.Share) error
	Get(ctx context.Context, id int64) (*database.Share, error)
	ActiveByNodes(ctx context.Context, nodeIDs []int64, now time.Time) ([]*database.Share, error)
	ByOwner(ctx context.Context, ownerID int64) ([]*database.Share, error)
	Delete(ctx context.Context, id int64) error
}

// UserStore persists user accounts.
type UserStore interface {
	Create(ctx context.Context, u *database.User) error
	Get(ctx context.Context, id int64) (*database.User, error)
	ByName(ctx context.Context, name string) (*database.User, error)
}
