package database

import "time"

// User is an account that owns a home directory in the namespace.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Node is an entry in the virtual filesystem: a directory or a regular file.
// A regular node points at a Blob; a directory node counts its children so
// that emptiness checks never have to enumerate them.
type Node struct {
	ID         int64
	Name       string
	OwnerID    int64
	OwnerName  string // joined from users for listings
	ParentID   *int64 // nil only for a user's home root
	IsRegular  bool
	BlobID     *int64 // nil for directories
	ChildCount int
	Size       int64 // blob size for regular nodes, child count for directories
	CreatedAt  time.Time
}

// IsHome reports whether the node is a user's home root.
func (n *Node) IsHome() bool { return n.ParentID == nil }

// Blob is a content-addressed byte payload. Multiple nodes may link to the
// same blob (hardlink-style dedup); LinkCount is maintained exclusively by
// the link engine.
type Blob struct {
	ID          int64
	Size        int64
	Received    int64
	CreatedAt   time.Time
	Checksum    string // sha1 hex, empty until finished
	StoragePath string // temp path while receiving, "{YYYYMMDD}/{checksum}" once finished
	Finished    bool
	LinkCount   int
}

// Share grants read access to a node and, for directories, its whole subtree.
// A nil Code means anonymous (world-visible); a nil ExpiresAt never expires.
type Share struct {
	ID        int64
	NodeID    int64
	Code      *string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the share no longer grants access.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Stats holds aggregate server statistics.
type Stats struct {
	Users        int64
	Directories  int64
	RegularFiles int64
	Blobs        int64
	StorageUsed  int64 // bytes of finished blobs
	LogicalSize  int64 // bytes as seen by users (storage * links)
}
