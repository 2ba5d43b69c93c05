package service

import (
	"context"
	"fmt"

	"vault/internal/server/storage"

	"vault/internal/server/database"
)

// LinkService binds regular nodes to blobs, hardlink style. It is the only
// writer of a blob's link count, and it reclaims bytes and blob records
// when the count reaches zero.
type LinkService struct {
	nodes NodeStore
	blobs BlobStore
	store storage.Store
}

// NewLinkService creates a new link engine.
func NewLinkService(nodes NodeStore, blobs BlobStore, store storage.Store) *LinkService {
	return &LinkService{nodes: nodes, blobs: blobs, store: store}
}

// Link associates a regular node with a blob and counts the reference.
// A no-op when the node already points at that blob.
func (s *LinkService) Link(ctx context.Context, node *database.Node, blob *database.Blob) error {
	if !node.IsRegular {
		return fmt.Errorf("%s: %w", node.Name, ErrNotRegular)
	}
	if node.BlobID != nil && *node.BlobID == blob.ID {
		return nil
	}

	if err := s.nodes.SetBlob(ctx, node.ID, blob.ID); err != nil {
		return err
	}
	links, err := s.blobs.AddLinks(ctx, blob.ID, 1)
	if err != nil {
		return err
	}

	id := blob.ID
	node.BlobID = &id
	blob.LinkCount = links
	return nil
}

// Unlink deletes a regular node and drops its blob reference. The last
// reference takes the stored bytes and the blob record with it; bytes that
// are already gone count as removed.
func (s *LinkService) Unlink(ctx context.Context, node *database.Node) error {
	if !node.IsRegular {
		return fmt.Errorf("%s: %w", node.Name, ErrNotRegular)
	}

	if node.BlobID != nil {
		blob, err := s.blobs.Get(ctx, *node.BlobID)
		if err != nil {
			return err
		}
		links, err := s.blobs.AddLinks(ctx, blob.ID, -1)
		if err != nil {
			return err
		}
		if links <= 0 {
			if blob.StoragePath != "" {
				if err := s.store.Remove(blob.StoragePath); err != nil {
					return fmt.Errorf("%w: %v", ErrStorageIO, err)
				}
			}
			if err := s.blobs.Delete(ctx, blob.ID); err != nil {
				return err
			}
		}
	}

	return s.nodes.Delete(ctx, node.ID)
}
