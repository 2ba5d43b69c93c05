package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"vault/internal/server/database"
	"vault/internal/server/storage"
)

// UploadService runs the upload pipeline: it streams chunks into a temp
// file inside the target date bucket while rolling a SHA-1 accumulator,
// then finalizes atomically into the blob store, deduplicating against
// existing content ("instant upload").
type UploadService struct {
	nodes     NodeStore
	blobs     BlobStore
	links     *LinkService
	store     storage.Store
	chunkSize int
}

// NewUploadService creates a new upload service. chunkSize bounds the
// receive unit; it is a policy knob, not part of the wire contract.
func NewUploadService(nodes NodeStore, blobs BlobStore, links *LinkService, store storage.Store, chunkSize int) *UploadService {
	if chunkSize < 1 {
		chunkSize = 32 * 1024
	}
	return &UploadService{
		nodes:     nodes,
		blobs:     blobs,
		links:     links,
		store:     store,
		chunkSize: chunkSize,
	}
}

// UploadRequest describes one incoming transfer.
type UploadRequest struct {
	Owner *database.User
	Dir   *database.Node
	Name  string
	Data  io.Reader

	// Resume claim: the client believes the server already holds the first
	// Received bytes, whose SHA-1 is Digest. Zero values mean a fresh
	// transfer.
	Received int64
	Digest   string
}

// ResumeState reports how much of an interrupted upload survived on the
// server, so a client can skip already-received bytes.
type ResumeState struct {
	Received int64  `json:"received"`
	Digest   string `json:"digest"`
}

// Probe reports the resumable state for a pending upload of name into dir.
// A transfer with no surviving partial reports zero received bytes.
func (s *UploadService) Probe(ctx context.Context, dir *database.Node, name string) (*ResumeState, error) {
	node, blob, err := s.partialFor(ctx, dir, name)
	if err != nil || node == nil {
		return &ResumeState{}, err
	}

	digest, n, err := s.hashStored(blob.StoragePath)
	if err != nil || n != blob.Received {
		// Partial bytes are gone or torn; the client should start over.
		return &ResumeState{}, nil
	}
	return &ResumeState{Received: blob.Received, Digest: digest}, nil
}

// Instant links name in dir to an already-stored finished blob with the
// given checksum, transferring no bytes. It reports false when no such
// blob exists and a regular upload is required.
func (s *UploadService) Instant(ctx context.Context, dir *database.Node, ownerID int64, name, checksum string) (*database.Node, bool, error) {
	if err := nodeName(name); err != nil {
		return nil, false, fmt.Errorf("%s: %w", name, ErrNameConflict)
	}
	blob, err := s.blobs.FindFinished(ctx, checksum)
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}

	node, err := s.createFileNode(ctx, dir, ownerID, name, nil)
	if err != nil {
		return nil, false, err
	}
	if err := s.links.Link(ctx, node, blob); err != nil {
		s.nodes.Delete(ctx, node.ID)
		return nil, false, err
	}

	slog.Info("instant upload",
		"node_id", node.ID,
		"name", name,
		"checksum", checksum,
		"links", blob.LinkCount,
	)
	return node, true, nil
}

// Process receives one file. On success the returned node is finished and
// visible. Storage and finalize failures abort the transfer, removing the
// temp file, the unfinished blob, and the placeholder node; an interrupted
// stream instead keeps the partial for a later resume.
func (s *UploadService) Process(ctx context.Context, req UploadRequest) (*database.Node, error) {
	if err := nodeName(req.Name); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, ErrNameConflict)
	}
	if req.Dir.IsRegular {
		return nil, fmt.Errorf("%s: %w", req.Dir.Name, ErrNotADirectory)
	}

	node, blob, w, hasher, err := s.openTransfer(ctx, req)
	if err != nil {
		return nil, err
	}

	received := blob.Received
	abort := func() {
		w.Close()
		if err := s.store.Remove(blob.StoragePath); err != nil {
			slog.Error("failed to remove temp file", "path", blob.StoragePath, "error", err)
		}
		if err := s.nodes.Delete(ctx, node.ID); err != nil && !errors.Is(err, database.ErrNodeNotFound) {
			slog.Error("failed to remove upload node", "node_id", node.ID, "error", err)
		}
		if err := s.blobs.Delete(ctx, blob.ID); err != nil && !errors.Is(err, database.ErrBlobNotFound) {
			slog.Error("failed to remove unfinished blob", "blob_id", blob.ID, "error", err)
		}
	}

	// RECEIVING: bounded chunks, rolling checksum, progress persisted so an
	// interrupted transfer can resume.
	buf := make([]byte, s.chunkSize)
	for {
		// An interrupted transfer keeps its partial so the client can
		// resume; the janitor reaps it if the client never comes back.
		if err := ctx.Err(); err != nil {
			w.Close()
			return nil, fmt.Errorf("upload of %s canceled: %w", req.Name, err)
		}

		n, rerr := req.Data.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				abort()
				return nil, fmt.Errorf("%w: %v", ErrStorageIO, werr)
			}
			hasher.Write(buf[:n])
			received += int64(n)
			if err := s.blobs.SetReceived(ctx, blob.ID, received); err != nil {
				abort()
				return nil, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			return nil, fmt.Errorf("upload of %s interrupted: %w", req.Name, rerr)
		}
	}
	if err := w.Close(); err != nil {
		abort()
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	// FINALIZING.
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if err := s.finalize(ctx, node, blob, checksum, received); err != nil {
		abort()
		return nil, err
	}

	slog.Info("upload finished",
		"node_id", node.ID,
		"name", req.Name,
		"size", received,
		"checksum", checksum,
	)
	return node, nil
}

// openTransfer prepares the receiving state: either a resumed partial or a
// fresh temp file with its unfinished blob record and placeholder node.
func (s *UploadService) openTransfer(ctx context.Context, req UploadRequest) (*database.Node, *database.Blob, io.WriteCloser, hash.Hash, error) {
	node, blob, err := s.partialFor(ctx, req.Dir, req.Name)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if node != nil && req.Received > 0 {
		w, hasher, err := s.resume(ctx, node, blob, req)
		if err == nil {
			return node, blob, w, hasher, nil
		}
		if !errors.Is(err, ErrChecksumMismatch) {
			return nil, nil, nil, nil, err
		}
		// Inconsistent partial: discard and restart from zero.
		s.discardPartial(ctx, node, blob)
		return nil, nil, nil, nil, fmt.Errorf("resume of %s rejected: %w", req.Name, ErrChecksumMismatch)
	}

	if node != nil {
		// A fresh transfer supersedes any surviving partial of the same name.
		s.discardPartial(ctx, node, blob)
	}

	bucket := storage.Bucket(time.Now())
	f, tmpPath, err := s.store.CreateTemp(bucket)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	blob = &database.Blob{StoragePath: tmpPath, LinkCount: 1}
	if err := s.blobs.Create(ctx, blob); err != nil {
		f.Close()
		s.store.Remove(tmpPath)
		return nil, nil, nil, nil, err
	}

	node, err = s.createFileNode(ctx, req.Dir, req.Owner.ID, req.Name, &blob.ID)
	if err != nil {
		f.Close()
		s.store.Remove(tmpPath)
		s.blobs.Delete(ctx, blob.ID)
		return nil, nil, nil, nil, err
	}

	return node, blob, f, sha1.New(), nil
}

// resume validates a partial against the client's claim and reopens it for
// appending with the checksum accumulator seeded from the stored bytes.
func (s *UploadService) resume(ctx context.Context, node *database.Node, blob *database.Blob, req UploadRequest) (io.WriteCloser, hash.Hash, error) {
	if blob.Received != req.Received {
		return nil, nil, fmt.Errorf("received %d != %d: %w", blob.Received, req.Received, ErrChecksumMismatch)
	}

	r, err := s.store.Open(blob.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("partial bytes missing: %w", ErrChecksumMismatch)
	}
	defer r.Close()

	hasher := sha1.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if n != req.Received || hex.EncodeToString(hasher.Sum(nil)) != req.Digest {
		return nil, nil, fmt.Errorf("partial content diverged: %w", ErrChecksumMismatch)
	}

	w, err := s.store.AppendTemp(blob.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	slog.Info("upload resumed",
		"node_id", node.ID,
		"name", node.Name,
		"received", blob.Received,
	)
	return w, hasher, nil
}

// finalize deduplicates and moves the received bytes into place. Exactly one
// of two concurrent uploads of identical content performs the byte move; the
// other relinks to the finished result.
func (s *UploadService) finalize(ctx context.Context, node *database.Node, blob *database.Blob, checksum string, size int64) error {
	existing, err := s.blobs.FindFinished(ctx, checksum)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.relink(ctx, node, blob, existing, true)
	}

	blobPath := storage.BlobPath(blob.CreatedAt, checksum)
	if err := s.store.Finalize(blob.StoragePath, blobPath); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	err = s.blobs.Finish(ctx, blob.ID, checksum, blobPath, size)
	if err == nil {
		blob.Checksum = checksum
		blob.StoragePath = blobPath
		blob.Size = size
		blob.Received = size
		blob.Finished = true
		return nil
	}
	if !errors.Is(err, database.ErrDuplicate) {
		return err
	}

	// Lost the finalize race. The winner's record points at the same
	// canonical path our rename targeted; relink without touching bytes.
	winner, ferr := s.blobs.FindFinished(ctx, checksum)
	if ferr != nil {
		return ferr
	}
	if winner == nil {
		return fmt.Errorf("finalize race for %s left no winner: %w", checksum, ErrStorageIO)
	}
	return s.relink(ctx, node, blob, winner, false)
}

// relink points node at target instead of its unfinished blob and drops the
// unfinished record. removeBytes distinguishes a still-present temp file
// from one already renamed onto the canonical path.
func (s *UploadService) relink(ctx context.Context, node *database.Node, unfinished, target *database.Blob, removeBytes bool) error {
	if removeBytes {
		if err := s.store.Remove(unfinished.StoragePath); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
	}
	if err := s.links.Link(ctx, node, target); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, unfinished.ID); err != nil {
		return err
	}
	slog.Info("deduplicated upload",
		"node_id", node.ID,
		"blob_id", target.ID,
		"checksum", target.Checksum,
		"links", target.LinkCount,
	)
	return nil
}

// Stat reports the finished blob behind a regular node, or nil for a
// directory. Nodes still uploading are invisible and report ErrNotFound.
func (s *UploadService) Stat(ctx context.Context, node *database.Node) (*database.Blob, error) {
	if !node.IsRegular {
		return nil, nil
	}
	if node.BlobID == nil {
		return nil, fmt.Errorf("%s: %w", node.Name, ErrNotFound)
	}
	blob, err := s.blobs.Get(ctx, *node.BlobID)
	if err != nil {
		if errors.Is(err, database.ErrBlobNotFound) {
			return nil, fmt.Errorf("%s: %w", node.Name, ErrNotFound)
		}
		return nil, err
	}
	if !blob.Finished {
		return nil, fmt.Errorf("%s: %w", node.Name, ErrNotFound)
	}
	return blob, nil
}

// Download opens the bytes of a finished regular node for streaming.
func (s *UploadService) Download(ctx context.Context, node *database.Node) (io.ReadSeekCloser, *database.Blob, error) {
	if !node.IsRegular {
		return nil, nil, fmt.Errorf("%s: %w", node.Name, ErrNotRegular)
	}
	blob, err := s.Stat(ctx, node)
	if err != nil {
		return nil, nil, err
	}

	r, err := s.store.Open(blob.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return r, blob, nil
}

// partialFor finds a surviving unfinished upload of name into dir. A
// finished node of that name is a conflict, not a resume candidate.
func (s *UploadService) partialFor(ctx context.Context, dir *database.Node, name string) (*database.Node, *database.Blob, error) {
	node, err := s.nodes.ChildByName(ctx, dir.ID, name)
	if err != nil {
		if errors.Is(err, database.ErrNodeNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if !node.IsRegular || node.BlobID == nil {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
	}
	blob, err := s.blobs.Get(ctx, *node.BlobID)
	if err != nil {
		return nil, nil, err
	}
	if blob.Finished {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
	}
	return node, blob, nil
}

func (s *UploadService) discardPartial(ctx context.Context, node *database.Node, blob *database.Blob) {
	if err := s.store.Remove(blob.StoragePath); err != nil {
		slog.Error("failed to remove stale partial", "path", blob.StoragePath, "error", err)
	}
	if err := s.nodes.Delete(ctx, node.ID); err != nil {
		slog.Error("failed to remove stale upload node", "node_id", node.ID, "error", err)
	}
	if err := s.blobs.Delete(ctx, blob.ID); err != nil {
		slog.Error("failed to remove stale blob", "blob_id", blob.ID, "error", err)
	}
}

func (s *UploadService) createFileNode(ctx context.Context, dir *database.Node, ownerID int64, name string, blobID *int64) (*database.Node, error) {
	if dir.IsRegular {
		return nil, fmt.Errorf("%s: %w", dir.Name, ErrNotADirectory)
	}
	pid := dir.ID
	node := &database.Node{
		Name:      name,
		OwnerID:   ownerID,
		ParentID:  &pid,
		IsRegular: true,
		BlobID:    blobID,
	}
	if err := s.nodes.CreateChild(ctx, node); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
		}
		return nil, err
	}
	return node, nil
}

// hashStored computes the SHA-1 of stored bytes, reporting how many were
// hashed.
func (s *UploadService) hashStored(path string) (string, int64, error) {
	r, err := s.store.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	hasher := sha1.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
