package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"vault/internal/server/database"
)

// codeAlphabet is the extraction-code character set: mixed-case letters and
// digits, 6 to 8 of them.
const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ShareService creates and resolves share grants. A share on a directory
// covers its whole subtree, so permission resolution collects the active
// shares of a file and of every ancestor directory.
type ShareService struct {
	shares ShareStore
	blobs  BlobStore
	tree   *TreeService

	// authenticatedRead mirrors the reference behavior: any logged-in user
	// may read any file. Turn it off to make non-owners go through shares
	// like anonymous visitors.
	authenticatedRead bool
}

// NewShareService creates a new share service.
func NewShareService(shares ShareStore, blobs BlobStore, tree *TreeService, authenticatedRead bool) *ShareService {
	return &ShareService{
		shares:            shares,
		blobs:             blobs,
		tree:              tree,
		authenticatedRead: authenticatedRead,
	}
}

// validateCode enforces the extraction-code constraint at the core, not only
// at the presentation edge.
func validateCode(code string) error {
	return validation.Validate(code,
		validation.Required,
		validation.Length(6, 8),
		validation.Match(codePattern),
	)
}

// Create persists a share on target. A nil code makes the share anonymous;
// a nil expiry never expires. A regular node still uploading is invisible
// and cannot be shared.
func (s *ShareService) Create(ctx context.Context, target *database.Node, code *string, expiresAt *time.Time) (*database.Share, error) {
	if target.IsRegular {
		if target.BlobID == nil {
			return nil, fmt.Errorf("%s: %w", target.Name, ErrNotFound)
		}
		blob, err := s.blobs.Get(ctx, *target.BlobID)
		if err != nil || !blob.Finished {
			return nil, fmt.Errorf("%s: %w", target.Name, ErrNotFound)
		}
	}
	if code != nil {
		if err := validateCode(*code); err != nil {
			return nil, fmt.Errorf("extraction code %q: %w", *code, ErrInvalidCode)
		}
	}

	share := &database.Share{
		NodeID:    target.ID,
		Code:      code,
		ExpiresAt: expiresAt,
	}
	if err := s.shares.Create(ctx, share); err != nil {
		return nil, err
	}

	slog.Info("share created",
		"share_id", share.ID,
		"node_id", target.ID,
		"anonymous", code == nil,
		"expires_at", expiresAt,
	)
	return share, nil
}

// Delete removes a share by id, checking it targets a node the owner holds.
func (s *ShareService) Delete(ctx context.Context, ownerID, shareID int64) error {
	share, err := s.shares.Get(ctx, shareID)
	if err != nil {
		return fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	node, err := s.tree.nodes.Get(ctx, share.NodeID)
	if err == nil && node.OwnerID != ownerID {
		return fmt.Errorf("share %d: %w", shareID, ErrPermissionDenied)
	}
	// An orphaned share (target already gone) is still deletable.
	return s.shares.Delete(ctx, shareID)
}

// ByOwner lists the owner's shares.
func (s *ShareService) ByOwner(ctx context.Context, ownerID int64) ([]*database.Share, error) {
	return s.shares.ByOwner(ctx, ownerID)
}

// Resolve decides whether requester may read node. approved carries the
// share ids this visitor's session has already unlocked with a code.
func (s *ShareService) Resolve(ctx context.Context, requester *database.User, node *database.Node, approved map[int64]bool) (bool, error) {
	if requester != nil {
		if s.authenticatedRead || requester.ID == node.OwnerID {
			return true, nil
		}
	}

	shares, err := s.covering(ctx, node)
	if err != nil {
		return false, err
	}
	for _, share := range shares {
		if share.Code == nil {
			return true, nil // anonymous share covers the subtree
		}
		if approved[share.ID] {
			return true, nil
		}
	}
	return false, nil
}

// SubmitCode matches a visitor-supplied extraction code against the active
// shares covering node. On a match the share id is returned for the session
// to remember; access then holds for the life of the session.
func (s *ShareService) SubmitCode(ctx context.Context, node *database.Node, code string) (int64, error) {
	shares, err := s.covering(ctx, node)
	if err != nil {
		return 0, err
	}
	for _, share := range shares {
		if share.Code != nil && *share.Code == code {
			return share.ID, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", node.Name, ErrInvalidCode)
}

// covering collects the active shares of node and of every ancestor
// directory. Expired shares never contribute.
func (s *ShareService) covering(ctx context.Context, node *database.Node) ([]*database.Share, error) {
	ids := []int64{node.ID}
	ancestors, err := s.tree.Ancestors(ctx, node)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		ids = append(ids, a.ID)
	}
	return s.shares.ActiveByNodes(ctx, ids, time.Now())
}

// GenerateCode produces a random extraction code of 6 to 8 characters.
func GenerateCode() (string, error) {
	span, err := rand.Int(rand.Reader, big.NewInt(3))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	length := 6 + int(span.Int64())

	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}
