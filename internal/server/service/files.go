package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vault/internal/server/database"
)

// NodeSummary is the listing view of a node. JSON keys match what the CLI
// client renders.
type NodeSummary struct {
	ID        int64     `json:"id"`
	IsRegular bool      `json:"regular"`
	Owner     string    `json:"owner"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"time"`
	Name      string    `json:"name"`
}

func summarize(n *database.Node) NodeSummary {
	return NodeSummary{
		ID:        n.ID,
		IsRegular: n.IsRegular,
		Owner:     n.OwnerName,
		Size:      n.Size,
		CreatedAt: n.CreatedAt,
		Name:      n.Name,
	}
}

// Listing is one page of a directory plus its breadcrumb chain from the
// home root down to the directory itself.
type Listing struct {
	Items   []NodeSummary `json:"items"`
	Parents []NodeSummary `json:"parents"`
}

// BatchResult reports a multi-name operation. Status is true when no
// errors occurred; Output and Errors collect per-item results instead of
// aborting the whole batch.
type BatchResult struct {
	Status bool     `json:"status"`
	Output []string `json:"output"`
	Errors []string `json:"errors"`
}

func (r *BatchResult) addOutput(s string) { r.Output = append(r.Output, s) }

func (r *BatchResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *BatchResult) finish() *BatchResult {
	r.Status = len(r.Errors) == 0
	if r.Output == nil {
		r.Output = []string{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}

// FileService exposes the batch namespace contracts: listing, mkdir and
// rmdir over multiple names, and single-file removal.
type FileService struct {
	tree  *TreeService
	links *LinkService
}

// NewFileService creates a new file service.
func NewFileService(tree *TreeService, links *LinkService) *FileService {
	return &FileService{tree: tree, links: links}
}

// List returns one page of a directory's children plus the breadcrumb of
// parents ending at the directory itself.
func (s *FileService) List(ctx context.Context, dir *database.Node, page, pageSize int) (*Listing, error) {
	children, err := s.tree.ListChildren(ctx, dir, page, pageSize)
	if err != nil {
		return nil, err
	}

	ancestors, err := s.tree.Ancestors(ctx, dir)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Items: make([]NodeSummary, 0, len(children))}
	for _, c := range children {
		listing.Items = append(listing.Items, summarize(c))
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		listing.Parents = append(listing.Parents, summarize(ancestors[i]))
	}
	listing.Parents = append(listing.Parents, summarize(dir))
	return listing, nil
}

// Mkdir creates a directory per name. With parents set, missing
// intermediate directories are created and an already-existing target is
// not an error (mkdir -p).
func (s *FileService) Mkdir(ctx context.Context, ownerID int64, home *database.Node, names []string, parents bool) *BatchResult {
	res := &BatchResult{}

	for _, name := range names {
		cur, segs, resolved, err := s.tree.walk(ctx, name, home)
		if err != nil {
			res.addError("cannot create %s: %v", name, shortReason(err))
			continue
		}
		if resolved == len(segs) {
			if !parents {
				res.addError("cannot create %s: file exists", name)
			}
			continue
		}
		if len(segs)-resolved > 1 && !parents {
			res.addError("cannot create %s: parent not exists", name)
			continue
		}

		for _, seg := range segs[resolved:] {
			dir, err := s.tree.CreateDirectory(ctx, cur, ownerID, seg)
			if err != nil {
				res.addError("cannot create %s: %v", name, shortReason(err))
				break
			}
			cur = dir
			abspath, err := s.tree.AbsPath(ctx, dir)
			if err == nil {
				res.addOutput(abspath)
			}
		}
	}

	return res.finish()
}

// Rmdir removes empty directories. With parents set, removal continues
// upward through newly emptied ancestors, stopping at (and never removing)
// the home root.
func (s *FileService) Rmdir(ctx context.Context, home *database.Node, names []string, parents bool) *BatchResult {
	res := &BatchResult{}

	for _, name := range names {
		node, err := s.tree.Resolve(ctx, name, home)
		if err != nil {
			res.addError("failed to remove: %s: %v", name, shortReason(err))
			continue
		}

		for node != nil {
			if node.IsRegular {
				res.addError("failed to remove: %s: not a directory", name)
				break
			}
			if node.IsHome() {
				res.addError("failed to remove: %s: permission denied", name)
				break
			}
			if node.ChildCount > 0 {
				res.addError("failed to remove: %s: directory not empty", name)
				break
			}

			abspath, err := s.tree.AbsPath(ctx, node)
			if err != nil {
				res.addError("failed to remove: %s: %v", name, shortReason(err))
				break
			}
			parentID := node.ParentID
			if err := s.tree.nodes.Delete(ctx, node.ID); err != nil {
				res.addError("failed to remove: %s: %v", name, shortReason(err))
				break
			}
			res.addOutput(abspath)

			if !parents || parentID == nil {
				break
			}
			parent, err := s.tree.nodes.Get(ctx, *parentID)
			if err != nil || parent.IsHome() || parent.ChildCount > 0 {
				break
			}
			node = parent
		}
	}

	return res.finish()
}

// Unlink deletes a single regular file via the link engine.
func (s *FileService) Unlink(ctx context.Context, node *database.Node) error {
	return s.links.Unlink(ctx, node)
}

// shortReason strips wrapping down to the taxonomy message for batch error
// strings.
func shortReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not exists"
	case errors.Is(err, ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, ErrNotADirectory):
		return "not a directory"
	case errors.Is(err, ErrNameConflict):
		return "file exists"
	case errors.Is(err, ErrDirectoryNotEmpty):
		return "directory not empty"
	default:
		return err.Error()
	}
}
