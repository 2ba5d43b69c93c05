package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"vault/internal/server/database"
)

// TreeService owns the directory/file graph: parent/child membership,
// sibling name uniqueness and node lifecycle. Acyclicity holds by
// construction: Add only attaches nodes, it never walks up from the child.
type TreeService struct {
	nodes NodeStore
}

// NewTreeService creates a new tree service.
func NewTreeService(nodes NodeStore) *TreeService {
	return &TreeService{nodes: nodes}
}

// nodeName rejects names that cannot live in the tree.
func nodeName(name string) error {
	return validation.Validate(name,
		validation.Required,
		validation.Length(1, 256),
		validation.By(func(v interface{}) error {
			s, _ := v.(string)
			if strings.ContainsRune(s, '/') {
				return errors.New("must not contain '/'")
			}
			if s == "." || s == ".." {
				return errors.New("is reserved")
			}
			return nil
		}),
	)
}

// Node retrieves a node by id.
func (s *TreeService) Node(ctx context.Context, id int64) (*database.Node, error) {
	node, err := s.nodes.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNodeNotFound) {
			return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return node, nil
}

// Add lists child under parent. Idempotent when the child is already there.
func (s *TreeService) Add(ctx context.Context, parent, child *database.Node) error {
	if parent.IsRegular {
		return fmt.Errorf("%s: %w", parent.Name, ErrNotADirectory)
	}
	if child.ParentID != nil && *child.ParentID == parent.ID {
		return nil
	}
	if err := s.nodes.Attach(ctx, parent.ID, child.ID); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return fmt.Errorf("%s: %w", child.Name, ErrNameConflict)
		}
		return err
	}
	pid := parent.ID
	child.ParentID = &pid
	return nil
}

// Remove unlists child from parent without deleting it. A no-op when the
// child is not listed there.
func (s *TreeService) Remove(ctx context.Context, parent, child *database.Node) error {
	if parent.IsRegular {
		return fmt.Errorf("%s: %w", parent.Name, ErrNotADirectory)
	}
	if err := s.nodes.Detach(ctx, parent.ID, child.ID); err != nil {
		return err
	}
	if child.ParentID != nil && *child.ParentID == parent.ID {
		child.ParentID = nil
	}
	return nil
}

// ListChildren returns one page of a directory's visible children:
// directories before regular files, lexicographic by name within each group.
// Page numbers start at 1.
func (s *TreeService) ListChildren(ctx context.Context, dir *database.Node, page, pageSize int) ([]*database.Node, error) {
	if dir.IsRegular {
		return nil, fmt.Errorf("%s: %w", dir.Name, ErrNotADirectory)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return s.nodes.Children(ctx, dir.ID, (page-1)*pageSize, pageSize)
}

// Rename changes a node's name in place. A sibling with the new name yields
// ErrNameConflict.
func (s *TreeService) Rename(ctx context.Context, node *database.Node, newName string) error {
	if err := nodeName(newName); err != nil {
		return fmt.Errorf("%s: %w", newName, ErrNameConflict)
	}
	if err := s.nodes.Rename(ctx, node.ID, newName); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return fmt.Errorf("%s: %w", newName, ErrNameConflict)
		}
		if errors.Is(err, database.ErrNodeNotFound) {
			return fmt.Errorf("%s: %w", node.Name, ErrNotFound)
		}
		return err
	}
	node.Name = newName
	return nil
}

// CreateDirectory makes a new empty directory under parent.
func (s *TreeService) CreateDirectory(ctx context.Context, parent *database.Node, ownerID int64, name string) (*database.Node, error) {
	if parent.IsRegular {
		return nil, fmt.Errorf("%s: %w", parent.Name, ErrNotADirectory)
	}
	if err := nodeName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
	}
	pid := parent.ID
	dir := &database.Node{
		Name:     name,
		OwnerID:  ownerID,
		ParentID: &pid,
	}
	if err := s.nodes.CreateChild(ctx, dir); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
		}
		return nil, err
	}
	return dir, nil
}

// Ancestors returns the chain of directories above node, nearest parent
// first, ending at the home root.
func (s *TreeService) Ancestors(ctx context.Context, node *database.Node) ([]*database.Node, error) {
	var chain []*database.Node
	cur := node
	for cur.ParentID != nil {
		parent, err := s.nodes.Get(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// AbsPath returns a node's absolute path, "/{owner}/..." down from the home
// root.
func (s *TreeService) AbsPath(ctx context.Context, node *database.Node) (string, error) {
	ancestors, err := s.Ancestors(ctx, node)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		parts = append(parts, ancestors[i].Name)
	}
	parts = append(parts, node.Name)
	return "/" + strings.Join(parts, "/"), nil
}
