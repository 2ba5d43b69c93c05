package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vault/internal/server/database"
)

// normalizePath collapses repeated separators and strips trailing ones,
// preserving a single leading slash for rooted paths.
func normalizePath(path string) string {
	rooted := strings.HasPrefix(path, "/")
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." {
			continue
		}
		parts = append(parts, seg)
	}
	p := strings.Join(parts, "/")
	if rooted {
		return "/" + p
	}
	return p
}

// splitPath turns a path into the segments to walk below home. Rooted paths
// must start at the requester's own home; anything else is a sandbox escape.
func splitPath(path string, home *database.Node) ([]string, error) {
	norm := normalizePath(path)

	if strings.HasPrefix(norm, "/") {
		prefix := "/" + home.Name
		switch {
		case norm == prefix:
			norm = ""
		case strings.HasPrefix(norm, prefix+"/"):
			norm = norm[len(prefix)+1:]
		default:
			return nil, &PathError{Path: path, Err: ErrPermissionDenied}
		}
	}

	if norm == "" {
		return nil, nil
	}

	segs := strings.Split(norm, "/")
	for _, seg := range segs {
		if seg == ".." {
			return nil, &PathError{Path: path, Err: ErrPermissionDenied}
		}
	}
	return segs, nil
}

// walk follows segments below home as far as the tree allows. It returns the
// deepest node reached and the index of the first unresolved segment, which
// equals len(segs) on full resolution. Sandbox escapes and traversal through
// a regular file are errors; a missing segment is not.
func (s *TreeService) walk(ctx context.Context, path string, home *database.Node) (*database.Node, []string, int, error) {
	segs, err := splitPath(path, home)
	if err != nil {
		return nil, nil, 0, err
	}

	cur := home
	for i, seg := range segs {
		if cur.IsRegular {
			return nil, segs, i, &PathError{Path: path, Resolved: i, Err: ErrNotADirectory}
		}
		child, err := s.nodes.ChildByName(ctx, cur.ID, seg)
		if err != nil {
			if errors.Is(err, database.ErrNodeNotFound) {
				return cur, segs, i, nil
			}
			return nil, segs, i, fmt.Errorf("lookup %s: %w", seg, err)
		}
		cur = child
	}
	return cur, segs, len(segs), nil
}

// Resolve translates a slash-delimited path into a node. Relative paths are
// resolved against home; absolute paths must stay inside home's subtree or
// the resolution fails with ErrPermissionDenied before any traversal.
func (s *TreeService) Resolve(ctx context.Context, path string, home *database.Node) (*database.Node, error) {
	node, segs, resolved, err := s.walk(ctx, path, home)
	if err != nil {
		return nil, err
	}
	if resolved < len(segs) {
		return nil, &PathError{Path: path, Resolved: resolved, Err: ErrNotFound}
	}
	return node, nil
}
