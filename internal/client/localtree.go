package client

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// ValidationError reports an unusable command-line path argument.
type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

// ParsedPath is one validated local path argument.
type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseLocalPaths validates local path arguments against the filesystem.
func ParseLocalPaths(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath
	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		}
		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}
	return out, nil
}

// TransferItem is one file of a recursive upload: where it lives locally
// and which remote directory, relative to the transfer root, it belongs in.
type TransferItem struct {
	LocalPath string
	RemoteDir string
}

// FlattenForUpload expands the parsed paths into per-file transfer items
// rooted at remoteDir. A directory argument contributes itself as a remote
// subdirectory plus everything beneath it; empty directories appear in the
// returned dirs list so they get created too.
func FlattenForUpload(paths []ParsedPath, remoteDir string) (items []TransferItem, dirs []string, err error) {
	for _, pp := range paths {
		if pp.Kind == PathFile {
			items = append(items, TransferItem{LocalPath: pp.FullPath, RemoteDir: remoteDir})
			continue
		}

		base := path.Join(remoteDir, filepath.Base(pp.FullPath))
		dirs = append(dirs, base)
		sub, subDirs, err := walkDir(pp.FullPath, base)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, sub...)
		dirs = append(dirs, subDirs...)
	}
	return items, dirs, nil
}

func walkDir(dirPath, remoteDir string) (items []TransferItem, dirs []string, err error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())
		if entry.IsDir() {
			childRemote := path.Join(remoteDir, entry.Name())
			dirs = append(dirs, childRemote)
			sub, subDirs, err := walkDir(childPath, childRemote)
			if err != nil {
				return nil, nil, err
			}
			items = append(items, sub...)
			dirs = append(dirs, subDirs...)
		} else {
			items = append(items, TransferItem{LocalPath: childPath, RemoteDir: remoteDir})
		}
	}
	return items, dirs, nil
}
