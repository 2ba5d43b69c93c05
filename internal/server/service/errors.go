package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer. Handlers match these with
// errors.Is to pick status codes; batch operations collect them as
// per-item message strings instead of aborting.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotADirectory     = errors.New("not a directory")
	ErrNotRegular        = errors.New("not a regular file")
	ErrNameConflict      = errors.New("name conflict")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrInvalidCode       = errors.New("invalid extraction code")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrStorageIO         = errors.New("storage failure")
	ErrInvalidLogin      = errors.New("invalid username or password")
)

// PathError reports a failed path resolution. Resolved counts how many
// leading segments matched before the failure, which mkdir -p uses to
// decide where to start creating.
type PathError struct {
	Path     string
	Resolved int
	Err      error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
