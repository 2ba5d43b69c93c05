package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for blob storage backends.
// This allows swapping filesystem for S3 or other backends later.
// All paths are relative to the store's base directory so they can be
// persisted in blob records.
type Store interface {
	EnsureDir() error
	// CreateTemp opens a fresh temporary file inside the given date bucket
	// and returns its store-relative path. Temp files live next to their
	// final location so Finalize can rename without crossing filesystems.
	CreateTemp(bucket string) (f *os.File, tmpPath string, err error)
	// Finalize moves a temp file to its canonical path. When the target
	// already exists (a concurrent upload of identical content won), the
	// temp file is discarded and the existing bytes stand.
	Finalize(tmpPath, blobPath string) error
	// AppendTemp reopens a temp file for appending, used to resume an
	// interrupted upload.
	AppendTemp(tmpPath string) (io.WriteCloser, error)
	Open(blobPath string) (io.ReadSeekCloser, error)
	// Remove deletes stored bytes, temp or final. Already-gone is success.
	Remove(blobPath string) error
}

// Bucket returns the date bucket a blob uploaded at t belongs to.
func Bucket(t time.Time) string {
	return t.UTC().Format("20060102")
}

// BlobPath returns the canonical storage path for a checksum uploaded at t,
// relative to the store's base directory.
func BlobPath(t time.Time, checksum string) string {
	return Bucket(t) + "/" + checksum
}

// FileStore keeps blobs on the local filesystem under basePath, addressed
// by "{YYYYMMDD}/{checksum}".
type FileStore struct {
	basePath string
}

// NewFileStore creates a new filesystem storage backend.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// CreateTemp opens a new temp file inside the bucket directory, creating the
// bucket on first use.
func (fs *FileStore) CreateTemp(bucket string) (*os.File, string, error) {
	dir := filepath.Join(fs.basePath, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create bucket directory %s: %w", dir, err)
	}

	tmpPath := bucket + "/.tmp-" + uuid.NewString()
	f, err := os.OpenFile(fs.abs(tmpPath), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, tmpPath, nil
}

// Finalize atomically renames tmpPath to the canonical blob path.
func (fs *FileStore) Finalize(tmpPath, blobPath string) error {
	target := fs.abs(blobPath)

	if _, err := os.Stat(target); err == nil {
		// Identical content already in place; ours is redundant.
		os.Remove(fs.abs(tmpPath))
		return nil
	}

	if err := os.Rename(fs.abs(tmpPath), target); err != nil {
		return fmt.Errorf("failed to finalize blob %s: %w", blobPath, err)
	}
	return nil
}

// AppendTemp reopens a temp file for appending.
func (fs *FileStore) AppendTemp(tmpPath string) (io.WriteCloser, error) {
	f, err := os.OpenFile(fs.abs(tmpPath), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen temp file %s: %w", tmpPath, err)
	}
	return f, nil
}

// Open returns a reader over the stored blob bytes.
func (fs *FileStore) Open(blobPath string) (io.ReadSeekCloser, error) {
	f, err := os.Open(fs.abs(blobPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", blobPath, err)
	}
	return f, nil
}

// Remove deletes stored blob bytes. Already-gone is success, not an error.
func (fs *FileStore) Remove(blobPath string) error {
	if err := os.Remove(fs.abs(blobPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", blobPath, err)
	}
	return nil
}

func (fs *FileStore) abs(relPath string) string {
	return filepath.Join(fs.basePath, filepath.FromSlash(relPath))
}
