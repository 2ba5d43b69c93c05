package service

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vault/internal/server/database"
	"vault/internal/server/storage"
)

func uploadFixture(t *testing.T, username string) (*fixture, *UploadService, *LinkService, storage.Store) {
	t.Helper()
	f := newFixture(username)
	store := storage.NewFileStore(t.TempDir())
	if err := store.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	links := NewLinkService(f.nodes, f.blobs, store)
	uploads := NewUploadService(f.nodes, f.blobs, links, store, 8)
	return f, uploads, links, store
}

func digestOf(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func upload(t *testing.T, f *fixture, uploads *UploadService, name, content string) *database.Node {
	t.Helper()
	node, err := uploads.Process(context.Background(), UploadRequest{
		Owner: f.user,
		Dir:   f.home,
		Name:  name,
		Data:  strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("upload %s failed: %v", name, err)
	}
	return node
}

func TestUploadFresh(t *testing.T) {
	f, uploads, _, store := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "hello content-addressed world"
	node := upload(t, f, uploads, "hello.txt", content)

	blob, err := f.blobs.Get(ctx, *node.BlobID)
	if err != nil {
		t.Fatalf("blob lookup failed: %v", err)
	}
	if !blob.Finished {
		t.Error("blob not finished")
	}
	if blob.Checksum != digestOf(content) {
		t.Errorf("checksum = %s, want %s", blob.Checksum, digestOf(content))
	}
	if blob.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", blob.Size, len(content))
	}
	if blob.LinkCount != 1 {
		t.Errorf("link count = %d, want 1", blob.LinkCount)
	}
	if blob.StoragePath != storage.BlobPath(blob.CreatedAt, blob.Checksum) {
		t.Errorf("storage path = %s", blob.StoragePath)
	}

	r, err := store.Open(blob.StoragePath)
	if err != nil {
		t.Fatalf("open stored bytes failed: %v", err)
	}
	defer r.Close()
	stored, _ := io.ReadAll(r)
	if string(stored) != content {
		t.Errorf("stored bytes = %q", stored)
	}
}

func TestUploadDedup(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "identical bytes"
	first := upload(t, f, uploads, "one.txt", content)
	second := upload(t, f, uploads, "two.txt", content)

	if *first.BlobID != *second.BlobID {
		t.Fatalf("dedup failed: blob %d vs %d", *first.BlobID, *second.BlobID)
	}
	blob, err := f.blobs.Get(ctx, *first.BlobID)
	if err != nil {
		t.Fatalf("blob lookup failed: %v", err)
	}
	if blob.LinkCount != 2 {
		t.Errorf("link count = %d, want 2", blob.LinkCount)
	}

	// Only one blob record survives.
	count := 0
	f.db.mu.Lock()
	for range f.db.blobs {
		count++
	}
	f.db.mu.Unlock()
	if count != 1 {
		t.Errorf("blob records = %d, want 1", count)
	}
}

func TestUnlinkReclaims(t *testing.T) {
	f, uploads, links, store := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "shared payload"
	first := upload(t, f, uploads, "one.txt", content)
	second := upload(t, f, uploads, "two.txt", content)
	blobID := *first.BlobID

	if err := links.Unlink(ctx, first); err != nil {
		t.Fatalf("first unlink failed: %v", err)
	}
	blob, err := f.blobs.Get(ctx, blobID)
	if err != nil {
		t.Fatalf("blob gone after first unlink: %v", err)
	}
	if blob.LinkCount != 1 {
		t.Errorf("link count = %d, want 1", blob.LinkCount)
	}
	if _, err := store.Open(blob.StoragePath); err != nil {
		t.Errorf("bytes reclaimed while still linked: %v", err)
	}

	path := blob.StoragePath
	if err := links.Unlink(ctx, second); err != nil {
		t.Fatalf("last unlink failed: %v", err)
	}
	if _, err := f.blobs.Get(ctx, blobID); err == nil {
		t.Error("blob record survived last unlink")
	}
	if _, err := store.Open(path); err == nil {
		t.Error("stored bytes survived last unlink")
	}
}

func TestUploadSizeAndChecksumScenario(t *testing.T) {
	f, uploads, links, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "0123456789"
	a := upload(t, f, uploads, "a.bin", content)
	b := upload(t, f, uploads, "b.bin", content)

	for _, n := range []*database.Node{a, b} {
		got, err := f.nodes.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("node lookup failed: %v", err)
		}
		if got.Size != int64(len(content)) {
			t.Errorf("%s size = %d, want %d", got.Name, got.Size, len(content))
		}
	}

	if err := links.Unlink(ctx, a); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	got, err := f.nodes.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("survivor lookup failed: %v", err)
	}
	if got.Size != int64(len(content)) {
		t.Errorf("survivor size = %d, want %d", got.Size, len(content))
	}
}

func TestInstantUpload(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "already stored"
	upload(t, f, uploads, "original.txt", content)

	node, linked, err := uploads.Instant(ctx, f.home, f.user.ID, "copy.txt", digestOf(content))
	if err != nil {
		t.Fatalf("Instant failed: %v", err)
	}
	if !linked {
		t.Fatal("instant upload not linked despite existing blob")
	}
	blob, err := f.blobs.Get(ctx, *node.BlobID)
	if err != nil {
		t.Fatalf("blob lookup failed: %v", err)
	}
	if blob.LinkCount != 2 {
		t.Errorf("link count = %d, want 2", blob.LinkCount)
	}

	// Unknown content cannot be linked.
	_, linked, err = uploads.Instant(ctx, f.home, f.user.ID, "other.txt", digestOf("never seen"))
	if err != nil {
		t.Fatalf("Instant failed: %v", err)
	}
	if linked {
		t.Error("instant upload linked unknown content")
	}
}

// errReader yields its content, then fails, simulating a dropped connection.
type errReader struct {
	r io.Reader
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, fmt.Errorf("connection reset")
	}
	return n, err
}

func TestUploadResume(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "a file worth resuming, long enough for several chunks"
	cut := 20

	_, err := uploads.Process(ctx, UploadRequest{
		Owner: f.user,
		Dir:   f.home,
		Name:  "big.bin",
		Data:  &errReader{r: strings.NewReader(content[:cut])},
	})
	if err == nil {
		t.Fatal("interrupted upload reported success")
	}

	state, err := uploads.Probe(ctx, f.home, "big.bin")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if state.Received != int64(cut) {
		t.Fatalf("probe received = %d, want %d", state.Received, cut)
	}
	if state.Digest != digestOf(content[:cut]) {
		t.Fatalf("probe digest mismatch")
	}

	node, err := uploads.Process(ctx, UploadRequest{
		Owner:    f.user,
		Dir:      f.home,
		Name:     "big.bin",
		Data:     strings.NewReader(content[cut:]),
		Received: state.Received,
		Digest:   state.Digest,
	})
	if err != nil {
		t.Fatalf("resumed upload failed: %v", err)
	}

	blob, err := f.blobs.Get(ctx, *node.BlobID)
	if err != nil {
		t.Fatalf("blob lookup failed: %v", err)
	}
	if blob.Checksum != digestOf(content) {
		t.Errorf("checksum = %s, want %s", blob.Checksum, digestOf(content))
	}
	if blob.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", blob.Size, len(content))
	}
}

func TestUploadResumeRejectsBadClaim(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "partial content on the server"
	cut := 10

	uploads.Process(ctx, UploadRequest{
		Owner: f.user,
		Dir:   f.home,
		Name:  "big.bin",
		Data:  &errReader{r: strings.NewReader(content[:cut])},
	})

	_, err := uploads.Process(ctx, UploadRequest{
		Owner:    f.user,
		Dir:      f.home,
		Name:     "big.bin",
		Data:     strings.NewReader(content[cut:]),
		Received: int64(cut),
		Digest:   digestOf("different prefix"),
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}

	// The rejected resume discarded the partial; the next probe starts over.
	state, err := uploads.Probe(ctx, f.home, "big.bin")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if state.Received != 0 {
		t.Errorf("received = %d after discard, want 0", state.Received)
	}
}

func TestUploadConflictWithFinished(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	upload(t, f, uploads, "taken.txt", "first")

	_, err := uploads.Process(ctx, UploadRequest{
		Owner: f.user,
		Dir:   f.home,
		Name:  "taken.txt",
		Data:  strings.NewReader("second"),
	})
	if !errors.Is(err, ErrNameConflict) {
		t.Errorf("got %v, want ErrNameConflict", err)
	}
}

func TestDownload(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	content := "download me"
	node := upload(t, f, uploads, "file.txt", content)

	r, blob, err := uploads.Download(ctx, node)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer r.Close()
	if blob.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", blob.Size, len(content))
	}
	data, _ := io.ReadAll(r)
	if !bytes.Equal(data, []byte(content)) {
		t.Errorf("content = %q", data)
	}

	// Directories and unfinished uploads are not downloadable.
	if _, _, err := uploads.Download(ctx, f.home); !errors.Is(err, ErrNotRegular) {
		t.Errorf("directory download: got %v, want ErrNotRegular", err)
	}
	partial, _ := f.addPartial(t, f.home, "pending.bin")
	if _, _, err := uploads.Download(ctx, partial); !errors.Is(err, ErrNotFound) {
		t.Errorf("unfinished download: got %v, want ErrNotFound", err)
	}
}

func TestStatHidesUnfinished(t *testing.T) {
	f, uploads, _, _ := uploadFixture(t, "alice")
	ctx := context.Background()

	node := upload(t, f, uploads, "file.txt", "stat me")
	blob, err := uploads.Stat(ctx, node)
	if err != nil || blob == nil || !blob.Finished {
		t.Fatalf("Stat on finished file: %v %v", blob, err)
	}

	// Directories stat clean with no blob.
	if blob, err := uploads.Stat(ctx, f.home); err != nil || blob != nil {
		t.Errorf("Stat on directory: %v %v", blob, err)
	}

	// An in-flight upload is invisible to detail lookups.
	partial, _ := f.addPartial(t, f.home, "pending.bin")
	if _, err := uploads.Stat(ctx, partial); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat on unfinished upload: got %v, want ErrNotFound", err)
	}
}

func TestUploadLeavesNoTempOnFreshSuccess(t *testing.T) {
	f := newFixture("alice")
	base := t.TempDir()
	store := storage.NewFileStore(base)
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	links := NewLinkService(f.nodes, f.blobs, store)
	uploads := NewUploadService(f.nodes, f.blobs, links, store, 8)

	upload(t, f, uploads, "a.txt", "payload")

	var temps []string
	filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasPrefix(info.Name(), ".tmp-") {
			temps = append(temps, path)
		}
		return nil
	})
	if len(temps) != 0 {
		t.Errorf("temp files left behind: %v", temps)
	}
}
