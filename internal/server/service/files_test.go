package service

import (
	"context"
	"strings"
	"testing"

	"vault/internal/server/storage"
)

func filesFixture(t *testing.T) (*fixture, *FileService) {
	t.Helper()
	f := newFixture("alice")
	store := storage.NewFileStore(t.TempDir())
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	links := NewLinkService(f.nodes, f.blobs, store)
	return f, NewFileService(f.tree, links)
}

func TestMkdirSingle(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()

	res := svc.Mkdir(ctx, f.user.ID, f.home, []string{"docs"}, false)
	if !res.Status {
		t.Fatalf("mkdir failed: %v", res.Errors)
	}
	if len(res.Output) != 1 || res.Output[0] != "/alice/docs" {
		t.Errorf("output = %v, want [/alice/docs]", res.Output)
	}

	if _, err := f.tree.Resolve(ctx, "docs", f.home); err != nil {
		t.Errorf("created directory not resolvable: %v", err)
	}
}

func TestMkdirExisting(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "docs")

	res := svc.Mkdir(ctx, f.user.ID, f.home, []string{"docs"}, false)
	if res.Status {
		t.Fatal("mkdir over existing reported success")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "cannot create docs: file exists" {
		t.Errorf("errors = %v", res.Errors)
	}

	// With parents, an existing target is not an error (mkdir -p).
	res = svc.Mkdir(ctx, f.user.ID, f.home, []string{"docs"}, true)
	if !res.Status || len(res.Errors) != 0 {
		t.Errorf("mkdir -p over existing: %v", res.Errors)
	}
}

func TestMkdirMissingParent(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()

	res := svc.Mkdir(ctx, f.user.ID, f.home, []string{"a/b/c"}, false)
	if res.Status {
		t.Fatal("mkdir without parents reported success")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "cannot create a/b/c: parent not exists" {
		t.Errorf("errors = %v", res.Errors)
	}

	res = svc.Mkdir(ctx, f.user.ID, f.home, []string{"a/b/c"}, true)
	if !res.Status {
		t.Fatalf("mkdir -p failed: %v", res.Errors)
	}
	want := []string{"/alice/a", "/alice/a/b", "/alice/a/b/c"}
	if strings.Join(res.Output, ",") != strings.Join(want, ",") {
		t.Errorf("output = %v, want %v", res.Output, want)
	}
}

func TestMkdirBatchContinuesPastErrors(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "taken")

	res := svc.Mkdir(ctx, f.user.ID, f.home, []string{"taken", "fresh"}, false)
	if res.Status {
		t.Fatal("batch with a failure reported success")
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v", res.Errors)
	}
	if len(res.Output) != 1 || res.Output[0] != "/alice/fresh" {
		t.Errorf("output = %v", res.Output)
	}
}

func TestRmdir(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "docs")

	res := svc.Rmdir(ctx, f.home, []string{"docs"}, false)
	if !res.Status {
		t.Fatalf("rmdir failed: %v", res.Errors)
	}
	if len(res.Output) != 1 || res.Output[0] != "/alice/docs" {
		t.Errorf("output = %v", res.Output)
	}
}

func TestRmdirRefusals(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "full", "child")
	f.addFile(t, f.home, "file.txt", "x")

	tests := []struct {
		name string
		want string
	}{
		{"full", "failed to remove: full: directory not empty"},
		{"file.txt", "failed to remove: file.txt: not a directory"},
		{".", "failed to remove: .: permission denied"},
		{"ghost", "failed to remove: ghost: not exists"},
	}
	for _, tt := range tests {
		res := svc.Rmdir(ctx, f.home, []string{tt.name}, false)
		if res.Status {
			t.Errorf("rmdir %s reported success", tt.name)
			continue
		}
		if len(res.Errors) != 1 || res.Errors[0] != tt.want {
			t.Errorf("rmdir %s errors = %v, want [%s]", tt.name, res.Errors, tt.want)
		}
	}
}

func TestRmdirParentsClimbs(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "a", "b", "c")

	res := svc.Rmdir(ctx, f.home, []string{"a/b/c"}, true)
	if !res.Status {
		t.Fatalf("rmdir -p failed: %v", res.Errors)
	}
	want := []string{"/alice/a/b/c", "/alice/a/b", "/alice/a"}
	if strings.Join(res.Output, ",") != strings.Join(want, ",") {
		t.Errorf("output = %v, want %v", res.Output, want)
	}

	// The home root survives.
	if _, err := f.nodes.Get(ctx, f.home.ID); err != nil {
		t.Errorf("home removed: %v", err)
	}
}

func TestRmdirParentsStopsAtOccupied(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	f.mkdirAll(ctx, "a", "b")
	f.mkdirAll(ctx, "a", "keep")

	res := svc.Rmdir(ctx, f.home, []string{"a/b"}, true)
	if !res.Status {
		t.Fatalf("rmdir -p failed: %v", res.Errors)
	}
	if len(res.Output) != 1 || res.Output[0] != "/alice/a/b" {
		t.Errorf("output = %v", res.Output)
	}
	if _, err := f.tree.Resolve(ctx, "a", f.home); err != nil {
		t.Errorf("occupied ancestor removed: %v", err)
	}
}

func TestListBreadcrumb(t *testing.T) {
	f, svc := filesFixture(t)
	ctx := context.Background()
	deep := f.mkdirAll(ctx, "a", "b")
	f.addFile(t, deep, "file.txt", "x")

	listing, err := svc.List(ctx, deep, 1, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Name != "file.txt" {
		t.Errorf("items = %v", listing.Items)
	}

	var crumbs []string
	for _, p := range listing.Parents {
		crumbs = append(crumbs, p.Name)
	}
	want := []string{"alice", "a", "b"}
	if strings.Join(crumbs, "/") != strings.Join(want, "/") {
		t.Errorf("parents = %v, want %v", crumbs, want)
	}
}
