package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"testing"
	"time"

	"vault/internal/server/database"
	"vault/internal/server/storage"
)

// memDB backs the in-memory store fakes the service tests run against. It
// mimics the repository contracts: sentinel errors, sibling uniqueness,
// child counts and listing visibility.
type memDB struct {
	mu     sync.Mutex
	seq    int64
	nodes  map[int64]*database.Node
	blobs  map[int64]*database.Blob
	shares map[int64]*database.Share
	users  map[int64]*database.User
}

func newMemDB() *memDB {
	return &memDB{
		nodes:  make(map[int64]*database.Node),
		blobs:  make(map[int64]*database.Blob),
		shares: make(map[int64]*database.Share),
		users:  make(map[int64]*database.User),
	}
}

func (db *memDB) nextID() int64 {
	db.seq++
	return db.seq
}

// nodeCopy mirrors the repository's computed size column: blob size for
// regular files, child count for directories.
func (db *memDB) nodeCopy(n *database.Node) *database.Node {
	cp := *n
	if n.IsRegular {
		cp.Size = 0
		if n.BlobID != nil {
			if b, ok := db.blobs[*n.BlobID]; ok {
				cp.Size = b.Size
			}
		}
	} else {
		cp.Size = int64(n.ChildCount)
	}
	if u, ok := db.users[n.OwnerID]; ok {
		cp.OwnerName = u.Name
	}
	return &cp
}

type memNodes struct{ db *memDB }

func (m *memNodes) Get(ctx context.Context, id int64) (*database.Node, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n, ok := m.db.nodes[id]
	if !ok {
		return nil, database.ErrNodeNotFound
	}
	return m.db.nodeCopy(n), nil
}

func (m *memNodes) Home(ctx context.Context, ownerID int64) (*database.Node, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, n := range m.db.nodes {
		if n.OwnerID == ownerID && n.ParentID == nil {
			return m.db.nodeCopy(n), nil
		}
	}
	return nil, database.ErrNodeNotFound
}

func (m *memNodes) ChildByName(ctx context.Context, parentID int64, name string) (*database.Node, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, n := range m.db.nodes {
		if n.ParentID != nil && *n.ParentID == parentID && n.Name == name {
			return m.db.nodeCopy(n), nil
		}
	}
	return nil, database.ErrNodeNotFound
}

func (m *memNodes) Children(ctx context.Context, parentID int64, offset, limit int) ([]*database.Node, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	var out []*database.Node
	for _, n := range m.db.nodes {
		if n.ParentID == nil || *n.ParentID != parentID {
			continue
		}
		// Unfinished uploads stay invisible in listings.
		if n.IsRegular {
			if n.BlobID == nil {
				continue
			}
			b, ok := m.db.blobs[*n.BlobID]
			if !ok || !b.Finished {
				continue
			}
		}
		out = append(out, m.db.nodeCopy(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsRegular != out[j].IsRegular {
			return !out[i].IsRegular
		}
		return out[i].Name < out[j].Name
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memNodes) NodesByBlob(ctx context.Context, blobID int64) ([]*database.Node, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*database.Node
	for _, n := range m.db.nodes {
		if n.BlobID != nil && *n.BlobID == blobID {
			out = append(out, m.db.nodeCopy(n))
		}
	}
	return out, nil
}

func (m *memNodes) CreateRoot(ctx context.Context, n *database.Node) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.nodes {
		if e.OwnerID == n.OwnerID && e.ParentID == nil {
			return database.ErrDuplicate
		}
	}
	n.ID = m.db.nextID()
	n.CreatedAt = time.Now()
	cp := *n
	m.db.nodes[n.ID] = &cp
	return nil
}

func (m *memNodes) CreateChild(ctx context.Context, n *database.Node) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	parent, ok := m.db.nodes[*n.ParentID]
	if !ok {
		return database.ErrNodeNotFound
	}
	for _, e := range m.db.nodes {
		if e.ParentID != nil && *e.ParentID == *n.ParentID && e.Name == n.Name {
			return database.ErrDuplicate
		}
	}
	n.ID = m.db.nextID()
	n.CreatedAt = time.Now()
	cp := *n
	m.db.nodes[n.ID] = &cp
	parent.ChildCount++
	return nil
}

func (m *memNodes) Attach(ctx context.Context, parentID, childID int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	child, ok := m.db.nodes[childID]
	if !ok {
		return database.ErrNodeNotFound
	}
	parent, ok := m.db.nodes[parentID]
	if !ok {
		return database.ErrNodeNotFound
	}
	for _, e := range m.db.nodes {
		if e.ID != childID && e.ParentID != nil && *e.ParentID == parentID && e.Name == child.Name {
			return database.ErrDuplicate
		}
	}
	if child.ParentID != nil {
		if old, ok := m.db.nodes[*child.ParentID]; ok {
			old.ChildCount--
		}
	}
	child.ParentID = &parentID
	parent.ChildCount++
	return nil
}

func (m *memNodes) Detach(ctx context.Context, parentID, childID int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	child, ok := m.db.nodes[childID]
	if !ok {
		return database.ErrNodeNotFound
	}
	if child.ParentID == nil || *child.ParentID != parentID {
		return nil
	}
	child.ParentID = nil
	if parent, ok := m.db.nodes[parentID]; ok {
		parent.ChildCount--
	}
	return nil
}

func (m *memNodes) Rename(ctx context.Context, id int64, newName string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n, ok := m.db.nodes[id]
	if !ok {
		return database.ErrNodeNotFound
	}
	if n.ParentID != nil {
		for _, e := range m.db.nodes {
			if e.ID != id && e.ParentID != nil && *e.ParentID == *n.ParentID && e.Name == newName {
				return database.ErrDuplicate
			}
		}
	}
	n.Name = newName
	return nil
}

func (m *memNodes) SetBlob(ctx context.Context, nodeID, blobID int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n, ok := m.db.nodes[nodeID]
	if !ok {
		return database.ErrNodeNotFound
	}
	n.BlobID = &blobID
	return nil
}

func (m *memNodes) Delete(ctx context.Context, id int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n, ok := m.db.nodes[id]
	if !ok {
		return database.ErrNodeNotFound
	}
	if n.ParentID != nil {
		if parent, ok := m.db.nodes[*n.ParentID]; ok {
			parent.ChildCount--
		}
	}
	delete(m.db.nodes, id)
	return nil
}

type memBlobs struct{ db *memDB }

func (m *memBlobs) Create(ctx context.Context, b *database.Blob) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b.ID = m.db.nextID()
	b.CreatedAt = time.Now()
	cp := *b
	m.db.blobs[b.ID] = &cp
	return nil
}

func (m *memBlobs) Get(ctx context.Context, id int64) (*database.Blob, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.blobs[id]
	if !ok {
		return nil, database.ErrBlobNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBlobs) FindFinished(ctx context.Context, checksum string) (*database.Blob, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, b := range m.db.blobs {
		if b.Finished && b.Checksum == checksum {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memBlobs) SetReceived(ctx context.Context, id, received int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.blobs[id]
	if !ok {
		return database.ErrBlobNotFound
	}
	b.Received = received
	return nil
}

func (m *memBlobs) Finish(ctx context.Context, id int64, checksum, storagePath string, size int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.blobs[id]
	if !ok {
		return database.ErrBlobNotFound
	}
	for _, e := range m.db.blobs {
		if e.ID != id && e.Finished && e.Checksum == checksum {
			return database.ErrDuplicate
		}
	}
	b.Checksum = checksum
	b.StoragePath = storagePath
	b.Size = size
	b.Received = size
	b.Finished = true
	return nil
}

func (m *memBlobs) AddLinks(ctx context.Context, id int64, delta int) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.blobs[id]
	if !ok {
		return 0, database.ErrBlobNotFound
	}
	b.LinkCount += delta
	return b.LinkCount, nil
}

func (m *memBlobs) Delete(ctx context.Context, id int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.blobs[id]; !ok {
		return database.ErrBlobNotFound
	}
	delete(m.db.blobs, id)
	return nil
}

type memShares struct{ db *memDB }

func (m *memShares) Create(ctx context.Context, s *database.Share) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s.ID = m.db.nextID()
	s.CreatedAt = time.Now()
	cp := *s
	m.db.shares[s.ID] = &cp
	return nil
}

func (m *memShares) Get(ctx context.Context, id int64) (*database.Share, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.shares[id]
	if !ok {
		return nil, database.ErrShareNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memShares) ActiveByNodes(ctx context.Context, nodeIDs []int64, now time.Time) ([]*database.Share, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wanted := make(map[int64]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = true
	}
	var out []*database.Share
	for _, s := range m.db.shares {
		if wanted[s.NodeID] && !s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memShares) ByOwner(ctx context.Context, ownerID int64) ([]*database.Share, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*database.Share
	for _, s := range m.db.shares {
		if n, ok := m.db.nodes[s.NodeID]; ok && n.OwnerID == ownerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memShares) Delete(ctx context.Context, id int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.shares, id)
	return nil
}

type memUsers struct{ db *memDB }

func (m *memUsers) Create(ctx context.Context, u *database.User) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.users {
		if e.Name == u.Name {
			return database.ErrDuplicate
		}
	}
	u.ID = m.db.nextID()
	u.CreatedAt = time.Now()
	cp := *u
	m.db.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Get(ctx context.Context, id int64) (*database.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) ByName(ctx context.Context, name string) (*database.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, database.ErrUserNotFound
}

// fixture wires the fakes into a full service stack rooted at one user's
// home directory.
type fixture struct {
	db    *memDB
	nodes *memNodes
	blobs *memBlobs
	users *memUsers
	tree  *TreeService
	user  *database.User
	home  *database.Node
}

func newFixture(username string) *fixture {
	db := newMemDB()
	f := &fixture{
		db:    db,
		nodes: &memNodes{db: db},
		blobs: &memBlobs{db: db},
		users: &memUsers{db: db},
	}
	f.tree = NewTreeService(f.nodes)

	ctx := context.Background()
	f.user = &database.User{Name: username, PasswordHash: "x"}
	if err := f.users.Create(ctx, f.user); err != nil {
		panic(err)
	}
	f.home = &database.Node{Name: username, OwnerID: f.user.ID}
	if err := f.nodes.CreateRoot(ctx, f.home); err != nil {
		panic(err)
	}
	return f
}

// addFile records a finished blob holding content and a regular node linked
// to it, bypassing the upload pipeline.
func (f *fixture) addFile(t *testing.T, parent *database.Node, name, content string) *database.Node {
	t.Helper()
	ctx := context.Background()

	sum := sha1.Sum([]byte(content))
	checksum := hex.EncodeToString(sum[:])

	blob, err := f.blobs.FindFinished(ctx, checksum)
	if err != nil {
		t.Fatalf("FindFinished failed: %v", err)
	}
	if blob == nil {
		blob = &database.Blob{}
		if err := f.blobs.Create(ctx, blob); err != nil {
			t.Fatalf("blob create failed: %v", err)
		}
		err = f.blobs.Finish(ctx, blob.ID, checksum,
			storage.BlobPath(blob.CreatedAt, checksum), int64(len(content)))
		if err != nil {
			t.Fatalf("blob finish failed: %v", err)
		}
	}

	pid := parent.ID
	node := &database.Node{
		Name:      name,
		OwnerID:   parent.OwnerID,
		ParentID:  &pid,
		IsRegular: true,
		BlobID:    &blob.ID,
	}
	if err := f.nodes.CreateChild(ctx, node); err != nil {
		t.Fatalf("node create failed: %v", err)
	}
	if _, err := f.blobs.AddLinks(ctx, blob.ID, 1); err != nil {
		t.Fatalf("AddLinks failed: %v", err)
	}
	return node
}

// addPartial records an unfinished blob and its placeholder node.
func (f *fixture) addPartial(t *testing.T, parent *database.Node, name string) (*database.Node, *database.Blob) {
	t.Helper()
	ctx := context.Background()

	blob := &database.Blob{StoragePath: "20260101/.tmp-test", LinkCount: 1}
	if err := f.blobs.Create(ctx, blob); err != nil {
		t.Fatalf("blob create failed: %v", err)
	}

	pid := parent.ID
	node := &database.Node{
		Name:      name,
		OwnerID:   parent.OwnerID,
		ParentID:  &pid,
		IsRegular: true,
		BlobID:    &blob.ID,
	}
	if err := f.nodes.CreateChild(ctx, node); err != nil {
		t.Fatalf("node create failed: %v", err)
	}
	return node, blob
}

// mkdirAll creates a directory chain under home and returns the deepest one.
func (f *fixture) mkdirAll(ctx context.Context, segs ...string) *database.Node {
	cur := f.home
	for _, seg := range segs {
		if existing, err := f.nodes.ChildByName(ctx, cur.ID, seg); err == nil {
			cur = existing
			continue
		}
		dir, err := f.tree.CreateDirectory(ctx, cur, f.user.ID, seg)
		if err != nil {
			panic(err)
		}
		cur = dir
	}
	return cur
}
