package tree

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cloakfs/cloakfs/blocks"
)

const testCapacity = 64

// memAccess is an in-memory BlockAccess for tests: no encryption, no
// ledger, just a map under a mutex.
type memAccess struct {
	mu       sync.Mutex
	data     map[blocks.ID][]byte
	capacity int
}

func newMemAccess(capacity int) *memAccess {
	return &memAccess{data: make(map[blocks.ID][]byte), capacity: capacity}
}

func (m *memAccess) Load(id blocks.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	return append([]byte(nil), payload...), nil
}

func (m *memAccess) Store(id blocks.ID, payload []byte) error {
	if len(payload) > m.capacity {
		return fmt.Errorf("payload %d bytes exceeds capacity %d", len(payload), m.capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte(nil), payload...)
	return nil
}

func (m *memAccess) Remove(id blocks.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *memAccess) NewID() blocks.ID { return blocks.NewID() }

func (m *memAccess) Capacity() int { return m.capacity }

func (m *memAccess) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func newTestTree(t *testing.T) (*Tree, *memAccess) {
	t.Helper()
	access := newMemAccess(testCapacity)
	root, err := InitRoot(access)
	if err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	tr, err := New(access, root, DefaultParallelConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr, access
}

func TestResolveRoot(t *testing.T) {
	tr, _ := newTestTree(t)
	for _, path := range []string{"/", ""} {
		id, kind, err := tr.Resolve(path)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", path, err)
		}
		if id != tr.Root() || kind != KindDir {
			t.Errorf("Resolve(%q) = %s %s, want root dir", path, id, kind)
		}
	}
}

func TestCreateAndResolve(t *testing.T) {
	tr, _ := newTestTree(t)

	dirID, err := tr.CreateNode(tr.Root(), "docs", KindDir)
	if err != nil {
		t.Fatalf("CreateNode dir: %v", err)
	}
	fileID, err := tr.CreateNode(dirID, "note.txt", KindFile)
	if err != nil {
		t.Fatalf("CreateNode file: %v", err)
	}

	id, kind, err := tr.Resolve("/docs")
	if err != nil {
		t.Fatalf("Resolve(/docs): %v", err)
	}
	if id != dirID || kind != KindDir {
		t.Errorf("Resolve(/docs) = %s %s, want %s dir", id, kind, dirID)
	}

	id, kind, err = tr.Resolve("/docs/note.txt")
	if err != nil {
		t.Fatalf("Resolve(/docs/note.txt): %v", err)
	}
	if id != fileID || kind != KindFile {
		t.Errorf("Resolve(/docs/note.txt) = %s %s, want %s file", id, kind, fileID)
	}

	if _, _, err := tr.Resolve("/docs/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve missing = %v, want ErrNotFound", err)
	}
	// Lookups are case-sensitive.
	if _, _, err := tr.Resolve("/Docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(/Docs) = %v, want ErrNotFound", err)
	}
	// A file cannot be traversed.
	if _, _, err := tr.Resolve("/docs/note.txt/x"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("Resolve through file = %v, want ErrNotDirectory", err)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	tr, _ := newTestTree(t)
	if _, err := tr.CreateNode(tr.Root(), "x", KindFile); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if _, err := tr.CreateNode(tr.Root(), "x", KindDir); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate CreateNode = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateInvalidName(t *testing.T) {
	tr, _ := newTestTree(t)
	for _, name := range []string{"", "a/b"} {
		if _, err := tr.CreateNode(tr.Root(), name, KindFile); !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateNode(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestSymlink(t *testing.T) {
	tr, _ := newTestTree(t)
	id, err := tr.CreateSymlink(tr.Root(), "link", "/docs/note.txt")
	if err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	target, err := tr.SymlinkTarget(id)
	if err != nil {
		t.Fatalf("SymlinkTarget: %v", err)
	}
	if target != "/docs/note.txt" {
		t.Errorf("target = %q, want %q", target, "/docs/note.txt")
	}
	if _, err := tr.SymlinkTarget(tr.Root()); !errors.Is(err, ErrNotSymlink) {
		t.Errorf("SymlinkTarget on dir = %v, want ErrNotSymlink", err)
	}
}

func TestRemoveNodeRecursive(t *testing.T) {
	tr, access := newTestTree(t)

	dirID, err := tr.CreateNode(tr.Root(), "d", KindDir)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	subID, err := tr.CreateNode(dirID, "sub", KindDir)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	fileID, err := tr.CreateNode(subID, "f", KindFile)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	// Give the file content spanning several blocks.
	if _, err := tr.WriteRange(fileID, 0, bytes.Repeat([]byte("z"), testCapacity*3)); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}

	if err := tr.RemoveNode(tr.Root(), "d"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if _, _, err := tr.Resolve("/d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve after remove = %v, want ErrNotFound", err)
	}
	// Only the root node block survives.
	if got := access.count(); got != 1 {
		t.Errorf("blocks remaining = %d, want 1", got)
	}

	if err := tr.RemoveNode(tr.Root(), "d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveNode again = %v, want ErrNotFound", err)
	}
}

func TestRenameSameDir(t *testing.T) {
	tr, _ := newTestTree(t)
	id, err := tr.CreateNode(tr.Root(), "old", KindFile)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tr.Rename(tr.Root(), "old", tr.Root(), "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, _, err := tr.Resolve("/new")
	if err != nil {
		t.Fatalf("Resolve(/new): %v", err)
	}
	if got != id {
		t.Errorf("renamed target = %s, want %s", got, id)
	}
	if _, _, err := tr.Resolve("/old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(/old) = %v, want ErrNotFound", err)
	}
}

func TestRenameAcrossDirs(t *testing.T) {
	tr, _ := newTestTree(t)
	srcDir, err := tr.CreateNode(tr.Root(), "src", KindDir)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	dstDir, err := tr.CreateNode(tr.Root(), "dst", KindDir)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	id, err := tr.CreateNode(srcDir, "f", KindFile)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if _, err := tr.CreateNode(dstDir, "taken", KindFile); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if err := tr.Rename(srcDir, "f", dstDir, "taken"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Rename onto existing = %v, want ErrAlreadyExists", err)
	}
	if err := tr.Rename(srcDir, "missing", dstDir, "g"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename missing = %v, want ErrNotFound", err)
	}

	if err := tr.Rename(srcDir, "f", dstDir, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, _, err := tr.Resolve("/dst/g")
	if err != nil {
		t.Fatalf("Resolve(/dst/g): %v", err)
	}
	if got != id {
		t.Errorf("moved target = %s, want %s", got, id)
	}
	if _, _, err := tr.Resolve("/src/f"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(/src/f) = %v, want ErrNotFound", err)
	}
}

func TestEntries(t *testing.T) {
	tr, _ := newTestTree(t)
	for _, name := range []string{"c", "a", "b"} {
		if _, err := tr.CreateNode(tr.Root(), name, KindFile); err != nil {
			t.Fatalf("CreateNode(%q): %v", name, err)
		}
	}
	entries, err := tr.Entries(tr.Root())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Name != want {
			t.Errorf("entry[%d] = %q, want %q", i, entries[i].Name, want)
		}
	}
}
