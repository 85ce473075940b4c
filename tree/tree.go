package tree

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
)

// BlockAccess is the pipeline the tree uses to read and write block
// payloads. The implementation is expected to handle encryption,
// integrity validation, and per-block locking underneath.
type BlockAccess interface {
	// Load returns the payload of a block.
	Load(id blocks.ID) ([]byte, error)

	// Store writes the payload of a block, creating it if necessary.
	Store(id blocks.ID, payload []byte) error

	// Remove deletes a block.
	Remove(id blocks.ID) error

	// NewID allocates a fresh block identifier.
	NewID() blocks.ID

	// Capacity returns the usable payload bytes per block.
	Capacity() int
}

const (
	cacheNumCounters = 100_000
	cacheMaxCost     = 32 << 20 // 32 MiB of decoded nodes
	cacheBufferItems = 64
)

// Tree maps filesystem semantics onto blocks reachable from a root
// directory block. Nodes are addressed by stable block identifiers, never
// by in-memory links; the decoded-node cache is keyed by block ID so nodes
// can be loaded and evicted independently.
type Tree struct {
	access   BlockAccess
	rootID   blocks.ID
	cache    *ristretto.Cache
	parallel ParallelConfig
	log      *logrus.Logger
}

// New opens a tree rooted at the given directory block.
func New(access BlockAccess, root blocks.ID, parallel ParallelConfig, logger *logrus.Logger) (*Tree, error) {
	if access == nil {
		return nil, fmt.Errorf("block access cannot be nil")
	}
	if root.IsZero() {
		return nil, fmt.Errorf("root block id cannot be zero")
	}
	if logger == nil {
		logger = logrus.New()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}

	return &Tree{
		access:   access,
		rootID:   root,
		cache:    cache,
		parallel: parallel,
		log:      logger,
	}, nil
}

// InitRoot creates an empty root directory node and returns its block ID.
// Used once at filesystem creation.
func InitRoot(access BlockAccess) (blocks.ID, error) {
	root := &Node{Kind: KindDir}
	payload, err := root.encode()
	if err != nil {
		return blocks.ZeroID, err
	}
	id := access.NewID()
	if err := access.Store(id, payload); err != nil {
		return blocks.ZeroID, fmt.Errorf("failed to store root node: %w", err)
	}
	return id, nil
}

// Root returns the root directory block ID.
func (t *Tree) Root() blocks.ID {
	return t.rootID
}

// Close releases the node cache.
func (t *Tree) Close() {
	t.cache.Close()
}

func (t *Tree) loadNode(id blocks.ID) (*Node, error) {
	if cached, ok := t.cache.Get(id.String()); ok {
		return cached.(*Node).clone(), nil
	}

	payload, err := t.access.Load(id)
	if err != nil {
		return nil, err
	}
	node, err := decodeNode(payload)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}

	t.cache.Set(id.String(), node.clone(), int64(node.encodedSize()))
	return node, nil
}

func (t *Tree) storeNode(id blocks.ID, n *Node) error {
	payload, err := n.encode()
	if err != nil {
		return err
	}
	if len(payload) > t.access.Capacity() {
		return fmt.Errorf("%w: %d bytes > capacity %d", ErrNodeTooLarge, len(payload), t.access.Capacity())
	}
	if err := t.access.Store(id, payload); err != nil {
		return err
	}

	t.cache.Del(id.String())
	t.cache.Set(id.String(), n.clone(), int64(len(payload)))
	t.cache.Wait()
	return nil
}

func (t *Tree) removeBlock(id blocks.ID) error {
	if err := t.access.Remove(id); err != nil {
		return err
	}
	t.cache.Del(id.String())
	t.cache.Wait()
	return nil
}

// splitPath normalizes an absolute path into its segments.
func splitPath(path string) ([]string, error) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, nil
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: path segment %q", ErrInvalidName, s)
		}
	}
	return segments, nil
}

// Resolve walks a path from the root and returns the block ID and kind of
// the node it names. Lookups are exact-match and case-sensitive; symlinks
// are not followed (the front-end resolves them).
func (t *Tree) Resolve(path string) (blocks.ID, Kind, error) {
	segments, err := splitPath(path)
	if err != nil {
		return blocks.ZeroID, 0, err
	}

	id := t.rootID
	kind := KindDir
	for _, name := range segments {
		if kind != KindDir {
			return blocks.ZeroID, 0, fmt.Errorf("%w: %q", ErrNotDirectory, name)
		}
		dir, err := t.loadNode(id)
		if err != nil {
			return blocks.ZeroID, 0, err
		}
		if dir.Kind != KindDir {
			return blocks.ZeroID, 0, fmt.Errorf("%w: %q", ErrNotDirectory, name)
		}
		i, found := dir.lookup(name)
		if !found {
			return blocks.ZeroID, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		id = dir.Entries[i].Target
		kind = dir.Entries[i].Kind
	}
	return id, kind, nil
}

// CreateNode creates an empty file or directory under a parent directory.
// Children are only ever created under an existing parent, which keeps the
// reachable tree acyclic by construction.
func (t *Tree) CreateNode(parent blocks.ID, name string, kind Kind) (blocks.ID, error) {
	if kind != KindFile && kind != KindDir {
		return blocks.ZeroID, fmt.Errorf("%w: kind %s", ErrInvalidNode, kind)
	}
	return t.createChild(parent, name, &Node{Kind: kind})
}

// CreateSymlink creates a symlink node under a parent directory.
func (t *Tree) CreateSymlink(parent blocks.ID, name, target string) (blocks.ID, error) {
	return t.createChild(parent, name, &Node{Kind: KindSymlink, SymlinkTarget: target})
}

func (t *Tree) createChild(parent blocks.ID, name string, child *Node) (blocks.ID, error) {
	if len(name) == 0 || len(name) > maxNameLen || strings.Contains(name, "/") {
		return blocks.ZeroID, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	dir, err := t.loadNode(parent)
	if err != nil {
		return blocks.ZeroID, err
	}
	if dir.Kind != KindDir {
		return blocks.ZeroID, ErrNotDirectory
	}

	payload, err := child.encode()
	if err != nil {
		return blocks.ZeroID, err
	}
	childID := t.access.NewID()
	if err := t.access.Store(childID, payload); err != nil {
		return blocks.ZeroID, err
	}

	if err := dir.insertEntry(DirEntry{Name: name, Kind: child.Kind, Target: childID}); err != nil {
		t.removeBlock(childID)
		return blocks.ZeroID, err
	}
	if err := t.storeNode(parent, dir); err != nil {
		t.removeBlock(childID)
		return blocks.ZeroID, err
	}
	return childID, nil
}

// RemoveNode removes a named child from a parent directory, deleting the
// child's node block, its content blocks, and (for directories) all
// descendants.
func (t *Tree) RemoveNode(parent blocks.ID, name string) error {
	dir, err := t.loadNode(parent)
	if err != nil {
		return err
	}
	if dir.Kind != KindDir {
		return ErrNotDirectory
	}

	entry, err := dir.removeEntry(name)
	if err != nil {
		return err
	}
	if err := t.storeNode(parent, dir); err != nil {
		return err
	}
	return t.removeSubtree(entry.Target)
}

func (t *Tree) removeSubtree(id blocks.ID) error {
	node, err := t.loadNode(id)
	if err != nil {
		return err
	}

	switch node.Kind {
	case KindFile:
		for _, cid := range node.Content {
			if cid.IsZero() {
				continue
			}
			if err := t.removeBlock(cid); err != nil {
				return err
			}
		}
	case KindDir:
		for _, e := range node.Entries {
			if err := t.removeSubtree(e.Target); err != nil {
				return err
			}
		}
	}
	return t.removeBlock(id)
}

// Rename moves a child from one directory to another (possibly the same),
// under a possibly different name. The destination name must be free.
// Callers must ensure the new parent is not a descendant of the moved node.
func (t *Tree) Rename(parent blocks.ID, name string, newParent blocks.ID, newName string) error {
	if len(newName) == 0 || len(newName) > maxNameLen || strings.Contains(newName, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}

	src, err := t.loadNode(parent)
	if err != nil {
		return err
	}
	if src.Kind != KindDir {
		return ErrNotDirectory
	}

	if parent == newParent {
		entry, err := src.removeEntry(name)
		if err != nil {
			return err
		}
		entry.Name = newName
		if err := src.insertEntry(entry); err != nil {
			return err
		}
		return t.storeNode(parent, src)
	}

	dst, err := t.loadNode(newParent)
	if err != nil {
		return err
	}
	if dst.Kind != KindDir {
		return ErrNotDirectory
	}
	if _, found := dst.lookup(newName); found {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, newName)
	}

	entry, err := src.removeEntry(name)
	if err != nil {
		return err
	}
	entry.Name = newName
	if err := dst.insertEntry(entry); err != nil {
		return err
	}

	// Store the destination first: if the source update then fails, the
	// entry is reachable from both parents rather than lost.
	if err := t.storeNode(newParent, dst); err != nil {
		return err
	}
	return t.storeNode(parent, src)
}

// Entries lists the children of a directory node.
func (t *Tree) Entries(dir blocks.ID) ([]DirEntry, error) {
	node, err := t.loadNode(dir)
	if err != nil {
		return nil, err
	}
	if node.Kind != KindDir {
		return nil, ErrNotDirectory
	}
	return append([]DirEntry(nil), node.Entries...), nil
}

// SymlinkTarget returns the target path of a symlink node.
func (t *Tree) SymlinkTarget(id blocks.ID) (string, error) {
	node, err := t.loadNode(id)
	if err != nil {
		return "", err
	}
	if node.Kind != KindSymlink {
		return "", ErrNotSymlink
	}
	return node.SymlinkTarget, nil
}

// FileSize returns the byte length of a file node.
func (t *Tree) FileSize(id blocks.ID) (uint64, error) {
	node, err := t.loadNode(id)
	if err != nil {
		return 0, err
	}
	if node.Kind != KindFile {
		return 0, ErrNotFile
	}
	return node.Size, nil
}
