package cloakfs

import (
	"fmt"
	gopath "path"
	"strings"

	"github.com/cloakfs/cloakfs/blocks"
	"github.com/cloakfs/cloakfs/tree"
)

// Info describes a node for directory listings and stat calls.
type Info struct {
	Name  string
	Kind  tree.Kind
	Size  uint64
	Block blocks.ID
}

// IsDir reports whether the node is a directory.
func (i Info) IsDir() bool { return i.Kind == tree.KindDir }

// splitParent returns the parent directory path and the final name
// segment of an absolute path.
func splitParent(path string) (string, string, error) {
	cleaned := gopath.Clean("/" + strings.TrimPrefix(path, "/"))
	if cleaned == "/" {
		return "", "", fmt.Errorf("%w: %q", tree.ErrInvalidName, path)
	}
	return gopath.Dir(cleaned), gopath.Base(cleaned), nil
}

func (f *Filesystem) resolveDir(path string) (blocks.ID, error) {
	id, kind, err := f.tree.Resolve(path)
	if err != nil {
		return blocks.ZeroID, err
	}
	if kind != tree.KindDir {
		return blocks.ZeroID, fmt.Errorf("%w: %q", tree.ErrNotDirectory, path)
	}
	return id, nil
}

func (f *Filesystem) resolveFile(path string) (blocks.ID, error) {
	id, kind, err := f.tree.Resolve(path)
	if err != nil {
		return blocks.ZeroID, err
	}
	if kind != tree.KindFile {
		return blocks.ZeroID, fmt.Errorf("%w: %q", tree.ErrNotFile, path)
	}
	return id, nil
}

// Mkdir creates a directory at the given path. The parent must exist.
func (f *Filesystem) Mkdir(path string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	parentPath, name, err := splitParent(path)
	if err != nil {
		return err
	}
	parent, err := f.resolveDir(parentPath)
	if err != nil {
		return err
	}
	_, err = f.tree.CreateNode(parent, name, tree.KindDir)
	return err
}

// MkdirAll creates a directory and any missing ancestors.
func (f *Filesystem) MkdirAll(path string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	cleaned := gopath.Clean("/" + strings.TrimPrefix(path, "/"))
	if cleaned == "/" {
		return nil
	}

	parent := f.tree.Root()
	for _, name := range strings.Split(strings.TrimPrefix(cleaned, "/"), "/") {
		entries, err := f.tree.Entries(parent)
		if err != nil {
			return err
		}
		var next blocks.ID
		for _, e := range entries {
			if e.Name == name {
				if e.Kind != tree.KindDir {
					return fmt.Errorf("%w: %q", tree.ErrNotDirectory, name)
				}
				next = e.Target
				break
			}
		}
		if next.IsZero() {
			next, err = f.tree.CreateNode(parent, name, tree.KindDir)
			if err != nil {
				return err
			}
		}
		parent = next
	}
	return nil
}

// CreateFile creates an empty file at the given path.
func (f *Filesystem) CreateFile(path string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	parentPath, name, err := splitParent(path)
	if err != nil {
		return err
	}
	parent, err := f.resolveDir(parentPath)
	if err != nil {
		return err
	}
	_, err = f.tree.CreateNode(parent, name, tree.KindFile)
	return err
}

// Symlink creates a symlink at the given path pointing at target. The
// target is stored as-is and never resolved by this layer.
func (f *Filesystem) Symlink(target, path string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	parentPath, name, err := splitParent(path)
	if err != nil {
		return err
	}
	parent, err := f.resolveDir(parentPath)
	if err != nil {
		return err
	}
	_, err = f.tree.CreateSymlink(parent, name, target)
	return err
}

// ReadSymlink returns the target of the symlink at the given path.
func (f *Filesystem) ReadSymlink(path string) (string, error) {
	if err := f.beginOp(); err != nil {
		return "", err
	}
	defer f.endOp()

	id, kind, err := f.tree.Resolve(path)
	if err != nil {
		return "", err
	}
	if kind != tree.KindSymlink {
		return "", fmt.Errorf("%w: %q", tree.ErrNotSymlink, path)
	}
	return f.tree.SymlinkTarget(id)
}

// ReadAt reads up to n bytes from a file starting at off. Reads past the
// end of the file are truncated; reads inside sparse regions return
// zeros.
func (f *Filesystem) ReadAt(path string, off int64, n int) ([]byte, error) {
	if err := f.beginOp(); err != nil {
		return nil, err
	}
	defer f.endOp()

	id, err := f.resolveFile(path)
	if err != nil {
		return nil, err
	}
	return f.tree.ReadRange(id, off, n)
}

// WriteAt writes p to a file starting at off, extending the file if the
// write reaches past its current end. Returns the number of bytes
// written.
func (f *Filesystem) WriteAt(path string, off int64, p []byte) (int64, error) {
	if err := f.beginOp(); err != nil {
		return 0, err
	}
	defer f.endOp()

	id, err := f.resolveFile(path)
	if err != nil {
		return 0, err
	}
	return f.tree.WriteRange(id, off, p)
}

// ReadFile returns the full content of a file.
func (f *Filesystem) ReadFile(path string) ([]byte, error) {
	if err := f.beginOp(); err != nil {
		return nil, err
	}
	defer f.endOp()

	id, err := f.resolveFile(path)
	if err != nil {
		return nil, err
	}
	size, err := f.tree.FileSize(id)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	return f.tree.ReadRange(id, 0, int(size))
}

// WriteFile replaces the full content of a file, creating it if absent.
func (f *Filesystem) WriteFile(path string, data []byte) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	id, kind, err := f.tree.Resolve(path)
	switch {
	case err == nil:
		if kind != tree.KindFile {
			return fmt.Errorf("%w: %q", tree.ErrNotFile, path)
		}
	case IsNotFound(err):
		parentPath, name, serr := splitParent(path)
		if serr != nil {
			return serr
		}
		parent, derr := f.resolveDir(parentPath)
		if derr != nil {
			return derr
		}
		id, err = f.tree.CreateNode(parent, name, tree.KindFile)
		if err != nil {
			return err
		}
	default:
		return err
	}

	if err := f.tree.Truncate(id, 0); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err = f.tree.WriteRange(id, 0, data)
	return err
}

// Truncate sets the length of a file. Shrinking discards and deletes the
// blocks past the new end; growing leaves the new region sparse.
func (f *Filesystem) Truncate(path string, size uint64) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	id, err := f.resolveFile(path)
	if err != nil {
		return err
	}
	return f.tree.Truncate(id, size)
}

// Remove deletes the node at the given path. Directories are removed
// recursively together with all content blocks.
func (f *Filesystem) Remove(path string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	parentPath, name, err := splitParent(path)
	if err != nil {
		return err
	}
	parent, err := f.resolveDir(parentPath)
	if err != nil {
		return err
	}
	return f.tree.RemoveNode(parent, name)
}

// Rename moves the node at oldPath to newPath. Moving a directory into
// its own subtree is rejected.
func (f *Filesystem) Rename(oldPath, newPath string) error {
	if err := f.beginOp(); err != nil {
		return err
	}
	defer f.endOp()

	oldClean := gopath.Clean("/" + strings.TrimPrefix(oldPath, "/"))
	newClean := gopath.Clean("/" + strings.TrimPrefix(newPath, "/"))
	if newClean == oldClean {
		return nil
	}
	if strings.HasPrefix(newClean, oldClean+"/") {
		return fmt.Errorf("%w: cannot move %q into itself", tree.ErrInvalidName, oldPath)
	}

	oldParentPath, oldName, err := splitParent(oldClean)
	if err != nil {
		return err
	}
	newParentPath, newName, err := splitParent(newClean)
	if err != nil {
		return err
	}

	oldParent, err := f.resolveDir(oldParentPath)
	if err != nil {
		return err
	}
	newParent, err := f.resolveDir(newParentPath)
	if err != nil {
		return err
	}
	return f.tree.Rename(oldParent, oldName, newParent, newName)
}

// List returns the entries of the directory at the given path, sorted by
// name.
func (f *Filesystem) List(path string) ([]Info, error) {
	if err := f.beginOp(); err != nil {
		return nil, err
	}
	defer f.endOp()

	dir, err := f.resolveDir(path)
	if err != nil {
		return nil, err
	}
	entries, err := f.tree.Entries(dir)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{Name: e.Name, Kind: e.Kind, Block: e.Target}
		if e.Kind == tree.KindFile {
			size, err := f.tree.FileSize(e.Target)
			if err != nil {
				return nil, err
			}
			info.Size = size
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stat returns metadata for the node at the given path.
func (f *Filesystem) Stat(path string) (Info, error) {
	if err := f.beginOp(); err != nil {
		return Info{}, err
	}
	defer f.endOp()

	id, kind, err := f.tree.Resolve(path)
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: gopath.Base(gopath.Clean("/" + path)), Kind: kind, Block: id}
	if kind == tree.KindFile {
		size, err := f.tree.FileSize(id)
		if err != nil {
			return Info{}, err
		}
		info.Size = size
	}
	return info, nil
}
