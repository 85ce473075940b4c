// Package store persists opaque encrypted block blobs on an untrusted
// storage medium, addressed by block ID.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"

	"github.com/cloakfs/cloakfs/blocks"
)

// ErrBlockNotFound is returned when no block with the requested ID exists.
var ErrBlockNotFound = errors.New("block not found")

// Store persists and retrieves opaque block blobs by block identifier.
type Store interface {
	// Get returns the stored bytes of a block, or ErrBlockNotFound.
	Get(id blocks.ID) ([]byte, error)

	// Put stores the full representation of a block, replacing any
	// previous representation atomically from the caller's perspective.
	Put(id blocks.ID, data []byte) error

	// Remove deletes a block, or returns ErrBlockNotFound.
	Remove(id blocks.ID) error

	// Exists reports whether a block with the given ID is stored.
	Exists(id blocks.ID) (bool, error)
}

// DirStore stores one file per block inside a base directory on an
// absfs.FileSystem. Block files are sharded into subdirectories by the
// first byte of the ID to keep directory sizes reasonable.
type DirStore struct {
	fs   absfs.FileSystem
	root string
}

// NewDirStore creates a DirStore rooted at dir, creating the directory if
// necessary.
func NewDirStore(fsys absfs.FileSystem, dir string) (*DirStore, error) {
	if fsys == nil {
		return nil, errors.New("base filesystem cannot be nil")
	}
	if dir == "" {
		dir = "/"
	}
	if err := fsys.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create block directory %s: %w", dir, err)
	}
	return &DirStore{fs: fsys, root: dir}, nil
}

// blockPath returns the storage path for a block ID: <root>/<hh>/<hex>.
func (s *DirStore) blockPath(id blocks.ID) string {
	name := id.String()
	return path.Join(s.root, name[:2], name)
}

// Get returns the stored bytes of a block.
func (s *DirStore) Get(id blocks.ID) ([]byte, error) {
	f, err := s.fs.Open(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("failed to open block %s: %w", id, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", id, err)
	}
	return data, nil
}

// Put stores a block. The data is written to a temporary file first and
// moved into place with a rename, so a crash mid-write never leaves a
// half-written block visible under the block's name.
func (s *DirStore) Put(id blocks.ID, data []byte) error {
	target := s.blockPath(id)
	if err := s.fs.MkdirAll(path.Dir(target), 0700); err != nil {
		return fmt.Errorf("failed to create shard directory for block %s: %w", id, err)
	}

	tmp := target + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file for block %s: %w", id, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to write block %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to close block %s: %w", id, err)
	}

	if err := s.fs.Rename(tmp, target); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit block %s: %w", id, err)
	}
	return nil
}

// Remove deletes a block file.
func (s *DirStore) Remove(id blocks.ID) error {
	err := s.fs.Remove(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrBlockNotFound
		}
		return fmt.Errorf("failed to remove block %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a block file is present.
func (s *DirStore) Exists(id blocks.ID) (bool, error) {
	_, err := s.fs.Stat(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat block %s: %w", id, err)
	}
	return true, nil
}
