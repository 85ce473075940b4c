// Package tree encodes filesystem nodes (files, directories, symlinks) as
// block payloads and translates path and byte-range operations into block
// reads and writes.
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cloakfs/cloakfs/blocks"
)

// Sentinel errors for tree operations.
var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrAlreadyExists = errors.New("file already exists")
	ErrNotDirectory  = errors.New("not a directory")
	ErrNotFile       = errors.New("not a file")
	ErrNotSymlink    = errors.New("not a symlink")
	ErrInvalidName   = errors.New("invalid node name")
	ErrNodeTooLarge  = errors.New("node does not fit in a single block")
	ErrInvalidNode   = errors.New("invalid node encoding")
)

const (
	// nodeMagic identifies tree node payloads (ASCII: "CLKN").
	nodeMagic = uint32(0x434C4B4E)

	// nodeVersion is the current node encoding version.
	nodeVersion = uint8(1)

	maxNameLen = 255
)

// Kind tags the type of a tree node.
type Kind uint8

const (
	// KindFile is a regular file node.
	KindFile Kind = iota + 1
	// KindDir is a directory node.
	KindDir
	// KindSymlink is a symbolic link node.
	KindSymlink
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// DirEntry is one child of a directory node.
type DirEntry struct {
	Name   string
	Kind   Kind
	Target blocks.ID
}

// Node is the decoded payload of a tree block.
//
// File nodes hold the byte length and the ordered content block references.
// Directory nodes map child names (unique, case-sensitive) to child blocks.
// Symlink nodes hold the target path.
type Node struct {
	Kind Kind

	// File fields
	Size    uint64
	Content []blocks.ID

	// Directory fields; kept sorted by name.
	Entries []DirEntry

	// Symlink fields
	SymlinkTarget string
}

// clone returns a deep copy, so cached nodes are never mutated in place.
func (n *Node) clone() *Node {
	c := &Node{
		Kind:          n.Kind,
		Size:          n.Size,
		SymlinkTarget: n.SymlinkTarget,
	}
	if n.Content != nil {
		c.Content = append([]blocks.ID(nil), n.Content...)
	}
	if n.Entries != nil {
		c.Entries = append([]DirEntry(nil), n.Entries...)
	}
	return c
}

// lookup finds the entry index for name in a directory node.
func (n *Node) lookup(name string) (int, bool) {
	i := sort.Search(len(n.Entries), func(i int) bool {
		return n.Entries[i].Name >= name
	})
	if i < len(n.Entries) && n.Entries[i].Name == name {
		return i, true
	}
	return i, false
}

// insertEntry adds an entry keeping the slice sorted. Duplicate names are
// rejected.
func (n *Node) insertEntry(e DirEntry) error {
	i, found := n.lookup(e.Name)
	if found {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, e.Name)
	}
	n.Entries = append(n.Entries, DirEntry{})
	copy(n.Entries[i+1:], n.Entries[i:])
	n.Entries[i] = e
	return nil
}

func (n *Node) removeEntry(name string) (DirEntry, error) {
	i, found := n.lookup(name)
	if !found {
		return DirEntry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e := n.Entries[i]
	n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
	return e, nil
}

// encodedSize returns the exact encoded length of the node.
func (n *Node) encodedSize() int {
	size := 4 + 1 + 1 // magic, version, kind
	switch n.Kind {
	case KindFile:
		size += 8 + 4 + len(n.Content)*blocks.IDSize
	case KindDir:
		size += 4
		for _, e := range n.Entries {
			size += 1 + blocks.IDSize + 2 + len(e.Name)
		}
	case KindSymlink:
		size += 2 + len(n.SymlinkTarget)
	}
	return size
}

// encode serializes the node into a block payload.
func (n *Node) encode() ([]byte, error) {
	buf := make([]byte, 0, n.encodedSize())
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], nodeMagic)
	buf = append(buf, scratch[:4]...)
	buf = append(buf, nodeVersion, byte(n.Kind))

	switch n.Kind {
	case KindFile:
		binary.LittleEndian.PutUint64(scratch[:8], n.Size)
		buf = append(buf, scratch[:8]...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(n.Content)))
		buf = append(buf, scratch[:4]...)
		for _, id := range n.Content {
			buf = append(buf, id[:]...)
		}

	case KindDir:
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(n.Entries)))
		buf = append(buf, scratch[:4]...)
		for _, e := range n.Entries {
			if len(e.Name) == 0 || len(e.Name) > maxNameLen {
				return nil, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
			}
			buf = append(buf, byte(e.Kind))
			buf = append(buf, e.Target[:]...)
			binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.Name)))
			buf = append(buf, scratch[:2]...)
			buf = append(buf, e.Name...)
		}

	case KindSymlink:
		if len(n.SymlinkTarget) > 0xFFFF {
			return nil, fmt.Errorf("%w: symlink target too long", ErrInvalidNode)
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(n.SymlinkTarget)))
		buf = append(buf, scratch[:2]...)
		buf = append(buf, n.SymlinkTarget...)

	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidNode, n.Kind)
	}

	return buf, nil
}

// decodeNode parses a block payload into a node.
func decodeNode(data []byte) (*Node, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: payload too short", ErrInvalidNode)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != nodeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidNode)
	}
	if data[4] != nodeVersion {
		return nil, fmt.Errorf("%w: unsupported node version %d", ErrInvalidNode, data[4])
	}

	n := &Node{Kind: Kind(data[5])}
	rest := data[6:]

	switch n.Kind {
	case KindFile:
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: truncated file node", ErrInvalidNode)
		}
		n.Size = binary.LittleEndian.Uint64(rest[0:8])
		count := int(binary.LittleEndian.Uint32(rest[8:12]))
		rest = rest[12:]
		if len(rest) != count*blocks.IDSize {
			return nil, fmt.Errorf("%w: file node block list length mismatch", ErrInvalidNode)
		}
		n.Content = make([]blocks.ID, count)
		for i := 0; i < count; i++ {
			copy(n.Content[i][:], rest[i*blocks.IDSize:])
		}

	case KindDir:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated directory node", ErrInvalidNode)
		}
		count := int(binary.LittleEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		n.Entries = make([]DirEntry, 0, count)
		for i := 0; i < count; i++ {
			if len(rest) < 1+blocks.IDSize+2 {
				return nil, fmt.Errorf("%w: truncated directory entry", ErrInvalidNode)
			}
			var e DirEntry
			e.Kind = Kind(rest[0])
			copy(e.Target[:], rest[1:1+blocks.IDSize])
			nameLen := int(binary.LittleEndian.Uint16(rest[1+blocks.IDSize : 3+blocks.IDSize]))
			rest = rest[3+blocks.IDSize:]
			if len(rest) < nameLen {
				return nil, fmt.Errorf("%w: truncated entry name", ErrInvalidNode)
			}
			e.Name = string(rest[:nameLen])
			rest = rest[nameLen:]
			n.Entries = append(n.Entries, e)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes in directory node", ErrInvalidNode)
		}
		sort.Slice(n.Entries, func(i, j int) bool { return n.Entries[i].Name < n.Entries[j].Name })

	case KindSymlink:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: truncated symlink node", ErrInvalidNode)
		}
		targetLen := int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) != targetLen {
			return nil, fmt.Errorf("%w: symlink target length mismatch", ErrInvalidNode)
		}
		n.SymlinkTarget = string(rest)

	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidNode, data[5])
	}

	return n, nil
}
