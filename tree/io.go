package tree

import (
	"fmt"

	"github.com/cloakfs/cloakfs/blocks"
)

// ReadRange reads up to n bytes of a file starting at off. Reads past the
// end of the file are truncated; a read starting at or past the end
// returns an empty slice. Unallocated regions read as zeros.
func (t *Tree) ReadRange(file blocks.ID, off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("negative offset %d", off)
	}
	node, err := t.loadNode(file)
	if err != nil {
		return nil, err
	}
	if node.Kind != KindFile {
		return nil, ErrNotFile
	}

	size := int64(node.Size)
	if off >= size || n <= 0 {
		return []byte{}, nil
	}
	if int64(n) > size-off {
		n = int(size - off)
	}

	capacity := int64(t.access.Capacity())
	out := make([]byte, n)

	firstIdx := off / capacity
	lastIdx := (off + int64(n) - 1) / capacity
	for idx := firstIdx; idx <= lastIdx; idx++ {
		if idx >= int64(len(node.Content)) || node.Content[idx].IsZero() {
			continue // sparse region reads as zeros
		}
		payload, err := t.access.Load(node.Content[idx])
		if err != nil {
			return nil, err
		}

		blockStart := idx * capacity
		// Overlap of [blockStart, blockStart+capacity) with [off, off+n).
		from := int64(0)
		if off > blockStart {
			from = off - blockStart
		}
		to := capacity
		if blockStart+capacity > off+int64(n) {
			to = off + int64(n) - blockStart
		}
		if from >= int64(len(payload)) {
			continue
		}
		if to > int64(len(payload)) {
			to = int64(len(payload))
		}
		copy(out[blockStart+from-off:], payload[from:to])
	}
	return out, nil
}

// WriteRange writes p into a file at off and returns the new file size.
// Writes covering part of a block read, splice, and re-seal that block so
// the rest of its content is preserved. Writes extending past the current
// size allocate new blocks and zero-fill any gap.
func (t *Tree) WriteRange(file blocks.ID, off int64, p []byte) (int64, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	node, err := t.loadNode(file)
	if err != nil {
		return 0, err
	}
	if node.Kind != KindFile {
		return 0, ErrNotFile
	}
	if len(p) == 0 {
		return int64(node.Size), nil
	}

	capacity := int64(t.access.Capacity())
	end := off + int64(len(p))

	firstIdx := off / capacity
	lastIdx := (end - 1) / capacity
	oldCount := int64(len(node.Content))

	for int64(len(node.Content)) <= lastIdx {
		node.Content = append(node.Content, blocks.ZeroID)
	}

	var jobs []storeJob

	// Zero-fill the gap between the previous last block and the write.
	for idx := oldCount; idx < firstIdx; idx++ {
		node.Content[idx] = t.access.NewID()
		jobs = append(jobs, storeJob{id: node.Content[idx], payload: make([]byte, capacity)})
	}

	for idx := firstIdx; idx <= lastIdx; idx++ {
		blockStart := idx * capacity
		buf := make([]byte, capacity)

		fullyCovered := off <= blockStart && end >= blockStart+capacity
		if !fullyCovered && idx < oldCount && !node.Content[idx].IsZero() {
			// Partial write into an existing block: read-modify-write.
			existing, err := t.access.Load(node.Content[idx])
			if err != nil {
				return 0, err
			}
			copy(buf, existing)
		}

		// Splice the overlapping part of p into the block buffer.
		from := blockStart
		if off > from {
			from = off
		}
		to := blockStart + capacity
		if end < to {
			to = end
		}
		copy(buf[from-blockStart:], p[from-off:to-off])

		if node.Content[idx].IsZero() {
			node.Content[idx] = t.access.NewID()
		}
		jobs = append(jobs, storeJob{id: node.Content[idx], payload: buf})
	}

	if err := t.storeBlocks(jobs); err != nil {
		return 0, err
	}

	if uint64(end) > node.Size {
		node.Size = uint64(end)
	}
	if err := t.storeNode(file, node); err != nil {
		return 0, err
	}
	return int64(node.Size), nil
}

// Truncate changes a file's size. Shrinking removes the content blocks
// past the new end and zeroes the remainder of the last kept block;
// growing leaves the tail sparse, reading as zeros.
func (t *Tree) Truncate(file blocks.ID, size uint64) error {
	node, err := t.loadNode(file)
	if err != nil {
		return err
	}
	if node.Kind != KindFile {
		return ErrNotFile
	}
	if size == node.Size {
		return nil
	}

	capacity := uint64(t.access.Capacity())
	if size < node.Size {
		keep := (size + capacity - 1) / capacity
		// A sparse grow can leave Size past the allocated blocks, so the
		// cut may land beyond the content list.
		cutsAllocated := keep <= uint64(len(node.Content))
		if !cutsAllocated {
			keep = uint64(len(node.Content))
		}
		for idx := keep; idx < uint64(len(node.Content)); idx++ {
			if node.Content[idx].IsZero() {
				continue
			}
			if err := t.removeBlock(node.Content[idx]); err != nil {
				return err
			}
		}
		node.Content = node.Content[:keep]

		// Zero the dropped tail of the last kept block so a later size
		// extension never resurrects old bytes. When the cut falls in the
		// sparse region the last allocated block stays fully in use.
		if rem := size % capacity; cutsAllocated && rem != 0 && keep > 0 && !node.Content[keep-1].IsZero() {
			existing, err := t.access.Load(node.Content[keep-1])
			if err != nil {
				return err
			}
			buf := make([]byte, capacity)
			copy(buf, existing[:min(int(rem), len(existing))])
			if err := t.access.Store(node.Content[keep-1], buf); err != nil {
				return err
			}
		}
	}

	node.Size = size
	return t.storeNode(file, node)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
