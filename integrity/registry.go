package integrity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
)

// Key prefixes inside the registry database. Every key is scoped by the
// filesystem instance ID so one registry serves any number of filesystems.
const (
	prefixBlock    = "blk:"
	prefixWriter   = "wrt:"
	prefixLocal    = "me:"
	prefixLocation = "loc:"
)

// BlockEntry is the highest validated write recorded for a block.
type BlockEntry struct {
	WriterID uint32
	Version  uint64
	// Deleted marks a tombstone: the block was removed by a legitimate
	// writer. Tombstones are never removed from the registry.
	Deleted bool
}

const blockEntrySize = 4 + 8 + 1

func encodeBlockEntry(e BlockEntry) []byte {
	buf := make([]byte, blockEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.WriterID)
	binary.LittleEndian.PutUint64(buf[4:12], e.Version)
	if e.Deleted {
		buf[12] = 1
	}
	return buf
}

func decodeBlockEntry(buf []byte) (BlockEntry, error) {
	if len(buf) != blockEntrySize {
		return BlockEntry{}, fmt.Errorf("corrupt registry block entry: %d bytes", len(buf))
	}
	return BlockEntry{
		WriterID: binary.LittleEndian.Uint32(buf[0:4]),
		Version:  binary.LittleEndian.Uint64(buf[4:12]),
		Deleted:  buf[12] == 1,
	}, nil
}

// Registry is the persisted local trust registry. It lives outside the
// base directory (by default under a per-user state directory), so an
// attacker who replaces the base directory wholesale cannot also forge the
// trust history without separate access to the local machine.
//
// Backed by badger; badger's directory lock file guarantees that two mount
// processes sharing one registry location cannot corrupt it.
type Registry struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenRegistry opens (or creates) the trust registry at dir.
func OpenRegistry(dir string, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust registry at %s: %w", dir, err)
	}
	return &Registry{db: db, log: logger}, nil
}

// Close flushes and closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Sync forces all registry updates to durable storage.
func (r *Registry) Sync() error {
	return r.db.Sync()
}

func (r *Registry) get(key string) ([]byte, bool, error) {
	var val []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry read %q: %w", key, err)
	}
	return val, true, nil
}

func (r *Registry) set(key string, val []byte) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("registry write %q: %w", key, err)
	}
	return nil
}

// BlockEntry returns the recorded entry for a block, if any.
func (r *Registry) BlockEntry(instance string, id blocks.ID) (BlockEntry, bool, error) {
	val, ok, err := r.get(prefixBlock + instance + ":" + id.String())
	if err != nil || !ok {
		return BlockEntry{}, false, err
	}
	e, err := decodeBlockEntry(val)
	if err != nil {
		return BlockEntry{}, false, err
	}
	return e, true, nil
}

// PutBlockEntry records the highest validated write for a block.
func (r *Registry) PutBlockEntry(instance string, id blocks.ID, e BlockEntry) error {
	return r.set(prefixBlock+instance+":"+id.String(), encodeBlockEntry(e))
}

// KnownWriter reports whether a writer ID has been seen as legitimate for
// the instance.
func (r *Registry) KnownWriter(instance string, writer uint32) (bool, error) {
	_, ok, err := r.get(writerKey(instance, writer))
	return ok, err
}

// AddWriter adds a writer ID to the instance's known-writer set.
func (r *Registry) AddWriter(instance string, writer uint32) error {
	return r.set(writerKey(instance, writer), []byte{1})
}

// KnownWriters enumerates the writer IDs ever seen for the instance.
func (r *Registry) KnownWriters(instance string) ([]uint32, error) {
	prefix := []byte(prefixWriter + instance + ":")
	var writers []uint32
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			raw := key[len(prefix):]
			if len(raw) != 4 {
				continue
			}
			writers = append(writers, binary.LittleEndian.Uint32(raw))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry writer scan: %w", err)
	}
	return writers, nil
}

func writerKey(instance string, writer uint32) string {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], writer)
	return prefixWriter + instance + ":" + string(raw[:])
}

// LocalWriter returns this client's writer ID for the instance, if one was
// generated before.
func (r *Registry) LocalWriter(instance string) (uint32, bool, error) {
	val, ok, err := r.get(prefixLocal + instance)
	if err != nil || !ok {
		return 0, false, err
	}
	if len(val) != 4 {
		return 0, false, fmt.Errorf("corrupt registry local writer entry: %d bytes", len(val))
	}
	return binary.LittleEndian.Uint32(val), true, nil
}

// SetLocalWriter stores this client's writer ID for the instance.
func (r *Registry) SetLocalWriter(instance string, writer uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], writer)
	return r.set(prefixLocal+instance, raw[:])
}

// LocationInstance returns the filesystem instance ID last seen at a base
// location.
func (r *Registry) LocationInstance(locationKey string) (string, bool, error) {
	val, ok, err := r.get(prefixLocation + locationKey)
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

// BindLocation associates a base location with a filesystem instance ID.
func (r *Registry) BindLocation(locationKey, instance string) error {
	return r.set(prefixLocation+locationKey, []byte(instance))
}
