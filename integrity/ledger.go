package integrity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
)

// Ledger validates block reads and records block writes for one mounted
// filesystem instance. Its operations are serialized: the compare of a
// block's recorded version and the update to the next version must be
// atomic, or two concurrent writers could race to the same version number.
type Ledger struct {
	mu       sync.Mutex
	reg      *Registry
	instance string
	writerID uint32
	policy   Policy
	log      *logrus.Logger
}

// NewLedger opens the ledger for a filesystem instance, generating and
// persisting this client's writer ID on first use.
func NewLedger(reg *Registry, instance string, policy Policy, logger *logrus.Logger) (*Ledger, error) {
	if logger == nil {
		logger = logrus.New()
	}

	writer, ok, err := reg.LocalWriter(instance)
	if err != nil {
		return nil, err
	}
	if !ok {
		writer, err = randomWriterID()
		if err != nil {
			return nil, err
		}
		if err := reg.SetLocalWriter(instance, writer); err != nil {
			return nil, err
		}
		if err := reg.AddWriter(instance, writer); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"instance": instance,
			"writer":   writer,
		}).Info("generated new writer id for this client")
	}

	if policy.AllowIntegrityViolations {
		logger.WithField("instance", instance).
			Warn("integrity checking is DISABLED; violations will be accepted")
	}

	return &Ledger{
		reg:      reg,
		instance: instance,
		writerID: writer,
		policy:   policy,
		log:      logger,
	}, nil
}

func randomWriterID() (uint32, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("failed to generate writer id: %w", err)
	}
	id := binary.LittleEndian.Uint32(raw[:])
	if id == 0 {
		id = 1 // zero is reserved as "no writer"
	}
	return id, nil
}

// WriterID returns this client's writer ID.
func (l *Ledger) WriterID() uint32 {
	return l.writerID
}

// Instance returns the filesystem instance ID the ledger is bound to.
func (l *Ledger) Instance() string {
	return l.instance
}

// ValidateRead checks a block's authenticated header against the recorded
// trust history and, on acceptance, advances the recorded state to the
// observed pair. A previously unseen writer ID is accepted and added to
// the known-writer set; only version regression for a known writer is a
// violation.
func (l *Ledger) ValidateRead(id blocks.ID, hdr blocks.Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.reg.BlockEntry(l.instance, id)
	if err != nil {
		return err
	}

	if ok && hdr.WriterID == entry.WriterID && hdr.Version < entry.Version {
		if !l.policy.AllowIntegrityViolations {
			return &Violation{
				Reason:  ReasonRollback,
				BlockID: id,
				Message: fmt.Sprintf("writer %d version %d is older than recorded version %d", hdr.WriterID, hdr.Version, entry.Version),
			}
		}
		// Escape hatch: accept the replayed block and record the older
		// version so later reads of the restored state validate cleanly.
		l.log.WithFields(logrus.Fields{
			"block":    id.String(),
			"writer":   hdr.WriterID,
			"version":  hdr.Version,
			"recorded": entry.Version,
		}).Warn("rollback accepted because integrity checking is disabled")
	}

	if err := l.noteWriter(hdr.WriterID); err != nil {
		return err
	}
	return l.reg.PutBlockEntry(l.instance, id, BlockEntry{
		WriterID: hdr.WriterID,
		Version:  hdr.Version,
	})
}

func (l *Ledger) noteWriter(writer uint32) error {
	known, err := l.reg.KnownWriter(l.instance, writer)
	if err != nil {
		return err
	}
	if !known {
		// Legitimate multi-client use: a new writer is not a violation.
		l.log.WithFields(logrus.Fields{
			"instance": l.instance,
			"writer":   writer,
		}).Info("new writer observed for this filesystem")
		return l.reg.AddWriter(l.instance, writer)
	}
	return nil
}

// RecordWrite allocates the next version number for a block under this
// client's writer ID, records it, and returns the header to seal the block
// with. The allocation and the registry update happen under one lock so
// concurrent writers of the same block cannot observe the same stale
// version.
func (l *Ledger) RecordWrite(id blocks.ID) (blocks.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.reg.BlockEntry(l.instance, id)
	if err != nil {
		return blocks.Header{}, err
	}

	version := uint64(1)
	if ok {
		version = entry.Version + 1
	}

	hdr := blocks.Header{WriterID: l.writerID, Version: version}
	if err := l.reg.PutBlockEntry(l.instance, id, BlockEntry{
		WriterID: hdr.WriterID,
		Version:  hdr.Version,
	}); err != nil {
		return blocks.Header{}, err
	}
	return hdr, nil
}

// MarkDeleted tombstones a block that was removed by this client. The
// entry stays in the registry so a later reappearance of the block at an
// old version is still detected as rollback.
func (l *Ledger) MarkDeleted(id blocks.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.reg.BlockEntry(l.instance, id)
	if err != nil {
		return err
	}
	if !ok {
		entry = BlockEntry{WriterID: l.writerID}
	}
	entry.Deleted = true
	return l.reg.PutBlockEntry(l.instance, id, entry)
}

// NoteMissing handles a block that the registry knows but the store does
// not have. Whether that is an attack or a concurrent authorized deletion
// is inherently ambiguous; the MissingBlockIsViolation policy picks the
// interpretation.
func (l *Ledger) NoteMissing(id blocks.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.reg.BlockEntry(l.instance, id)
	if err != nil {
		return err
	}
	if !ok || entry.Deleted {
		// Never validated here, or deleted by us: plain not-found.
		return nil
	}

	if l.policy.MissingBlockIsViolation && !l.policy.AllowIntegrityViolations {
		return &Violation{
			Reason:  ReasonMissingBlock,
			BlockID: id,
			Message: fmt.Sprintf("block recorded at version %d is absent from the store", entry.Version),
		}
	}

	l.log.WithField("block", id.String()).
		Info("known block missing from store; treating as authorized deletion")
	entry.Deleted = true
	return l.reg.PutBlockEntry(l.instance, id, entry)
}

// ValidateInstance checks that the filesystem instance found at a base
// location matches the instance last mounted there. On first contact the
// location is bound to the instance.
func (l *Ledger) ValidateInstance(locationKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok, err := l.reg.LocationInstance(locationKey)
	if err != nil {
		return err
	}
	if ok && prev != l.instance {
		if !l.policy.AllowReplacedFilesystem {
			return fmt.Errorf("%w: expected instance %s, found %s", ErrReplacedFilesystem, prev, l.instance)
		}
		l.log.WithFields(logrus.Fields{
			"previous": prev,
			"current":  l.instance,
		}).Warn("replaced filesystem accepted; resetting trust binding for this location")
	}
	return l.reg.BindLocation(locationKey, l.instance)
}

// Flush forces the registry state to durable storage.
func (l *Ledger) Flush() error {
	return l.reg.Sync()
}
