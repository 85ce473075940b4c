package cloakfs

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
	"github.com/cloakfs/cloakfs/integrity"
	"github.com/cloakfs/cloakfs/store"
	"github.com/cloakfs/cloakfs/tree"
)

// pipeline implements tree.BlockAccess: every block read runs
// store → cipher → ledger validation, every write runs
// ledger versioning → cipher → store, under per-block locks.
type pipeline struct {
	engine   blocks.Engine
	store    store.Store
	locks    *store.IDLocker
	ledger   *integrity.Ledger
	capacity int
	log      *logrus.Logger
}

func (p *pipeline) Capacity() int {
	return p.capacity
}

func (p *pipeline) NewID() blocks.ID {
	return blocks.NewID()
}

func (p *pipeline) Load(id blocks.ID) ([]byte, error) {
	unlock := p.locks.RLock(id)
	defer unlock()

	data, err := p.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrBlockNotFound) {
			if lerr := p.ledger.NoteMissing(id); lerr != nil {
				return nil, lerr
			}
			return nil, fmt.Errorf("%w: block %s", tree.ErrNotFound, id)
		}
		return nil, err
	}

	hdr, payload, err := blocks.Open(p.engine, id, data, p.capacity)
	if err != nil {
		if errors.Is(err, blocks.ErrAuthFailed) {
			// Tamper cannot be bypassed: without a valid tag there is
			// no plaintext to return.
			return nil, &integrity.Violation{
				Reason:  integrity.ReasonTamper,
				BlockID: id,
				Message: "block failed authentication",
			}
		}
		return nil, err
	}

	if err := p.ledger.ValidateRead(id, hdr); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *pipeline) Store(id blocks.ID, payload []byte) error {
	unlock := p.locks.Lock(id)
	defer unlock()

	hdr, err := p.ledger.RecordWrite(id)
	if err != nil {
		return err
	}
	sealed, err := blocks.Seal(p.engine, id, hdr, payload, p.capacity)
	if err != nil {
		return err
	}
	return p.store.Put(id, sealed)
}

func (p *pipeline) Remove(id blocks.ID) error {
	unlock := p.locks.Lock(id)
	defer unlock()

	if err := p.store.Remove(id); err != nil && !errors.Is(err, store.ErrBlockNotFound) {
		return err
	}
	// Tombstone rather than forget: a reappearance of this block at an
	// old version must still be detectable as rollback.
	return p.ledger.MarkDeleted(id)
}
