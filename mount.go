package cloakfs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
	"github.com/cloakfs/cloakfs/fsconfig"
	"github.com/cloakfs/cloakfs/integrity"
	"github.com/cloakfs/cloakfs/store"
	"github.com/cloakfs/cloakfs/tree"
)

// State is a stage of the mount/unmount sequence.
type State uint8

const (
	// StateUnloaded is the initial state before the config is read.
	StateUnloaded State = iota
	// StateConfigLoaded means the config was decrypted and verified.
	StateConfigLoaded
	// StateVersionChecked means the format version was accepted.
	StateVersionChecked
	// StateUpgradeApplied means format migrations ran to completion.
	StateUpgradeApplied
	// StateLedgerBootstrapped means the trust registry is open and the
	// instance identity validated.
	StateLedgerBootstrapped
	// StateMounted is the steady state serving tree operations.
	StateMounted
	// StateUnmounting means the filesystem is draining and flushing.
	StateUnmounting
	// StateUnmounted is the terminal state.
	StateUnmounted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateConfigLoaded:
		return "config-loaded"
	case StateVersionChecked:
		return "version-checked"
	case StateUpgradeApplied:
		return "upgrade-applied"
	case StateLedgerBootstrapped:
		return "ledger-bootstrapped"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// Filesystem is a mounted cloakfs instance.
type Filesystem struct {
	opts   Options
	log    *logrus.Logger
	cfg    *fsconfig.Record
	engine blocks.Engine

	blockStore store.Store
	locks      *store.IDLocker
	registry   *integrity.Registry
	ledger     *integrity.Ledger
	pipe       *pipeline
	tree       *tree.Tree

	stateMu sync.RWMutex
	state   State

	inflight     sync.WaitGroup
	lastActivity atomic.Int64
	idleStop     chan struct{}
	unmountOnce  sync.Once
	unmountErr   error
	done         chan struct{}
}

// Create initializes a new filesystem at the base directory: a fresh
// config record sealed under the passphrase, and an empty root directory
// node. The base directory must not already contain a config.
func Create(opts Options, passphrase []byte) error {
	o, err := opts.withDefaults()
	if err != nil {
		return err
	}
	log := o.Logger

	if _, err := o.Base.Stat(o.ConfigPath); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, o.ConfigPath)
	}

	rec, err := fsconfig.Create(o.Cipher, o.BlockSize)
	if err != nil {
		return err
	}

	blockStore, err := store.NewDirStore(o.Base, o.BaseDir)
	if err != nil {
		return err
	}
	registry, err := integrity.OpenRegistry(o.registryDir(), log)
	if err != nil {
		return err
	}
	defer registry.Close()

	ledger, err := integrity.NewLedger(registry, rec.InstanceID, o.policy(), log)
	if err != nil {
		return err
	}
	if err := ledger.ValidateInstance(o.locationKey()); err != nil {
		if !errors.Is(err, integrity.ErrReplacedFilesystem) {
			return err
		}
		// A different filesystem was known at this location before.
		// Creating over it is a deliberate replacement and is allowed;
		// rebind the location to the new instance.
		if rerr := registry.BindLocation(o.locationKey(), rec.InstanceID); rerr != nil {
			return rerr
		}
	}

	engine, err := blocks.NewEngine(rec.Suite, rec.MasterKey)
	if err != nil {
		return err
	}
	pipe := &pipeline{
		engine:   engine,
		store:    blockStore,
		locks:    store.NewIDLocker(),
		ledger:   ledger,
		capacity: int(rec.BlockSize),
		log:      log,
	}

	rootID, err := tree.InitRoot(pipe)
	if err != nil {
		return err
	}
	rec.RootBlock = rootID

	if err := fsconfig.SaveFile(o.Base, o.ConfigPath, rec, passphrase); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"instance":  rec.InstanceID,
		"cipher":    rec.Suite.String(),
		"blocksize": rec.BlockSize,
	}).Info("created filesystem")
	return ledger.Flush()
}

// Mount runs the mount sequence: config unlock, version check (and
// upgrade when permitted), ledger bootstrap, tree mount. Wrong passphrase,
// corrupt config, version mismatch, and instance replacement are fatal.
func Mount(opts Options, passphrase []byte) (*Filesystem, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	f := &Filesystem{
		opts:     o,
		log:      o.Logger,
		state:    StateUnloaded,
		idleStop: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := f.loadConfig(passphrase); err != nil {
		return nil, err
	}
	if err := f.checkVersion(passphrase); err != nil {
		return nil, err
	}
	if err := f.bootstrapLedger(); err != nil {
		return nil, err
	}
	if err := f.mountTree(); err != nil {
		f.registry.Close()
		return nil, err
	}

	f.touch()
	if f.opts.IdleTimeout > 0 {
		go f.idleMonitor()
	}

	f.log.WithFields(logrus.Fields{
		"instance": f.cfg.InstanceID,
		"cipher":   f.cfg.Suite.String(),
	}).Info("filesystem mounted")
	return f, nil
}

func (f *Filesystem) loadConfig(passphrase []byte) error {
	cfg, err := fsconfig.LoadFile(f.opts.Base, f.opts.ConfigPath, passphrase)
	if err != nil {
		return err
	}
	f.cfg = cfg
	f.setState(StateConfigLoaded)
	return nil
}

func (f *Filesystem) checkVersion(passphrase []byte) error {
	onDisk := f.cfg.FormatVersion
	switch {
	case onDisk == fsconfig.CurrentFormatVersion:
		f.setState(StateVersionChecked)
		return nil

	case onDisk > fsconfig.CurrentFormatVersion:
		return fmt.Errorf("%w: filesystem has format version %d, this build supports up to %d",
			ErrVersionMismatch, onDisk, fsconfig.CurrentFormatVersion)

	case !f.opts.AllowFilesystemUpgrade:
		return fmt.Errorf("%w: filesystem has format version %d, current is %d; pass the upgrade option to migrate",
			ErrVersionMismatch, onDisk, fsconfig.CurrentFormatVersion)

	default:
		f.setState(StateVersionChecked)
		if err := f.upgradeConfig(passphrase); err != nil {
			return err
		}
		f.setState(StateUpgradeApplied)
		return nil
	}
}

func (f *Filesystem) bootstrapLedger() error {
	blockStore, err := store.NewDirStore(f.opts.Base, f.opts.BaseDir)
	if err != nil {
		return err
	}
	registry, err := integrity.OpenRegistry(f.opts.registryDir(), f.log)
	if err != nil {
		return err
	}
	ledger, err := integrity.NewLedger(registry, f.cfg.InstanceID, f.opts.policy(), f.log)
	if err != nil {
		registry.Close()
		return err
	}
	if err := ledger.ValidateInstance(f.opts.locationKey()); err != nil {
		registry.Close()
		return err
	}

	f.blockStore = blockStore
	f.registry = registry
	f.ledger = ledger
	f.locks = store.NewIDLocker()
	f.setState(StateLedgerBootstrapped)
	return nil
}

func (f *Filesystem) mountTree() error {
	engine, err := blocks.NewEngine(f.cfg.Suite, f.cfg.MasterKey)
	if err != nil {
		return err
	}
	f.engine = engine
	f.pipe = &pipeline{
		engine:   engine,
		store:    f.blockStore,
		locks:    f.locks,
		ledger:   f.ledger,
		capacity: int(f.cfg.BlockSize),
		log:      f.log,
	}

	t, err := tree.New(f.pipe, f.cfg.RootBlock, *f.opts.Parallel, f.log)
	if err != nil {
		return err
	}
	f.tree = t
	f.setState(StateMounted)
	return nil
}

// State returns the current mount state.
func (f *Filesystem) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

func (f *Filesystem) setState(s State) {
	f.stateMu.Lock()
	prev := f.state
	f.state = s
	f.stateMu.Unlock()
	f.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("mount state transition")
}

// Config returns a copy of the loaded config record with the master key
// redacted, for diagnostic display.
func (f *Filesystem) Config() fsconfig.Record {
	cfg := *f.cfg
	cfg.MasterKey = nil
	return cfg
}

// touch updates the last-activity timestamp watched by the idle monitor.
func (f *Filesystem) touch() {
	f.lastActivity.Store(time.Now().UnixNano())
}

// beginOp registers an in-flight tree operation. It fails once the
// filesystem has left the Mounted state, so unmount can drain without new
// operations sneaking in.
func (f *Filesystem) beginOp() error {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	if f.state != StateMounted {
		return ErrNotMounted
	}
	f.inflight.Add(1)
	f.touch()
	return nil
}

func (f *Filesystem) endOp() {
	f.touch()
	f.inflight.Done()
}

// idleMonitor watches the last-activity timestamp and triggers unmount
// after the configured idle period. Activity before flushing begins
// simply resets the timer; once flushing has begun the unmount is not
// cancellable.
func (f *Filesystem) idleMonitor() {
	interval := f.opts.IdleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.idleStop:
			return
		case <-ticker.C:
			last := time.Unix(0, f.lastActivity.Load())
			if time.Since(last) >= f.opts.IdleTimeout {
				f.log.WithField("idle", f.opts.IdleTimeout.String()).
					Info("idle timeout reached, unmounting")
				f.Unmount()
				return
			}
		}
	}
}

// Unmount drains in-flight operations, flushes the ledger to the trust
// registry, and releases all resources. It is safe to call more than
// once; later calls return the first result. Returns ErrNotMounted if the
// filesystem never reached the Mounted state.
func (f *Filesystem) Unmount() error {
	f.unmountOnce.Do(func() {
		f.stateMu.Lock()
		if f.state != StateMounted {
			f.stateMu.Unlock()
			f.unmountErr = ErrNotMounted
			close(f.done)
			return
		}
		f.state = StateUnmounting
		f.stateMu.Unlock()
		close(f.idleStop)

		f.log.Info("unmounting: draining in-flight operations")
		f.inflight.Wait()

		var firstErr error
		if err := f.ledger.Flush(); err != nil {
			firstErr = err
		}
		f.tree.Close()
		if err := f.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		f.setState(StateUnmounted)
		f.unmountErr = firstErr
		close(f.done)
		f.log.Info("filesystem unmounted")
	})
	return f.unmountErr
}

// Done is closed once the filesystem reaches the Unmounted state, so
// callers can wait for an idle-triggered unmount.
func (f *Filesystem) Done() <-chan struct{} {
	return f.done
}
