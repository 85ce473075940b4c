package cloakfs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/fsconfig"
)

// migration brings a config record from exactly one format version to the
// next. Each step is persisted before the next one runs, so an interrupted
// upgrade resumes from the version it reached.
type migration struct {
	from    uint32
	to      uint32
	apply   func(rec *fsconfig.Record) error
	summary string
}

var migrations = []migration{
	{
		from:    1,
		to:      2,
		summary: "assign instance identifier",
		apply: func(rec *fsconfig.Record) error {
			if rec.InstanceID == "" {
				rec.InstanceID = fsconfig.NewInstanceID()
			}
			return nil
		},
	},
	{
		from:    2,
		to:      3,
		summary: "re-wrap config under current key derivation parameters",
		apply: func(rec *fsconfig.Record) error {
			// Saving below re-seals the container with fresh KDF
			// parameters and a fresh salt; the record itself is
			// unchanged.
			return nil
		},
	},
}

// upgradeConfig migrates the loaded config to the current format version,
// one step at a time, persisting after every step.
func (f *Filesystem) upgradeConfig(passphrase []byte) error {
	if f.cfg.FormatVersion < fsconfig.MinUpgradableVersion {
		return fmt.Errorf("%w: format version %d is older than the oldest upgradable version %d",
			ErrVersionMismatch, f.cfg.FormatVersion, fsconfig.MinUpgradableVersion)
	}

	for f.cfg.FormatVersion < fsconfig.CurrentFormatVersion {
		step, ok := migrationFrom(f.cfg.FormatVersion)
		if !ok {
			return fmt.Errorf("%w: no migration from format version %d",
				ErrVersionMismatch, f.cfg.FormatVersion)
		}

		f.log.WithFields(logrus.Fields{
			"from": step.from,
			"to":   step.to,
			"step": step.summary,
		}).Info("upgrading filesystem format")

		if err := step.apply(f.cfg); err != nil {
			return fmt.Errorf("migration %d->%d failed: %w", step.from, step.to, err)
		}
		f.cfg.FormatVersion = step.to

		if err := fsconfig.SaveFile(f.opts.Base, f.opts.ConfigPath, f.cfg, passphrase); err != nil {
			return fmt.Errorf("failed to persist migration %d->%d: %w", step.from, step.to, err)
		}
	}
	return nil
}

func migrationFrom(version uint32) (migration, bool) {
	for _, m := range migrations {
		if m.from == version {
			return m, true
		}
	}
	return migration{}, false
}
