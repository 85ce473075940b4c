package cloakfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	gopath "path"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"

	"github.com/cloakfs/cloakfs/blocks"
	"github.com/cloakfs/cloakfs/fsconfig"
	"github.com/cloakfs/cloakfs/integrity"
	"github.com/cloakfs/cloakfs/tree"
)

// EnvLocalStateDir overrides the local trust registry directory.
const EnvLocalStateDir = "CLOAKFS_LOCAL_STATE_DIR"

// Options configure filesystem creation and mounting.
type Options struct {
	// Base is the untrusted storage medium holding block files and the
	// config.
	Base absfs.FileSystem

	// BaseDir is the base directory inside Base. Defaults to "/".
	BaseDir string

	// ConfigPath overrides the config file location. Defaults to
	// <BaseDir>/cloakfs.config.
	ConfigPath string

	// LocalStateDir holds the local trust registry, outside the base
	// directory. Defaults to the per-user state directory, overridable
	// via CLOAKFS_LOCAL_STATE_DIR.
	LocalStateDir string

	// Cipher selects the block cipher suite at creation time only.
	Cipher blocks.Suite

	// BlockSize is the block payload capacity in bytes, at creation time
	// only. Defaults to 32 KiB.
	BlockSize uint32

	// AllowFilesystemUpgrade permits migrating an older on-disk format
	// version to the current one at mount time.
	AllowFilesystemUpgrade bool

	// AllowIntegrityViolations disables integrity checking globally.
	AllowIntegrityViolations bool

	// AllowReplacedFilesystem accepts a changed instance at a known base
	// location.
	AllowReplacedFilesystem bool

	// MissingBlockIsViolation treats absence of a registry-known block as
	// an attack rather than a concurrent authorized deletion.
	MissingBlockIsViolation bool

	// IdleTimeout unmounts the filesystem automatically after this period
	// with no activity. Zero disables idle unmount.
	IdleTimeout time.Duration

	// Parallel controls parallel sealing on multi-block writes.
	Parallel *tree.ParallelConfig

	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *logrus.Logger
}

// DefaultLocalStateDir resolves the trust registry directory: the
// environment override if set, otherwise a cloakfs directory under the
// user's config directory.
func DefaultLocalStateDir() (string, error) {
	if dir := os.Getenv(EnvLocalStateDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user state directory: %w", err)
	}
	return filepath.Join(base, "cloakfs"), nil
}

// withDefaults validates the options and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Base == nil {
		return o, fmt.Errorf("base filesystem cannot be nil")
	}
	if o.BaseDir == "" {
		o.BaseDir = "/"
	}
	if o.ConfigPath == "" {
		o.ConfigPath = gopath.Join(o.BaseDir, fsconfig.DefaultConfigFilename)
	}
	if o.LocalStateDir == "" {
		dir, err := DefaultLocalStateDir()
		if err != nil {
			return o, err
		}
		o.LocalStateDir = dir
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Parallel == nil {
		cfg := tree.DefaultParallelConfig()
		o.Parallel = &cfg
	}
	if err := o.Parallel.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// policy maps the option flags to the ledger policy.
func (o Options) policy() integrity.Policy {
	return integrity.Policy{
		AllowIntegrityViolations: o.AllowIntegrityViolations,
		MissingBlockIsViolation:  o.MissingBlockIsViolation,
		AllowReplacedFilesystem:  o.AllowReplacedFilesystem,
	}
}

// locationKey derives a stable key for the base location, used to bind
// trust history to the place a filesystem was mounted from.
func (o Options) locationKey() string {
	sum := sha256.Sum256([]byte(o.BaseDir))
	return hex.EncodeToString(sum[:])
}

// registryDir is the badger directory inside the local state dir.
func (o Options) registryDir() string {
	return filepath.Join(o.LocalStateDir, "registry")
}
