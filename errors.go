package cloakfs

import (
	"errors"

	"github.com/cloakfs/cloakfs/fsconfig"
	"github.com/cloakfs/cloakfs/integrity"
	"github.com/cloakfs/cloakfs/tree"
)

// Error taxonomy. Config-level failures are always fatal to a mount
// attempt and never suppressible; integrity-category failures abort only
// the triggering operation and are suppressible via the policy flags.
var (
	// ErrWrongPassphrase means the passphrase failed config tag
	// verification.
	ErrWrongPassphrase = fsconfig.ErrWrongPassphrase

	// ErrConfigCorrupt means the config container is malformed.
	ErrConfigCorrupt = fsconfig.ErrConfigCorrupt

	// ErrVersionMismatch means the on-disk format version is newer than
	// supported, or older and upgrades are not permitted.
	ErrVersionMismatch = errors.New("filesystem format version mismatch")

	// ErrReplacedFilesystem means the instance at the base location
	// changed since the last mount.
	ErrReplacedFilesystem = integrity.ErrReplacedFilesystem

	// ErrNotFound means a path or block does not exist.
	ErrNotFound = tree.ErrNotFound

	// ErrAlreadyExists means a directory entry with that name exists.
	ErrAlreadyExists = tree.ErrAlreadyExists

	// ErrNotMounted means the filesystem is not in the Mounted state.
	ErrNotMounted = errors.New("filesystem is not mounted")

	// ErrConfigExists means Create found an existing config file.
	ErrConfigExists = fsconfig.ErrConfigExists
)

// IntegrityError is a detected tamper, rollback, or unauthorized deletion
// of a block.
type IntegrityError = integrity.Violation

// IsIntegrityViolation reports whether err is an integrity violation.
func IsIntegrityViolation(err error) bool {
	_, ok := integrity.IsViolation(err)
	return ok
}

// IsNotFound reports whether err means a path or block does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, tree.ErrNotFound)
}
