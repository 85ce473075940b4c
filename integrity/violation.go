// Package integrity tracks per-block write history in a persisted local
// trust registry and validates block reads against it, detecting rollback,
// tamper, and unauthorized deletion on an untrusted storage medium.
package integrity

import (
	"errors"
	"fmt"

	"github.com/cloakfs/cloakfs/blocks"
)

// ErrReplacedFilesystem is returned when the filesystem instance found at a
// base location differs from the instance last seen there, indicating the
// whole filesystem may have been swapped out.
var ErrReplacedFilesystem = errors.New("the filesystem at this location was replaced by a different one")

// Reason categorizes an integrity violation.
type Reason uint8

const (
	// ReasonRollback means a block was observed with an older version
	// than previously validated for the same writer.
	ReasonRollback Reason = iota + 1
	// ReasonMissingBlock means a block recorded in the trust registry is
	// absent from the store.
	ReasonMissingBlock
	// ReasonTamper means a block failed authentication on decrypt.
	ReasonTamper
)

// String returns a short name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonRollback:
		return "rollback"
	case ReasonMissingBlock:
		return "missing block"
	case ReasonTamper:
		return "tamper"
	default:
		return "unknown"
	}
}

// Violation is an integrity violation detected for a specific block.
type Violation struct {
	Reason  Reason
	BlockID blocks.ID
	Message string
}

func (v *Violation) Error() string {
	if v.Message != "" {
		return fmt.Sprintf("integrity violation (%s) on block %s: %s", v.Reason, v.BlockID, v.Message)
	}
	return fmt.Sprintf("integrity violation (%s) on block %s", v.Reason, v.BlockID)
}

// IsViolation checks whether an error is an integrity violation, optionally
// returning it.
func IsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Policy controls which integrity checks are enforced. Each escape hatch
// exists for recovering from self-inflicted false positives (for example
// intentionally restoring an old snapshot) and is reported in logs so
// bypassed checks are distinguishable from clean validation.
type Policy struct {
	// AllowIntegrityViolations disables integrity checking globally.
	// Violations are accepted and the registry is updated to the observed
	// state instead of failing the operation.
	AllowIntegrityViolations bool

	// MissingBlockIsViolation treats absence of a registry-known block as
	// an attack. When false (the default), absence is treated as a benign
	// concurrent deletion by another legitimate client, since the two are
	// inherently ambiguous.
	MissingBlockIsViolation bool

	// AllowReplacedFilesystem accepts a changed filesystem instance at a
	// known base location and resets the location's trust binding.
	AllowReplacedFilesystem bool
}
