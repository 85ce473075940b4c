package fsconfig

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF identifies the key derivation function protecting the config record.
type KDF uint8

const (
	// KDFArgon2id is the recommended, memory-hard KDF.
	KDFArgon2id KDF = 1
	// KDFPBKDF2SHA512 is retained for reading configs created by format
	// version 1.
	KDFPBKDF2SHA512 KDF = 2
)

// KDFParams are the parameters and salt for deriving the config key from
// the user passphrase. The salt is generated once per save and stored
// alongside the encrypted record.
type KDFParams struct {
	KDF         KDF
	Salt        []byte
	Memory      uint32 // Argon2id memory in KiB
	Iterations  uint32 // Argon2id time parameter / PBKDF2 iterations
	Parallelism uint8  // Argon2id parallelism
	KeySize     uint16 // derived key size in bytes
}

const defaultSaltSize = 32

// NewKDFParams returns Argon2id parameters sized to resist offline brute
// force (64 MiB, t=3, p=4) with a fresh random salt.
func NewKDFParams() (KDFParams, error) {
	salt := make([]byte, defaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return KDFParams{
		KDF:         KDFArgon2id,
		Salt:        salt,
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		KeySize:     32,
	}, nil
}

// DeriveKey derives the config encryption key from the passphrase.
func (p KDFParams) DeriveKey(passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(p.Salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	switch p.KDF {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, p.Salt, p.Iterations, p.Memory, p.Parallelism, uint32(p.KeySize)), nil
	case KDFPBKDF2SHA512:
		return pbkdf2.Key(passphrase, p.Salt, int(p.Iterations), int(p.KeySize), sha512.New), nil
	default:
		return nil, fmt.Errorf("unsupported key derivation function: %d", p.KDF)
	}
}
