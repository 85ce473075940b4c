package blocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite identifies an authenticated encryption algorithm. The suite is
// selected once at filesystem creation time and stored in the config; it
// never changes per block.
type Suite uint8

const (
	// SuiteAuto selects the default cipher (AES-256-GCM).
	SuiteAuto Suite = iota
	// SuiteAES256GCM uses AES-256 with Galois/Counter Mode
	SuiteAES256GCM
	// SuiteChaCha20Poly1305 uses ChaCha20 with Poly1305 MAC
	SuiteChaCha20Poly1305
	// SuiteXChaCha20Poly1305 uses XChaCha20-Poly1305 with a 192-bit nonce
	SuiteXChaCha20Poly1305
)

// String returns the canonical name of the cipher suite.
func (s Suite) String() string {
	switch s {
	case SuiteAuto:
		return "auto"
	case SuiteAES256GCM:
		return "aes-256-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	case SuiteXChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return "unknown"
	}
}

// SuiteFromName returns the suite with the given canonical name.
func SuiteFromName(name string) (Suite, error) {
	for _, s := range Suites() {
		if s.String() == name {
			return s, nil
		}
	}
	if name == "auto" {
		return SuiteAuto, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
}

// Suites enumerates the compiled-in cipher suites, for diagnostic display.
// SuiteAuto is an alias, not a suite of its own, and is not listed.
func Suites() []Suite {
	return []Suite{SuiteAES256GCM, SuiteChaCha20Poly1305, SuiteXChaCha20Poly1305}
}

// Resolve maps SuiteAuto to the concrete default suite.
func (s Suite) Resolve() Suite {
	if s == SuiteAuto {
		return SuiteAES256GCM
	}
	return s
}

// KeySize returns the key length in bytes required by the suite.
func (s Suite) KeySize() int {
	// All supported suites use 256-bit keys.
	return 32
}

// Engine provides AEAD encryption/decryption for block payloads. Unlike a
// bare cipher.AEAD, the associated data parameter is part of the contract:
// callers bind ciphertext to the block identity through it.
type Engine interface {
	// Encrypt encrypts plaintext with the given nonce, authenticating
	// additionalData alongside the ciphertext.
	Encrypt(nonce, plaintext, additionalData []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce, verifying
	// additionalData. It fails with ErrAuthFailed on any mismatch.
	Decrypt(nonce, ciphertext, additionalData []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes.
	NonceSize() int

	// Overhead returns the authentication tag size in bytes.
	Overhead() int

	// Suite returns the suite this engine implements.
	Suite() Suite
}

// aeadEngine implements Engine over a cipher.AEAD.
type aeadEngine struct {
	aead  cipher.AEAD
	suite Suite
}

func (e *aeadEngine) Encrypt(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func (e *aeadEngine) Decrypt(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

func (e *aeadEngine) Suite() Suite {
	return e.suite
}

// NewEngine creates an Engine for the given suite and key.
func NewEngine(suite Suite, key []byte) (Engine, error) {
	suite = suite.Resolve()
	if len(key) != suite.KeySize() {
		return nil, fmt.Errorf("%w: %s requires a %d-byte key, got %d bytes",
			ErrInvalidKey, suite, suite.KeySize(), len(key))
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	case SuiteXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCipher, suite)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s engine: %w", suite, err)
	}

	return &aeadEngine{aead: aead, suite: suite}, nil
}

// GenerateNonce generates a random nonce of the engine's nonce size.
func GenerateNonce(e Engine) ([]byte, error) {
	nonce := make([]byte, e.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateKey generates a random key of the suite's key size.
func GenerateKey(suite Suite) ([]byte, error) {
	key := make([]byte, suite.Resolve().KeySize())
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
