// Package fsconfig creates, loads, and saves the encrypted configuration
// record of a filesystem: the master key, cipher choice, block size,
// format version, and instance identity, sealed under a key derived from
// the user passphrase.
package fsconfig

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
	"github.com/google/uuid"

	"github.com/cloakfs/cloakfs/blocks"
)

// Sentinel errors for config loading.
var (
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrConfigCorrupt   = errors.New("config file is corrupt")
	ErrConfigNotFound  = errors.New("config file not found")
	ErrConfigExists    = errors.New("config file already exists")
)

const (
	// configMagic identifies config files (ASCII: "CLKC").
	configMagic = uint32(0x434C4B43)

	// containerVersion is the version of the outer (cleartext) container
	// layout, independent of the filesystem format version inside.
	containerVersion = uint8(1)

	// CurrentFormatVersion is the filesystem format version written by
	// this implementation.
	CurrentFormatVersion = uint32(3)

	// MinUpgradableVersion is the oldest format version migrations can
	// start from.
	MinUpgradableVersion = uint32(1)

	// DefaultBlockSize is the default block payload capacity in bytes.
	DefaultBlockSize = uint32(32 * 1024)

	// MinBlockSize and MaxBlockSize bound the configurable payload
	// capacity.
	MinBlockSize = uint32(512)
	MaxBlockSize = uint32(16 * 1024 * 1024)

	// DefaultConfigFilename is the config file name inside the base
	// directory.
	DefaultConfigFilename = "cloakfs.config"
)

// outerSuite seals the config container itself. The per-block cipher
// choice lives inside the record; the container cipher is fixed.
const outerSuite = blocks.SuiteAES256GCM

// Record is the decrypted filesystem configuration.
type Record struct {
	// Suite is the cipher all blocks of this filesystem are sealed with.
	Suite blocks.Suite
	// BlockSize is the block payload capacity in bytes.
	BlockSize uint32
	// MasterKey encrypts all blocks.
	MasterKey []byte
	// FormatVersion is the on-disk filesystem format version.
	FormatVersion uint32
	// InstanceID identifies this logical filesystem, to detect wholesale
	// replacement. Empty only in format version 1 records.
	InstanceID string
	// RootBlock is the block ID of the root directory node.
	RootBlock blocks.ID
}

// NewInstanceID generates a random filesystem instance identifier.
func NewInstanceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Create builds a fresh config record: random master key, new instance
// identity, current format version. The root block is assigned by the
// caller once the root node exists.
func Create(suite blocks.Suite, blockSize uint32) (*Record, error) {
	suite = suite.Resolve()
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d out of range [%d, %d]", blockSize, MinBlockSize, MaxBlockSize)
	}

	key, err := blocks.GenerateKey(suite)
	if err != nil {
		return nil, err
	}

	return &Record{
		Suite:         suite,
		BlockSize:     blockSize,
		MasterKey:     key,
		FormatVersion: CurrentFormatVersion,
		InstanceID:    NewInstanceID(),
	}, nil
}

// Validate checks the record's invariants.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("config record cannot be nil")
	}
	if len(r.MasterKey) != r.Suite.Resolve().KeySize() {
		return fmt.Errorf("master key must be %d bytes, got %d", r.Suite.Resolve().KeySize(), len(r.MasterKey))
	}
	if r.BlockSize < MinBlockSize || r.BlockSize > MaxBlockSize {
		return fmt.Errorf("block size %d out of range [%d, %d]", r.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if r.FormatVersion >= 2 && r.InstanceID == "" {
		return errors.New("missing instance id")
	}
	return nil
}

// encodeRecord serializes the record body (the part that gets encrypted).
// Format version 1 records predate instance identities and omit the field.
func encodeRecord(r *Record) ([]byte, error) {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, r.FormatVersion)
	buf.WriteByte(byte(r.Suite))
	binary.Write(buf, binary.LittleEndian, r.BlockSize)
	binary.Write(buf, binary.LittleEndian, uint16(len(r.MasterKey)))
	buf.Write(r.MasterKey)
	buf.Write(r.RootBlock[:])

	if r.FormatVersion >= 2 {
		binary.Write(buf, binary.LittleEndian, uint16(len(r.InstanceID)))
		buf.WriteString(r.InstanceID)
	}

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	r := bytes.NewReader(data)
	rec := &Record{}

	if err := binary.Read(r, binary.LittleEndian, &rec.FormatVersion); err != nil {
		return nil, fmt.Errorf("%w: truncated record", ErrConfigCorrupt)
	}
	suite, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated record", ErrConfigCorrupt)
	}
	rec.Suite = blocks.Suite(suite)
	if err := binary.Read(r, binary.LittleEndian, &rec.BlockSize); err != nil {
		return nil, fmt.Errorf("%w: truncated record", ErrConfigCorrupt)
	}

	var keyLen uint16
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, fmt.Errorf("%w: truncated record", ErrConfigCorrupt)
	}
	rec.MasterKey = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.MasterKey); err != nil {
		return nil, fmt.Errorf("%w: truncated master key", ErrConfigCorrupt)
	}
	if _, err := io.ReadFull(r, rec.RootBlock[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated root block id", ErrConfigCorrupt)
	}

	if rec.FormatVersion >= 2 {
		var instLen uint16
		if err := binary.Read(r, binary.LittleEndian, &instLen); err != nil {
			return nil, fmt.Errorf("%w: truncated instance id", ErrConfigCorrupt)
		}
		inst := make([]byte, instLen)
		if _, err := io.ReadFull(r, inst); err != nil {
			return nil, fmt.Errorf("%w: truncated instance id", ErrConfigCorrupt)
		}
		rec.InstanceID = string(inst)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrConfigCorrupt)
	}
	return rec, nil
}

// encodeContainerHeader writes the cleartext container prefix: magic,
// container version, KDF parameters, and nonce. The whole prefix doubles
// as associated data for the record ciphertext, so it cannot be altered
// without failing authentication.
func encodeContainerHeader(params KDFParams, nonce []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, configMagic)
	buf.WriteByte(containerVersion)
	buf.WriteByte(byte(params.KDF))
	binary.Write(buf, binary.LittleEndian, params.Memory)
	binary.Write(buf, binary.LittleEndian, params.Iterations)
	buf.WriteByte(params.Parallelism)
	binary.Write(buf, binary.LittleEndian, params.KeySize)
	binary.Write(buf, binary.LittleEndian, uint16(len(params.Salt)))
	buf.Write(params.Salt)
	binary.Write(buf, binary.LittleEndian, uint16(len(nonce)))
	buf.Write(nonce)
	return buf.Bytes()
}

func decodeContainerHeader(data []byte) (params KDFParams, nonce []byte, headerLen int, err error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err = binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != configMagic {
		return params, nil, 0, fmt.Errorf("%w: bad magic", ErrConfigCorrupt)
	}
	version, err := r.ReadByte()
	if err != nil || version != containerVersion {
		return params, nil, 0, fmt.Errorf("%w: unsupported container version", ErrConfigCorrupt)
	}

	kdf, err := r.ReadByte()
	if err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	params.KDF = KDF(kdf)
	if err = binary.Read(r, binary.LittleEndian, &params.Memory); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	if err = binary.Read(r, binary.LittleEndian, &params.Iterations); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	if params.Parallelism, err = r.ReadByte(); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	if err = binary.Read(r, binary.LittleEndian, &params.KeySize); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}

	var saltLen uint16
	if err = binary.Read(r, binary.LittleEndian, &saltLen); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	params.Salt = make([]byte, saltLen)
	if _, err = io.ReadFull(r, params.Salt); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated salt", ErrConfigCorrupt)
	}

	var nonceLen uint16
	if err = binary.Read(r, binary.LittleEndian, &nonceLen); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated header", ErrConfigCorrupt)
	}
	nonce = make([]byte, nonceLen)
	if _, err = io.ReadFull(r, nonce); err != nil {
		return params, nil, 0, fmt.Errorf("%w: truncated nonce", ErrConfigCorrupt)
	}

	return params, nonce, len(data) - r.Len(), nil
}

// Save serializes and encrypts the record under the passphrase, with a
// fresh salt and nonce.
func Save(rec *Record, passphrase []byte) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	params, err := NewKDFParams()
	if err != nil {
		return nil, err
	}
	key, err := params.DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}

	engine, err := blocks.NewEngine(outerSuite, key)
	if err != nil {
		return nil, err
	}
	nonce, err := blocks.GenerateNonce(engine)
	if err != nil {
		return nil, err
	}

	header := encodeContainerHeader(params, nonce)
	body, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	ciphertext, err := engine.Encrypt(nonce, body, header)
	if err != nil {
		return nil, fmt.Errorf("failed to seal config: %w", err)
	}

	return append(header, ciphertext...), nil
}

// Load decrypts and parses a config record. The authentication tag is
// verified before any field is trusted: a passphrase that decrypts to
// garbage is rejected by tag verification, never by a later parse failure.
func Load(data []byte, passphrase []byte) (*Record, error) {
	params, nonce, headerLen, err := decodeContainerHeader(data)
	if err != nil {
		return nil, err
	}

	key, err := params.DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	engine, err := blocks.NewEngine(outerSuite, key)
	if err != nil {
		return nil, err
	}

	body, err := engine.Decrypt(nonce, data[headerLen:], data[:headerLen])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadFile loads the config record from a file on the base filesystem.
func LoadFile(fsys absfs.FileSystem, path string, passphrase []byte) (*Record, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Load(data, passphrase)
}

// SaveFile writes the config record to a file on the base filesystem,
// through a temp file and rename so a crash never leaves a truncated
// config behind.
func SaveFile(fsys absfs.FileSystem, path string, rec *Record, passphrase []byte) error {
	data, err := Save(rec, passphrase)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("failed to close config %s: %w", path, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("failed to commit config %s: %w", path, err)
	}
	return nil
}
