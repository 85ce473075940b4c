package blocks

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for block sealing and opening.
var (
	ErrAuthFailed              = errors.New("authentication failed - block may be corrupted or tampered")
	ErrInvalidFrame            = errors.New("invalid block frame")
	ErrUnsupportedFrameVersion = errors.New("unsupported block format version")
	ErrUnsupportedCipher       = errors.New("unsupported cipher suite")
	ErrInvalidKey              = errors.New("invalid encryption key")
	ErrPayloadTooLarge         = errors.New("payload exceeds block capacity")
)

const (
	// FrameFormatVersion is the current on-disk block format version.
	FrameFormatVersion = uint16(1)

	// headerSize is the fixed size of the cleartext integrity header:
	// 2 bytes (format version) + 4 bytes (writer ID) + 8 bytes (version number).
	headerSize = 14

	// lengthPrefixSize is the size of the payload length prefix inside the
	// padded plaintext.
	lengthPrefixSize = 4
)

// Header is the per-block integrity metadata. It is stored in the clear in
// front of the ciphertext but covered by the authentication tag, so it
// cannot be altered without detection.
type Header struct {
	// WriterID identifies the client that last wrote the block.
	WriterID uint32
	// Version is the block's version number, monotonically increasing
	// with every write.
	Version uint64
}

// SealedSize returns the total stored size of a sealed block for the given
// engine and payload capacity. It depends only on the capacity, never on
// the payload content, so stored blocks do not leak payload lengths.
func SealedSize(e Engine, capacity int) int {
	return headerSize + e.NonceSize() + lengthPrefixSize + capacity + e.Overhead()
}

// associatedData builds the authenticated associated data for a block:
// the block ID followed by the encoded integrity header. Mixing the ID in
// prevents a stored block from being relocated under another identity.
func associatedData(id ID, version uint16, hdr Header) []byte {
	ad := make([]byte, IDSize+headerSize)
	copy(ad, id[:])
	encodeHeader(ad[IDSize:], version, hdr)
	return ad
}

func encodeHeader(dst []byte, version uint16, hdr Header) {
	binary.LittleEndian.PutUint16(dst[0:2], version)
	binary.LittleEndian.PutUint32(dst[2:6], hdr.WriterID)
	binary.LittleEndian.PutUint64(dst[6:14], hdr.Version)
}

// Seal encrypts and authenticates a block payload under its identity and
// integrity header. The payload is padded to the full capacity before
// sealing; payloads longer than the capacity are rejected.
//
// Layout: header (cleartext, authenticated) || nonce || ciphertext+tag.
func Seal(e Engine, id ID, hdr Header, payload []byte, capacity int) ([]byte, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidFrame)
	}
	if len(payload) > capacity {
		return nil, fmt.Errorf("%w: %d bytes > capacity %d", ErrPayloadTooLarge, len(payload), capacity)
	}

	// Pad to a fixed plaintext size: length prefix + payload + zero fill.
	plaintext := make([]byte, lengthPrefixSize+capacity)
	binary.LittleEndian.PutUint32(plaintext[0:lengthPrefixSize], uint32(len(payload)))
	copy(plaintext[lengthPrefixSize:], payload)

	nonce, err := GenerateNonce(e)
	if err != nil {
		return nil, err
	}

	ad := associatedData(id, FrameFormatVersion, hdr)
	ciphertext, err := e.Encrypt(nonce, plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal block %s: %w", id, err)
	}

	sealed := make([]byte, 0, headerSize+len(nonce)+len(ciphertext))
	var hdrBytes [headerSize]byte
	encodeHeader(hdrBytes[:], FrameFormatVersion, hdr)
	sealed = append(sealed, hdrBytes[:]...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// PeekHeader decodes the cleartext integrity header of a sealed block
// without decrypting it. The header is NOT authenticated until Open
// succeeds; callers must not trust it for anything but diagnostics.
func PeekHeader(sealed []byte) (Header, error) {
	if len(sealed) < headerSize {
		return Header{}, ErrInvalidFrame
	}
	if binary.LittleEndian.Uint16(sealed[0:2]) != FrameFormatVersion {
		return Header{}, ErrUnsupportedFrameVersion
	}
	return Header{
		WriterID: binary.LittleEndian.Uint32(sealed[2:6]),
		Version:  binary.LittleEndian.Uint64(sealed[6:14]),
	}, nil
}

// Open verifies and decrypts a sealed block, returning its authenticated
// integrity header and the unpadded payload. Any modification of the
// stored bytes, or relocation under a different block ID, fails with
// ErrAuthFailed.
func Open(e Engine, id ID, sealed []byte, capacity int) (Header, []byte, error) {
	expected := SealedSize(e, capacity)
	if len(sealed) != expected {
		return Header{}, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, expected, len(sealed))
	}

	version := binary.LittleEndian.Uint16(sealed[0:2])
	if version != FrameFormatVersion {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrUnsupportedFrameVersion, version)
	}
	hdr := Header{
		WriterID: binary.LittleEndian.Uint32(sealed[2:6]),
		Version:  binary.LittleEndian.Uint64(sealed[6:14]),
	}

	nonce := sealed[headerSize : headerSize+e.NonceSize()]
	ciphertext := sealed[headerSize+e.NonceSize():]

	ad := associatedData(id, version, hdr)
	plaintext, err := e.Decrypt(nonce, ciphertext, ad)
	if err != nil {
		return Header{}, nil, err
	}

	payloadLen := binary.LittleEndian.Uint32(plaintext[0:lengthPrefixSize])
	if int(payloadLen) > capacity {
		return Header{}, nil, fmt.Errorf("%w: padded length %d exceeds capacity %d", ErrInvalidFrame, payloadLen, capacity)
	}
	return hdr, plaintext[lengthPrefixSize : lengthPrefixSize+int(payloadLen)], nil
}
