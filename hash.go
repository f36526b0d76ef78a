package havencache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes (256 bits).
const HashSize = 32

// Hash is the BLAKE3 digest of a decrypted payload. It is recorded alongside
// each content-cache entry so a stored payload can be verified byte-for-byte
// against what the decryption client produced.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// SumBytes computes the BLAKE3 digest of a byte slice.
func SumBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// Hasher computes a streaming BLAKE3 digest of payload bytes.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher creates a new streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (hw *Hasher) Write(p []byte) (int, error) {
	return hw.h.Write(p)
}

// Sum returns the digest of all data written so far.
func (hw *Hasher) Sum() Hash {
	var h Hash
	copy(h[:], hw.h.Sum(nil))
	return h
}

// SumReader consumes the reader and returns its digest and byte count.
func SumReader(r io.Reader) (Hash, int64, error) {
	hw := NewHasher()
	n, err := io.Copy(hw, r)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("hashing content: %w", err)
	}
	return hw.Sum(), n, nil
}
