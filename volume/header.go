// Package volume implements the Superblock & Volume Bitmap (§4.2): the
// persisted header, the per-block allocation bitmap, and free-block
// bookkeeping shared by every other core component.
package volume

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/stream"
)

// BlockSize is the fixed size of one on-disk block slot (§3).
const BlockSize = 4096

// HeaderSize is the unencrypted prefix preceding the encrypted region
// (§6): four IV words, scrypt rounds, the repeated cipher identifier byte,
// and the stored password hash.
const HeaderSize = 72

// Fixed field offsets within the unencrypted header, per §6.
const (
	offIVWord0      = 0
	offIVWord1      = 8
	offIVWord2      = 16
	offIVWord3      = 24
	offScryptRounds = 32
	offCipherID     = 33
	cipherIDRepeat  = 7
	offPasswordHash = 40
)

// Header is the container's unencrypted prefix.
type Header struct {
	IV           [4]uint64
	ScryptRounds byte
	CipherID     cipher.ID
	PasswordHash [32]byte
}

// IVBytes returns the 256-bit cipher IV: the concatenation of the four
// stored IV words, per §4.1.
func (h Header) IVBytes() []byte {
	buf := make([]byte, 32)
	for i, word := range h.IV {
		binary.BigEndian.PutUint64(buf[i*8:], word)
	}
	return buf
}

// Salt returns the first IV word as the 8-byte scrypt salt, per §4.1.
func (h Header) Salt() [8]byte {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], h.IV[0])
	return salt
}

// HashPassword computes the verification hash stored at offset 40.
func HashPassword(password []byte) [32]byte {
	return sha256.Sum256(password)
}

// WriteHeader writes the unencrypted header prefix directly to the
// backing image (bypassing the cipher transform, since the prefix itself
// is never encrypted).
func WriteHeader(img *stream.Image, h Header) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[offIVWord0:], h.IV[0])
	binary.BigEndian.PutUint64(buf[offIVWord1:], h.IV[1])
	binary.BigEndian.PutUint64(buf[offIVWord2:], h.IV[2])
	binary.BigEndian.PutUint64(buf[offIVWord3:], h.IV[3])
	buf[offScryptRounds] = h.ScryptRounds
	for i := 0; i < cipherIDRepeat; i++ {
		buf[offCipherID+i] = byte(h.CipherID)
	}
	copy(buf[offPasswordHash:], h.PasswordHash[:])

	if _, err := img.RawWriteAt(buf, 0); err != nil {
		return fmt.Errorf("volume: write header: %w", err)
	}
	return nil
}

// ReadHeader reads and parses the unencrypted header prefix.
func ReadHeader(img *stream.Image) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := img.RawReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("volume: read header: %w", err)
	}

	var h Header
	h.IV[0] = binary.BigEndian.Uint64(buf[offIVWord0:])
	h.IV[1] = binary.BigEndian.Uint64(buf[offIVWord1:])
	h.IV[2] = binary.BigEndian.Uint64(buf[offIVWord2:])
	h.IV[3] = binary.BigEndian.Uint64(buf[offIVWord3:])
	h.ScryptRounds = buf[offScryptRounds]
	h.CipherID = cipher.ID(buf[offCipherID])
	copy(h.PasswordHash[:], buf[offPasswordHash:offPasswordHash+32])
	return h, nil
}

// VerifyPassword reports whether password matches the stored hash. A
// mismatch is indistinguishable from tampering (§7) — callers should
// surface it as CorruptContainer, not a dedicated "bad password" kind.
func VerifyPassword(h Header, password []byte) bool {
	got := HashPassword(password)
	return got == h.PasswordHash
}
