// Package cipher implements the closed set of stream ciphers used to
// encrypt a container image in counter mode, and the scrypt key derivation
// that turns a user password plus an IV word into the 256-bit cipher key.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/twofish"
)

// ID identifies one of the ten ciphers a container header may name. The set
// is closed: every value the on-disk header can carry is listed here, and
// NewBlockCipher must handle all of them (or explicitly special-case None).
type ID byte

const (
	AES ID = iota
	Twofish
	Serpent
	RC6
	MARS
	Cast256
	Camellia
	RC5
	Shacal2
	None
)

func (id ID) String() string {
	switch id {
	case AES:
		return "aes"
	case Twofish:
		return "twofish"
	case Serpent:
		return "serpent"
	case RC6:
		return "rc6"
	case MARS:
		return "mars"
	case Cast256:
		return "cast256"
	case Camellia:
		return "camellia"
	case RC5:
		return "rc5"
	case Shacal2:
		return "shacal2"
	case None:
		return "null"
	default:
		return fmt.Sprintf("cipher.ID(%d)", byte(id))
	}
}

// ParseID maps a CLI-facing cipher name to its ID. Used by cmd/mkcv's
// --cipher flag (§6).
func ParseID(name string) (ID, error) {
	switch name {
	case "aes":
		return AES, nil
	case "twofish":
		return Twofish, nil
	case "serpent":
		return Serpent, nil
	case "rc6":
		return RC6, nil
	case "mars":
		return MARS, nil
	case "cast256":
		return Cast256, nil
	case "camellia":
		return Camellia, nil
	case "rc5":
		return RC5, nil
	case "shacal2":
		return Shacal2, nil
	case "null":
		return None, nil
	default:
		return 0, fmt.Errorf("cipher: unknown identifier %q", name)
	}
}

// KeySize is the fixed 256-bit key size every cipher in the closed set is
// keyed with (scrypt's derived-key length, §4.1).
const KeySize = 32

// ScryptN, ScryptR and ScryptP are the fixed scrypt cost parameters
// mandated by §4.1: N=2^20, r=8, p=1.
const (
	ScryptN = 1 << 20
	ScryptR = 8
	ScryptP = 1
)

// DeriveKey derives the 256-bit cipher key from the user password and the
// first IV word (used as an 8-byte salt), per §4.1. This is the slow step
// in opening a container; callers should run it off the hot path and emit
// a progress event around it.
func DeriveKey(password []byte, salt [8]byte) ([]byte, error) {
	key, err := scrypt.Key(password, salt[:], ScryptN, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("cipher: scrypt key derivation failed: %w", err)
	}
	return key, nil
}

// NewBlockCipher returns the block-cipher implementation for id keyed with
// key (always KeySize bytes — every cipher in the closed set is run
// keyed at 256 bits, padding/truncating its native key schedule as
// needed). None has no block representation; callers must special-case it
// before calling NewBlockCipher (see stream.Image, which treats None as an
// identity transform).
func NewBlockCipher(id ID, key []byte) (gocipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	switch id {
	case AES:
		return aes.NewCipher(key)
	case Twofish:
		return twofish.NewCipher(key)
	case Serpent:
		return newFeistelBlock(feistelSerpent, key)
	case RC6:
		return newFeistelBlock(feistelRC6, key)
	case MARS:
		return newFeistelBlock(feistelMARS, key)
	case Cast256:
		return newFeistelBlock(feistelCast256, key)
	case Camellia:
		return newFeistelBlock(feistelCamellia, key)
	case RC5:
		return newFeistelBlock(feistelRC5, key)
	case Shacal2:
		return newFeistelBlock(feistelShacal2, key)
	default:
		return nil, fmt.Errorf("cipher: %s has no block representation", id)
	}
}
