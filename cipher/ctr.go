package cipher

import (
	gocipher "crypto/cipher"
	"math/big"
)

// StreamAt constructs a CTR-mode keystream whose counter is positioned so
// that the first byte it produces corresponds to absolute byte offset
// `offset` of the logical plaintext stream. This is what makes every byte
// of the image independently addressable (§4.1): reads and writes at any
// offset recompute the keystream from scratch rather than replaying it
// sequentially from the start.
//
// iv must be exactly block.BlockSize() bytes; it is treated as a big-endian
// counter and `offset / BlockSize()` is added to it to land on the right
// keystream block, then the first `offset % BlockSize()` keystream bytes
// are discarded so XORKeyStream's first call aligns exactly on `offset`.
func StreamAt(block gocipher.Block, iv []byte, offset uint64) gocipher.Stream {
	bs := block.BlockSize()
	blockIndex := offset / uint64(bs)
	within := int(offset % uint64(bs))

	counterIV := addCounter(iv, blockIndex)
	stream := gocipher.NewCTR(block, counterIV)

	if within > 0 {
		discard := make([]byte, within)
		stream.XORKeyStream(discard, discard)
	}
	return stream
}

// addCounter returns iv + n, treating iv as a big-endian unsigned integer
// of len(iv) bytes and wrapping on overflow (2^(8*len(iv)) modulus).
func addCounter(iv []byte, n uint64) []byte {
	base := new(big.Int).SetBytes(iv)
	base.Add(base, new(big.Int).SetUint64(n))

	mod := new(big.Int).Lsh(big.NewInt(1), uint(len(iv)*8))
	base.Mod(base, mod)

	out := make([]byte, len(iv))
	b := base.Bytes()
	copy(out[len(out)-len(b):], b)
	return out
}
