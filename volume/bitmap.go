package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/cvfsdev/cvfs/stream"
)

// Offsets within the encrypted region (§6), relative to absolute file
// offset 0 — everything here lives after HeaderSize and is read/written
// through the stream cipher.
const (
	totalBlocksOffset = HeaderSize     // u64 total_blocks
	bitmapBaseOffset  = HeaderSize + 8 // bitmap bytes start here
)

// Superblock owns the persisted total block count and the in-memory
// bitmap of which blocks are allocated (§4.2), plus the live free-block
// count that SetInUse keeps in step with the bitmap.
type Superblock struct {
	img    *stream.Image
	total  uint64
	bitmap *bitset.BitSet
	free   uint64

	legacyCountOffset int64
	blocksOffset      int64
}

// bitmapByteLen is the on-disk size of the bitmap in bytes for a volume of
// totalBlocks blocks (§6 — "total_blocks/8 bytes bitmap").
func bitmapByteLen(totalBlocks uint64) uint64 {
	return (totalBlocks + 7) / 8
}

// BlockOffset returns the absolute byte offset of block slot index within
// the image, per §3's formula.
func (sb *Superblock) BlockOffset(index uint64) int64 {
	return sb.blocksOffset + int64(index)*BlockSize
}

// TotalBlocks returns B, the volume's fixed block capacity.
func (sb *Superblock) TotalBlocks() uint64 { return sb.total }

// FreeBlocks returns the live free-block count (§3).
func (sb *Superblock) FreeBlocks() uint64 { return sb.free }

// Create initializes a brand-new superblock for a volume of totalBlocks
// blocks, all initially free, and persists it.
func Create(img *stream.Image, totalBlocks uint64) (*Superblock, error) {
	sb := &Superblock{
		img:    img,
		total:  totalBlocks,
		bitmap: bitset.New(uint(totalBlocks)),
		free:   totalBlocks,
	}
	sb.legacyCountOffset = bitmapBaseOffset + int64(bitmapByteLen(totalBlocks))
	sb.blocksOffset = sb.legacyCountOffset + 8

	if err := sb.persistTotalAndBitmap(); err != nil {
		return nil, err
	}
	if err := sb.writeLegacyCount(0); err != nil {
		return nil, err
	}
	return sb, nil
}

// Open reads an existing superblock from the encrypted region.
func Open(img *stream.Image) (*Superblock, error) {
	var totalBuf [8]byte
	if err := readAt(img, totalBuf[:], totalBlocksOffset); err != nil {
		return nil, fmt.Errorf("volume: read total block count: %w", err)
	}
	total := binary.BigEndian.Uint64(totalBuf[:])

	sb := &Superblock{img: img, total: total}
	sb.legacyCountOffset = bitmapBaseOffset + int64(bitmapByteLen(total))
	sb.blocksOffset = sb.legacyCountOffset + 8

	raw := make([]byte, bitmapByteLen(total))
	if err := readAt(img, raw, bitmapBaseOffset); err != nil {
		return nil, fmt.Errorf("volume: read bitmap: %w", err)
	}
	sb.bitmap = bitsetFromBytes(raw, total)
	sb.free = total - sb.bitmap.Count()
	return sb, nil
}

func readAt(img *stream.Image, p []byte, offset int64) error {
	n, err := img.ReadAt(p, offset)
	if n == len(p) {
		return nil
	}
	return err
}

// bitsetFromBytes decodes the on-disk bitmap format: bit i lives at bit
// (i mod 8) of byte (i div 8), per §4.2.
func bitsetFromBytes(raw []byte, total uint64) *bitset.BitSet {
	bs := bitset.New(uint(total))
	for i := uint64(0); i < total; i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}

// bitsetToBytes encodes the bitmap into the on-disk byte layout.
func bitsetToBytes(bs *bitset.BitSet, total uint64) []byte {
	raw := make([]byte, bitmapByteLen(total))
	for i := uint64(0); i < total; i++ {
		if bs.Test(uint(i)) {
			raw[i/8] |= 1 << (i % 8)
		}
	}
	return raw
}

func (sb *Superblock) persistTotalAndBitmap() error {
	var totalBuf [8]byte
	binary.BigEndian.PutUint64(totalBuf[:], sb.total)
	if _, err := sb.img.WriteAt(totalBuf[:], totalBlocksOffset); err != nil {
		return fmt.Errorf("volume: write total block count: %w", err)
	}

	raw := bitsetToBytes(sb.bitmap, sb.total)
	if _, err := sb.img.WriteAt(raw, bitmapBaseOffset); err != nil {
		return fmt.Errorf("volume: write bitmap: %w", err)
	}
	return nil
}

func (sb *Superblock) writeLegacyCount(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if _, err := sb.img.WriteAt(buf[:], sb.legacyCountOffset); err != nil {
		return fmt.Errorf("volume: write legacy root entry count: %w", err)
	}
	return nil
}

// persistBit rewrites a single bitmap byte in place (§4.2 — "read-modify-
// write one bitmap byte").
func (sb *Superblock) persistBit(index uint64) error {
	byteIdx := index / 8
	var b [1]byte
	for bit := byteIdx * 8; bit < byteIdx*8+8 && bit < sb.total; bit++ {
		if sb.bitmap.Test(uint(bit)) {
			b[0] |= 1 << (bit % 8)
		}
	}
	_, err := sb.img.WriteAt(b[:], bitmapBaseOffset+int64(byteIdx))
	return err
}

// IsInUse reports whether block i is currently allocated.
func (sb *Superblock) IsInUse(i uint64) bool {
	return sb.bitmap.Test(uint(i))
}

// SetInUse marks block i allocated (v=true) or free (v=false) and persists
// the change immediately.
func (sb *Superblock) SetInUse(i uint64, v bool) error {
	wasSet := sb.bitmap.Test(uint(i))
	if v == wasSet {
		return nil
	}
	if v {
		sb.bitmap.Set(uint(i))
		sb.free--
	} else {
		sb.bitmap.Clear(uint(i))
		sb.free++
	}
	return sb.persistBit(i)
}

// NextFree scans for the first unallocated block index.
func (sb *Superblock) NextFree() (uint64, bool) {
	idx, ok := sb.bitmap.NextClear(0)
	if !ok || uint64(idx) >= sb.total {
		return 0, false
	}
	return uint64(idx), true
}

// FirstNFree collects up to n free block indices in ascending order.
func (sb *Superblock) FirstNFree(n int) []uint64 {
	out := make([]uint64, 0, n)
	next := uint(0)
	for len(out) < n {
		idx, ok := sb.bitmap.NextClear(next)
		if !ok || uint64(idx) >= sb.total {
			break
		}
		out = append(out, uint64(idx))
		next = idx + 1
	}
	return out
}

// CountAllocated returns the popcount of the bitmap.
func (sb *Superblock) CountAllocated() uint64 {
	return sb.bitmap.Count()
}
