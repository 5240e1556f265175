package block

import (
	"fmt"

	"github.com/cvfsdev/cvfs/stream"
	"github.com/cvfsdev/cvfs/volume"
)

// ErrVolumeFull is returned by AllocateWritable when no free block remains.
var ErrVolumeFull = fmt.Errorf("block: volume is full")

// Builder is the per-container block allocator (§4.4): a LIFO freelist of
// known-free indices seeded from the bitmap on open, plus the
// physically-written watermark that makes sparse images possible.
type Builder struct {
	sb  *volume.Superblock
	img *stream.Image

	freelist  []uint64 // stack; Release pushes/AllocateWritable pops the same end (LIFO reuse, §4.4)
	watermark uint64    // number of block slots physically materialized on disk
	rootBlock uint64    // the container's configured root, used only when enforceRoot is set
}

// NewBuilder seeds the freelist by scanning the bitmap for every free
// slot, and sets the physical watermark to the full volume size (the
// non-sparse default — for a sparse image the caller lowers it with
// SetWatermark; container.Create and container.Open set it to 0).
func NewBuilder(sb *volume.Superblock, img *stream.Image, rootBlock uint64) *Builder {
	b := &Builder{sb: sb, img: img, rootBlock: rootBlock, watermark: sb.TotalBlocks()}
	free := sb.FirstNFree(int(sb.TotalBlocks()))
	// Reverse so index order is preserved under LIFO pop (lowest index
	// allocated first when the freelist is otherwise untouched).
	for i := len(free) - 1; i >= 0; i-- {
		b.freelist = append(b.freelist, free[i])
	}
	return b
}

// SetWatermark records how many block slots have actually been written to
// the backing file, for sparse-image support (§4.4).
func (b *Builder) SetWatermark(n uint64) { b.watermark = n }

// Watermark returns the current physically-written-slot count.
func (b *Builder) Watermark() uint64 { return b.watermark }

// AllocateWritable pops a free index (or uses the configured root block
// when enforceRoot is set) and returns a Block bound to it, materializing
// a zeroed slot on disk first if the index lies beyond the
// physically-written watermark (§4.4).
func (b *Builder) AllocateWritable(mode Mode, enforceRoot bool) (*Block, error) {
	if enforceRoot {
		return b.AllocateAt(b.rootBlock, mode)
	}

	if len(b.freelist) == 0 {
		return nil, ErrVolumeFull
	}
	index := b.freelist[len(b.freelist)-1]
	b.freelist = b.freelist[:len(b.freelist)-1]
	return b.claim(index, mode)
}

// AllocateAt claims a specific block index directly rather than popping
// the freelist, for entry points whose location must be deterministic —
// the root folder, and a hidden-volume root under the dual-volume
// feature.
func (b *Builder) AllocateAt(index uint64, mode Mode) (*Block, error) {
	if index >= b.sb.TotalBlocks() {
		return nil, fmt.Errorf("block: index %d exceeds volume capacity %d", index, b.sb.TotalBlocks())
	}
	for i, free := range b.freelist {
		if free == index {
			b.freelist = append(b.freelist[:i], b.freelist[i+1:]...)
			break
		}
	}
	return b.claim(index, mode)
}

func (b *Builder) claim(index uint64, mode Mode) (*Block, error) {
	if index >= b.watermark {
		if err := b.materialize(index); err != nil {
			return nil, err
		}
		b.watermark = index + 1
	}

	blk := &Block{sb: b.sb, img: b.img, index: index, mode: mode}
	if err := blk.register(); err != nil {
		return nil, err
	}
	blk.next = index // fresh block is its own end-of-chain sentinel (§3)
	blk.bytesWritten = 0
	if err := blk.persistHeader(); err != nil {
		return nil, err
	}
	return blk, nil
}

// materialize writes a zeroed 4096-byte slot at index's offset.
func (b *Builder) materialize(index uint64) error {
	zero := make([]byte, Size)
	if _, err := b.img.WriteAt(zero, b.sb.BlockOffset(index)); err != nil {
		return fmt.Errorf("block: materialize index %d: %w", index, err)
	}
	return nil
}

// Release returns index to the freelist, pushed to the front for prompt
// LIFO reuse (§4.4). Callers should have already called Block.Unlink to
// clear the bitmap bit before releasing the index.
func (b *Builder) Release(index uint64) {
	b.freelist = append(b.freelist, index)
}

// Open constructs a Block pointing at an existing, in-use index without
// touching the allocator (§4.4).
func (b *Builder) Open(index uint64, mode Mode) (*Block, error) {
	blk := &Block{sb: b.sb, img: b.img, index: index, mode: mode}
	if err := blk.loadHeader(); err != nil {
		return nil, err
	}
	return blk, nil
}
