// Package block implements the File Block (§4.3) and its Builder (§4.4):
// the single 4096-byte on-disk slot with a size/next-pointer header, and
// the per-container allocator that hands out and reclaims block indices.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cvfsdev/cvfs/stream"
	"github.com/cvfsdev/cvfs/volume"
)

// Size is the fixed on-disk size of one block slot (§3).
const Size = volume.BlockSize

// HeaderSize is the fixed per-block header: u32 bytes_written + u64 next.
const HeaderSize = 12

// PayloadSize is the usable payload region of a block, per §3.
const PayloadSize = Size - HeaderSize

// ErrNotReadable and ErrNotWritable are the §4.3 failure cases for a
// disposition mismatch.
var (
	ErrNotReadable = errors.New("block: not readable under this mode")
	ErrNotWritable = errors.New("block: not writable under this mode")
)

// Block owns the read/write logic for one 4096-byte slot.
type Block struct {
	sb  *volume.Superblock
	img *stream.Image

	index        uint64
	bytesWritten uint32
	next         uint64
	seekPos      int
	mode         Mode
}

// Index returns the block's own position.
func (b *Block) Index() uint64 { return b.index }

// BytesWritten returns the payload bytes currently in use.
func (b *Block) BytesWritten() uint32 { return b.bytesWritten }

// Next returns the index of the next block in the chain. A block pointing
// to itself denotes end-of-chain (§3).
func (b *Block) Next() uint64 { return b.next }

// IsEndOfChain reports whether this block is the terminal block.
func (b *Block) IsEndOfChain() bool { return b.next == b.index }

// Offset returns the block's absolute byte offset in the image.
func (b *Block) Offset() int64 { return b.sb.BlockOffset(b.index) }

func (b *Block) payloadOffset() int64 { return b.Offset() + HeaderSize }

// persistHeader writes both header fields in one positioned write.
func (b *Block) persistHeader() error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], b.bytesWritten)
	binary.BigEndian.PutUint64(buf[4:12], b.next)
	if _, err := b.img.WriteAt(buf[:], b.Offset()); err != nil {
		return fmt.Errorf("block %d: persist header: %w", b.index, err)
	}
	return nil
}

func (b *Block) loadHeader() error {
	var buf [HeaderSize]byte
	if _, err := b.img.ReadAt(buf[:], b.Offset()); err != nil {
		return fmt.Errorf("block %d: load header: %w", b.index, err)
	}
	b.bytesWritten = binary.BigEndian.Uint32(buf[0:4])
	b.next = binary.BigEndian.Uint64(buf[4:12])
	return nil
}

// Seek sets the internal cursor relative to the start of the payload,
// clamped to [0, PayloadSize] (§4.3 — out-of-range is "clamped or
// rejected by callers"; this block clamps).
func (b *Block) Seek(off int) {
	if off < 0 {
		off = 0
	}
	if off > PayloadSize {
		off = PayloadSize
	}
	b.seekPos = off
}

// Tell returns the current cursor position within the payload.
func (b *Block) Tell() int { return b.seekPos }

// Read reads up to len(p) bytes starting at the cursor, clamped to the
// payload region, and advances the cursor.
func (b *Block) Read(p []byte) (int, error) {
	if !b.mode.CanRead() {
		return 0, ErrNotReadable
	}
	avail := PayloadSize - b.seekPos
	if avail <= 0 {
		return 0, nil
	}
	n := len(p)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := b.img.ReadAt(p[:n], b.payloadOffset()+int64(b.seekPos)); err != nil {
		return 0, fmt.Errorf("block %d: read: %w", b.index, err)
	}
	b.seekPos += n
	return n, nil
}

// Write writes len(p) bytes at the cursor and updates bytes_written per
// §4.3: append mode grows bytes_written by len(p); overwrite mode persists
// max(bytes_written, cursor+len(p)).
func (b *Block) Write(p []byte) (int, error) {
	if !b.mode.CanWrite() {
		return 0, ErrNotWritable
	}
	avail := PayloadSize - b.seekPos
	if len(p) > avail {
		return 0, fmt.Errorf("block %d: write of %d bytes exceeds payload capacity at cursor %d", b.index, len(p), b.seekPos)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := b.img.WriteAt(p, b.payloadOffset()+int64(b.seekPos)); err != nil {
		return 0, fmt.Errorf("block %d: write: %w", b.index, err)
	}

	newSize := b.bytesWritten
	if b.mode.Appends() {
		newSize = b.bytesWritten + uint32(len(p))
	} else {
		if end := uint32(b.seekPos + len(p)); end > newSize {
			newSize = end
		}
	}
	b.seekPos += len(p)

	if newSize != b.bytesWritten {
		b.bytesWritten = newSize
		if err := b.persistHeader(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// SetNext updates the next-pointer header field and persists it.
func (b *Block) SetNext(i uint64) error {
	b.next = i
	return b.persistHeader()
}

// SetSize updates the bytes_written header field and persists it.
func (b *Block) SetSize(s uint32) error {
	b.bytesWritten = s
	return b.persistHeader()
}

// register marks the block's bitmap bit in use (§4.3).
func (b *Block) register() error {
	return b.sb.SetInUse(b.index, true)
}

// Unlink clears the bitmap bit and resets the header to the fresh-block
// state (§4.3). It does not touch the freelist: the caller passes Index()
// to its Builder's Release to make the block reusable.
func (b *Block) Unlink() error {
	if err := b.sb.SetInUse(b.index, false); err != nil {
		return err
	}
	b.next = b.index
	b.bytesWritten = 0
	b.seekPos = 0
	return b.persistHeader()
}
