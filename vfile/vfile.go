// Package vfile implements File (§4.5): a seekable byte stream backed by a
// linked chain of block.Block slots, with append, in-place overwrite, and
// truncate semantics.
package vfile

import (
	"fmt"
	"io"

	"github.com/cvfsdev/cvfs/block"
)

// Mode re-exports block.Mode: the open disposition a File is created or
// opened with governs how its blocks are read and written.
type Mode = block.Mode

const (
	ReadOnly       = block.ReadOnly
	WriteAppend    = block.WriteAppend
	WriteOverwrite = block.WriteOverwrite
)

// File is a sequence of linked block.Blocks presenting a seekable
// read/write byte stream (§4.5).
type File struct {
	builder *block.Builder
	start   uint64
	mode    Mode
	size    uint64
	pos     uint64
	blocks  []*block.Block

	// onSizeChange lets the owning folder keep its cached entry info's
	// size field in sync with writes (§3).
	onSizeChange func(newSize uint64)
}

// SetSizeCallback registers the callback invoked whenever the file's size
// changes, per §3.
func (f *File) SetSizeCallback(cb func(newSize uint64)) { f.onSizeChange = cb }

// Start returns the file's start block index.
func (f *File) Start() uint64 { return f.start }

// Size returns the current file size (sum of bytes_written across the
// chain, §3).
func (f *File) Size() uint64 { return f.size }

func (f *File) setSize(n uint64) {
	f.size = n
	if f.onSizeChange != nil {
		f.onSizeChange(n)
	}
}

// Create allocates a fresh start block and returns a new, empty File.
func Create(builder *block.Builder, mode Mode) (*File, error) {
	start, err := builder.AllocateWritable(mode, false)
	if err != nil {
		return nil, fmt.Errorf("vfile: create: %w", err)
	}
	return &File{builder: builder, start: start.Index(), mode: mode, blocks: []*block.Block{start}}, nil
}

// CreateAtRoot allocates the reserved root block instead of a freelist
// index — used exactly once, for the root folder (or a hidden-volume
// root), per §4.4's enforceRoot flag.
func CreateAtRoot(builder *block.Builder, mode Mode) (*File, error) {
	start, err := builder.AllocateWritable(mode, true)
	if err != nil {
		return nil, fmt.Errorf("vfile: create at root: %w", err)
	}
	return &File{builder: builder, start: start.Index(), mode: mode, blocks: []*block.Block{start}}, nil
}

// CreateAt allocates the block at a caller-chosen index rather than the
// freelist or the reserved root — used for the dual-volume hidden root
// (§12 of SPEC_FULL.md).
func CreateAt(builder *block.Builder, index uint64, mode Mode) (*File, error) {
	start, err := builder.AllocateAt(index, mode)
	if err != nil {
		return nil, fmt.Errorf("vfile: create at %d: %w", index, err)
	}
	return &File{builder: builder, start: start.Index(), mode: mode, blocks: []*block.Block{start}}, nil
}

// Open walks the chain from start, following next pointers until the
// terminal self-pointing block, summing bytes_written into the reported
// file size (§4.5).
func Open(builder *block.Builder, start uint64, mode Mode) (*File, error) {
	f := &File{builder: builder, start: start, mode: mode}

	seen := map[uint64]bool{}
	index := start
	for {
		if seen[index] {
			return nil, fmt.Errorf("vfile: corrupt chain: block %d revisited before reaching a terminal block", index)
		}
		seen[index] = true

		blk, err := builder.Open(index, mode)
		if err != nil {
			return nil, fmt.Errorf("vfile: open: %w", err)
		}
		f.blocks = append(f.blocks, blk)
		f.size += uint64(blk.BytesWritten())

		if blk.IsEndOfChain() {
			break
		}
		index = blk.Next()
	}
	return f, nil
}

func (f *File) tail() *block.Block { return f.blocks[len(f.blocks)-1] }

// locate computes the (block index in f.blocks, offset within that block)
// for absolute byte position pos, per §4.5's division-by-PayloadSize
// scheme, which is exact because every block but the last is always full.
func (f *File) locate(pos uint64) (int, int) {
	idx := int(pos / block.PayloadSize)
	within := int(pos % block.PayloadSize)
	return idx, within
}

// Seek computes the new cursor position per the three whence modes
// (§4.5). A seek landing at a negative absolute offset is out of range and
// returns -1 without changing state; a seek landing past EOF is allowed
// (§9 — resolved to zero-extend on the next write).
func (f *File) Seek(off int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = off
	case io.SeekCurrent:
		newPos = int64(f.pos) + off
	case io.SeekEnd:
		newPos = int64(f.size) + off
	default:
		return 0, fmt.Errorf("vfile: invalid whence %d", whence)
	}
	if newPos < 0 {
		return -1, nil
	}
	f.pos = uint64(newPos)
	return newPos, nil
}

// Read fills p starting at the current cursor, consuming each block's
// payload in order and advancing to the next block when exhausted. The
// number of bytes read is clamped to size-position (§4.5).
func (f *File) Read(p []byte) (int, error) {
	if !f.mode.CanRead() {
		return 0, block.ErrNotReadable
	}
	if f.pos >= f.size {
		return 0, io.EOF
	}
	avail := f.size - f.pos
	n := uint64(len(p))
	if n > avail {
		n = avail
	}

	total := 0
	for total < int(n) {
		idx, within := f.locate(f.pos)
		if idx >= len(f.blocks) {
			return total, fmt.Errorf("vfile: read position %d beyond chain length", f.pos)
		}
		blk := f.blocks[idx]
		blk.Seek(within)

		want := int(n) - total
		if room := block.PayloadSize - within; want > room {
			want = room
		}
		got, err := blk.Read(p[total : total+want])
		if err != nil {
			return total, err
		}
		if got == 0 {
			break
		}
		total += got
		f.pos += uint64(got)
	}
	return total, nil
}

// Write implements §4.5's append/overwrite semantics, including the
// overwrite-crosses-EOF transition to append and the seek-past-EOF
// zero-extend resolution (§9).
func (f *File) Write(p []byte) (int, error) {
	if !f.mode.CanWrite() {
		return 0, block.ErrNotWritable
	}
	if len(p) == 0 {
		return 0, nil
	}

	if f.mode.Appends() {
		return f.writeAppend(p)
	}
	return f.writeOverwrite(p)
}

// writeAppend always grows the tail, ignoring the cursor, and leaves the
// cursor at the new end of file.
func (f *File) writeAppend(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		tail := f.tail()
		space := block.PayloadSize - int(tail.BytesWritten())
		if space == 0 {
			next, err := f.builder.AllocateWritable(f.mode, false)
			if err != nil {
				return written, fmt.Errorf("vfile: append: %w", err)
			}
			if err := tail.SetNext(next.Index()); err != nil {
				return written, err
			}
			f.blocks = append(f.blocks, next)
			tail = next
			space = block.PayloadSize
		}

		chunk := len(p) - written
		if chunk > space {
			chunk = space
		}
		tail.Seek(int(tail.BytesWritten()))
		n, err := tail.Write(p[written : written+chunk])
		if err != nil {
			return written, err
		}
		written += n
		f.setSize(f.size + uint64(n))
	}
	f.pos = f.size
	return written, nil
}

// writeOverwrite writes at the cursor, zero-extending first if the cursor
// is past the current EOF, and falls through to append once the write
// reaches the current EOF (§4.5, §9).
func (f *File) writeOverwrite(p []byte) (int, error) {
	if f.pos > f.size {
		gap := f.pos - f.size
		savedPos := f.pos
		f.pos = f.size
		if _, err := f.writeAppend(make([]byte, gap)); err != nil {
			return 0, fmt.Errorf("vfile: zero-extend to seek position: %w", err)
		}
		f.pos = savedPos
	}

	written := 0
	for written < len(p) && f.pos < f.size {
		idx, within := f.locate(f.pos)
		if idx >= len(f.blocks) {
			break
		}
		blk := f.blocks[idx]
		room := block.PayloadSize - within
		if room > int(f.size-f.pos) {
			room = int(f.size - f.pos)
		}
		chunk := len(p) - written
		if chunk > room {
			chunk = room
		}
		blk.Seek(within)
		n, err := blk.Write(p[written : written+chunk])
		if err != nil {
			return written, err
		}
		written += n
		f.pos += uint64(n)
	}

	if written < len(p) {
		// crossed EOF: the remainder extends the file (§4.5's "does not
		// truncate — it extends it" contract).
		n, err := f.writeAppend(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Truncate shrinks or grows the file to newSize. Growing zero-extends the
// tail; shrinking unlinks every dropped block
// back to the bitmap immediately (§9 — the "fix" resolution of the
// source's known truncate-leak deficiency, §4.5).
func (f *File) Truncate(newSize uint64) error {
	if newSize > f.size {
		savedPos, savedMode := f.pos, f.mode
		f.pos = f.size
		if f.mode == ReadOnly {
			f.mode = WriteAppend
		}
		_, err := f.writeAppend(make([]byte, newSize-f.size))
		f.pos = savedPos
		f.mode = savedMode
		return err
	}

	idx, within := f.locate(newSize)
	if within == 0 && idx > 0 {
		// newSize lands exactly on a block boundary: the prior block stays
		// full and is the new chain tail, rather than keeping it alongside
		// a now-empty block at idx (§9's truncate-leak fix, §4.5).
		idx--
		within = block.PayloadSize
	}
	if idx >= len(f.blocks) {
		idx = len(f.blocks) - 1
		within = int(f.blocks[idx].BytesWritten())
	}

	keep := f.blocks[idx]
	if err := keep.SetSize(uint32(within)); err != nil {
		return err
	}
	if err := keep.SetNext(keep.Index()); err != nil {
		return err
	}

	for i := idx + 1; i < len(f.blocks); i++ {
		drop := f.blocks[i]
		index := drop.Index()
		if err := drop.Unlink(); err != nil {
			return fmt.Errorf("vfile: truncate: unlink block %d: %w", index, err)
		}
		f.builder.Release(index)
	}
	f.blocks = f.blocks[:idx+1]
	f.setSize(newSize)
	if f.pos > f.size {
		f.pos = f.size
	}
	return nil
}

// Unlink walks the chain and unlinks every block, returning them all to
// the bitmap, and sets the file size to zero. Used by the parent folder
// on file deletion (§4.5).
func (f *File) Unlink() error {
	for _, blk := range f.blocks {
		index := blk.Index()
		if err := blk.Unlink(); err != nil {
			return fmt.Errorf("vfile: unlink: block %d: %w", index, err)
		}
		f.builder.Release(index)
	}
	f.blocks = nil
	f.setSize(0)
	return nil
}

// Flush is a no-op in this implementation: every header mutation (size,
// next-pointer) is persisted immediately as it happens rather than
// deferred, so there is no pending in-memory state to reconcile. Kept as
// an explicit call site so callers mirroring §4.5's flush-on-close
// discipline have something to call.
func (f *File) Flush() error { return nil }
