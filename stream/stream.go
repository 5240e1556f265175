// Package stream implements the Encrypted Image Stream (§4.1): positioned
// read/write/seek over the backing container file with a counter-mode
// stream cipher transparently applied to every byte. Every other core
// component (volume, block, vfile, folder) funnels its I/O through one
// shared *Image so the on-disk bytes are always ciphertext.
package stream

import (
	"fmt"
	"io"
	"os"

	gocipher "crypto/cipher"

	"github.com/cvfsdev/cvfs/cipher"
)

// Image wraps the backing file with independent read and write cursors
// (§4.1 — "seek-get and seek-put track separately") and a CTR-mode
// transform keyed from the container password and IV.
type Image struct {
	f     *os.File
	id    cipher.ID
	block gocipher.Block // nil when id == cipher.None
	iv    []byte

	readPos  int64
	writePos int64
}

// Open wraps f for encrypted positioned I/O. key must already be derived
// (cipher.DeriveKey); iv is the 256-bit cipher IV (the concatenation of the
// four stored IV words, §4.1). Derivation is the caller's responsibility so
// it can be done lazily and only once per container, per §4.1.
func Open(f *os.File, id cipher.ID, key, iv []byte) (*Image, error) {
	img := &Image{f: f, id: id, iv: iv}
	if id == cipher.None {
		return img, nil
	}
	block, err := cipher.NewBlockCipher(id, key)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if len(iv) != block.BlockSize() {
		// Pad or truncate the 256-bit stored IV to the cipher's native
		// block size; every cipher in the closed set is keyed at 256
		// bits but not all have a 32-byte block.
		adjusted := make([]byte, block.BlockSize())
		copy(adjusted, iv)
		iv = adjusted
	}
	img.iv = iv
	img.block = block
	return img, nil
}

// transform XORs the keystream at absolute offset into/out of buf in
// place. For cipher.None this is a no-op (literal pass-through, §4.1).
func (im *Image) transform(buf []byte, offset int64) {
	if im.block == nil {
		return
	}
	cipher.StreamAt(im.block, im.iv, uint64(offset)).XORKeyStream(buf, buf)
}

// SeekRead repositions the read cursor and returns the resulting absolute
// offset, following the standard io.Seeker whence semantics.
func (im *Image) SeekRead(offset int64, whence int) (int64, error) {
	pos, err := im.resolve(offset, whence, im.readPos)
	if err != nil {
		return 0, err
	}
	im.readPos = pos
	return pos, nil
}

// SeekWrite repositions the write cursor and returns the resulting
// absolute offset.
func (im *Image) SeekWrite(offset int64, whence int) (int64, error) {
	pos, err := im.resolve(offset, whence, im.writePos)
	if err != nil {
		return 0, err
	}
	im.writePos = pos
	return pos, nil
}

func (im *Image) resolve(offset int64, whence int, cur int64) (int64, error) {
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("stream: negative seek offset %d", offset)
		}
		return offset, nil
	case io.SeekCurrent:
		next := cur + offset
		if next < 0 {
			return 0, fmt.Errorf("stream: negative seek offset %d", next)
		}
		return next, nil
	case io.SeekEnd:
		size, err := im.Size()
		if err != nil {
			return 0, err
		}
		next := size + offset
		if next < 0 {
			return 0, fmt.Errorf("stream: negative seek offset %d", next)
		}
		return next, nil
	default:
		return 0, fmt.Errorf("stream: invalid whence %d", whence)
	}
}

// Size returns the current size of the backing file.
func (im *Image) Size() (int64, error) {
	fi, err := im.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stream: stat: %w", err)
	}
	return fi.Size(), nil
}

// Read fills p starting at the read cursor, decrypting in place, and
// advances the cursor by the number of bytes returned. A short read (EOF
// reached mid-buffer) is reported via err, never silently zero-filled
// (§4.1 failure policy).
func (im *Image) Read(p []byte) (int, error) {
	n, err := im.f.ReadAt(p, im.readPos)
	if n > 0 {
		im.transform(p[:n], im.readPos)
		im.readPos += int64(n)
	}
	if err == io.EOF && n == len(p) {
		return n, nil
	}
	return n, err
}

// ReadFull reads exactly len(p) bytes or returns an error — convenience
// wrapper used by every fixed-width header/record reader in this module.
func (im *Image) ReadFull(p []byte) error {
	_, err := io.ReadFull(readerFunc(im.Read), p)
	return err
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Write encrypts p and writes it starting at the write cursor, advancing
// the cursor by len(p).
func (im *Image) Write(p []byte) (int, error) {
	ciphertext := make([]byte, len(p))
	copy(ciphertext, p)
	im.transform(ciphertext, im.writePos)

	n, err := im.f.WriteAt(ciphertext, im.writePos)
	im.writePos += int64(n)
	if err != nil {
		return n, fmt.Errorf("stream: write: %w", err)
	}
	return n, nil
}

// WriteAt is a positioned write that does not disturb the write cursor,
// used by callers (the volume bitmap, the superblock header) that address
// absolute offsets directly rather than through the sequential cursor.
func (im *Image) WriteAt(p []byte, offset int64) (int, error) {
	ciphertext := make([]byte, len(p))
	copy(ciphertext, p)
	im.transform(ciphertext, offset)

	n, err := im.f.WriteAt(ciphertext, offset)
	if err != nil {
		return n, fmt.Errorf("stream: writeat: %w", err)
	}
	return n, nil
}

// ReadAt is a positioned read that does not disturb the read cursor.
func (im *Image) ReadAt(p []byte, offset int64) (int, error) {
	n, err := im.f.ReadAt(p, offset)
	if n > 0 {
		im.transform(p[:n], offset)
	}
	if err == io.EOF && n == len(p) {
		return n, nil
	}
	return n, err
}

// RawReadAt reads directly from the backing file with no cipher transform
// applied, for the unencrypted header prefix (§6 — "from here on the
// stream is encrypted" marks where the plaintext prefix ends).
func (im *Image) RawReadAt(p []byte, offset int64) (int, error) {
	return im.f.ReadAt(p, offset)
}

// RawWriteAt writes directly to the backing file with no cipher transform
// applied, for the unencrypted header prefix.
func (im *Image) RawWriteAt(p []byte, offset int64) (int, error) {
	return im.f.WriteAt(p, offset)
}

// Truncate grows or shrinks the backing file to size bytes.
func (im *Image) Truncate(size int64) error {
	if err := im.f.Truncate(size); err != nil {
		return fmt.Errorf("stream: truncate: %w", err)
	}
	return nil
}

// Sync flushes the backing file to stable storage.
func (im *Image) Sync() error {
	if err := im.f.Sync(); err != nil {
		return fmt.Errorf("stream: sync: %w", err)
	}
	return nil
}

// Close closes the backing file.
func (im *Image) Close() error {
	return im.f.Close()
}
