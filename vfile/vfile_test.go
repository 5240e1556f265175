package vfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cvfsdev/cvfs/block"
	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/stream"
	"github.com/cvfsdev/cvfs/volume"
)

func newTestBuilder(t *testing.T, totalBlocks uint64) *block.Builder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.cvfs")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open backing file: %v", err)
	}
	if err := f.Truncate(1 << 24); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	key, err := cipher.DeriveKey([]byte("pw"), [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	img, err := stream.Open(f, cipher.AES, key, make([]byte, 32))
	if err != nil {
		t.Fatalf("stream.Open: %v", err)
	}
	sb, err := volume.Create(img, totalBlocks)
	if err != nil {
		t.Fatalf("volume.Create: %v", err)
	}
	return block.NewBuilder(sb, img, 0)
}

func TestAppendWriteThenReadBack(t *testing.T) {
	b := newTestBuilder(t, 256)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []byte(strings.Repeat("Hello, World!", 1000)) // 13000 bytes
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if f.Size() != uint64(len(want)) {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(want))
	}

	reopened, err := Open(b, f.Start(), ReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Size() != uint64(len(want)) {
		t.Fatalf("reopened Size() = %d, want %d", reopened.Size(), len(want))
	}

	got := make([]byte, len(want))
	if _, err := io.ReadFull(reopened, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("round-tripped content does not match")
	}
}

func TestOverwriteCrossingEOFExtends(t *testing.T) {
	b := newTestBuilder(t, 256)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := []byte(strings.Repeat("Hello, World!", 1000)) // 13000 bytes
	if _, err := f.Write(base); err != nil {
		t.Fatal(err)
	}

	ow, err := Open(b, f.Start(), WriteOverwrite)
	if err != nil {
		t.Fatalf("Open overwrite: %v", err)
	}
	if _, err := ow.Seek(int64(len(base)-11), io.SeekStart); err != nil {
		t.Fatal(err)
	}
	first := []byte("01234567890") // 11 bytes
	if _, err := ow.Write(first); err != nil {
		t.Fatal(err)
	}
	second := []byte("abcdefghij") // 10 bytes, crosses old EOF
	if _, err := ow.Write(second); err != nil {
		t.Fatal(err)
	}

	wantSize := uint64(13010)
	if ow.Size() != wantSize {
		t.Fatalf("Size() = %d, want %d", ow.Size(), wantSize)
	}

	verify, err := Open(b, f.Start(), ReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := verify.Seek(int64(len(base)-11), io.SeekStart); err != nil {
		t.Fatal(err)
	}
	tail := make([]byte, 21)
	if _, err := io.ReadFull(verify, tail); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(tail, want) {
		t.Fatalf("tail = %q, want %q", tail, want)
	}
}

func TestTruncateThenReadMatchesPrefix(t *testing.T) {
	b := newTestBuilder(t, 256)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	content := []byte(strings.Repeat("x", 10000))
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(4000); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.Size() != 4000 {
		t.Fatalf("Size() = %d, want 4000", f.Size())
	}

	reopened, err := Open(b, f.Start(), ReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Size() != 4000 {
		t.Fatalf("reopened Size() = %d, want 4000", reopened.Size())
	}
	got := make([]byte, 4000)
	if _, err := io.ReadFull(reopened, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content[:4000]) {
		t.Fatal("truncated content does not match prefix")
	}
}

func TestTruncateReleasesBlocksBackToBitmap(t *testing.T) {
	b := newTestBuilder(t, 8)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 3 full blocks worth of data (each block holds 4084 bytes).
	content := bytes.Repeat([]byte{'z'}, block.PayloadSize*3)
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}

	before := b.Watermark()
	_ = before

	if err := f.Truncate(10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	// 5 of the 8 blocks were never used; the 6th and 7th allocations only
	// succeed if the 2 blocks dropped by the truncate were released rather
	// than failing with ErrVolumeFull.
	for i := 0; i < 7; i++ {
		if _, err := b.AllocateWritable(WriteAppend, false); err != nil {
			t.Fatalf("AllocateWritable after truncate: %v", err)
		}
	}
}

func TestUnlinkZeroesSize(t *testing.T) {
	b := newTestBuilder(t, 64)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("some data")); err != nil {
		t.Fatal(err)
	}
	if err := f.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if f.Size() != 0 {
		t.Fatalf("Size() after unlink = %d, want 0", f.Size())
	}
}

func TestSeekNegativeIsOutOfRange(t *testing.T) {
	b := newTestBuilder(t, 16)
	f, err := Create(b, WriteAppend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pos, err := f.Seek(-1, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos != -1 {
		t.Fatalf("Seek(-1) = %d, want -1", pos)
	}
}
