package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/stream"
)

func openImage(t *testing.T, totalBlocks uint64) *stream.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.cvfs")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open backing file: %v", err)
	}
	size := bitmapBaseOffset + int64(bitmapByteLen(totalBlocks)) + 8 + int64(totalBlocks)*BlockSize
	if err := f.Truncate(size); err != nil {
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
	return img
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	img := openImage(t, 2048)

	sb, err := Create(img, 2048)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sb.TotalBlocks() != 2048 {
		t.Fatalf("TotalBlocks() = %d, want 2048", sb.TotalBlocks())
	}
	if sb.FreeBlocks() != 2048 {
		t.Fatalf("FreeBlocks() = %d, want 2048", sb.FreeBlocks())
	}

	if err := sb.SetInUse(0, true); err != nil {
		t.Fatalf("SetInUse: %v", err)
	}
	if err := sb.SetInUse(5, true); err != nil {
		t.Fatalf("SetInUse: %v", err)
	}

	reopened, err := Open(img)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.TotalBlocks() != 2048 {
		t.Fatalf("reopened TotalBlocks() = %d, want 2048", reopened.TotalBlocks())
	}
	if !reopened.IsInUse(0) || !reopened.IsInUse(5) {
		t.Fatal("reopened bitmap lost allocated bits")
	}
	if reopened.IsInUse(1) {
		t.Fatal("reopened bitmap has spurious allocated bit")
	}
	if reopened.FreeBlocks() != 2046 {
		t.Fatalf("reopened FreeBlocks() = %d, want 2046", reopened.FreeBlocks())
	}

	free, ok := reopened.NextFree()
	if !ok || free != 1 {
		t.Fatalf("NextFree() = (%d, %v), want (1, true)", free, ok)
	}
}

func TestFirstNFree(t *testing.T) {
	img := openImage(t, 16)
	sb, err := Create(img, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, i := range []uint64{0, 1, 2} {
		if err := sb.SetInUse(i, true); err != nil {
			t.Fatal(err)
		}
	}
	free := sb.FirstNFree(4)
	want := []uint64{3, 4, 5, 6}
	if len(free) != len(want) {
		t.Fatalf("FirstNFree(4) = %v, want %v", free, want)
	}
	for i := range want {
		if free[i] != want[i] {
			t.Fatalf("FirstNFree(4) = %v, want %v", free, want)
		}
	}
}

func TestNextFreeFullVolume(t *testing.T) {
	img := openImage(t, 4)
	sb, err := Create(img, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if err := sb.SetInUse(i, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := sb.NextFree(); ok {
		t.Fatal("NextFree() should report none free on a full volume")
	}
}

func TestBlockOffsetMatchesLayout(t *testing.T) {
	img := openImage(t, 2048)
	sb, err := Create(img, 2048)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := bitmapBaseOffset + int64(bitmapByteLen(2048)) + 8
	if got := sb.BlockOffset(0); got != want {
		t.Fatalf("BlockOffset(0) = %d, want %d", got, want)
	}
	if got := sb.BlockOffset(1); got != want+BlockSize {
		t.Fatalf("BlockOffset(1) = %d, want %d", got, want+BlockSize)
	}
}
