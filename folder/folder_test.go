package folder

import (
	"os"
	"path/filepath"
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
	if err := f.Truncate(1 << 25); err != nil {
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
