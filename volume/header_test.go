package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/stream"
)

func TestHeaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.cvfs")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.Truncate(HeaderSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	img, err := stream.Open(f, cipher.None, nil, nil)
	if err != nil {
		t.Fatalf("stream.Open: %v", err)
	}

	h := Header{
		IV:           [4]uint64{1, 2, 3, 4},
		ScryptRounds: 20,
		CipherID:     cipher.AES,
		PasswordHash: HashPassword([]byte("hunter2")),
	}

	if err := WriteHeader(img, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	got, err := ReadHeader(img)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	if got.IV != h.IV {
		t.Fatalf("IV = %v, want %v", got.IV, h.IV)
	}
	if got.CipherID != h.CipherID {
		t.Fatalf("CipherID = %v, want %v", got.CipherID, h.CipherID)
	}
	if got.ScryptRounds != h.ScryptRounds {
		t.Fatalf("ScryptRounds = %d, want %d", got.ScryptRounds, h.ScryptRounds)
	}
	if !VerifyPassword(got, []byte("hunter2")) {
		t.Fatal("VerifyPassword rejected the correct password")
	}
	if VerifyPassword(got, []byte("wrong")) {
		t.Fatal("VerifyPassword accepted an incorrect password")
	}
}

func TestIVBytesConcatenation(t *testing.T) {
	h := Header{IV: [4]uint64{0x0102030405060708, 0, 0, 0xAABBCCDDEEFF0011}}
	b := h.IVBytes()
	if len(b) != 32 {
		t.Fatalf("IVBytes() length = %d, want 32", len(b))
	}
	if b[0] != 0x01 || b[7] != 0x08 {
		t.Fatalf("IVBytes() did not encode word 0 big-endian: %x", b[:8])
	}
}
