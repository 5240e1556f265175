package stream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvfsdev/cvfs/cipher"
)

func openTestImage(t *testing.T, id cipher.ID) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.cvfs")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open backing file: %v", err)
	}
	if err := f.Truncate(1 << 20); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	key, err := cipher.DeriveKey([]byte("password"), [8]byte{9, 9, 9, 9, 9, 9, 9, 9})
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	img, err := Open(f, id, key, make([]byte, 32))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return img
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, id := range []cipher.ID{cipher.AES, cipher.Twofish, cipher.None} {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			img := openTestImage(t, id)

			if _, err := img.SeekWrite(128, io.SeekStart); err != nil {
				t.Fatalf("SeekWrite: %v", err)
			}
			want := bytes.Repeat([]byte("Hello, World!"), 1000)
			if _, err := img.Write(want); err != nil {
				t.Fatalf("Write: %v", err)
			}

			if _, err := img.SeekRead(128, io.SeekStart); err != nil {
				t.Fatalf("SeekRead: %v", err)
			}
			got := make([]byte, len(want))
			if err := img.ReadFull(got); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("round trip mismatch for %s", id)
			}
		})
	}
}

func TestNoneIsLiteralPassthrough(t *testing.T) {
	img := openTestImage(t, cipher.None)
	plain := []byte("plaintext-on-disk")
	if _, err := img.WriteAt(plain, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	raw := make([]byte, len(plain))
	if _, err := img.f.ReadAt(raw, 0); err != nil {
		t.Fatalf("raw ReadAt: %v", err)
	}
	if !bytes.Equal(raw, plain) {
		t.Fatal("cipher.None did not write plaintext verbatim")
	}
}

func TestAESProducesDifferentCiphertext(t *testing.T) {
	img := openTestImage(t, cipher.AES)
	plain := []byte("plaintext-on-disk-plaintext-on-disk")
	if _, err := img.WriteAt(plain, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	raw := make([]byte, len(plain))
	if _, err := img.f.ReadAt(raw, 0); err != nil {
		t.Fatalf("raw ReadAt: %v", err)
	}
	if bytes.Equal(raw, plain) {
		t.Fatal("AES image bytes equal plaintext")
	}

	got := make([]byte, len(plain))
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("decrypting AES image did not recover plaintext")
	}
}

func TestIndependentReadWriteCursors(t *testing.T) {
	img := openTestImage(t, cipher.AES)

	if _, err := img.SeekWrite(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write([]byte("AAAA")); err != nil {
		t.Fatal(err)
	}

	if _, err := img.SeekRead(1000, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	if _, err := img.SeekWrite(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write([]byte("BBBB")); err != nil {
		t.Fatal(err)
	}

	readPos, _ := img.SeekRead(0, io.SeekCurrent)
	if readPos != 1000 {
		t.Fatalf("write advancing the write cursor disturbed the read cursor: got %d", readPos)
	}
}
