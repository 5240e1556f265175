package container

import (
	"path/filepath"
	"testing"

	"github.com/cvfsdev/cvfs/cipher"
)

func TestCreateThenOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.cvfs")
	c, err := Create(path, 2048, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if got := reopened.TotalBlocks(); got != 2048 {
		t.Fatalf("TotalBlocks() = %d, want 2048", got)
	}
	// Block 0 is the root folder's index leaf; the next free block is 1.
	if got, want := reopened.FreeBlocks(), uint64(2047); got != want {
		t.Fatalf("FreeBlocks() = %d, want %d", got, want)
	}

	fs, err := reopened.Filesystem()
	if err != nil {
		t.Fatalf("Filesystem: %v", err)
	}
	entries, err := fs.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root has %d entries, want 0", len(entries))
	}
}

func TestOpenWrongPasswordIsCorruptContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.cvfs")
	c, err := Create(path, 512, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Open(path, []byte("wrong password"))
	if err == nil {
		t.Fatal("Open with wrong password succeeded, want error")
	}
	if kind, ok := ErrorKind(err); !ok || kind != CorruptContainer {
		t.Fatalf("ErrorKind = %v, %v, want CorruptContainer, true", kind, ok)
	}
}

func TestOpenHiddenResolvesDualRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.cvfs")
	const hiddenRoot = 1
	c, err := Create(path, 2048, []byte("decoy"), WithHiddenRoot(hiddenRoot))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fs, err := c.Filesystem()
	if err != nil {
		t.Fatalf("Filesystem: %v", err)
	}
	if _, err := fs.AddFile("/decoy.txt"); err != nil {
		t.Fatalf("AddFile in primary: %v", err)
	}

	hidden, err := c.HiddenFilesystem()
	if err != nil {
		t.Fatalf("HiddenFilesystem: %v", err)
	}
	if _, err := hidden.AddFile("/secret.txt"); err != nil {
		t.Fatalf("AddFile in hidden: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenHidden(path, []byte("decoy"), hiddenRoot)
	if err != nil {
		t.Fatalf("OpenHidden: %v", err)
	}
	defer reopened.Close()

	fs2, err := reopened.Filesystem()
	if err != nil {
		t.Fatalf("Filesystem: %v", err)
	}
	if exists, err := fs2.FileExists("/secret.txt"); err != nil || !exists {
		t.Fatalf("FileExists(/secret.txt) = %v, %v, want true, nil", exists, err)
	}
	if exists, err := fs2.FileExists("/decoy.txt"); err != nil || exists {
		t.Fatalf("FileExists(/decoy.txt) in hidden view = %v, %v, want false, nil", exists, err)
	}
}

func TestCreateWithDifferentCiphers(t *testing.T) {
	for _, id := range []cipher.ID{cipher.AES, cipher.Twofish, cipher.None} {
		path := filepath.Join(t.TempDir(), "image.cvfs")
		c, err := Create(path, 256, []byte("pw"), WithCipher(id))
		if err != nil {
			t.Fatalf("Create(%v): %v", id, err)
		}
		if got := c.CipherID(); got != id {
			t.Fatalf("CipherID() = %v, want %v", got, id)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close(%v): %v", id, err)
		}
		if _, err := Open(path, []byte("pw")); err != nil {
			t.Fatalf("Open(%v): %v", id, err)
		}
	}
}
