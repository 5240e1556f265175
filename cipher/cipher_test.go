package cipher

import (
	"bytes"
	"testing"
)

func TestParseIDRoundTrip(t *testing.T) {
	names := []string{"aes", "twofish", "serpent", "rc6", "mars", "cast256", "camellia", "rc5", "shacal2", "null"}
	for _, name := range names {
		id, err := ParseID(name)
		if err != nil {
			t.Fatalf("ParseID(%q): %v", name, err)
		}
		if id.String() != name {
			t.Fatalf("ID(%d).String() = %q, want %q", id, id.String(), name)
		}
	}

	if _, err := ParseID("bogus"); err == nil {
		t.Fatal("expected error for unknown cipher name")
	}
}

func TestEncryptDecryptIsIdentity(t *testing.T) {
	ids := []ID{AES, Twofish, Serpent, RC6, MARS, Cast256, Camellia, RC5, Shacal2}

	key, err := DeriveKey([]byte("correct horse battery staple"), [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	for _, id := range ids {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			block, err := NewBlockCipher(id, key)
			if err != nil {
				t.Fatalf("NewBlockCipher(%s): %v", id, err)
			}

			iv := make([]byte, block.BlockSize())
			for i := range iv {
				iv[i] = byte(i * 7)
			}

			plain := bytes.Repeat([]byte("Hello, World!"), 100)

			for _, offset := range []uint64{0, 1, uint64(block.BlockSize()), uint64(block.BlockSize()) + 3, 4096} {
				enc := make([]byte, len(plain))
				StreamAt(block, iv, offset).XORKeyStream(enc, plain)

				dec := make([]byte, len(plain))
				StreamAt(block, iv, offset).XORKeyStream(dec, enc)

				if !bytes.Equal(dec, plain) {
					t.Fatalf("offset %d: decrypt(encrypt(x)) != x", offset)
				}
				if offset == 0 && bytes.Equal(enc, plain) {
					t.Fatalf("ciphertext equals plaintext for %s", id)
				}
			}
		})
	}
}

func TestDeriveKeySize(t *testing.T) {
	key, err := DeriveKey([]byte("pw"), [8]byte{})
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("DeriveKey returned %d bytes, want %d", len(key), KeySize)
	}
}
