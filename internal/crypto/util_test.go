package crypto

import (
	"bytes"
	"testing"

	"southwinds.dev/filevault/internal/misc"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	salt := bytes.Repeat([]byte{0x42}, misc.SaltSize)

	k1, err := DeriveMasterKey(passphrase, salt, 100000)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	defer k1.Destroy()

	k2, err := DeriveMasterKey(passphrase, salt, 100000)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	defer k2.Destroy()

	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Fatal("same passphrase and salt must derive the same key")
	}

	k3, err := DeriveMasterKey([]byte("different"), salt, 100000)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	defer k3.Destroy()

	if bytes.Equal(k1.Bytes(), k3.Bytes()) {
		t.Fatal("different passphrases must derive different keys")
	}
}

func TestDeriveMasterKeyRejectsBadInput(t *testing.T) {
	if _, err := DeriveMasterKey([]byte("p"), []byte("short"), 100000); err == nil {
		t.Fatal("expected error for short salt")
	}
	salt := bytes.Repeat([]byte{1}, misc.SaltSize)
	if _, err := DeriveMasterKey([]byte("p"), salt, 0); err == nil {
		t.Fatal("expected error for zero iterations")
	}
}

func TestIntegrityKeyIndependentFromMasterKey(t *testing.T) {
	passphrase := []byte("passphrase")
	salt := bytes.Repeat([]byte{7}, misc.SaltSize)

	master, err := DeriveMasterKey(passphrase, salt, 100000)
	if err != nil {
		t.Fatalf("master derivation failed: %v", err)
	}
	defer master.Destroy()

	integrity, err := DeriveIntegrityKey(passphrase, salt, 100000)
	if err != nil {
		t.Fatalf("integrity derivation failed: %v", err)
	}
	defer integrity.Destroy()

	if bytes.Equal(master.Bytes(), integrity.Bytes()) {
		t.Fatal("integrity key must never equal the encryption master key")
	}
	if len(integrity.Bytes()) != misc.KeySize {
		t.Fatalf("expected %d byte integrity key, got %d", misc.KeySize, len(integrity.Bytes()))
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(misc.KeySize)
	if err != nil {
		t.Fatalf("random key failed: %v", err)
	}
	plaintext := []byte("the quick brown fox")

	iv, ciphertext, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(iv) != misc.IVSize {
		t.Fatalf("expected %d byte IV, got %d", misc.IVSize, len(iv))
	}

	recovered, err := Open(key, iv, ciphertext)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatal("round trip did not reproduce plaintext")
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key, _ := RandomBytes(misc.KeySize)
	iv, ciphertext, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err = Open(key, iv, ciphertext); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, _ := RandomBytes(misc.KeySize)
	other, _ := RandomBytes(misc.KeySize)

	iv, ciphertext, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err = Open(other, iv, ciphertext); err == nil {
		t.Fatal("expected failure under wrong key")
	}
}

func TestSealUsesFreshIVs(t *testing.T) {
	key, _ := RandomBytes(misc.KeySize)

	iv1, _, err := Seal(key, []byte("x"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	iv2, _, err := Seal(key, []byte("x"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if bytes.Equal(iv1, iv2) {
		t.Fatal("consecutive seals must not reuse an IV")
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, misc.KeySize)) {
		t.Fatal("all-zero key must be weak")
	}
	if !IsWeakKey(bytes.Repeat([]byte{0xAB}, misc.KeySize)) {
		t.Fatal("repeated-byte key must be weak")
	}
	if !IsWeakKey([]byte("short")) {
		t.Fatal("short key must be weak")
	}

	strong, err := RandomBytes(misc.KeySize)
	if err != nil {
		t.Fatalf("random key failed: %v", err)
	}
	if IsWeakKey(strong) {
		t.Fatal("random key reported weak")
	}
}
