package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/filevault/internal/misc"
)

// integrityInfo is the HKDF domain separation label for the HMAC signing key.
// It guarantees the integrity key is never byte-equal to the encryption
// master key even though both originate from the same passphrase and salt.
const integrityInfo = "filevault integrity v1"

// DeriveMasterKey derives a master key from a passphrase and salt using
// PBKDF2-HMAC-SHA256. The result is placed in a locked buffer; callers must
// Destroy it when done.
func DeriveMasterKey(passphrase []byte, salt []byte, iterations int) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSize {
		return nil, errors.New("salt too short")
	}
	if iterations <= 0 {
		return nil, errors.New("iteration count must be positive")
	}

	derived := pbkdf2.Key(passphrase, salt, iterations, misc.KeySize, sha256.New)

	// Protect the derived key immediately
	protected := memguard.NewBufferFromBytes(derived)

	return protected, nil
}

// DeriveIntegrityKey derives the HMAC signing key from the same passphrase
// material via HKDF-SHA256 with a dedicated info string.
func DeriveIntegrityKey(passphrase []byte, salt []byte, iterations int) (*memguard.LockedBuffer, error) {
	base, err := DeriveMasterKey(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer base.Destroy()

	hk := hkdf.New(sha256.New, base.Bytes(), salt, []byte(integrityInfo))
	key := make([]byte, misc.KeySize)
	if _, err = io.ReadFull(hk, key); err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("failed to expand integrity key: %w", err)
	}

	protected := memguard.NewBufferFromBytes(key)
	return protected, nil
}

// NewGCM builds an AES-256-GCM AEAD from the given key
func NewGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead, nil
}

// RandomBytes returns n cryptographically secure random bytes
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// Seal encrypts plaintext with AES-256-GCM and a fresh random IV.
// Returns the IV and the ciphertext (which includes the auth tag) separately
// so callers control the transport encoding.
func Seal(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := NewGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv, err = RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// Open decrypts AES-256-GCM ciphertext. An authentication failure is
// reported as-is so callers can map it to their own error kind.
func Open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := NewGCM(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aead.NonceSize() {
		return nil, errors.New("invalid IV length")
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates the SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey rejects key material with obviously degenerate structure
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
