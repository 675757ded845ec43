package filevault

import "errors"

// Error kinds callers can branch on with errors.Is. Operational context is
// wrapped around these sentinels, never substituted for them.
var (
	// ErrKeyNotUnlocked indicates an operation needs a master key version
	// that has not been unlocked in this process
	ErrKeyNotUnlocked = errors.New("master key version not unlocked")

	// ErrInvalidPassphrase indicates the derived key failed verification.
	// The error carries no detail about which step failed.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrFileNotFound indicates the requested file or vault file does not exist
	ErrFileNotFound = errors.New("file not found")

	// ErrAuthenticationFailed indicates an authentication tag mismatch during
	// decryption: wrong key, or corrupted or tampered ciphertext
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrIntegrityViolation indicates an HMAC mismatch over a vault file,
	// detectable without possessing the decryption key
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrNotInitialized indicates the key store has no master key versions yet
	ErrNotInitialized = errors.New("key store not initialized")
)
