package filevault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MasterKeyMetadata describes one immutable master key version. The salt and
// verification token are persisted; raw or derived key bytes never are.
type MasterKeyMetadata struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	KeyID     string    `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	IsActive  bool      `json:"is_active"`
	Salt      string    `json:"salt"` // hex

	// VerificationToken is hex(iv || ciphertext) of the fixed verification
	// plaintext sealed under this version's key. Absent only on legacy
	// stores created before tokens were written at initialization.
	VerificationToken string `json:"verification_token,omitempty"`
}

// KeyMetadataDocument is the persisted key metadata store
type KeyMetadataDocument struct {
	ActiveVersion int                 `json:"active_version"`
	Versions      []MasterKeyMetadata `json:"versions"`
}

// WrappedDataKey is a data key in its encrypted transport form, together
// with the master key version needed to unwrap it
type WrappedDataKey struct {
	WrappedKey       []byte
	IV               []byte
	MasterKeyVersion int
	CreatedAt        time.Time
}

// VaultHeader is the single-line JSON header at the start of every vault
// file. Field names and encodings are part of the on-disk format and must
// not change within a format version.
type VaultHeader struct {
	FormatVersion    int    `json:"format_version"`
	OriginalName     string `json:"original_name"`
	OriginalSize     int64  `json:"original_size"`
	EncryptedAt      string `json:"encrypted_at"` // RFC 3339 UTC
	WrappedKey       string `json:"wrapped_key"`  // hex
	WrappedKeyIV     string `json:"wrapped_key_iv"`
	MasterKeyVersion int    `json:"master_key_version"`
	ContentIV        string `json:"content_iv"`
}

// VaultEntry is a manifest record for one encrypted file
type VaultEntry struct {
	OriginalName     string    `json:"original_name"`
	OriginalSize     int64     `json:"original_size"`
	VaultPath        string    `json:"vault_path"`
	EncryptedAt      time.Time `json:"encrypted_at"`
	MasterKeyVersion int       `json:"master_key_version"`
	HMAC             string    `json:"hmac,omitempty"`
}

// Manifest is the persisted listing of all vault entries
type Manifest struct {
	Entries     []VaultEntry `json:"entries"`
	LastUpdated time.Time    `json:"last_updated"`
	TotalFiles  int          `json:"total_files"`
}

// IntegrityRecord is one entry of the integrity sidecar store
type IntegrityRecord struct {
	HMAC     string    `json:"hmac"`
	SignedAt time.Time `json:"signed_at"`
	FileSize int64     `json:"file_size"`
}

// IntegrityStatus classifies the outcome of a verification
type IntegrityStatus string

const (
	StatusVerified IntegrityStatus = "verified"
	StatusTampered IntegrityStatus = "tampered"
	StatusMissing  IntegrityStatus = "missing"
	StatusError    IntegrityStatus = "error"
)

// IntegrityResult reports the verification outcome for one vault file
type IntegrityResult struct {
	VaultPath    string          `json:"vault_path"`
	OriginalName string          `json:"original_name"`
	Status       IntegrityStatus `json:"status"`
	StoredHMAC   string          `json:"stored_hmac,omitempty"`
	ComputedHMAC string          `json:"computed_hmac,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// Err maps a non-verified result to its error kind so callers can branch
// with errors.Is instead of string matching
func (r IntegrityResult) Err() error {
	switch r.Status {
	case StatusVerified:
		return nil
	case StatusTampered:
		return fmt.Errorf("%s: %w", r.VaultPath, ErrIntegrityViolation)
	case StatusMissing:
		return fmt.Errorf("%s: %w", r.VaultPath, ErrFileNotFound)
	default:
		return fmt.Errorf("%s: %s", r.VaultPath, r.Detail)
	}
}

// encodeHeader serializes a vault header to its canonical single-line form,
// without the trailing newline
func encodeHeader(header *VaultHeader) ([]byte, error) {
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault header: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return nil, fmt.Errorf("vault header must not contain newlines")
	}
	return data, nil
}

// splitVaultFile separates a vault file into its header and ciphertext
// regions. The header is everything before the first newline; the ciphertext
// is everything after it, with no further delimiter.
func splitVaultFile(data []byte) (*VaultHeader, []byte, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil, fmt.Errorf("malformed vault file: missing header delimiter")
	}

	var header VaultHeader
	if err := json.Unmarshal(data[:idx], &header); err != nil {
		return nil, nil, fmt.Errorf("malformed vault file header: %w", err)
	}

	return &header, data[idx+1:], nil
}
