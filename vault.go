package filevault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/internal/crypto"
	"southwinds.dev/filevault/internal/misc"
	"southwinds.dev/filevault/persist"
)

// VaultExtension is the suffix appended to encrypted file names
const VaultExtension = ".vault"

// manifestRetries bounds optimistic-concurrency retry loops on the manifest
const manifestRetries = 3

// FileVault performs per-file envelope encryption and decryption against a
// KeyManager, and orchestrates key rotation across all vault files.
//
// Every file gets its own random data key; the data key is wrapped under
// the active master key and embedded in the vault file header. Rotation
// rewraps headers only, so its cost is proportional to the number of files,
// not the number of ciphertext bytes.
type FileVault struct {
	keys      *KeyManager
	store     persist.Store
	logger    audit.Logger
	lockOwner string
}

// NewFileVault creates a FileVault bound to the given KeyManager and store
func NewFileVault(keys *KeyManager, store persist.Store, logger audit.Logger) (*FileVault, error) {
	if keys == nil {
		return nil, fmt.Errorf("key manager cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}

	return &FileVault{
		keys:      keys,
		store:     store,
		logger:    logger,
		lockOwner: uuid.NewString(),
	}, nil
}

// EncryptFile reads path into memory, encrypts it under a fresh data key
// wrapped by the active master key, writes the vault file, and records the
// entry in the manifest. The whole operation runs under the store's
// single-writer lock.
func (fv *FileVault) EncryptFile(path string) (*VaultEntry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err = fv.store.AcquireLock(fv.lockOwner); err != nil {
		return nil, err
	}
	defer func() { _ = fv.store.ReleaseLock(fv.lockOwner) }()

	originalName := filepath.Base(path)
	vaultName := originalName + VaultExtension

	dek, wrapped, err := fv.keys.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()

	contentIV, ciphertext, err := crypto.Seal(dek.Bytes(), content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt %s: %w", originalName, err)
	}

	header := &VaultHeader{
		FormatVersion:    misc.VaultFormatVersion,
		OriginalName:     originalName,
		OriginalSize:     int64(len(content)),
		EncryptedAt:      timestampNow(),
		WrappedKey:       toHex(wrapped.WrappedKey),
		WrappedKeyIV:     toHex(wrapped.IV),
		MasterKeyVersion: wrapped.MasterKeyVersion,
		ContentIV:        toHex(contentIV),
	}

	fileBytes, err := assembleVaultFile(header, ciphertext)
	if err != nil {
		return nil, err
	}

	if err = fv.store.SaveVaultFile(vaultName, fileBytes); err != nil {
		fv.logFailure("file_encrypt", vaultName, err)
		return nil, err
	}

	entry := VaultEntry{
		OriginalName:     originalName,
		OriginalSize:     int64(len(content)),
		VaultPath:        vaultName,
		EncryptedAt:      time.Now().UTC(),
		MasterKeyVersion: wrapped.MasterKeyVersion,
	}

	if err = fv.updateManifest(func(m *Manifest) {
		m.Entries = upsertEntry(m.Entries, entry)
	}); err != nil {
		return nil, err
	}

	_ = fv.logger.Log("file_encrypt", true, map[string]interface{}{
		"file_name":   vaultName,
		"key_version": wrapped.MasterKeyVersion,
		"size":        len(content),
		"checksum":    crypto.CalculateChecksum(fileBytes),
	})

	return &entry, nil
}

// DecryptFile parses the vault file header, unwraps the embedded data key
// via the KeyManager, decrypts the content, and writes the plaintext under
// the original name inside outputDir. Returns the output path.
//
// An authentication tag failure during decryption maps to
// ErrAuthenticationFailed; a missing master key version maps to
// ErrKeyNotUnlocked.
func (fv *FileVault) DecryptFile(vaultName string, outputDir string) (string, error) {
	exists, err := fv.store.VaultFileExists(vaultName)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%s: %w", vaultName, ErrFileNotFound)
	}

	data, err := fv.store.LoadVaultFile(vaultName)
	if err != nil {
		return "", err
	}

	header, ciphertext, err := splitVaultFile(data)
	if err != nil {
		return "", err
	}

	if err = validateOutputName(header.OriginalName); err != nil {
		fv.logFailure("file_decrypt", vaultName, err)
		return "", fmt.Errorf("%s: %w", vaultName, err)
	}

	wrapped, err := wrappedKeyFromHeader(header)
	if err != nil {
		return "", err
	}

	dek, err := fv.keys.UnwrapDataKey(wrapped)
	if err != nil {
		fv.logFailure("file_decrypt", vaultName, err)
		return "", err
	}
	defer dek.Destroy()

	contentIV, err := fromHex("content_iv", header.ContentIV)
	if err != nil {
		return "", err
	}

	plaintext, err := crypto.Open(dek.Bytes(), contentIV, ciphertext)
	if err != nil {
		fv.logFailure("file_decrypt", vaultName, ErrAuthenticationFailed)
		return "", fmt.Errorf("%s: %w", vaultName, ErrAuthenticationFailed)
	}

	if err = os.MkdirAll(outputDir, misc.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath := filepath.Join(outputDir, header.OriginalName)
	if err = os.WriteFile(outputPath, plaintext, misc.FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	_ = fv.logger.Log("file_decrypt", true, map[string]interface{}{
		"file_name":   vaultName,
		"key_version": header.MasterKeyVersion,
	})

	return outputPath, nil
}

// ListFiles returns the manifest entries. Metadata only; no ciphertext or
// key material is touched.
func (fv *FileVault) ListFiles() ([]VaultEntry, error) {
	manifest, _, err := fv.loadManifest()
	if err != nil {
		return nil, err
	}
	return manifest.Entries, nil
}

func (fv *FileVault) loadManifest() (*Manifest, string, error) {
	exists, err := fv.store.ManifestExists()
	if err != nil {
		return nil, "", fmt.Errorf("failed to check manifest: %w", err)
	}
	if !exists {
		return &Manifest{Entries: []VaultEntry{}}, "", nil
	}

	vd, err := fv.store.LoadManifest()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load manifest: %w", err)
	}

	var manifest Manifest
	if err = json.Unmarshal(vd.Data, &manifest); err != nil {
		return nil, "", fmt.Errorf("corrupt manifest: %w", err)
	}

	return &manifest, vd.Version, nil
}

// updateManifest applies mutate to the manifest under an optimistic
// concurrency loop, retrying on version conflicts
func (fv *FileVault) updateManifest(mutate func(*Manifest)) error {
	for attempt := 0; attempt < manifestRetries; attempt++ {
		manifest, version, err := fv.loadManifest()
		if err != nil {
			return err
		}

		mutate(manifest)
		manifest.LastUpdated = time.Now().UTC()
		manifest.TotalFiles = len(manifest.Entries)

		data, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("failed to marshal manifest: %w", err)
		}

		if _, err = fv.store.SaveManifest(data, version); err != nil {
			var conflict persist.ConcurrencyError
			if errors.As(err, &conflict) {
				continue
			}
			return err
		}
		return nil
	}

	return fmt.Errorf("manifest update failed after %d attempts", manifestRetries)
}

func (fv *FileVault) logFailure(action, vaultName string, err error) {
	_ = fv.logger.Log(action, false, map[string]interface{}{
		"file_name": vaultName,
		"error":     err.Error(),
	})
}

// assembleVaultFile builds the on-disk form: one JSON header line, a single
// newline, then the raw ciphertext with no further delimiter
func assembleVaultFile(header *VaultHeader, ciphertext []byte) ([]byte, error) {
	headerBytes, err := encodeHeader(header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+1+len(ciphertext))
	out = append(out, headerBytes...)
	out = append(out, '\n')
	out = append(out, ciphertext...)
	return out, nil
}

// validateOutputName guards against path traversal through the vault file
// header. The header line sits outside the ciphertext's authentication tag,
// so a tampered original_name must never be allowed to steer the output path
// out of the requested directory.
func validateOutputName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid original name in vault header")
	}
	if strings.Contains(name, "..") ||
		strings.Contains(name, "/") ||
		strings.Contains(name, "\\") {
		return fmt.Errorf("original name in vault header contains invalid characters")
	}
	return nil
}

// wrappedKeyFromHeader reconstructs the WrappedDataKey embedded in a vault
// file header
func wrappedKeyFromHeader(header *VaultHeader) (*WrappedDataKey, error) {
	wrappedKey, err := fromHex("wrapped_key", header.WrappedKey)
	if err != nil {
		return nil, err
	}
	iv, err := fromHex("wrapped_key_iv", header.WrappedKeyIV)
	if err != nil {
		return nil, err
	}

	return &WrappedDataKey{
		WrappedKey:       wrappedKey,
		IV:               iv,
		MasterKeyVersion: header.MasterKeyVersion,
	}, nil
}

// upsertEntry replaces an existing entry with the same vault path or
// appends a new one
func upsertEntry(entries []VaultEntry, entry VaultEntry) []VaultEntry {
	for i := range entries {
		if entries[i].VaultPath == entry.VaultPath {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}
