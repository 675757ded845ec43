package filevault

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/internal/crypto"
	"southwinds.dev/filevault/internal/misc"
	"southwinds.dev/filevault/persist"
)

// KeyManager owns master key derivation, versioning, and data key
// wrap/unwrap. Derived keys live in memguard enclaves for the lifetime of
// the process and are never persisted; only salts and verification tokens
// reach the store.
//
// The manager caches unlocked versions in memory. Decrypting a file wrapped
// under an old version requires that version to have been unlocked in the
// current process, which keeps rotation from silently depending on
// passphrases the caller no longer has.
type KeyManager struct {
	store       persist.Store
	logger      audit.Logger
	iterations  int
	maxVersions int

	mu           sync.RWMutex
	doc          *KeyMetadataDocument
	docVersion   string
	masterKeys   map[int]*memguard.Enclave
	integrityKey *memguard.Enclave
}

// NewKeyManager creates a KeyManager bound to the given store. Existing key
// metadata is loaded; a store with no metadata yields a manager that must be
// initialized before use.
func NewKeyManager(store persist.Store, logger audit.Logger, options Options) (*KeyManager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}

	km := &KeyManager{
		store:       store,
		logger:      logger,
		iterations:  options.KDFIterations,
		maxVersions: options.MaxKeyVersions,
		masterKeys:  make(map[int]*memguard.Enclave),
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if err := km.reloadLocked(); err != nil {
		return nil, err
	}

	return km, nil
}

// Initialize derives a new master key from passphrase with a fresh random
// salt, mints the next version number, deactivates all prior versions, and
// persists the metadata. A verification token is sealed eagerly so Unlock
// never has to mutate the store on a read path.
func (km *KeyManager) Initialize(passphrase []byte) (*MasterKeyMetadata, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveMasterKey(passphrase, salt, km.iterations)
	if err != nil {
		return nil, err
	}

	tokenIV, tokenCT, err := crypto.Seal(key.Bytes(), []byte(misc.VerificationPlaintext))
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("failed to seal verification token: %w", err)
	}

	integrity, err := crypto.DeriveIntegrityKey(passphrase, salt, km.iterations)
	if err != nil {
		key.Destroy()
		return nil, err
	}

	if km.doc == nil {
		km.doc = &KeyMetadataDocument{}
	}

	newVersion := km.maxVersionLocked() + 1
	for i := range km.doc.Versions {
		km.doc.Versions[i].IsActive = false
	}

	meta := MasterKeyMetadata{
		Version:           newVersion,
		CreatedAt:         time.Now().UTC(),
		KeyID:             uuid.NewString(),
		Algorithm:         misc.MasterKeyAlgorithm,
		IsActive:          true,
		Salt:              toHex(salt),
		VerificationToken: toHex(append(tokenIV, tokenCT...)),
	}
	km.doc.Versions = append(km.doc.Versions, meta)
	km.doc.ActiveVersion = newVersion

	pruned := km.pruneLocked()

	if err = km.saveLocked(); err != nil {
		key.Destroy()
		integrity.Destroy()
		return nil, err
	}

	km.masterKeys[newVersion] = key.Seal()
	km.integrityKey = integrity.Seal()

	_ = km.logger.Log("vault_init", true, map[string]interface{}{
		"key_version": newVersion,
		"key_id":      meta.KeyID,
	})
	km.reportPruned(pruned)

	result := meta
	return &result, nil
}

// Unlock re-derives the key for the requested version (0 means active) and
// validates it against the stored verification token. Any derivation or
// validation failure is reported as ErrInvalidPassphrase without further
// detail.
//
// Metadata written before tokens were sealed at initialization has no token;
// for those versions the first successful unlock backfills one.
func (km *KeyManager) Unlock(passphrase []byte, version int) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.doc == nil || len(km.doc.Versions) == 0 {
		return ErrNotInitialized
	}

	if version == 0 {
		version = km.doc.ActiveVersion
	}

	meta := km.findVersionLocked(version)
	if meta == nil {
		return fmt.Errorf("master key version %d not found", version)
	}

	salt, err := fromHex("salt", meta.Salt)
	if err != nil {
		return err
	}

	candidate, err := crypto.DeriveMasterKey(passphrase, salt, km.iterations)
	if err != nil {
		return err
	}

	if meta.VerificationToken != "" {
		if err = verifyToken(candidate.Bytes(), meta.VerificationToken); err != nil {
			candidate.Destroy()
			_ = km.logger.Log("vault_unlock", false, map[string]interface{}{
				"key_version": version,
				"error":       "verification failed",
			})
			return ErrInvalidPassphrase
		}
	} else {
		// Legacy record: no token to check against, so seal one now
		tokenIV, tokenCT, serr := crypto.Seal(candidate.Bytes(), []byte(misc.VerificationPlaintext))
		if serr != nil {
			candidate.Destroy()
			return fmt.Errorf("failed to seal verification token: %w", serr)
		}
		meta.VerificationToken = toHex(append(tokenIV, tokenCT...))
		if err = km.saveLocked(); err != nil {
			candidate.Destroy()
			return err
		}
	}

	if version == km.doc.ActiveVersion {
		integrity, ierr := crypto.DeriveIntegrityKey(passphrase, salt, km.iterations)
		if ierr != nil {
			candidate.Destroy()
			return ierr
		}
		km.integrityKey = integrity.Seal()
	}

	km.masterKeys[version] = candidate.Seal()

	_ = km.logger.Log("vault_unlock", true, map[string]interface{}{
		"key_version": version,
	})
	return nil
}

// GenerateDataKey creates a fresh random data key and wraps it under the
// active master key. The plaintext key is returned in a locked buffer for
// immediate use; callers must Destroy it and must never persist it.
func (km *KeyManager) GenerateDataKey() (*memguard.LockedBuffer, *WrappedDataKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.doc == nil || km.doc.ActiveVersion == 0 {
		return nil, nil, ErrNotInitialized
	}

	active := km.doc.ActiveVersion
	enclave, ok := km.masterKeys[active]
	if !ok {
		return nil, nil, fmt.Errorf("active version %d: %w", active, ErrKeyNotUnlocked)
	}

	master, err := enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	dekBytes, err := crypto.RandomBytes(misc.KeySize)
	if err != nil {
		return nil, nil, err
	}
	if crypto.IsWeakKey(dekBytes) {
		memguard.WipeBytes(dekBytes)
		return nil, nil, fmt.Errorf("random source produced degenerate key material")
	}

	iv, wrapped, err := crypto.Seal(master.Bytes(), dekBytes)
	if err != nil {
		memguard.WipeBytes(dekBytes)
		return nil, nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	dek := memguard.NewBufferFromBytes(dekBytes)

	return dek, &WrappedDataKey{
		WrappedKey:       wrapped,
		IV:               iv,
		MasterKeyVersion: active,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// UnwrapDataKey recovers the plaintext data key from its wrapped form. The
// master key version referenced by wrapped must have been unlocked in this
// process.
func (km *KeyManager) UnwrapDataKey(wrapped *WrappedDataKey) (*memguard.LockedBuffer, error) {
	if wrapped == nil {
		return nil, fmt.Errorf("wrapped data key cannot be nil")
	}

	km.mu.RLock()
	enclave, ok := km.masterKeys[wrapped.MasterKeyVersion]
	km.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("master key version %d: %w", wrapped.MasterKeyVersion, ErrKeyNotUnlocked)
	}

	master, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	plain, err := crypto.Open(master.Bytes(), wrapped.IV, wrapped.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", ErrAuthenticationFailed)
	}

	return memguard.NewBufferFromBytes(plain), nil
}

// RewrapDataKey unwraps a data key under its old master version and wraps it
// again under the current active version. Only key material is touched; the
// caller's ciphertext is unaffected.
func (km *KeyManager) RewrapDataKey(wrapped *WrappedDataKey) (*WrappedDataKey, error) {
	dek, err := km.UnwrapDataKey(wrapped)
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()

	km.mu.RLock()
	defer km.mu.RUnlock()

	active := km.doc.ActiveVersion
	enclave, ok := km.masterKeys[active]
	if !ok {
		return nil, fmt.Errorf("active version %d: %w", active, ErrKeyNotUnlocked)
	}

	master, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	iv, rewrapped, err := crypto.Seal(master.Bytes(), dek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to rewrap data key: %w", err)
	}

	return &WrappedDataKey{
		WrappedKey:       rewrapped,
		IV:               iv,
		MasterKeyVersion: active,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// RotateMasterKey validates the old passphrase against the current active
// version, then mints a new active version from the new passphrase. Returns
// both version numbers so the caller can drive per-file rewrapping.
func (km *KeyManager) RotateMasterKey(oldPassphrase, newPassphrase []byte) (oldVersion, newVersion int, err error) {
	km.mu.RLock()
	if km.doc == nil || len(km.doc.Versions) == 0 {
		km.mu.RUnlock()
		return 0, 0, ErrNotInitialized
	}
	oldVersion = km.doc.ActiveVersion
	_, unlocked := km.masterKeys[oldVersion]
	km.mu.RUnlock()

	if !unlocked {
		if err = km.Unlock(oldPassphrase, oldVersion); err != nil {
			return 0, 0, err
		}
	}

	meta, err := km.Initialize(newPassphrase)
	if err != nil {
		return 0, 0, err
	}

	_ = km.logger.Log("key_rotate", true, map[string]interface{}{
		"old_version": oldVersion,
		"key_version": meta.Version,
	})
	return oldVersion, meta.Version, nil
}

// IntegrityKey returns a copy of the HMAC signing key in a locked buffer.
// Available only after Initialize or an Unlock of the active version.
func (km *KeyManager) IntegrityKey() (*memguard.LockedBuffer, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.integrityKey == nil {
		return nil, fmt.Errorf("integrity key: %w", ErrKeyNotUnlocked)
	}
	buf, err := km.integrityKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open integrity key: %w", err)
	}
	return buf, nil
}

// ActiveVersion returns the active master key version, or 0 when the key
// store has not been initialized
func (km *KeyManager) ActiveVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.doc == nil {
		return 0
	}
	return km.doc.ActiveVersion
}

// HasVerificationToken reports whether the given version (0 means active)
// carries a stored verification token. A token-less record accepts any
// passphrase on Unlock and backfills a token for it, so a successful Unlock
// against such a record is not evidence that a specific passphrase derives
// that version's key.
func (km *KeyManager) HasVerificationToken(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.doc == nil {
		return false
	}
	if version == 0 {
		version = km.doc.ActiveVersion
	}
	meta := km.findVersionLocked(version)
	return meta != nil && meta.VerificationToken != ""
}

// IsUnlocked reports whether the given version has been unlocked in this
// process
func (km *KeyManager) IsUnlocked(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()

	_, ok := km.masterKeys[version]
	return ok
}

// ListVersions returns a copy of all master key metadata records, oldest
// first
func (km *KeyManager) ListVersions() []MasterKeyMetadata {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.doc == nil {
		return nil
	}
	versions := make([]MasterKeyMetadata, len(km.doc.Versions))
	copy(versions, km.doc.Versions)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions
}

// Close discards all cached key material. The manager is unusable for
// cryptographic operations afterwards until keys are unlocked again.
func (km *KeyManager) Close() {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.masterKeys = make(map[int]*memguard.Enclave)
	km.integrityKey = nil
}

func (km *KeyManager) reloadLocked() error {
	exists, err := km.store.KeyMetadataExists()
	if err != nil {
		return fmt.Errorf("failed to check key metadata: %w", err)
	}
	if !exists {
		km.doc = &KeyMetadataDocument{}
		km.docVersion = ""
		return nil
	}

	vd, err := km.store.LoadKeyMetadata()
	if err != nil {
		return fmt.Errorf("failed to load key metadata: %w", err)
	}

	var doc KeyMetadataDocument
	if err = json.Unmarshal(vd.Data, &doc); err != nil {
		return fmt.Errorf("corrupt key metadata: %w", err)
	}

	km.doc = &doc
	km.docVersion = vd.Version
	return nil
}

func (km *KeyManager) saveLocked() error {
	data, err := json.Marshal(km.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}

	newVersion, err := km.store.SaveKeyMetadata(data, km.docVersion)
	if err != nil {
		return fmt.Errorf("failed to save key metadata: %w", err)
	}
	km.docVersion = newVersion
	return nil
}

func (km *KeyManager) findVersionLocked(version int) *MasterKeyMetadata {
	for i := range km.doc.Versions {
		if km.doc.Versions[i].Version == version {
			return &km.doc.Versions[i]
		}
	}
	return nil
}

func (km *KeyManager) maxVersionLocked() int {
	max := 0
	if km.doc == nil {
		return 0
	}
	for _, v := range km.doc.Versions {
		if v.Version > max {
			max = v.Version
		}
	}
	return max
}

// pruneLocked enforces the retention bound by discarding the oldest
// inactive version records. The active record is never pruned. Returns the
// pruned version numbers so callers can report entries left undecryptable.
func (km *KeyManager) pruneLocked() []int {
	var pruned []int

	for len(km.doc.Versions) > km.maxVersions {
		oldestIdx := -1
		for i, v := range km.doc.Versions {
			if v.IsActive {
				continue
			}
			if oldestIdx < 0 || v.Version < km.doc.Versions[oldestIdx].Version {
				oldestIdx = i
			}
		}
		if oldestIdx < 0 {
			break
		}

		version := km.doc.Versions[oldestIdx].Version
		km.doc.Versions = append(km.doc.Versions[:oldestIdx], km.doc.Versions[oldestIdx+1:]...)
		delete(km.masterKeys, version)
		pruned = append(pruned, version)
	}

	return pruned
}

// reportPruned cross-checks the manifest for entries still wrapped under a
// pruned version. Those entries are now permanently undecryptable; the loss
// is reported, not silently accepted.
func (km *KeyManager) reportPruned(pruned []int) {
	if len(pruned) == 0 {
		return
	}

	affected := make(map[int][]string)
	if exists, err := km.store.ManifestExists(); err == nil && exists {
		if vd, err := km.store.LoadManifest(); err == nil {
			var manifest Manifest
			if json.Unmarshal(vd.Data, &manifest) == nil {
				for _, entry := range manifest.Entries {
					for _, version := range pruned {
						if entry.MasterKeyVersion == version {
							affected[version] = append(affected[version], entry.VaultPath)
						}
					}
				}
			}
		}
	}

	for _, version := range pruned {
		_ = km.logger.Log("key_prune", true, map[string]interface{}{
			"key_version":      version,
			"orphaned_entries": affected[version],
		})
	}
}

// verifyToken opens the stored verification token with the candidate key
// and compares the plaintext in constant time
func verifyToken(key []byte, token string) error {
	raw, err := fromHex("verification_token", token)
	if err != nil {
		return err
	}
	if len(raw) <= misc.IVSize {
		return fmt.Errorf("verification token too short")
	}

	plain, err := crypto.Open(key, raw[:misc.IVSize], raw[misc.IVSize:])
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plain)

	if subtle.ConstantTimeCompare(plain, []byte(misc.VerificationPlaintext)) != 1 {
		return fmt.Errorf("verification token mismatch")
	}
	return nil
}
