package filevault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/persist"
)

// IntegrityVerifier computes and checks HMAC-SHA256 signatures over whole
// vault files (header and ciphertext together), so any single byte change is
// detectable without possessing the decryption key. The signing key is
// derived independently from the encryption master key.
//
// The verifier depends only on the on-disk vault file format, not on
// FileVault's in-memory state.
type IntegrityVerifier struct {
	keys   *KeyManager
	store  persist.Store
	logger audit.Logger
}

// NewIntegrityVerifier creates an IntegrityVerifier bound to the given
// KeyManager and store
func NewIntegrityVerifier(keys *KeyManager, store persist.Store, logger audit.Logger) (*IntegrityVerifier, error) {
	if keys == nil {
		return nil, fmt.Errorf("key manager cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}

	return &IntegrityVerifier{
		keys:   keys,
		store:  store,
		logger: logger,
	}, nil
}

// SignFile computes the HMAC over the full vault file bytes and records it
// in the integrity sidecar. Returns the hex HMAC.
func (iv *IntegrityVerifier) SignFile(vaultName string) (string, error) {
	data, err := iv.store.LoadVaultFile(vaultName)
	if err != nil {
		return "", fmt.Errorf("%s: %w", vaultName, ErrFileNotFound)
	}

	mac, err := iv.computeHMAC(data)
	if err != nil {
		return "", err
	}

	record := IntegrityRecord{
		HMAC:     mac,
		SignedAt: time.Now().UTC(),
		FileSize: int64(len(data)),
	}

	if err = iv.updateSidecar(func(records map[string]IntegrityRecord) {
		records[vaultName] = record
	}); err != nil {
		return "", err
	}

	if err = iv.recordManifestHMAC(vaultName, mac); err != nil {
		return "", err
	}

	_ = iv.logger.Log("file_sign", true, map[string]interface{}{
		"file_name": vaultName,
	})

	return mac, nil
}

// VerifyFile recomputes the HMAC for a vault file and compares it to the
// stored value in constant time.
//
// Status semantics: verified on match, tampered on mismatch, missing when
// the file or its sidecar record is absent, error on I/O failure. A corrupt
// sidecar reads as empty, so its entries report missing rather than
// crashing the check.
func (iv *IntegrityVerifier) VerifyFile(vaultName string) IntegrityResult {
	result := IntegrityResult{VaultPath: vaultName}

	records, _, err := iv.loadSidecar()
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}

	stored, ok := records[vaultName]
	if !ok {
		result.Status = StatusMissing
		result.Detail = "no stored signature"
		return result
	}
	result.StoredHMAC = stored.HMAC

	exists, err := iv.store.VaultFileExists(vaultName)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}
	if !exists {
		result.Status = StatusMissing
		result.Detail = "vault file absent"
		return result
	}

	data, err := iv.store.LoadVaultFile(vaultName)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}

	if header, _, herr := splitVaultFile(data); herr == nil {
		result.OriginalName = header.OriginalName
	}

	computed, err := iv.computeHMAC(data)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}
	result.ComputedHMAC = computed

	if hmacEqualHex(stored.HMAC, computed) {
		result.Status = StatusVerified
	} else {
		result.Status = StatusTampered
		result.Detail = "hmac mismatch"
		_ = iv.logger.Log("verify_failed", false, map[string]interface{}{
			"file_name": vaultName,
		})
	}

	return result
}

// VerifyAll verifies every file recorded in the integrity sidecar
func (iv *IntegrityVerifier) VerifyAll() ([]IntegrityResult, error) {
	records, _, err := iv.loadSidecar()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}

	results := make([]IntegrityResult, 0, len(names))
	for _, name := range names {
		results = append(results, iv.VerifyFile(name))
	}

	_ = iv.logger.Log("verify_all", true, map[string]interface{}{
		"checked": len(results),
	})

	return results, nil
}

// ResignAll recomputes and overwrites the HMAC for every vault file in the
// store. Required after rotation: rewrapping changes header bytes, so
// previously stored HMACs are stale.
//
// The pass is best-effort across files: per-file failures are collected and
// the count of successful signatures is returned alongside them.
func (iv *IntegrityVerifier) ResignAll() (int, error) {
	names, err := iv.store.ListVaultFiles()
	if err != nil {
		return 0, fmt.Errorf("failed to list vault files: %w", err)
	}

	signed := 0
	var errs []error
	for _, name := range names {
		if _, serr := iv.SignFile(name); serr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, serr))
			continue
		}
		signed++
	}

	_ = iv.logger.Log("resign_all", len(errs) == 0, map[string]interface{}{
		"signed":   signed,
		"failures": len(errs),
	})

	if len(errs) > 0 {
		return signed, fmt.Errorf("resign completed with %d failures: %w", len(errs), errors.Join(errs...))
	}
	return signed, nil
}

// loadSidecar reads the integrity sidecar. An unreadable or corrupt sidecar
// yields an empty map so verification degrades to missing statuses instead
// of failing outright.
func (iv *IntegrityVerifier) loadSidecar() (map[string]IntegrityRecord, string, error) {
	exists, err := iv.store.IntegrityDataExists()
	if err != nil {
		return nil, "", fmt.Errorf("failed to check integrity data: %w", err)
	}
	if !exists {
		return map[string]IntegrityRecord{}, "", nil
	}

	vd, err := iv.store.LoadIntegrityData()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load integrity data: %w", err)
	}

	records := map[string]IntegrityRecord{}
	if err = json.Unmarshal(vd.Data, &records); err != nil {
		// Corrupt sidecar: report entries as missing, never crash
		return map[string]IntegrityRecord{}, vd.Version, nil
	}

	return records, vd.Version, nil
}

// recordManifestHMAC mirrors a freshly stored signature into the manifest
// entry for the file, when one exists. The sidecar stays the authoritative
// record; the manifest copy lets listings show signing state without a second
// store read.
func (iv *IntegrityVerifier) recordManifestHMAC(vaultName, mac string) error {
	for attempt := 0; attempt < manifestRetries; attempt++ {
		exists, err := iv.store.ManifestExists()
		if err != nil {
			return fmt.Errorf("failed to check manifest: %w", err)
		}
		if !exists {
			return nil
		}

		vd, err := iv.store.LoadManifest()
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}

		var manifest Manifest
		if err = json.Unmarshal(vd.Data, &manifest); err != nil {
			return fmt.Errorf("corrupt manifest: %w", err)
		}

		found := false
		for i := range manifest.Entries {
			if manifest.Entries[i].VaultPath == vaultName {
				manifest.Entries[i].HMAC = mac
				found = true
			}
		}
		if !found {
			return nil
		}
		manifest.LastUpdated = time.Now().UTC()

		data, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("failed to marshal manifest: %w", err)
		}

		if _, err = iv.store.SaveManifest(data, vd.Version); err != nil {
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

func (iv *IntegrityVerifier) updateSidecar(mutate func(map[string]IntegrityRecord)) error {
	for attempt := 0; attempt < manifestRetries; attempt++ {
		records, version, err := iv.loadSidecar()
		if err != nil {
			return err
		}

		mutate(records)

		data, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("failed to marshal integrity data: %w", err)
		}

		if _, err = iv.store.SaveIntegrityData(data, version); err != nil {
			var conflict persist.ConcurrencyError
			if errors.As(err, &conflict) {
				continue
			}
			return err
		}
		return nil
	}

	return fmt.Errorf("integrity data update failed after %d attempts", manifestRetries)
}

// computeHMAC signs data with the independently derived integrity key
func (iv *IntegrityVerifier) computeHMAC(data []byte) (string, error) {
	key, err := iv.keys.IntegrityKey()
	if err != nil {
		return "", err
	}
	defer key.Destroy()

	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write(data)
	return toHex(mac.Sum(nil)), nil
}

// hmacEqualHex compares two hex HMAC strings in constant time
func hmacEqualHex(a, b string) bool {
	rawA, errA := fromHex("hmac", a)
	rawB, errB := fromHex("hmac", b)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(rawA, rawB)
}
