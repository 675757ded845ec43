package filevault

import (
	"errors"
	"fmt"
)

// RotationResult summarizes a rotation pass across the vault
type RotationResult struct {
	OldVersion int
	NewVersion int

	// Rewrapped counts files whose headers were rewrapped in this pass
	Rewrapped int

	// Skipped counts files already wrapped under the active version,
	// typically from a previously interrupted rotation
	Skipped int

	// Failures holds per-file errors; the pass continues past them
	Failures map[string]error
}

// RotateKeys rotates the master key and rewraps the data key in every vault
// file header. Ciphertext bytes are never re-read or rewritten: the cost of
// rotation is proportional to the number of files, not their size.
//
// The pass is resumable. Files already wrapped under the active version are
// skipped, so rerunning rotation after an interruption completes the pass
// without touching finished files. Per-file failures do not abort the pass;
// they are collected in the result.
func (fv *FileVault) RotateKeys(oldPassphrase, newPassphrase []byte) (*RotationResult, error) {
	if err := fv.store.AcquireLock(fv.lockOwner); err != nil {
		return nil, err
	}
	defer func() { _ = fv.store.ReleaseLock(fv.lockOwner) }()

	var oldVersion, newVersion int
	activeVersion := fv.keys.ActiveVersion()
	if activeVersion != 0 && fv.keys.HasVerificationToken(activeVersion) &&
		fv.keys.Unlock(newPassphrase, activeVersion) == nil {
		// The active version already derives from the new passphrase: a
		// previous rotation was interrupted after master rotation. Resume
		// rewrapping under it instead of minting another version.
		//
		// Only a version with a stored verification token can serve as
		// evidence here: a token-less record accepts any passphrase on
		// Unlock, which would misread a normal rotation as a resume.
		newVersion = activeVersion
		for _, meta := range fv.keys.ListVersions() {
			if meta.Version == activeVersion || fv.keys.IsUnlocked(meta.Version) {
				continue
			}
			if uerr := fv.keys.Unlock(oldPassphrase, meta.Version); uerr == nil && meta.Version > oldVersion {
				oldVersion = meta.Version
			}
		}
	} else {
		var err error
		oldVersion, newVersion, err = fv.keys.RotateMasterKey(oldPassphrase, newPassphrase)
		if err != nil {
			return nil, err
		}
	}

	result := &RotationResult{
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Failures:   make(map[string]error),
	}

	names, err := fv.store.ListVaultFiles()
	if err != nil {
		return result, fmt.Errorf("failed to list vault files: %w", err)
	}

	for _, name := range names {
		rewrapped, ferr := fv.rewrapVaultFile(name, newVersion)
		if ferr != nil {
			result.Failures[name] = ferr
			fv.logFailure("file_rewrap", name, ferr)
			continue
		}
		if rewrapped {
			result.Rewrapped++
		} else {
			result.Skipped++
		}
	}

	if err = fv.updateManifest(func(m *Manifest) {
		for i := range m.Entries {
			if _, failed := result.Failures[m.Entries[i].VaultPath]; failed {
				continue
			}
			m.Entries[i].MasterKeyVersion = newVersion
		}
	}); err != nil {
		return result, err
	}

	_ = fv.logger.Log("key_rotate_files", len(result.Failures) == 0, map[string]interface{}{
		"key_version": newVersion,
		"rewrapped":   result.Rewrapped,
		"skipped":     result.Skipped,
		"failures":    len(result.Failures),
	})

	if len(result.Failures) > 0 {
		errs := make([]error, 0, len(result.Failures))
		for name, ferr := range result.Failures {
			errs = append(errs, fmt.Errorf("%s: %w", name, ferr))
		}
		return result, fmt.Errorf("rotation completed with %d failures: %w",
			len(result.Failures), errors.Join(errs...))
	}

	return result, nil
}

// rewrapVaultFile rewraps a single vault file header under the active
// version. Idempotent: a file already at activeVersion is left untouched.
// Returns false when the file was skipped.
func (fv *FileVault) rewrapVaultFile(name string, activeVersion int) (bool, error) {
	data, err := fv.store.LoadVaultFile(name)
	if err != nil {
		return false, err
	}

	header, ciphertext, err := splitVaultFile(data)
	if err != nil {
		return false, err
	}

	if header.MasterKeyVersion == activeVersion {
		return false, nil
	}

	wrapped, err := wrappedKeyFromHeader(header)
	if err != nil {
		return false, err
	}

	rewrapped, err := fv.keys.RewrapDataKey(wrapped)
	if err != nil {
		return false, err
	}

	header.WrappedKey = toHex(rewrapped.WrappedKey)
	header.WrappedKeyIV = toHex(rewrapped.IV)
	header.MasterKeyVersion = rewrapped.MasterKeyVersion

	fileBytes, err := assembleVaultFile(header, ciphertext)
	if err != nil {
		return false, err
	}

	if err = fv.store.SaveVaultFile(name, fileBytes); err != nil {
		return false, err
	}

	return true, nil
}
