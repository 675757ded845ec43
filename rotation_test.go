package filevault

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ciphertextRegion(t *testing.T, path string) []byte {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.IndexByte(raw, '\n')
	require.Positive(t, idx)
	return raw[idx+1:]
}

func TestRotatePreservesCiphertextBytes(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("old"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("rotation must not touch me"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	diskPath := vaultFileOnDisk(base, entry.VaultPath)
	before := ciphertextRegion(t, diskPath)
	headerBefore, err := os.ReadFile(diskPath)
	require.NoError(t, err)

	result, err := vault.Files.RotateKeys([]byte("old"), []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.OldVersion)
	assert.Equal(t, 2, result.NewVersion)
	assert.Equal(t, 1, result.Rewrapped)
	assert.Zero(t, result.Skipped)
	assert.Empty(t, result.Failures)

	after := ciphertextRegion(t, diskPath)
	assert.Equal(t, before, after, "ciphertext bytes must be identical across rotation")

	headerAfter, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	assert.NotEqual(t, headerBefore, headerAfter, "header bytes must change across rotation")

	// Manifest entries follow the new version
	entries, err := vault.Files.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].MasterKeyVersion)
}

func TestRotatedFileDecryptsUnderNewPassphrase(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("old"))
	require.NoError(t, err)

	content := []byte("still readable after rotation")
	source := writeSourceFile(t, content)
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	_, err = vault.Files.RotateKeys([]byte("old"), []byte("new"))
	require.NoError(t, err)

	// New process knowing only the new passphrase
	fresh := reopenVault(t, base)
	require.NoError(t, fresh.Unlock([]byte("new")))

	outPath, err := fresh.Files.DecryptFile(entry.VaultPath, t.TempDir())
	require.NoError(t, err)
	recovered, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, recovered)
}

func TestRotationIsResumable(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("old"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("content"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	result, err := vault.Files.RotateKeys([]byte("old"), []byte("new"))
	require.NoError(t, err)
	require.Equal(t, 1, result.Rewrapped)

	// A file already wrapped under the active version is skipped, which is
	// what makes rerunning an interrupted rotation safe
	rewrapped, err := vault.Files.rewrapVaultFile(entry.VaultPath, result.NewVersion)
	require.NoError(t, err)
	assert.False(t, rewrapped)
}

// Metadata written before tokens were sealed at initialization has no
// verification token, and a token-less record accepts any passphrase on
// Unlock. Rotation must still mint a new version for such stores instead of
// mistaking the pass for a resumed one and leaving every file wrapped under
// the old key.
func TestRotateTokenlessMetadataMintsNewVersion(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("old"))
	require.NoError(t, err)

	content := []byte("written before tokens existed")
	source := writeSourceFile(t, content)
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	// Strip the verification tokens, as a store from the token-less era
	metaPath := filepath.Join(base, "keys", "key_metadata.json")
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	var doc KeyMetadataDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	for i := range doc.Versions {
		doc.Versions[i].VerificationToken = ""
	}
	stripped, err := json.Marshal(&doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, stripped, 0600))

	fresh := reopenVault(t, base)
	result, err := fresh.Files.RotateKeys([]byte("old"), []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.OldVersion)
	assert.Equal(t, 2, result.NewVersion)
	assert.Equal(t, 1, result.Rewrapped)
	assert.Zero(t, result.Skipped)

	// The files follow the new passphrase and the old one is retired
	after := reopenVault(t, base)
	require.NoError(t, after.Unlock([]byte("new")))
	outPath, err := after.Files.DecryptFile(entry.VaultPath, t.TempDir())
	require.NoError(t, err)
	recovered, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, recovered)
	assert.ErrorIs(t, after.Unlock([]byte("old")), ErrInvalidPassphrase)
}

func TestRotateManyFiles(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("old"))
	require.NoError(t, err)

	dir := t.TempDir()
	names := []string{"a.txt", "b.txt", "c.txt"}
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0600))
		_, err = vault.Files.EncryptFile(path)
		require.NoError(t, err)
	}

	result, err := vault.Files.RotateKeys([]byte("old"), []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, len(names), result.Rewrapped)

	for _, name := range names {
		outPath, derr := vault.Files.DecryptFile(name+VaultExtension, t.TempDir())
		require.NoError(t, derr)
		content, rerr := os.ReadFile(outPath)
		require.NoError(t, rerr)
		assert.Equal(t, []byte(name), content)
	}
}

// The full lifecycle: initialize, encrypt, verify, rotate, re-sign, decrypt
// under the new passphrase, then detect tampering both ways.
func TestFullLifecycle(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("A"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("hi"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)
	_, err = vault.Integrity.SignFile(entry.VaultPath)
	require.NoError(t, err)

	result := vault.Integrity.VerifyFile(entry.VaultPath)
	require.Equal(t, StatusVerified, result.Status)

	_, err = vault.Files.RotateKeys([]byte("A"), []byte("B"))
	require.NoError(t, err)
	signed, err := vault.Integrity.ResignAll()
	require.NoError(t, err)
	require.Equal(t, 1, signed)

	fresh := reopenVault(t, base)
	require.NoError(t, fresh.Unlock([]byte("B")))

	outPath, err := fresh.Files.DecryptFile(entry.VaultPath, t.TempDir())
	require.NoError(t, err)
	content, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), content)

	result = fresh.Integrity.VerifyFile(entry.VaultPath)
	require.Equal(t, StatusVerified, result.Status)

	// Flip the last ciphertext byte
	diskPath := vaultFileOnDisk(base, entry.VaultPath)
	raw, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(diskPath, raw, 0600))

	result = fresh.Integrity.VerifyFile(entry.VaultPath)
	assert.Equal(t, StatusTampered, result.Status)

	_, err = fresh.Files.DecryptFile(entry.VaultPath, t.TempDir())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
