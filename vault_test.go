package filevault

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/filevault/internal/misc"
)

func vaultFileOnDisk(base, name string) string {
	return filepath.Join(base, "data", name)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	content := []byte("some moderately secret content\nwith two lines")
	source := writeSourceFile(t, content)

	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)
	assert.Equal(t, "source.txt", entry.OriginalName)
	assert.Equal(t, "source.txt.vault", entry.VaultPath)
	assert.Equal(t, int64(len(content)), entry.OriginalSize)
	assert.Equal(t, 1, entry.MasterKeyVersion)

	outDir := t.TempDir()
	outPath, err := vault.Files.DecryptFile(entry.VaultPath, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "source.txt"), outPath)

	recovered, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, recovered)
}

func TestEncryptEmptyFile(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte{})
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.OriginalSize)

	outPath, err := vault.Files.DecryptFile(entry.VaultPath, t.TempDir())
	require.NoError(t, err)
	recovered, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestEncryptMissingSource(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	_, err = vault.Files.EncryptFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDecryptMissingVaultFile(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	_, err = vault.Files.DecryptFile("nope.vault", t.TempDir())
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestVaultFileFormat(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	content := []byte("format check")
	source := writeSourceFile(t, content)
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	raw, err := os.ReadFile(vaultFileOnDisk(base, entry.VaultPath))
	require.NoError(t, err)

	idx := bytes.IndexByte(raw, '\n')
	require.Positive(t, idx, "header must be newline-terminated")

	var header map[string]interface{}
	require.NoError(t, json.Unmarshal(raw[:idx], &header))

	for _, field := range []string{
		"format_version", "original_name", "original_size", "encrypted_at",
		"wrapped_key", "wrapped_key_iv", "master_key_version", "content_iv",
	} {
		assert.Contains(t, header, field)
	}
	assert.EqualValues(t, misc.VaultFormatVersion, header["format_version"])
	assert.Equal(t, "source.txt", header["original_name"])
	assert.EqualValues(t, len(content), header["original_size"])

	// Ciphertext region is raw bytes: plaintext + GCM tag, no delimiters
	ciphertext := raw[idx+1:]
	assert.Len(t, ciphertext, len(content)+16)
	assert.NotContains(t, string(ciphertext), "format check")
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("sensitive"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	path := vaultFileOnDisk(base, entry.VaultPath)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = vault.Files.DecryptFile(entry.VaultPath, t.TempDir())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptRejectsTraversalInHeaderName(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("secret"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	// The header line is not covered by the ciphertext's authentication
	// tag, so rewrite original_name to point outside the output directory
	path := vaultFileOnDisk(base, entry.VaultPath)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.IndexByte(raw, '\n')
	require.Positive(t, idx)

	var header VaultHeader
	require.NoError(t, json.Unmarshal(raw[:idx], &header))
	header.OriginalName = "../../escaped.txt"
	forged, err := json.Marshal(&header)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append(forged, '\n'), raw[idx+1:]...), 0600))

	parent := t.TempDir()
	outDir := filepath.Join(parent, "a", "b")
	require.NoError(t, os.MkdirAll(outDir, 0700))

	_, err = vault.Files.DecryptFile(entry.VaultPath, outDir)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(parent, "escaped.txt"))
	assert.True(t, os.IsNotExist(statErr), "no plaintext may land outside the output directory")

	for _, name := range []string{"nested/escaped.txt", `..\escaped.txt`, "..", "."} {
		header.OriginalName = name
		forged, err = json.Marshal(&header)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, append(append(forged, '\n'), raw[idx+1:]...), 0600))
		_, err = vault.Files.DecryptFile(entry.VaultPath, outDir)
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

func TestDecryptRequiresUnlockedVersion(t *testing.T) {
	vault, base := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	source := writeSourceFile(t, []byte("locked away"))
	entry, err := vault.Files.EncryptFile(source)
	require.NoError(t, err)

	fresh := reopenVault(t, base)
	_, err = fresh.Files.DecryptFile(entry.VaultPath, t.TempDir())
	assert.ErrorIs(t, err, ErrKeyNotUnlocked)

	require.NoError(t, fresh.Unlock([]byte("pass")))
	_, err = fresh.Files.DecryptFile(entry.VaultPath, t.TempDir())
	assert.NoError(t, err)
}

func TestListFilesReflectsManifest(t *testing.T) {
	vault, _ := newTestVault(t)
	_, err := vault.Initialize([]byte("pass"))
	require.NoError(t, err)

	entries, err := vault.Files.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, entries)

	dir := t.TempDir()
	for _, name := range []string{"one.txt", "two.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0600))
		_, err = vault.Files.EncryptFile(path)
		require.NoError(t, err)
	}

	entries, err = vault.Files.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Re-encrypting the same file replaces its entry instead of duplicating
	_, err = vault.Files.EncryptFile(filepath.Join(dir, "one.txt"))
	require.NoError(t, err)
	entries, err = vault.Files.ListFiles()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStatus(t *testing.T) {
	vault, _ := newTestVault(t)

	status, err := vault.Status()
	require.NoError(t, err)
	assert.False(t, status.Initialized)
	assert.Zero(t, status.FileCount)

	_, err = vault.Initialize([]byte("pass"))
	require.NoError(t, err)
	source := writeSourceFile(t, []byte("x"))
	_, err = vault.Files.EncryptFile(source)
	require.NoError(t, err)

	status, err = vault.Status()
	require.NoError(t, err)
	assert.True(t, status.Initialized)
	assert.Equal(t, 1, status.ActiveVersion)
	assert.Equal(t, 1, status.FileCount)
	assert.Equal(t, "filesystem", status.StoreType)
	assert.True(t, status.StoreHealthy)
}
