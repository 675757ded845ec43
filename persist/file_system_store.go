package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	// lockStaleAfter is the age past which an advisory lock is considered
	// abandoned and may be broken
	lockStaleAfter = 10 * time.Minute
)

// FileSystemStore implements Store for the local filesystem with atomic
// writes and optimistic concurrency control.
//
// Directory layout:
//
//	basePath/
//	├── keys/
//	│   └── key_metadata.json   # master key versions (salts + tokens, never keys)
//	├── data/
//	│   ├── <name>.vault        # JSON header line + ciphertext
//	│   ├── manifest.json       # vault entries
//	│   └── integrity.json      # HMAC sidecar
//	└── vault.lock              # advisory single-writer lock
type FileSystemStore struct {
	basePath      string
	keysDir       string
	dataDir       string
	keyMetaPath   string
	manifestPath  string
	integrityPath string
	lockPath      string
}

// lockRecord is the JSON content of the advisory lock file
type lockRecord struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:      basePath,
		keysDir:       filepath.Join(basePath, "keys"),
		dataDir:       filepath.Join(basePath, "data"),
		keyMetaPath:   filepath.Join(basePath, "keys", "key_metadata.json"),
		manifestPath:  filepath.Join(basePath, "data", "manifest.json"),
		integrityPath: filepath.Join(basePath, "data", "integrity.json"),
		lockPath:      filepath.Join(basePath, "vault.lock"),
	}

	for _, dir := range []string{fs.basePath, fs.keysDir, fs.dataDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) SaveKeyMetadata(data []byte, expectedVersion string) (string, error) {
	return fs.saveVersioned(fs.keyMetaPath, data, expectedVersion, "SaveKeyMetadata")
}

func (fs *FileSystemStore) LoadKeyMetadata() (*VersionedData, error) {
	return fs.loadVersioned(fs.keyMetaPath)
}

func (fs *FileSystemStore) KeyMetadataExists() (bool, error) {
	return fileExists(fs.keyMetaPath)
}

func (fs *FileSystemStore) SaveManifest(data []byte, expectedVersion string) (string, error) {
	return fs.saveVersioned(fs.manifestPath, data, expectedVersion, "SaveManifest")
}

func (fs *FileSystemStore) LoadManifest() (*VersionedData, error) {
	return fs.loadVersioned(fs.manifestPath)
}

func (fs *FileSystemStore) ManifestExists() (bool, error) {
	return fileExists(fs.manifestPath)
}

func (fs *FileSystemStore) SaveIntegrityData(data []byte, expectedVersion string) (string, error) {
	return fs.saveVersioned(fs.integrityPath, data, expectedVersion, "SaveIntegrityData")
}

func (fs *FileSystemStore) LoadIntegrityData() (*VersionedData, error) {
	return fs.loadVersioned(fs.integrityPath)
}

func (fs *FileSystemStore) IntegrityDataExists() (bool, error) {
	return fileExists(fs.integrityPath)
}

func (fs *FileSystemStore) SaveVaultFile(name string, data []byte) error {
	if err := validateVaultFileName(name); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("vault file data cannot be nil")
	}

	return writeSecureFile(filepath.Join(fs.dataDir, name), data, FilePermissions)
}

func (fs *FileSystemStore) LoadVaultFile(name string) ([]byte, error) {
	if err := validateVaultFileName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load vault file %s: %w", name, err)
	}
	return data, nil
}

func (fs *FileSystemStore) VaultFileExists(name string) (bool, error) {
	if err := validateVaultFileName(name); err != nil {
		return false, err
	}
	return fileExists(filepath.Join(fs.dataDir, name))
}

func (fs *FileSystemStore) ListVaultFiles() ([]string, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list vault files: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".vault") {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)
	return names, nil
}

// AcquireLock takes the advisory single-writer lock using an O_EXCL create.
// A lock older than lockStaleAfter is treated as abandoned and broken.
func (fs *FileSystemStore) AcquireLock(owner string) error {
	if owner == "" {
		return fmt.Errorf("lock owner cannot be empty")
	}

	record := lockRecord{
		Owner:      owner,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(fs.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FilePermissions)
		if err == nil {
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil {
				_ = os.Remove(fs.lockPath)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			if cerr != nil {
				_ = os.Remove(fs.lockPath)
				return fmt.Errorf("failed to close lock file: %w", cerr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		// Lock exists: reentrant for the same owner, breakable when stale
		existing, rerr := fs.readLock()
		if rerr != nil {
			// Unreadable lock file counts as stale
			_ = os.Remove(fs.lockPath)
			continue
		}
		if existing.Owner == owner {
			return nil
		}
		if time.Since(existing.AcquiredAt) > lockStaleAfter {
			_ = os.Remove(fs.lockPath)
			continue
		}
		return ErrLockHeld
	}

	return ErrLockHeld
}

// ReleaseLock releases the advisory lock if held by owner
func (fs *FileSystemStore) ReleaseLock(owner string) error {
	existing, err := fs.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}

	if existing.Owner != owner {
		return fmt.Errorf("lock is held by %s, not %s", existing.Owner, owner)
	}

	if err = os.Remove(fs.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) readLock() (*lockRecord, error) {
	data, err := os.ReadFile(fs.lockPath)
	if err != nil {
		return nil, err
	}

	var record lockRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt lock file: %w", err)
	}
	return &record, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// saveVersioned writes a document atomically after validating the expected
// version for optimistic concurrency control
func (fs *FileSystemStore) saveVersioned(path string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) loadVersioned(path string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) getFileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the file contents as a version identifier, not a security control
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
