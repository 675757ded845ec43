package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by AcquireLock when another writer holds the vault lock
var ErrLockHeld = errors.New("vault lock is held by another writer")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting vault data. It manages four
// kinds of documents: the key metadata store, the vault manifest, the
// integrity sidecar and the vault files themselves. All cryptographic
// guarantees live in the vault layer; the store only promises atomic,
// versioned writes and an advisory single-writer lock.
type Store interface {

	// Key metadata store

	SaveKeyMetadata(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadKeyMetadata retrieves the key metadata document.
	// Returns an error satisfying os.IsNotExist semantics when absent.
	LoadKeyMetadata() (*VersionedData, error)

	KeyMetadataExists() (bool, error)

	// Manifest

	SaveManifest(data []byte, expectedVersion string) (newVersion string, err error)

	LoadManifest() (*VersionedData, error)

	ManifestExists() (bool, error)

	// Integrity sidecar

	SaveIntegrityData(data []byte, expectedVersion string) (newVersion string, err error)

	LoadIntegrityData() (*VersionedData, error)

	IntegrityDataExists() (bool, error)

	// Vault files

	// SaveVaultFile writes a complete vault file (header + ciphertext)
	// under the given name. The write is atomic: readers never observe a
	// partially written file.
	SaveVaultFile(name string, data []byte) error

	LoadVaultFile(name string) ([]byte, error)

	VaultFileExists(name string) (bool, error)

	// ListVaultFiles returns the names of all vault files in the store,
	// sorted lexicographically.
	ListVaultFiles() ([]string, error)

	// Locking

	// AcquireLock takes the advisory single-writer vault lock on behalf of
	// owner. Returns ErrLockHeld if another owner holds a fresh lock.
	// Stale locks are broken.
	AcquireLock(owner string) error

	// ReleaseLock releases the advisory lock if held by owner
	ReleaseLock(owner string) error

	// Health and utilities

	// Ping tests connectivity for remote backends
	Ping() error

	// Close closes the store and releases any resources it holds
	Close() error

	// GetType retrieves the type of store being used
	GetType() string
}

// StoreConfig provides configuration for different storage backends
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// Example values: "filesystem", "s3".
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen
	// storage backend, e.g. "base_path" for filesystem or "bucket" and
	// "endpoint" for S3.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
