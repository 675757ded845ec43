package filevault

import (
	"fmt"

	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/internal/misc"
	"southwinds.dev/filevault/persist"
)

// Options configures a vault instance.
//
// Security-sensitive fields carry `json:"-"` so they can never leak through
// configuration serialization or logging. The passphrase is consumed during
// Initialize/Unlock and wiped; it is never persisted.
type Options struct {
	// Store selects and configures the persistence backend
	Store persist.StoreConfig `json:"store"`

	// Audit configures audit logging; nil or disabled yields a no-op logger
	Audit *audit.Config `json:"audit,omitempty"`

	// KDFIterations is the PBKDF2-HMAC-SHA256 iteration count used when
	// deriving master keys. Raising it slows both attackers and Unlock.
	KDFIterations int `json:"kdf_iterations"`

	// MaxKeyVersions bounds how many master key metadata records are
	// retained; the oldest inactive records are pruned beyond this
	MaxKeyVersions int `json:"max_key_versions"`

	// EnableMemoryLock requests mlockall at vault construction so key
	// material cannot be swapped to disk. Best-effort: lack of privilege
	// degrades gracefully.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// DerivationPassphrase optionally seeds the passphrase for callers that
	// obtain it from a secret store rather than interactively
	DerivationPassphrase string `json:"-"`
}

// DefaultOptions returns Options backed by a filesystem store at basePath
// with the standard security parameters
func DefaultOptions(basePath string) Options {
	return Options{
		Store: persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"base_path": basePath,
			},
		},
		KDFIterations:    misc.KDFIterations,
		MaxKeyVersions:   misc.MaxVersions,
		EnableMemoryLock: true,
	}
}

// Validate checks the options for consistency before any store or key
// material is touched
func (o *Options) Validate() error {
	if o.Store.Type == "" {
		return fmt.Errorf("store type is required")
	}

	if o.KDFIterations < 100000 {
		return fmt.Errorf("kdf iterations must be at least 100000, got %d", o.KDFIterations)
	}

	if o.MaxKeyVersions < 1 {
		return fmt.Errorf("max key versions must be at least 1, got %d", o.MaxKeyVersions)
	}

	return nil
}
