package filevault

import (
	"fmt"

	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/internal/debug"
	"southwinds.dev/filevault/internal/mem"
	"southwinds.dev/filevault/persist"
)

// Vault wires the key manager, file vault and integrity verifier over a
// shared store and audit logger. It is the entry point used by the CLI and
// by embedding applications.
type Vault struct {
	options Options
	store   persist.Store
	logger  audit.Logger

	Keys      *KeyManager
	Files     *FileVault
	Integrity *IntegrityVerifier

	protection mem.ProtectionLevel
}

// New constructs a Vault from options: validates them, best-effort locks
// process memory, opens the store, and builds the three components. The
// returned vault still needs Initialize or Unlock before cryptographic
// operations.
func New(options Options) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("memory protection failed: %w", err)
		}
		protection = level
		debug.Print("memory protection level: %d\n", int(level))
	}

	store, err := persist.NewStore(options.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger, err := audit.NewLogger(options.Audit)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	keys, err := NewKeyManager(store, logger, options)
	if err != nil {
		_ = logger.Close()
		_ = store.Close()
		return nil, err
	}

	files, err := NewFileVault(keys, store, logger)
	if err != nil {
		_ = logger.Close()
		_ = store.Close()
		return nil, err
	}

	integrity, err := NewIntegrityVerifier(keys, store, logger)
	if err != nil {
		_ = logger.Close()
		_ = store.Close()
		return nil, err
	}

	// A passphrase supplied through options unlocks an existing key store
	// immediately, so embedding applications get a ready vault
	if options.DerivationPassphrase != "" && keys.ActiveVersion() != 0 {
		if err = keys.Unlock([]byte(options.DerivationPassphrase), 0); err != nil {
			_ = logger.Close()
			_ = store.Close()
			return nil, err
		}
	}

	return &Vault{
		options:    options,
		store:      store,
		logger:     logger,
		Keys:       keys,
		Files:      files,
		Integrity:  integrity,
		protection: protection,
	}, nil
}

// Initialize creates the first (or next) master key version from passphrase
func (v *Vault) Initialize(passphrase []byte) (*MasterKeyMetadata, error) {
	return v.Keys.Initialize(passphrase)
}

// Unlock validates passphrase against the active master key version
func (v *Vault) Unlock(passphrase []byte) error {
	return v.Keys.Unlock(passphrase, 0)
}

// Status reports the vault's key and file state for operational checks
type Status struct {
	Initialized   bool   `json:"initialized"`
	ActiveVersion int    `json:"active_version"`
	VersionCount  int    `json:"version_count"`
	FileCount     int    `json:"file_count"`
	StoreType     string `json:"store_type"`
	StoreHealthy  bool   `json:"store_healthy"`
}

// Status collects the current operational state of the vault
func (v *Vault) Status() (*Status, error) {
	versions := v.Keys.ListVersions()

	names, err := v.store.ListVaultFiles()
	if err != nil {
		return nil, err
	}

	return &Status{
		Initialized:   len(versions) > 0,
		ActiveVersion: v.Keys.ActiveVersion(),
		VersionCount:  len(versions),
		FileCount:     len(names),
		StoreType:     v.store.GetType(),
		StoreHealthy:  v.store.Ping() == nil,
	}, nil
}

// MemoryProtection reports the protection level achieved at construction
func (v *Vault) MemoryProtection() mem.ProtectionLevel {
	return v.protection
}

// Close discards cached key material and releases the store and logger
func (v *Vault) Close() error {
	v.Keys.Close()

	var firstErr error
	if err := v.logger.Close(); err != nil {
		firstErr = err
	}
	if err := v.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if v.options.EnableMemoryLock && v.protection == mem.ProtectionFull {
		_ = mem.Unlock()
	}
	return firstErr
}
