package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"southwinds.dev/filevault"
	"southwinds.dev/filevault/audit"
	"southwinds.dev/filevault/persist"
)

// openVault builds a Vault from the resolved configuration. Callers own the
// returned vault and must Close it.
func openVault() (*filevault.Vault, error) {
	options, err := buildOptions()
	if err != nil {
		return nil, err
	}
	return filevault.New(options)
}

func buildOptions() (filevault.Options, error) {
	vaultPath := viper.GetString("vault.path")
	options := filevault.DefaultOptions(vaultPath)

	storeType := strings.ToLower(viper.GetString("vault.store_type"))
	switch storeType {
	case "", "filesystem", "file":
		// DefaultOptions already points at the filesystem store

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return options, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		options.Store = persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}

	default:
		return options, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}

	if viper.GetBool("audit.enabled") {
		auditFile := viper.GetString("audit.options.file_path")
		if auditFile == "audit.log" && storeType != "s3" {
			auditFile = filepath.Join(vaultPath, "audit.log")
		}
		options.Audit = &audit.Config{
			Enabled: true,
			Type:    audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path":   auditFile,
				"max_size":    viper.GetInt("audit.options.max_size"),
				"max_backups": viper.GetInt("audit.options.max_backups"),
			},
			LogLevel: viper.GetString("audit.log_level"),
		}
	}

	return options, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "vault.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "vault.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// resolvePassphrase returns the passphrase from flag/env configuration, or
// prompts interactively with echo disabled. With confirm set, the prompt is
// repeated and both entries must match. Callers must wipe the returned
// bytes.
func resolvePassphrase(prompt string, confirm bool) ([]byte, error) {
	if configured := viper.GetString("vault.passphrase"); configured != "" {
		return []byte(configured), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("passphrase required: use --passphrase or FILEVAULT_PASSPHRASE")
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	if !confirm {
		return first, nil
	}

	fmt.Fprintf(os.Stderr, "Confirm %s: ", strings.ToLower(prompt))
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer memguard.WipeBytes(second)

	if !bytes.Equal(first, second) {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("passphrases do not match")
	}

	return first, nil
}

// readNewPassphraseFromTerminal reads a replacement passphrase for rotation.
// FILEVAULT_NEW_PASSPHRASE serves non-interactive use; otherwise the prompt
// is always interactive with confirmation, since the configured passphrase
// refers to the current key.
func readNewPassphraseFromTerminal() ([]byte, error) {
	if configured := os.Getenv("FILEVAULT_NEW_PASSPHRASE"); configured != "" {
		return []byte(configured), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("new passphrase required: set FILEVAULT_NEW_PASSPHRASE or run interactively")
	}

	fmt.Fprint(os.Stderr, "New passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm new passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer memguard.WipeBytes(second)

	if !bytes.Equal(first, second) {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("passphrases do not match")
	}

	return first, nil
}
