package cmd

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the vault key store",
	Long: `Creates the first master key version from a passphrase. Running init on
an existing vault mints a new master key version and deactivates the old
one without rewrapping existing files; use rotate for a full rotation.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	passphrase, err := resolvePassphrase("Passphrase", true)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	meta, err := vault.Initialize(passphrase)
	if err != nil {
		return err
	}

	log.WithField("key_version", meta.Version).Info("vault initialized")
	fmt.Printf("Initialized vault with master key version %d (key id %s)\n", meta.Version, meta.KeyID)
	return nil
}
