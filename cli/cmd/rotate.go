package cmd

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the master key and rewrap all vault files",
	Long: `Mints a new master key version from a new passphrase, rewraps the data
key in every vault file header, and re-signs all files. Ciphertext is never
re-encrypted, so rotation cost grows with the number of files, not their
size. Interrupted rotations can be completed by running rotate again.`,
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	oldPassphrase, err := resolvePassphrase("Current passphrase", false)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(oldPassphrase)

	newPassphrase, err := promptNewPassphrase()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(newPassphrase)

	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	result, rotateErr := vault.Files.RotateKeys(oldPassphrase, newPassphrase)
	if result != nil {
		fmt.Printf("Rotated master key: version %d -> %d\n", result.OldVersion, result.NewVersion)
		fmt.Printf("Rewrapped %d file(s), skipped %d already current\n", result.Rewrapped, result.Skipped)
		for name, ferr := range result.Failures {
			log.WithField("file", name).WithError(ferr).Error("rewrap failed")
		}
	}
	if rotateErr != nil {
		return rotateErr
	}

	signed, err := vault.Integrity.ResignAll()
	fmt.Printf("Re-signed %d file(s)\n", signed)
	if err != nil {
		return err
	}

	return nil
}

// promptNewPassphrase reads the replacement passphrase. The configured
// passphrase covers the current key only, so the new one always comes from
// the terminal with confirmation.
func promptNewPassphrase() ([]byte, error) {
	return readNewPassphraseFromTerminal()
}
