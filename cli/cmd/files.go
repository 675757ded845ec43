package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt <file>...",
	Short: "Encrypt files into the vault",
	Long: `Encrypts each file under a fresh data key wrapped by the active master
key, stores the result in the vault, and signs it for tamper detection.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <vault-file>...",
	Short: "Decrypt vault files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDecrypt,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List vault entries from the manifest",
	RunE:  runList,
}

var outputDir string

func init() {
	decryptCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory to write decrypted files into")

	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(listCmd)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	passphrase, err := resolvePassphrase("Passphrase", false)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	if err = vault.Unlock(passphrase); err != nil {
		return err
	}

	for _, path := range args {
		entry, err := vault.Files.EncryptFile(path)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", path, err)
		}

		if _, err = vault.Integrity.SignFile(entry.VaultPath); err != nil {
			return fmt.Errorf("failed to sign %s: %w", entry.VaultPath, err)
		}

		log.WithField("file", entry.VaultPath).Info("encrypted and signed")
		fmt.Printf("Encrypted %s -> %s (%d bytes, key version %d)\n",
			path, entry.VaultPath, entry.OriginalSize, entry.MasterKeyVersion)
	}

	return nil
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	passphrase, err := resolvePassphrase("Passphrase", false)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	if err = vault.Unlock(passphrase); err != nil {
		return err
	}

	for _, name := range args {
		path, err := vault.Files.DecryptFile(name, outputDir)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		fmt.Printf("Decrypted %s -> %s\n", name, path)
	}

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	entries, err := vault.Files.ListFiles()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("Vault is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VAULT FILE\tORIGINAL NAME\tSIZE\tKEY VERSION\tENCRYPTED AT")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			entry.VaultPath, entry.OriginalName, entry.OriginalSize,
			entry.MasterKeyVersion, entry.EncryptedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
