package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"southwinds.dev/filevault"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [vault-file]",
	Short: "Verify vault file integrity",
	Long: `Recomputes each file's HMAC and compares it to the stored signature.
Verification needs the passphrase to derive the signing key but never
touches the encryption key or the ciphertext contents. Exits non-zero if
any file is not verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	var results []filevault.IntegrityResult
	if len(args) == 1 {
		results = []filevault.IntegrityResult{vault.Integrity.VerifyFile(args[0])}
	} else {
		results, err = vault.Integrity.VerifyAll()
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VAULT FILE\tSTATUS\tDETAIL")
	failed := 0
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.VaultPath, r.Status, r.Detail)
		if r.Status != filevault.StatusVerified {
			failed++
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed verification", failed, len(results))
	}
	fmt.Printf("All %d file(s) verified\n", len(results))
	return nil
}
