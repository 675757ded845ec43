package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Close()

	status, err := vault.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Initialized:     %v\n", status.Initialized)
	fmt.Printf("Active version:  %d\n", status.ActiveVersion)
	fmt.Printf("Key versions:    %d\n", status.VersionCount)
	fmt.Printf("Vault files:     %d\n", status.FileCount)
	fmt.Printf("Store type:      %s\n", status.StoreType)
	if status.StoreHealthy {
		fmt.Println("Store health:    ok")
	} else {
		fmt.Println("Store health:    unreachable")
	}

	return nil
}
