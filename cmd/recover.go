package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/tradesmith/core/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Inspect stored unreturned units",
	Long: `Inspect units that could not be returned before their deadline and
were persisted for later reclaim.

Subcommands:
  list   - List recovery records
  purge  - Remove completed and expired records`,
	RunE: runRecoverList,
}

var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery records",
	RunE:  runRecoverList,
}

var recoverPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove completed and expired records",
	RunE:  runRecoverPurge,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.AddCommand(recoverListCmd)
	recoverCmd.AddCommand(recoverPurgeCmd)
}

func openStore() (*recovery.Store, error) {
	manager, err := loadConfig()
	if err != nil {
		return nil, err
	}
	defer manager.Close()
	cfg := manager.Get()
	return recovery.Open(cfg.Store, newLogger(cfg.Log, nil))
}

func runRecoverList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no recovery records")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%-24s %-8s %3d units  saved %s  claimable until %s\n",
			r.OwnerKey, string(r.Kind), len(r.Units),
			r.SaveTime.Format(time.RFC3339),
			r.TimeoutTime.Format(time.RFC3339),
		)
	}
	return nil
}

func runRecoverPurge(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeExpired(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d records\n", n)
	return nil
}
