package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/tradesmith/core/recovery"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent configuration and recovery store summary",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()
	cfg := manager.Get()

	fmt.Printf("agent:        %s (identity %d)\n", cfg.Agent.Name, cfg.Agent.Identity)
	fmt.Printf("config:       %s\n", manager.Path())
	fmt.Printf("store:        %s\n", cfg.Store.DBPath)
	fmt.Printf("return:       timeout %s, record ttl %s\n",
		cfg.Delivery.ReturnTimeout, cfg.Delivery.RecordTTL)
	fmt.Printf("proximity:    %.0fm\n", cfg.Delivery.ProximityRange)

	store, err := recovery.Open(cfg.Store, newLogger(cfg.Log, nil))
	if err != nil {
		return fmt.Errorf("recovery store: %w", err)
	}
	defer store.Close()

	records, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("recovery:     %d pending records\n", len(records))
	return nil
}
