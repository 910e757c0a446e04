package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/tradesmith/core/audit"
	"github.com/adalundhe/tradesmith/core/bridge"
	"github.com/adalundhe/tradesmith/core/config"
	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/recovery"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the exchange agent",
	Long: `Run the exchange agent against a game-side client on stdin/stdout.

The agent loads its configuration, opens the recovery store, and serves
exchange sessions until the stream ends or the process receives SIGINT
or SIGTERM.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()
	cfg := manager.Get()
	logLevel := new(slog.LevelVar)
	log := newLogger(cfg.Log, logLevel)

	tracker, err := custody.NewTracker(cfg.Tracker, log)
	if err != nil {
		return fmt.Errorf("provenance tracker: %w", err)
	}
	guard := custody.NewGuard(log)

	store, err := recovery.Open(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("recovery store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.Log.AuditDir)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	br := bridge.New(os.Stdin, os.Stdout, log)

	orch := exchange.NewOrchestrator(cfg.Orchestrator(), exchange.Deps{
		Roster:    br,
		Transport: br,
		Messenger: br,
		Inventory: br,
		Processor: br,
		Tracker:   tracker,
		Guard:     guard,
		Store:     store,
		Log:       log,
		Audit:     auditLog.Logger(),
	})

	// Reload applies the tunables that are safe to swap on a live agent:
	// log verbosity and the delivery retry policy. Identity, the store path,
	// and the bridge wiring still need a restart.
	manager.OnChange(func(c *config.Config) {
		logLevel.Set(parseLevel(c.Log.Level))
		orch.ApplyDeliveryConfig(c.Delivery)
	})
	if err := manager.Watch(log); err != nil {
		log.Warn("config hot reload unavailable", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch.Start(ctx)
	defer orch.Stop()

	log.Info("agent running",
		"identity", cfg.Agent.Identity,
		"name", cfg.Agent.Name,
		"store", cfg.Store.DBPath,
	)

	err = br.Run(ctx, orch)
	if errors.Is(err, bridge.ErrBridgeClosed) || errors.Is(err, context.Canceled) {
		log.Info("agent shutting down")
		return nil
	}
	return err
}
