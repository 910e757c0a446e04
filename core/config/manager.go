package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/protocol"
	"github.com/adalundhe/tradesmith/core/recovery"
)

// =============================================================================
// Config
// =============================================================================

// Config is the full agent configuration. File values layer over defaults,
// environment variables layer over files.
type Config struct {
	Agent    AgentConfig             `yaml:"agent"`
	Tracker  custody.TrackerConfig   `yaml:"tracker"`
	Delivery exchange.DeliveryConfig `yaml:"delivery"`
	Store    recovery.StoreConfig    `yaml:"store"`
	Log      LogConfig               `yaml:"log"`
}

// AgentConfig identifies the agent on the protocol.
type AgentConfig struct {
	// Identity is the agent's protocol identity. Required: without it the
	// self-echo filter cannot tell the agent's actions from a peer's.
	Identity uint32 `yaml:"identity"`

	// Name is the agent's display name.
	Name string `yaml:"name"`

	SettleDelay    time.Duration `yaml:"settle_delay"`
	EventBuffer    int           `yaml:"event_buffer"`
	HistoryEntries int           `yaml:"history_entries"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// AuditDir is where daily transaction logs go; empty disables them.
	AuditDir string `yaml:"audit_dir"`
}

// DefaultConfig returns the stock configuration. Agent identity and name
// have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			SettleDelay:    exchange.DefaultSettleDelay,
			EventBuffer:    exchange.DefaultEventBuffer,
			HistoryEntries: exchange.DefaultHistoryEntries,
		},
		Tracker:  custody.DefaultTrackerConfig(),
		Delivery: exchange.DefaultDeliveryConfig(),
		Store:    recovery.DefaultStoreConfig(),
		Log: LogConfig{
			Level:    "info",
			Format:   "text",
			AuditDir: filepath.Join(os.Getenv("HOME"), ".tradesmith", "logs"),
		},
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Agent.Identity == 0 {
		return fmt.Errorf("agent.identity is required")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	return nil
}

// Orchestrator assembles the orchestrator's view of the configuration.
func (c *Config) Orchestrator() exchange.OrchestratorConfig {
	return exchange.OrchestratorConfig{
		Identity:       protocol.Identity(c.Agent.Identity),
		Name:           c.Agent.Name,
		SettleDelay:    c.Agent.SettleDelay,
		EventBuffer:    c.Agent.EventBuffer,
		HistoryEntries: c.Agent.HistoryEntries,
		Delivery:       c.Delivery,
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns the live configuration. Readers get a consistent snapshot
// through Get; Load and Reload swap the snapshot atomically and notify
// change watchers.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watchers []func(*Config)

	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

// NewManager creates a manager reading from path. An empty path means
// defaults plus environment only.
func NewManager(path string) *Manager {
	m := &Manager{
		path:      path,
		stopWatch: make(chan struct{}),
	}
	m.config.Store(DefaultConfig())
	return m
}

// Path returns the configuration file path, which may be empty.
func (m *Manager) Path() string {
	return m.path
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Load reads the configuration file (absent means defaults), applies
// environment overrides, validates, and publishes the new snapshot.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadFile(cfg); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

// Reload re-runs Load, keeping the previous snapshot on failure.
func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) loadFile(cfg *Config) error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("TRADESMITH_AGENT_IDENTITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Agent.Identity = uint32(n)
		}
	}
	if v := os.Getenv("TRADESMITH_AGENT_NAME"); v != "" {
		cfg.Agent.Name = v
	}
	if v := os.Getenv("TRADESMITH_STORE_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("TRADESMITH_RETURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.ReturnTimeout = d
		}
	}
	if v := os.Getenv("TRADESMITH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// OnChange registers a callback invoked with each published snapshot.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Close stops the file watcher if one is running.
func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

// DefaultPath returns ~/.tradesmith/config.yaml.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".tradesmith", "config.yaml")
}
