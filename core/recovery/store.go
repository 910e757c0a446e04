// Package recovery persists units that could not be returned before their
// deadline so counterparties can reclaim them after a restart or a long
// absence.
package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adalundhe/tradesmith/core/item"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("recovery store is closed")

	// ErrNoUnits indicates a save was attempted with an empty unit set.
	ErrNoUnits = errors.New("no units to save")
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultStorePath     = ".tradesmith/recovery.db"
	DefaultRecordTTL     = 7 * 24 * time.Hour
	DefaultPurgeInterval = 1 * time.Hour
	defaultMaxOpenConns  = 1
)

// StoreConfig holds configuration for the recovery store.
type StoreConfig struct {
	// DBPath is the path to the SQLite database file. An absent file is an
	// empty store; the file and its directory are created on open.
	DBPath string `yaml:"db_path"`

	// RecordTTL is the default time a record stays claimable.
	RecordTTL time.Duration `yaml:"record_ttl"`

	// PurgeInterval is how often expired records are removed.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// DefaultStoreConfig returns a StoreConfig with stock values.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DBPath:        filepath.Join(os.Getenv("HOME"), DefaultStorePath),
		RecordTTL:     DefaultRecordTTL,
		PurgeInterval: DefaultPurgeInterval,
	}
}

func normalizeStoreConfig(cfg StoreConfig) StoreConfig {
	def := DefaultStoreConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	return cfg
}

// =============================================================================
// Record
// =============================================================================

// RecordKind describes why a record was persisted.
type RecordKind string

const (
	// KindTimeout marks units persisted because the return deadline passed.
	KindTimeout RecordKind = "timeout"
	// KindManual marks units demoted to manual recovery after retries were
	// exhausted.
	KindManual RecordKind = "manual"
)

// Record is one durable set of unreturned units keyed by its owner.
type Record struct {
	// OwnerKey is the counterparty's display name, or a synthetic
	// unknown-owner key when no name was resolvable.
	OwnerKey string `json:"owner_key"`

	// SecondaryKey is the counterparty's protocol identity, used to match a
	// claim when the display name changed between sessions.
	SecondaryKey string `json:"secondary_key,omitempty"`

	Units       []item.Item `json:"units"`
	SaveTime    time.Time   `json:"save_time"`
	TimeoutTime time.Time   `json:"timeout_time"`
	Completed   bool        `json:"completed"`
	Kind        RecordKind  `json:"kind"`
}

// Expired reports whether the record can no longer be claimed.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.TimeoutTime)
}

// =============================================================================
// Store
// =============================================================================

// Store is the durable keyed record set backing crash recovery. It is a
// single SQLite file: absent is treated as empty, and expired entries are
// purged on open.
type Store struct {
	db     *sql.DB
	config StoreConfig
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	stopPurge chan struct{}
	purgeDone chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the store at cfg.DBPath, purges expired records,
// and starts the periodic purge loop.
func Open(cfg StoreConfig, log *slog.Logger) (*Store, error) {
	cfg = normalizeStoreConfig(cfg)
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		config:    cfg,
		log:       log,
		stopPurge: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}
	if err := s.initSQLite(); err != nil {
		return nil, fmt.Errorf("failed to initialize recovery store: %w", err)
	}

	if purged, err := s.PurgeExpired(context.Background()); err != nil {
		log.Warn("purge on open failed", slog.Any("error", err))
	} else if purged > 0 {
		log.Info("purged expired recovery records on open", slog.Int("purged", purged))
	}

	go s.purgeLoop()
	return s, nil
}

func (s *Store) initSQLite() error {
	if err := os.MkdirAll(filepath.Dir(s.config.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.config.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recovery_records (
		owner_key     TEXT PRIMARY KEY,
		secondary_key TEXT NOT NULL DEFAULT '',
		units         TEXT NOT NULL,
		save_time     TIMESTAMP NOT NULL,
		timeout_time  TIMESTAMP NOT NULL,
		completed     INTEGER NOT NULL DEFAULT 0,
		kind          TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recovery_secondary ON recovery_records(secondary_key);
	CREATE INDEX IF NOT EXISTS idx_recovery_timeout ON recovery_records(timeout_time);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save persists units under ownerKey with the given TTL (zero means the
// configured default). An existing record for the same owner is replaced:
// a counterparty re-timing-out always claims their latest unit set.
func (s *Store) Save(ctx context.Context, ownerKey, secondaryKey string, units []item.Item, ttl time.Duration, kind RecordKind) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(units) == 0 {
		return ErrNoUnits
	}
	if ttl <= 0 {
		ttl = s.config.RecordTTL
	}

	blob, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("failed to encode units: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_records
			(owner_key, secondary_key, units, save_time, timeout_time, completed, kind)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(owner_key) DO UPDATE SET
			secondary_key = excluded.secondary_key,
			units         = excluded.units,
			save_time     = excluded.save_time,
			timeout_time  = excluded.timeout_time,
			completed     = 0,
			kind          = excluded.kind`,
		ownerKey, secondaryKey, string(blob), now, now.Add(ttl), string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to save recovery record: %w", err)
	}

	s.log.Info("recovery record saved",
		slog.String("owner", ownerKey),
		slog.Int("units", len(units)),
		slog.String("kind", string(kind)),
	)
	return nil
}

// TryClaim returns the units saved under key and atomically marks the
// record completed so it cannot be claimed twice. The key is matched
// against the primary owner key first and the secondary protocol-identity
// key as a fallback. Expired records are not claimable.
func (s *Store) TryClaim(ctx context.Context, key string) ([]item.Item, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT owner_key, units FROM recovery_records
		WHERE (owner_key = ? OR secondary_key = ?)
		  AND completed = 0
		  AND timeout_time > ?
		ORDER BY CASE WHEN owner_key = ? THEN 0 ELSE 1 END
		LIMIT 1`,
		key, key, now, key,
	)

	var ownerKey, blob string
	if err := row.Scan(&ownerKey, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to look up recovery record: %w", err)
	}

	var units []item.Item
	if err := json.Unmarshal([]byte(blob), &units); err != nil {
		return nil, false, fmt.Errorf("failed to decode recovery record %q: %w", ownerKey, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recovery_records SET completed = 1 WHERE owner_key = ? AND completed = 0`,
		ownerKey,
	); err != nil {
		return nil, false, fmt.Errorf("failed to mark record completed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.log.Info("recovery record claimed",
		slog.String("owner", ownerKey),
		slog.Int("units", len(units)),
	)
	return units, true, nil
}

// Get returns the record saved under the primary key without claiming it.
func (s *Store) Get(ctx context.Context, ownerKey string) (Record, bool, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT owner_key, secondary_key, units, save_time, timeout_time, completed, kind
		FROM recovery_records WHERE owner_key = ?`, ownerKey)

	var rec Record
	var blob, kind string
	var completed int
	err := row.Scan(&rec.OwnerKey, &rec.SecondaryKey, &blob, &rec.SaveTime, &rec.TimeoutTime, &completed, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read recovery record: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &rec.Units); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode recovery record %q: %w", ownerKey, err)
	}
	rec.Completed = completed != 0
	rec.Kind = RecordKind(kind)
	return rec, true, nil
}

// List returns all live (unclaimed, unexpired) records.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_key, secondary_key, units, save_time, timeout_time, completed, kind
		FROM recovery_records
		WHERE completed = 0 AND timeout_time > ?
		ORDER BY save_time`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var blob, kind string
		var completed int
		if err := rows.Scan(&rec.OwnerKey, &rec.SecondaryKey, &blob, &rec.SaveTime, &rec.TimeoutTime, &completed, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan recovery record: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &rec.Units); err != nil {
			return nil, fmt.Errorf("failed to decode recovery record %q: %w", rec.OwnerKey, err)
		}
		rec.Completed = completed != 0
		rec.Kind = RecordKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeExpired removes claimed and expired records, returning how many rows
// were deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recovery_records WHERE completed = 1 OR timeout_time <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge recovery records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) purgeLoop() {
	defer close(s.purgeDone)

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPurge:
			return
		case <-ticker.C:
			if n, err := s.PurgeExpired(context.Background()); err == nil && n > 0 {
				s.log.Debug("purged expired recovery records", slog.Int("purged", n))
			}
		}
	}
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close stops the purge loop and closes the database. Safe to call more
// than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stopPurge)
		<-s.purgeDone
		err = s.db.Close()
	})
	return err
}
