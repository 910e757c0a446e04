package custody

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Errors
// =============================================================================

// ErrIntakeClosed indicates an intake observation arrived with no session
// intake window open.
var ErrIntakeClosed = fmt.Errorf("no intake window open")

// =============================================================================
// Configuration
// =============================================================================

// TrackerConfig holds the pattern registries the tracker falls back on when
// a unit's identity was never snapshotted, e.g. after a restart wiped the
// intake-window record.
type TrackerConfig struct {
	// KnownToolIDs are unit IDs that are always agent tools.
	KnownToolIDs []uint32 `yaml:"known_tool_ids"`

	// ReservedContainerPatterns are glob patterns over normalized names
	// naming the agent's own tool containers.
	ReservedContainerPatterns []string `yaml:"reserved_container_patterns"`

	// ToolNamePatterns are glob patterns over normalized names that mark a
	// unit as tool-shaped.
	ToolNamePatterns []string `yaml:"tool_name_patterns"`
}

// DefaultTrackerConfig returns the stock pattern registries.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ReservedContainerPatterns: []string{
			"*tool bag*", "*toolkit*", "*workshop satchel*",
		},
		ToolNamePatterns: []string{
			"*grinder*", "*analyzer*", "*calibrator*", "*cutter*",
			"*engraver*", "*conversion kit*", "*refiner*", "*fabricator*",
			"*programming interface*", "*surveyor*",
		},
	}
}

// =============================================================================
// Tracker
// =============================================================================

// intakeRecord is a unit observed entering custody during the current
// session's intake window.
type intakeRecord struct {
	unit       item.Item
	observedAt time.Time
}

// Tracker classifies custody. It keeps a startup snapshot of the agent's
// own property and, per exchange session, an intake-window record of
// everything the counterparty handed over. Classification order matters:
// observed intake always wins, because a counterparty can hand over a unit
// whose name happens to match a tool pattern, and pattern rules exist only
// for identities the snapshot cannot vouch for.
type Tracker struct {
	mu sync.Mutex

	personal  map[string]item.Item // loose units held before any session
	toolBags  map[string]item.Item // snapshotted containers
	bagTools  map[string]item.Item // snapshotted container contents
	knownTool map[uint32]struct{}

	reservedGlobs []glob.Glob
	toolGlobs     []glob.Glob

	intakeOpen bool
	intakeFor  protocol.Identity
	intake     map[string]intakeRecord
	intakeByID map[uint32]intakeRecord

	log *slog.Logger
}

// NewTracker builds a tracker from the given configuration. Invalid glob
// patterns are rejected.
func NewTracker(cfg TrackerConfig, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	reserved, err := compileGlobs(cfg.ReservedContainerPatterns)
	if err != nil {
		return nil, fmt.Errorf("reserved container patterns: %w", err)
	}
	tools, err := compileGlobs(cfg.ToolNamePatterns)
	if err != nil {
		return nil, fmt.Errorf("tool name patterns: %w", err)
	}

	known := make(map[uint32]struct{}, len(cfg.KnownToolIDs))
	for _, id := range cfg.KnownToolIDs {
		known[id] = struct{}{}
	}

	return &Tracker{
		personal:      make(map[string]item.Item),
		toolBags:      make(map[string]item.Item),
		bagTools:      make(map[string]item.Item),
		knownTool:     known,
		reservedGlobs: reserved,
		toolGlobs:     tools,
		intake:        make(map[string]intakeRecord),
		intakeByID:    make(map[uint32]intakeRecord),
		log:           log,
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(item.NormalizeName(p))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Snapshot replaces the startup registry of agent-owned property with the
// current custody state. Called once at startup, and again on admission of
// a new session before any unit changes occur.
func (t *Tracker) Snapshot(loose []item.Item, containers []item.Container) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.personal = make(map[string]item.Item, len(loose))
	t.toolBags = make(map[string]item.Item, len(containers))
	t.bagTools = make(map[string]item.Item)

	for _, u := range loose {
		if u.IsContainer() {
			t.toolBags[u.Key()] = u
			continue
		}
		t.personal[u.Key()] = u
	}
	for _, c := range containers {
		t.toolBags[c.Bag.Key()] = c.Bag
		for _, tool := range c.Contents {
			t.bagTools[tool.Key()] = tool
		}
	}

	t.log.Debug("custody snapshot taken",
		slog.Int("personal", len(t.personal)),
		slog.Int("tool_bags", len(t.toolBags)),
		slog.Int("bag_tools", len(t.bagTools)),
	)
}

// BeginIntake opens the intake window for a counterparty session. Any
// previous window is discarded.
func (t *Tracker) BeginIntake(counterparty protocol.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.intakeOpen = true
	t.intakeFor = counterparty
	t.intake = make(map[string]intakeRecord)
	t.intakeByID = make(map[uint32]intakeRecord)
}

// ObserveIntake records a unit entering custody during the open intake
// window. Units already in the startup snapshot are the agent's own and are
// skipped, so a unit shuffled between containers mid-session is never
// misclassified as counterparty property.
func (t *Tracker) ObserveIntake(u item.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.intakeOpen {
		return ErrIntakeClosed
	}
	if t.inSnapshotLocked(u) {
		t.log.Debug("intake skipped agent-owned unit", slog.String("unit", u.Key()))
		return nil
	}

	rec := intakeRecord{unit: u, observedAt: time.Now()}
	t.intake[u.Key()] = rec
	// Instance is zero for kinds the transport does not instance-track, so
	// an ID-keyed record is kept alongside the exact key.
	t.intakeByID[u.ID] = rec
	return nil
}

// IntakeItems returns the units observed during the current intake window.
func (t *Tracker) IntakeItems() []item.Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]item.Item, 0, len(t.intake))
	for _, rec := range t.intake {
		out = append(out, rec.unit)
	}
	return out
}

// IntakeCounterparty returns the counterparty the window is open for.
func (t *Tracker) IntakeCounterparty() (protocol.Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intakeFor, t.intakeOpen
}

// EndIntake closes and clears the intake window. Records never carry over
// between sessions; stale records would let a later counterparty claim an
// earlier one's units.
func (t *Tracker) EndIntake() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.intakeOpen = false
	t.intakeFor = protocol.None
	t.intake = make(map[string]intakeRecord)
	t.intakeByID = make(map[uint32]intakeRecord)
}

// IsProtected reports whether the unit is agent property that must never be
// placed into an outgoing transfer set. Each rule overrides the ones below
// it:
//
//  1. observed entering custody during the open intake window → not
//     protected, it belongs to the counterparty
//  2. present in the personal-item or known-tool registry → protected
//  3. container matching the reserved tool-container naming convention →
//     protected
//  4. name matching a known tool pattern → protected
//  5. otherwise → not protected
//
// Processable material categories bypass rules 2–4 entirely: material is
// never an agent tool regardless of what its name matches.
func (t *Tracker) IsProtected(u item.Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Rule 1: observed provenance dominates everything.
	if t.intakeOpen {
		if _, ok := t.intake[u.Key()]; ok {
			return false
		}
		if rec, ok := t.intakeByID[u.ID]; ok && rec.unit.Name == u.Name {
			return false
		}
	}

	if u.Category().Processable() {
		return false
	}

	// Rule 2: exact registries.
	if t.inSnapshotLocked(u) {
		return true
	}
	if _, ok := t.knownTool[u.ID]; ok {
		t.log.Debug("protected by known tool id", slog.String("unit", u.String()))
		return true
	}

	name := item.NormalizeName(u.Name)

	// Rule 3: reserved container naming convention.
	if u.IsContainer() && matchAny(t.reservedGlobs, name) {
		return true
	}

	// Rule 4: tool-shaped name fallback.
	if u.HasTag(item.CategoryTool) || matchAny(t.toolGlobs, name) {
		t.log.Debug("protected by tool name pattern", slog.String("unit", u.String()))
		return true
	}

	return false
}

// Protected filters the given units down to the protected ones.
func (t *Tracker) Protected(units []item.Item) []item.Item {
	var out []item.Item
	for _, u := range units {
		if t.IsProtected(u) {
			out = append(out, u)
		}
	}
	return out
}

// Transferable filters the given units down to the non-protected ones.
func (t *Tracker) Transferable(units []item.Item) []item.Item {
	var out []item.Item
	for _, u := range units {
		if !t.IsProtected(u) {
			out = append(out, u)
		}
	}
	return out
}

func (t *Tracker) inSnapshotLocked(u item.Item) bool {
	key := u.Key()
	if _, ok := t.personal[key]; ok {
		return true
	}
	if _, ok := t.toolBags[key]; ok {
		return true
	}
	_, ok := t.bagTools[key]
	return ok
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
