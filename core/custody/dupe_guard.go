package custody

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/adalundhe/tradesmith/core/item"
)

// =============================================================================
// Duplicate Guard
// =============================================================================

// GroupKey partitions a batch by category and normalized name.
type GroupKey struct {
	Category item.Category
	Name     string
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s", k.Category, k.Name)
}

// Group is a set of same-keyed units found across a batch.
type Group struct {
	Key   GroupKey
	Units []item.Item
}

// CheckResult is the outcome of screening a batch.
type CheckResult struct {
	OK        bool
	Offending []Group
}

// Reason renders a human-readable explanation for the counterparty when a
// batch is rejected.
func (r CheckResult) Reason() string {
	if r.OK {
		return ""
	}
	names := make([]string, 0, len(r.Offending))
	for _, g := range r.Offending {
		names = append(names, fmt.Sprintf("%dx %s", len(g.Units), g.Key.Name))
	}
	return "duplicate units cannot be processed together: " + strings.Join(names, ", ")
}

// Guard pre-screens a transfer batch for same-category duplicates that
// break downstream processing. The pipeline commits irreversibly once it
// consumes inputs, so the screen runs strictly before any unit leaves
// custody review, and a single offending group rejects every container in
// the batch.
type Guard struct {
	log *slog.Logger
}

// NewGuard returns a guard logging to the given logger.
func NewGuard(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log}
}

// Check scans every unit across all containers, partitions by (category,
// normalized name), and flags any group of size > 1 within a
// duplicate-sensitive category. Order of offending groups is stable.
func (g *Guard) Check(containers []item.Container) CheckResult {
	groups := make(map[GroupKey][]item.Item)
	for _, u := range item.AllItems(containers) {
		key := GroupKey{Category: u.Category(), Name: item.NormalizeName(u.Name)}
		groups[key] = append(groups[key], u)
	}

	var offending []Group
	for key, units := range groups {
		if !key.Category.DuplicateSensitive() || len(units) < 2 {
			continue
		}
		offending = append(offending, Group{Key: key, Units: units})
	}
	sort.Slice(offending, func(i, j int) bool {
		return offending[i].Key.String() < offending[j].Key.String()
	})

	if len(offending) == 0 {
		return CheckResult{OK: true}
	}

	g.log.Warn("batch rejected by duplicate guard",
		slog.Int("containers", len(containers)),
		slog.Int("offending_groups", len(offending)),
	)
	return CheckResult{OK: false, Offending: offending}
}
