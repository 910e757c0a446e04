// Package custody tracks what the agent currently holds and classifies every
// held unit as agent-owned (protected) or counterparty-provided
// (transferable).
package custody

import (
	"context"

	"github.com/adalundhe/tradesmith/core/item"
)

// =============================================================================
// Inventory Boundary
// =============================================================================

// ChangeKind describes a custody change observed at the inventory layer.
type ChangeKind int

const (
	// ChangeAdded indicates a unit entered the agent's custody.
	ChangeAdded ChangeKind = iota
	// ChangeRemoved indicates a unit left the agent's custody.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	if k == ChangeAdded {
		return "added"
	}
	return "removed"
}

// Change is a single custody-change notification.
type Change struct {
	Kind ChangeKind
	Unit item.Item
}

// Inventory is the custody layer the agent consumes. Implementations wrap
// the game-side inventory; tests use in-memory fakes.
type Inventory interface {
	// Items enumerates loose units currently in custody.
	Items() []item.Item

	// Containers enumerates grouping units in custody with their scanned
	// contents.
	Containers() []item.Container

	// MoveContents relocates every unit inside the container into the
	// agent's working area so it can be staged for processing or return.
	MoveContents(ctx context.Context, bag item.Item) error

	// Changes delivers custody-change notifications. The channel is owned
	// by the inventory layer and may deliver on any goroutine.
	Changes() <-chan Change
}
