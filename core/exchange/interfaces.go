package exchange

import (
	"context"

	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Transport Boundary
// =============================================================================

// Transport is the outbound half of the exchange protocol. The inbound half
// arrives as protocol.Event values through Orchestrator.HandleEvent. The
// transport owns exactly one open session window at a time, matching the
// single processing slot.
type Transport interface {
	// Open opens an exchange session window with the counterparty.
	Open(ctx context.Context, counterparty protocol.Identity) error

	// Accept presses accept on the currently open session.
	Accept(ctx context.Context) error

	// Confirm issues the completing acceptance on the open session.
	Confirm(ctx context.Context) error

	// Decline refuses the open session.
	Decline(ctx context.Context) error

	// AddItem places a unit into the open session window.
	AddItem(ctx context.Context, unit item.Item) error
}

// Messenger delivers human-readable text to a counterparty. Every
// user-visible failure goes through here.
type Messenger interface {
	Tell(counterparty protocol.Identity, text string)
}

// =============================================================================
// Roster Boundary
// =============================================================================

// Position is a counterparty's last observed location.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Peer is a discoverable counterparty.
type Peer struct {
	ID       protocol.Identity
	Name     string
	Position Position
}

// Roster resolves and locates counterparties. A counterparty absent from
// the roster is not discoverable: they may have disconnected or moved out
// of the observable area, and the agent cannot tell which.
type Roster interface {
	// Find resolves a counterparty by protocol identity.
	Find(id protocol.Identity) (Peer, bool)

	// FindByName resolves a counterparty by display name,
	// case-insensitively.
	FindByName(name string) (Peer, bool)

	// InRange reports whether the counterparty is discoverable and within
	// the given distance of the agent.
	InRange(id protocol.Identity, maxDistance float64) bool
}
