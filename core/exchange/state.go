package exchange

import (
	"fmt"
	"sync"

	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Bot State
// =============================================================================

// BotState is the process-wide processing gate. At most one counterparty is
// served at a time; everyone else waits in the queue.
type BotState int

const (
	// StateReady means the slot is free and a new session can be admitted.
	StateReady BotState = iota
	// StateProcessing means an intake session or pipeline run is underway.
	StateProcessing
	// StateReturning means processed units are being handed back.
	StateReturning
)

var botStateNames = map[BotState]string{
	StateReady:      "ready",
	StateProcessing: "processing",
	StateReturning:  "returning",
}

func (s BotState) String() string {
	if name, ok := botStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// Gate
// =============================================================================

// Gate holds the BotState and the identity occupying the slot, mutated only
// inside its single critical section. The invariant it maintains: the
// active counterparty is set if and only if the state is not Ready. Two
// concurrent admission attempts can never both win.
type Gate struct {
	mu     sync.Mutex
	state  BotState
	active protocol.Identity
}

// NewGate returns a gate in StateReady.
func NewGate() *Gate {
	return &Gate{state: StateReady}
}

// TryAcquire atomically claims the slot for the counterparty if it is free.
// Returns false, with the current holder, when the slot is occupied.
func (g *Gate) TryAcquire(counterparty protocol.Identity, state BotState) (bool, protocol.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateReady {
		return false, g.active
	}
	if state == StateReady {
		return false, protocol.None
	}
	g.state = state
	g.active = counterparty
	return true, counterparty
}

// Transition moves the slot holder between busy states. Returns an error
// if the counterparty does not hold the slot.
func (g *Gate) Transition(counterparty protocol.Identity, to BotState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateReady || g.active != counterparty {
		return fmt.Errorf("%w: %s does not hold the slot", ErrSlotBusy, counterparty)
	}
	if to == StateReady {
		g.state = StateReady
		g.active = protocol.None
		return nil
	}
	g.state = to
	return nil
}

// Release frees the slot if the counterparty holds it.
func (g *Gate) Release(counterparty protocol.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateReady || g.active != counterparty {
		return false
	}
	g.state = StateReady
	g.active = protocol.None
	return true
}

// ForceReset unconditionally frees the slot. The admin escape hatch and the
// crash handler both land here; the slot must never stay occupied by a
// dead session.
func (g *Gate) ForceReset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateReady
	g.active = protocol.None
}

// State returns the current state and slot holder in one snapshot.
func (g *Gate) State() (BotState, protocol.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.active
}

// HeldBy reports whether the counterparty currently occupies the slot.
func (g *Gate) HeldBy(counterparty protocol.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state != StateReady && g.active == counterparty
}
