package bridge

import (
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Wire Format
// =============================================================================

// The bridge speaks newline-delimited JSON over a byte stream, one message
// per line. The client (the game-side plugin) pushes protocol events,
// roster and custody snapshots, and command requests; the agent pushes
// session actions, messages, and request results.

// Inbound operation names (client to agent).
const (
	OpEvent         = "event"
	OpRoster        = "roster"
	OpInventory     = "inventory"
	OpCustodyChange = "custody_change"
	OpResult        = "result"
	OpQueueStatus   = "queue_status"
	OpReturnRequest = "return_request"
	OpStartExchange = "start_exchange"
	OpForceReset    = "force_reset"
)

// Outbound operation names (agent to client).
const (
	OpOpen         = "open"
	OpAccept       = "accept"
	OpConfirm      = "confirm"
	OpDecline      = "decline"
	OpAddItem      = "add_item"
	OpTell         = "tell"
	OpMoveContents = "move_contents"
	OpProcessBatch = "process_batch"
)

// Envelope is one line of bridge traffic. Fields beyond Op and ID are
// populated per operation.
type Envelope struct {
	Op string `json:"op"`

	// ID correlates a request with its result; empty for notifications.
	ID string `json:"id,omitempty"`

	// event
	Event *WireEvent `json:"event,omitempty"`

	// roster
	Self  *WirePosition `json:"self,omitempty"`
	Peers []WirePeer    `json:"peers,omitempty"`

	// inventory
	Items      []item.Item      `json:"items,omitempty"`
	Containers []item.Container `json:"containers,omitempty"`

	// custody_change
	Change string     `json:"change,omitempty"`
	Unit   *item.Item `json:"unit,omitempty"`

	// session actions and command requests
	Counterparty uint32 `json:"counterparty,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Text         string `json:"text,omitempty"`

	// result
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	Processed int    `json:"processed,omitempty"`
}

// WireEvent is a protocol event as the client reports it.
type WireEvent struct {
	Kind         string `json:"kind"`
	Counterparty uint32 `json:"counterparty,omitempty"`
	Actor        uint32 `json:"actor,omitempty"`
}

// Decode converts a wire event into the typed schema, ok=false for an
// unrecognized kind.
func (w WireEvent) Decode() (protocol.Event, bool) {
	switch w.Kind {
	case "opened":
		return protocol.Opened(protocol.Identity(w.Counterparty)), true
	case "accepted":
		return protocol.Accepted(protocol.Identity(w.Actor)), true
	case "confirmed":
		return protocol.Confirmed(protocol.Identity(w.Actor)), true
	case "finished":
		return protocol.Finished(), true
	case "declined":
		return protocol.Declined(protocol.Identity(w.Actor)), true
	}
	return protocol.Event{}, false
}

// WirePosition is a location report.
type WirePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// WirePeer is one discoverable counterparty in a roster snapshot.
type WirePeer struct {
	ID       uint32       `json:"id"`
	Name     string       `json:"name"`
	Position WirePosition `json:"position"`
}
