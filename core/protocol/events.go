package protocol

import (
	"fmt"
	"time"
)

// =============================================================================
// EventKind Enum
// =============================================================================

// EventKind identifies the kind of exchange-protocol event. The schema is
// explicit and versioned: every inbound message is decoded into one of these
// kinds with typed fields before it reaches the orchestration layer, so no
// component ever inspects a raw message to guess a sender.
type EventKind int

const (
	// EventKindOpened indicates a counterparty opened an exchange session
	// with the agent.
	EventKindOpened EventKind = iota

	// EventKindAccepted indicates one side of the session pressed accept.
	// The protocol echoes the agent's own accept back to it, so Actor must
	// be compared against the agent's identity before the event is treated
	// as counterparty activity.
	EventKindAccepted

	// EventKindConfirmed indicates one side confirmed the accepted session.
	// Subject to the same self-echo ambiguity as EventKindAccepted.
	EventKindConfirmed

	// EventKindFinished indicates the session completed and custody moved.
	EventKindFinished

	// EventKindDeclined indicates the session was refused or abandoned.
	// Some transports omit the actor on decline; HasActor is false then.
	EventKindDeclined
)

var eventKindNames = map[EventKind]string{
	EventKindOpened:    "opened",
	EventKindAccepted:  "accepted",
	EventKindConfirmed: "confirmed",
	EventKindFinished:  "finished",
	EventKindDeclined:  "declined",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// Event
// =============================================================================

// SchemaVersion is the current version of the event schema.
const SchemaVersion = 1

// Event is the tagged union delivered to the orchestrator. Only the fields
// relevant to the Kind are populated.
type Event struct {
	Version int
	Kind    EventKind

	// Counterparty is set on EventKindOpened: the identity that opened the
	// session with the agent.
	Counterparty Identity

	// Actor is the identity that performed an accept/confirm/decline.
	// Meaningless unless HasActor is true.
	Actor    Identity
	HasActor bool

	// ReceivedAt is when the transport handed the event to the agent.
	ReceivedAt time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventKindOpened:
		return fmt.Sprintf("opened(counterparty=%s)", e.Counterparty)
	case EventKindDeclined:
		if !e.HasActor {
			return "declined(actor=?)"
		}
		fallthrough
	default:
		if e.HasActor {
			return fmt.Sprintf("%s(actor=%s)", e.Kind, e.Actor)
		}
		return e.Kind.String()
	}
}

// Opened builds an EventKindOpened event.
func Opened(counterparty Identity) Event {
	return Event{Version: SchemaVersion, Kind: EventKindOpened, Counterparty: counterparty, ReceivedAt: time.Now()}
}

// Accepted builds an EventKindAccepted event.
func Accepted(actor Identity) Event {
	return Event{Version: SchemaVersion, Kind: EventKindAccepted, Actor: actor, HasActor: true, ReceivedAt: time.Now()}
}

// Confirmed builds an EventKindConfirmed event.
func Confirmed(actor Identity) Event {
	return Event{Version: SchemaVersion, Kind: EventKindConfirmed, Actor: actor, HasActor: true, ReceivedAt: time.Now()}
}

// Finished builds an EventKindFinished event.
func Finished() Event {
	return Event{Version: SchemaVersion, Kind: EventKindFinished, ReceivedAt: time.Now()}
}

// Declined builds an EventKindDeclined event. Pass None for transports that
// drop the actor on decline; HasActor is recorded accordingly.
func Declined(actor Identity) Event {
	return Event{
		Version:    SchemaVersion,
		Kind:       EventKindDeclined,
		Actor:      actor,
		HasActor:   !actor.IsNone(),
		ReceivedAt: time.Now(),
	}
}
