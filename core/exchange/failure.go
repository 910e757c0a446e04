package exchange

import "errors"

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSlotBusy indicates the processing slot is held by another
	// counterparty.
	ErrSlotBusy = errors.New("processing slot is busy")

	// ErrAlreadyQueued indicates the counterparty is already waiting.
	ErrAlreadyQueued = errors.New("counterparty already queued")

	// ErrNoPendingReturn indicates a return was attempted with nothing to
	// return.
	ErrNoPendingReturn = errors.New("no pending return for counterparty")

	// ErrNoActiveSession indicates an event arrived with no session open.
	ErrNoActiveSession = errors.New("no active session")

	// ErrOrchestratorClosed indicates the orchestrator has been stopped.
	ErrOrchestratorClosed = errors.New("orchestrator is closed")
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

// FailureKind classifies everything that can go wrong during an exchange.
// Each kind has fixed handling behavior; nothing is silently swallowed and
// nothing retries forever without a policy saying so.
type FailureKind int

const (
	// FailureProtocolRace is the agent's own action echoed back by the
	// protocol. Filtered at the dispatcher, never surfaced.
	FailureProtocolRace FailureKind = iota

	// FailurePeerUnavailable means the counterparty is not discoverable.
	// Retried indefinitely on a fixed interval: the agent cannot know
	// whether the absence is permanent.
	FailurePeerUnavailable

	// FailurePeerTooFar means the counterparty is discoverable but outside
	// the proximity threshold. Notified at most once per cooldown window,
	// retried on a short fixed interval.
	FailurePeerTooFar

	// FailureDeclined means the counterparty refused a session. Retried
	// with two-tier backoff up to a cap, then demoted to manual recovery.
	FailureDeclined

	// FailureTimeout means a pending return outlived its deadline. Units
	// are persisted to the recovery store and session state cleared.
	FailureTimeout

	// FailureConsistency means internal state disagrees with itself, e.g. a
	// return slot with no pending units. Logged, the state machine is
	// forcibly reset to Ready rather than left stuck, and the counterparty
	// is told about the anomaly.
	FailureConsistency
)

var failureKindNames = map[FailureKind]string{
	FailureProtocolRace:    "protocol_race",
	FailurePeerUnavailable: "peer_unavailable",
	FailurePeerTooFar:      "peer_too_far",
	FailureDeclined:        "declined",
	FailureTimeout:         "timeout",
	FailureConsistency:     "consistency",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// UserVisible reports whether failures of this kind carry a message to the
// affected counterparty. ProtocolRace is internal by definition.
func (k FailureKind) UserVisible() bool {
	return k != FailureProtocolRace
}
