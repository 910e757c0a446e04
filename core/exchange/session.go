package exchange

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Session State
// =============================================================================

// ErrInvalidSessionTransition indicates a disallowed state transition.
var ErrInvalidSessionTransition = errors.New("invalid session state transition")

// SessionState is the lifecycle state of one counterparty's session.
type SessionState int

const (
	// SessionIdle indicates no session activity yet.
	SessionIdle SessionState = iota
	// SessionOpened indicates the protocol reported the session window open.
	SessionOpened
	// SessionAccepted indicates both sides pressed accept.
	SessionAccepted
	// SessionConfirmed indicates the counterparty confirmed; the agent's
	// completing acceptance is outstanding.
	SessionConfirmed
	// SessionFinished indicates custody moved and the session is done.
	SessionFinished
	// SessionDeclined indicates the session was refused or abandoned.
	SessionDeclined
)

var sessionStateNames = map[SessionState]string{
	SessionIdle:      "idle",
	SessionOpened:    "opened",
	SessionAccepted:  "accepted",
	SessionConfirmed: "confirmed",
	SessionFinished:  "finished",
	SessionDeclined:  "declined",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether the state ends the session.
func (s SessionState) IsTerminal() bool {
	return s == SessionFinished || s == SessionDeclined
}

// CanTransitionTo reports whether moving to the target state is allowed.
// Decline is reachable from every non-terminal state: counterparties can
// walk away at any point in the handshake.
func (s SessionState) CanTransitionTo(target SessionState) bool {
	for _, allowed := range sessionTransitions()[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func sessionTransitions() map[SessionState][]SessionState {
	return map[SessionState][]SessionState{
		SessionIdle:      {SessionOpened},
		SessionOpened:    {SessionAccepted, SessionDeclined, SessionFinished},
		SessionAccepted:  {SessionConfirmed, SessionDeclined},
		SessionConfirmed: {SessionFinished, SessionDeclined},
		SessionFinished:  {},
		SessionDeclined:  {},
	}
}

// =============================================================================
// Session
// =============================================================================

// SessionKind distinguishes what the session is for.
type SessionKind int

const (
	// KindIntake is a counterparty handing units over for processing.
	KindIntake SessionKind = iota
	// KindReturn is the agent handing processed units back.
	KindReturn
)

func (k SessionKind) String() string {
	if k == KindIntake {
		return "intake"
	}
	return "return"
}

// Session is one counterparty's exchange negotiation. Owned exclusively by
// the orchestrator's session table; created on the first "opened" protocol
// event, destroyed on a terminal state.
type Session struct {
	ID           string
	Counterparty protocol.Identity
	Name         string
	Kind         SessionKind
	State        SessionState
	StartedAt    time.Time
	EndedAt      time.Time
}

func newSession(counterparty protocol.Identity, name string, kind SessionKind) *Session {
	return &Session{
		ID:           uuid.New().String(),
		Counterparty: counterparty,
		Name:         name,
		Kind:         kind,
		State:        SessionOpened,
		StartedAt:    time.Now(),
	}
}

// transition advances the session state, enforcing the transition table.
func (s *Session) transition(to SessionState) error {
	if !s.State.CanTransitionTo(to) {
		return ErrInvalidSessionTransition
	}
	s.State = to
	if to.IsTerminal() {
		s.EndedAt = time.Now()
	}
	return nil
}
