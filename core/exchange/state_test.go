package exchange_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/protocol"
)

func TestGate_TryAcquire(t *testing.T) {
	g := exchange.NewGate()

	ok, holder := g.TryAcquire(1, exchange.StateProcessing)
	require.True(t, ok)
	assert.Equal(t, protocol.Identity(1), holder)

	ok, holder = g.TryAcquire(2, exchange.StateProcessing)
	assert.False(t, ok)
	assert.Equal(t, protocol.Identity(1), holder)

	state, active := g.State()
	assert.Equal(t, exchange.StateProcessing, state)
	assert.Equal(t, protocol.Identity(1), active)
}

func TestGate_AcquireReadyRejected(t *testing.T) {
	g := exchange.NewGate()
	ok, _ := g.TryAcquire(1, exchange.StateReady)
	assert.False(t, ok)
}

func TestGate_ConcurrentAdmissionSingleWinner(t *testing.T) {
	g := exchange.NewGate()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(id protocol.Identity) {
			defer wg.Done()
			if ok, _ := g.TryAcquire(id, exchange.StateProcessing); ok {
				wins.Add(1)
			}
		}(protocol.Identity(i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestGate_Transition(t *testing.T) {
	g := exchange.NewGate()
	_, _ = g.TryAcquire(1, exchange.StateProcessing)

	require.NoError(t, g.Transition(1, exchange.StateReturning))
	state, _ := g.State()
	assert.Equal(t, exchange.StateReturning, state)

	// A non-holder cannot transition the slot.
	assert.ErrorIs(t, g.Transition(2, exchange.StateReady), exchange.ErrSlotBusy)

	require.NoError(t, g.Transition(1, exchange.StateReady))
	state, active := g.State()
	assert.Equal(t, exchange.StateReady, state)
	assert.True(t, active.IsNone())
}

func TestGate_Release(t *testing.T) {
	g := exchange.NewGate()
	_, _ = g.TryAcquire(1, exchange.StateProcessing)

	assert.False(t, g.Release(2))
	assert.True(t, g.HeldBy(1))
	assert.True(t, g.Release(1))
	assert.False(t, g.Release(1))
	assert.False(t, g.HeldBy(1))
}

func TestGate_ForceReset(t *testing.T) {
	g := exchange.NewGate()
	_, _ = g.TryAcquire(1, exchange.StateReturning)

	g.ForceReset()

	state, active := g.State()
	assert.Equal(t, exchange.StateReady, state)
	assert.True(t, active.IsNone())
}

func TestSessionState_Transitions(t *testing.T) {
	assert.True(t, exchange.SessionIdle.CanTransitionTo(exchange.SessionOpened))
	assert.True(t, exchange.SessionOpened.CanTransitionTo(exchange.SessionAccepted))
	assert.True(t, exchange.SessionOpened.CanTransitionTo(exchange.SessionDeclined))
	assert.True(t, exchange.SessionAccepted.CanTransitionTo(exchange.SessionConfirmed))
	assert.True(t, exchange.SessionConfirmed.CanTransitionTo(exchange.SessionFinished))

	assert.False(t, exchange.SessionAccepted.CanTransitionTo(exchange.SessionOpened))
	assert.False(t, exchange.SessionFinished.CanTransitionTo(exchange.SessionDeclined))
	assert.False(t, exchange.SessionDeclined.CanTransitionTo(exchange.SessionOpened))
}

func TestSessionState_Terminal(t *testing.T) {
	assert.True(t, exchange.SessionFinished.IsTerminal())
	assert.True(t, exchange.SessionDeclined.IsTerminal())
	assert.False(t, exchange.SessionConfirmed.IsTerminal())
}
