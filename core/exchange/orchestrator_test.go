package exchange_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/pipeline"
	"github.com/adalundhe/tradesmith/core/protocol"
	"github.com/adalundhe/tradesmith/core/recovery"
)

const (
	agentID protocol.Identity = 1000
	annID   protocol.Identity = 2000
	bobID   protocol.Identity = 3000
)

type orchFixture struct {
	orch      *exchange.Orchestrator
	roster    *fakeRoster
	transport *fakeTransport
	messenger *fakeMessenger
	inventory *fakeInventory
	store     *recovery.Store
}

func newOrchFixture(t *testing.T) *orchFixture {
	return newOrchFixtureWithProcessor(t, passthroughProcessor())
}

func newOrchFixtureWithProcessor(t *testing.T, proc pipeline.Processor) *orchFixture {
	t.Helper()

	f := &orchFixture{
		roster:    newFakeRoster(),
		transport: &fakeTransport{},
		messenger: newFakeMessenger(),
		inventory: newFakeInventory(),
		store:     testStore(t),
	}
	f.orch = exchange.NewOrchestrator(exchange.OrchestratorConfig{
		Identity:    agentID,
		Name:        "smith",
		SettleDelay: 5 * time.Millisecond,
		Delivery: exchange.DeliveryConfig{
			ShortRetryDelay: 10 * time.Millisecond,
			LongRetryDelay:  10 * time.Millisecond,
		},
	}, exchange.Deps{
		Roster:    f.roster,
		Transport: f.transport,
		Messenger: f.messenger,
		Inventory: f.inventory,
		Processor: proc,
		Tracker:   testTracker(t),
		Guard:     custody.NewGuard(slog.Default()),
		Store:     f.store,
		Log:       slog.Default(),
	})

	f.orch.Start(context.Background())
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *orchFixture) waitState(t *testing.T, want exchange.BotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _ := f.orch.State()
		return state == want
	}, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Admission
// =============================================================================

func TestOrchestrator_AdmissionAndQueueing(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)
	f.roster.add(bobID, "bob", true)

	// Ann opens while the slot is free: admitted.
	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)
	_, active := f.orch.State()
	assert.Equal(t, annID, active)

	// Bob opens while ann is being served: queued at position 1, notified,
	// the session window declined.
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.messenger.messages(bobID)[0], "number 1 in line")

	// Ann hands over a unit and the handshake completes.
	ore := item.Item{ID: 10, Instance: 1, Name: "Raw Ore", Quantity: 1}
	f.inventory.receive(ore)
	f.orch.HandleEvent(protocol.Accepted(annID))
	require.Eventually(t, func() bool {
		return f.transport.acceptCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.orch.HandleEvent(protocol.Confirmed(annID))
	require.Eventually(t, func() bool {
		return f.transport.confirmCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.orch.HandleEvent(protocol.Finished())

	// Processing completes and the agent opens the return session.
	f.waitState(t, exchange.StateReturning)
	require.Eventually(t, func() bool {
		return f.transport.openCount(annID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The return window opens and the units are staged back.
	f.orch.HandleEvent(protocol.Opened(annID))
	require.Eventually(t, func() bool {
		return len(f.transport.addedItems()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ore, f.transport.addedItems()[0])

	// The return finishes: slot frees and bob is served from the queue.
	f.orch.HandleEvent(protocol.Finished())
	require.Eventually(t, func() bool {
		return f.transport.openCount(bobID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.orch.Queued(bobID))
}

func TestOrchestrator_SelfEchoIgnored(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)

	// The protocol reflects the agent's own accept back; it must not be
	// answered with another accept.
	f.orch.HandleEvent(protocol.Accepted(agentID))
	f.orch.HandleEvent(protocol.Confirmed(agentID))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.transport.acceptCount())
	assert.Equal(t, 0, f.transport.confirmCount())
}

func TestOrchestrator_DuplicateOpenIgnored(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)

	// The protocol echoes the open; ann is neither queued nor double-admitted
	// and her live session window is left alone.
	f.orch.HandleEvent(protocol.Opened(annID))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.orch.Queued(annID))
	assert.Equal(t, 0, f.messenger.count(annID))
	_, active := f.orch.State()
	assert.Equal(t, annID, active)
	assert.Len(t, f.orch.ActiveSessions(), 1)
}

func TestOrchestrator_UnservedOpenDeclinesWindow(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)
	f.roster.add(bobID, "bob", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)

	// Bob cannot be served right now: he is queued and the window he just
	// opened is declined so the transport is free again.
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.transport.declineCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Bob opens again while already in line: reminded of his spot, the new
	// window declined as well.
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.transport.declineCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.messenger.messages(bobID)[1], "already in line")
}

func TestOrchestrator_FailedProcessingReturnsToolNamedUnit(t *testing.T) {
	proc := pipeline.ProcessorFunc(func(ctx context.Context, units []item.Item) (pipeline.BatchResult, error) {
		return pipeline.BatchResult{}, errors.New("furnace cold")
	})
	f := newOrchFixtureWithProcessor(t, proc)
	f.roster.add(annID, "ann", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)

	// Ann hands over her own grinder, a unit the agent would never part
	// with on its own.
	grinder := item.Item{ID: 44, Instance: 9, Name: "Jensen Gem Grinder", Quantity: 1}
	f.inventory.receive(grinder)
	f.orch.HandleEvent(protocol.Accepted(annID))
	require.Eventually(t, func() bool {
		return f.transport.acceptCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.orch.HandleEvent(protocol.Confirmed(annID))
	require.Eventually(t, func() bool {
		return f.transport.confirmCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.orch.HandleEvent(protocol.Finished())

	// Processing fails, so the exact received set heads back as-is; the
	// grinder being hers must survive the send-time protection check.
	f.waitState(t, exchange.StateReturning)
	require.Eventually(t, func() bool {
		return f.transport.openCount(annID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.orch.HandleEvent(protocol.Opened(annID))
	require.Eventually(t, func() bool {
		return len(f.transport.addedItems()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, grinder, f.transport.addedItems()[0])
}

func TestOrchestrator_EventsServedWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	proc := pipeline.ProcessorFunc(func(ctx context.Context, units []item.Item) (pipeline.BatchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return pipeline.BatchResult{Results: units, Processed: len(units)}, nil
	})
	f := newOrchFixtureWithProcessor(t, proc)
	f.roster.add(annID, "ann", true)
	f.roster.add(bobID, "bob", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)
	f.inventory.receive(item.Item{ID: 10, Instance: 1, Name: "Raw Ore", Quantity: 1})
	f.orch.HandleEvent(protocol.Accepted(annID))
	f.orch.HandleEvent(protocol.Confirmed(annID))
	f.orch.HandleEvent(protocol.Finished())

	// Ann's batch is stuck in the pipeline; bob's open must still be
	// answered with a queue spot and a declined window in the meantime.
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.transport.declineCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	f.waitState(t, exchange.StateReturning)
}

// =============================================================================
// Decline
// =============================================================================

func TestOrchestrator_ActiveDeclineFreesSlotWithoutDrainingQueue(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)
	f.roster.add(bobID, "bob", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)

	// Ann declines her own session: the slot frees for anyone, bob stays
	// queued and is not auto-served.
	f.orch.HandleEvent(protocol.Declined(annID))
	f.waitState(t, exchange.StateReady)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.orch.Queued(bobID))
	assert.Equal(t, 0, f.transport.openCount(bobID))
}

func TestOrchestrator_QueuedDeclineRemovesEntry(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)
	f.roster.add(bobID, "bob", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)
	f.orch.HandleEvent(protocol.Opened(bobID))
	require.Eventually(t, func() bool {
		return f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.HandleEvent(protocol.Declined(bobID))
	require.Eventually(t, func() bool {
		return !f.orch.Queued(bobID)
	}, 2*time.Second, 5*time.Millisecond)

	// Ann is untouched.
	_, active := f.orch.State()
	assert.Equal(t, annID, active)
}

// =============================================================================
// Reclaim
// =============================================================================

func TestOrchestrator_ReturnRequestReclaimsStoredUnits(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)

	units := []item.Item{{ID: 10, Instance: 1, Name: "Cut Gem", Quantity: 1}}
	require.NoError(t, f.store.Save(context.Background(), "ann", annID.String(), units, time.Hour, recovery.KindTimeout))

	ok, err := f.orch.ReturnRequest(context.Background(), "ann")
	require.NoError(t, err)
	require.True(t, ok)

	// The exact stored unit set heads back out.
	state, active := f.orch.State()
	assert.Equal(t, exchange.StateReturning, state)
	assert.Equal(t, annID, active)
	require.Eventually(t, func() bool {
		return f.transport.openCount(annID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.HandleEvent(protocol.Opened(annID))
	require.Eventually(t, func() bool {
		return len(f.transport.addedItems()) == len(units)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, units, f.transport.addedItems())

	// The record is single-claim.
	_, claimed, err := f.store.TryClaim(context.Background(), "ann")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestOrchestrator_ReturnRequestUnknownOwner(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)

	ok, err := f.orch.ReturnRequest(context.Background(), "ann")
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored yet")
	state, _ := f.orch.State()
	assert.Equal(t, exchange.StateReady, state)
}

func TestOrchestrator_ForceResetFreesSlot(t *testing.T) {
	f := newOrchFixture(t)
	f.roster.add(annID, "ann", true)

	f.orch.HandleEvent(protocol.Opened(annID))
	f.waitState(t, exchange.StateProcessing)

	f.orch.ForceResetState()
	f.waitState(t, exchange.StateReady)
	assert.Empty(t, f.orch.ActiveSessions())
}
