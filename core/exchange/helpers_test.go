package exchange_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/pipeline"
	"github.com/adalundhe/tradesmith/core/protocol"
	"github.com/adalundhe/tradesmith/core/recovery"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRoster struct {
	mu      sync.Mutex
	peers   map[protocol.Identity]exchange.Peer
	inRange map[protocol.Identity]bool
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{
		peers:   make(map[protocol.Identity]exchange.Peer),
		inRange: make(map[protocol.Identity]bool),
	}
}

func (r *fakeRoster) add(id protocol.Identity, name string, near bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = exchange.Peer{ID: id, Name: name}
	r.inRange[id] = near
}

func (r *fakeRoster) remove(id protocol.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	delete(r.inRange, id)
}

func (r *fakeRoster) Find(id protocol.Identity) (exchange.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *fakeRoster) FindByName(name string) (exchange.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Name == name {
			return p, true
		}
	}
	return exchange.Peer{}, false
}

func (r *fakeRoster) InRange(id protocol.Identity, maxDistance float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inRange[id]
}

type fakeTransport struct {
	mu       sync.Mutex
	opens    []protocol.Identity
	accepts  int
	confirms int
	declines int
	added    []item.Item
}

func (t *fakeTransport) Open(ctx context.Context, counterparty protocol.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens = append(t.opens, counterparty)
	return nil
}

func (t *fakeTransport) Accept(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accepts++
	return nil
}

func (t *fakeTransport) Confirm(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirms++
	return nil
}

func (t *fakeTransport) Decline(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.declines++
	return nil
}

func (t *fakeTransport) AddItem(ctx context.Context, unit item.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added = append(t.added, unit)
	return nil
}

func (t *fakeTransport) openCount(id protocol.Identity) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, o := range t.opens {
		if o == id {
			n++
		}
	}
	return n
}

func (t *fakeTransport) acceptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepts
}

func (t *fakeTransport) confirmCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirms
}

func (t *fakeTransport) declineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.declines
}

func (t *fakeTransport) addedItems() []item.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]item.Item, len(t.added))
	copy(out, t.added)
	return out
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent map[protocol.Identity][]string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: make(map[protocol.Identity][]string)}
}

func (m *fakeMessenger) Tell(counterparty protocol.Identity, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[counterparty] = append(m.sent[counterparty], text)
}

func (m *fakeMessenger) count(id protocol.Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent[id])
}

func (m *fakeMessenger) messages(id protocol.Identity) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent[id]))
	copy(out, m.sent[id])
	return out
}

type fakeInventory struct {
	mu      sync.Mutex
	items   []item.Item
	bags    []item.Container
	moved   []item.Item
	changes chan custody.Change
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{changes: make(chan custody.Change, 16)}
}

func (f *fakeInventory) Items() []item.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]item.Item(nil), f.items...)
}

func (f *fakeInventory) Containers() []item.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]item.Container(nil), f.bags...)
}

func (f *fakeInventory) MoveContents(ctx context.Context, bag item.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved = append(f.moved, bag)
	return nil
}

func (f *fakeInventory) Changes() <-chan custody.Change {
	return f.changes
}

// receive simulates a counterparty's unit landing in custody.
func (f *fakeInventory) receive(u item.Item) {
	f.mu.Lock()
	f.items = append(f.items, u)
	f.mu.Unlock()
	f.changes <- custody.Change{Kind: custody.ChangeAdded, Unit: u}
}

// =============================================================================
// Fixtures
// =============================================================================

func testStore(t *testing.T) *recovery.Store {
	t.Helper()
	store, err := recovery.Open(recovery.StoreConfig{
		DBPath: t.TempDir() + "/recovery.db",
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testTracker(t *testing.T) *custody.Tracker {
	t.Helper()
	tracker, err := custody.NewTracker(custody.TrackerConfig{
		ToolNamePatterns: []string{"*grinder*"},
	}, slog.Default())
	require.NoError(t, err)
	return tracker
}

func passthroughProcessor() pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, units []item.Item) (pipeline.BatchResult, error) {
		return pipeline.BatchResult{Results: units, Processed: len(units)}, nil
	})
}
