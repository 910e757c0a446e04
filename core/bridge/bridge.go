// Package bridge connects the orchestration engine to a game-side client
// over newline-delimited JSON, typically on the process's stdio. The client
// owns the actual protocol transport, roster, and inventory; the bridge
// mirrors their state locally and relays the agent's actions back.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/pipeline"
	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrBridgeClosed indicates the stream ended or Close was called.
	ErrBridgeClosed = errors.New("bridge is closed")

	// ErrRequestTimeout indicates the client did not answer a request.
	ErrRequestTimeout = errors.New("bridge request timed out")
)

// DefaultRequestTimeout bounds how long the agent waits for the client to
// answer a request before treating the round-trip as failed.
const DefaultRequestTimeout = 2 * time.Minute

// changeBuffer sizes the custody-change channel.
const changeBuffer = 128

// =============================================================================
// Bridge
// =============================================================================

// Engine is the slice of the orchestrator the bridge drives with inbound
// traffic.
type Engine interface {
	HandleEvent(ev protocol.Event)
	QueueStatus() string
	ReturnRequest(ctx context.Context, ownerKey string) (bool, error)
	StartExchange(ctx context.Context, counterparty protocol.Identity) error
	ForceResetState()
}

// Bridge implements the transport, messenger, roster, inventory, and
// processor boundaries over a newline-delimited JSON stream.
type Bridge struct {
	enc   *json.Encoder
	encMu sync.Mutex

	reader io.Reader
	log    *slog.Logger

	mu      sync.Mutex
	self    WirePosition
	peers   map[protocol.Identity]WirePeer
	items   []item.Item
	bags    []item.Container
	pending map[string]chan Envelope
	closed  bool

	changes chan custody.Change
	timeout time.Duration
}

// New wraps a raw stream in a bridge. Run must be started for inbound
// traffic to flow.
func New(r io.Reader, w io.Writer, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		enc:     json.NewEncoder(w),
		reader:  r,
		log:     log,
		peers:   make(map[protocol.Identity]WirePeer),
		pending: make(map[string]chan Envelope),
		changes: make(chan custody.Change, changeBuffer),
		timeout: DefaultRequestTimeout,
	}
}

// Run reads the stream until it ends or the context cancels, dispatching
// each line. Blocks; callers run it on its own goroutine.
func (b *Bridge) Run(ctx context.Context, engine Engine) error {
	defer b.shutdown()

	scanner := bufio.NewScanner(b.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			b.log.Warn("malformed bridge line dropped", slog.Any("error", err))
			continue
		}
		b.handle(ctx, engine, env)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrBridgeClosed
}

func (b *Bridge) handle(ctx context.Context, engine Engine, env Envelope) {
	switch env.Op {
	case OpEvent:
		if env.Event == nil {
			return
		}
		ev, ok := env.Event.Decode()
		if !ok {
			b.log.Warn("unknown event kind dropped", slog.String("kind", env.Event.Kind))
			return
		}
		engine.HandleEvent(ev)

	case OpRoster:
		b.applyRoster(env)

	case OpInventory:
		b.applyInventory(env)

	case OpCustodyChange:
		b.applyCustodyChange(env)

	case OpResult:
		b.resolveResult(env)

	case OpQueueStatus:
		b.reply(env.ID, Envelope{OK: true, Text: engine.QueueStatus()})

	case OpReturnRequest:
		ok, err := engine.ReturnRequest(ctx, env.Owner)
		reply := Envelope{OK: ok}
		if err != nil {
			reply.Error = err.Error()
		}
		b.reply(env.ID, reply)

	case OpStartExchange:
		err := engine.StartExchange(ctx, protocol.Identity(env.Counterparty))
		reply := Envelope{OK: err == nil}
		if err != nil {
			reply.Error = err.Error()
		}
		b.reply(env.ID, reply)

	case OpForceReset:
		engine.ForceResetState()
		b.reply(env.ID, Envelope{OK: true})

	default:
		b.log.Warn("unknown bridge operation dropped", slog.String("op", env.Op))
	}
}

func (b *Bridge) applyRoster(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if env.Self != nil {
		b.self = *env.Self
	}
	b.peers = make(map[protocol.Identity]WirePeer, len(env.Peers))
	for _, p := range env.Peers {
		b.peers[protocol.Identity(p.ID)] = p
	}
}

func (b *Bridge) applyInventory(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = env.Items
	b.bags = env.Containers
}

func (b *Bridge) applyCustodyChange(env Envelope) {
	if env.Unit == nil {
		return
	}
	kind := custody.ChangeAdded
	if env.Change == "removed" {
		kind = custody.ChangeRemoved
	}
	select {
	case b.changes <- custody.Change{Kind: kind, Unit: *env.Unit}:
	default:
		b.log.Warn("custody change dropped, channel full",
			slog.String("unit", env.Unit.Key()),
		)
	}
}

func (b *Bridge) resolveResult(env Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.ID]
	if ok {
		delete(b.pending, env.ID)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Debug("result for unknown request dropped", slog.String("id", env.ID))
		return
	}
	ch <- env
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.closed = true
	waiting := b.pending
	b.pending = make(map[string]chan Envelope)
	b.mu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
	close(b.changes)
}

// =============================================================================
// Outbound
// =============================================================================

func (b *Bridge) send(env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBridgeClosed
	}

	b.encMu.Lock()
	defer b.encMu.Unlock()
	return b.enc.Encode(env)
}

// request sends an envelope carrying an ID and waits for the matching
// result, bounded by the context and the bridge timeout.
func (b *Bridge) request(ctx context.Context, env Envelope) (Envelope, error) {
	env.ID = uuid.NewString()
	ch := make(chan Envelope, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, ErrBridgeClosed
	}
	b.pending[env.ID] = ch
	b.mu.Unlock()

	if err := b.send(env); err != nil {
		b.mu.Lock()
		delete(b.pending, env.ID)
		b.mu.Unlock()
		return Envelope{}, err
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, env.ID)
		b.mu.Unlock()
		return Envelope{}, ctx.Err()
	case <-time.After(b.timeout):
		b.mu.Lock()
		delete(b.pending, env.ID)
		b.mu.Unlock()
		return Envelope{}, ErrRequestTimeout
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, ErrBridgeClosed
		}
		if !reply.OK && reply.Error != "" {
			return reply, fmt.Errorf("bridge request failed: %s", reply.Error)
		}
		return reply, nil
	}
}

func (b *Bridge) reply(id string, env Envelope) {
	if id == "" {
		return
	}
	env.Op = OpResult
	env.ID = id
	if err := b.send(env); err != nil {
		b.log.Warn("failed to send bridge reply", slog.Any("error", err))
	}
}

// =============================================================================
// exchange.Transport
// =============================================================================

func (b *Bridge) Open(ctx context.Context, counterparty protocol.Identity) error {
	return b.send(Envelope{Op: OpOpen, Counterparty: uint32(counterparty)})
}

func (b *Bridge) Accept(ctx context.Context) error {
	return b.send(Envelope{Op: OpAccept})
}

func (b *Bridge) Confirm(ctx context.Context) error {
	return b.send(Envelope{Op: OpConfirm})
}

func (b *Bridge) Decline(ctx context.Context) error {
	return b.send(Envelope{Op: OpDecline})
}

func (b *Bridge) AddItem(ctx context.Context, unit item.Item) error {
	return b.send(Envelope{Op: OpAddItem, Unit: &unit})
}

// =============================================================================
// exchange.Messenger
// =============================================================================

func (b *Bridge) Tell(counterparty protocol.Identity, text string) {
	if err := b.send(Envelope{Op: OpTell, Counterparty: uint32(counterparty), Text: text}); err != nil {
		b.log.Warn("failed to deliver message",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
}

// =============================================================================
// exchange.Roster
// =============================================================================

func (b *Bridge) Find(id protocol.Identity) (exchange.Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return exchange.Peer{}, false
	}
	return toPeer(p), true
}

func (b *Bridge) FindByName(name string) (exchange.Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.peers {
		if strings.EqualFold(p.Name, name) {
			return toPeer(p), true
		}
	}
	return exchange.Peer{}, false
}

func (b *Bridge) InRange(id protocol.Identity, maxDistance float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return false
	}
	dx := p.Position.X - b.self.X
	dy := p.Position.Y - b.self.Y
	dz := p.Position.Z - b.self.Z
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= maxDistance
}

func toPeer(p WirePeer) exchange.Peer {
	return exchange.Peer{
		ID:   protocol.Identity(p.ID),
		Name: p.Name,
		Position: exchange.Position{
			X: p.Position.X,
			Y: p.Position.Y,
			Z: p.Position.Z,
		},
	}
}

// =============================================================================
// custody.Inventory
// =============================================================================

func (b *Bridge) Items() []item.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]item.Item, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Bridge) Containers() []item.Container {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]item.Container, len(b.bags))
	copy(out, b.bags)
	return out
}

func (b *Bridge) MoveContents(ctx context.Context, bag item.Item) error {
	_, err := b.request(ctx, Envelope{Op: OpMoveContents, Unit: &bag})
	return err
}

func (b *Bridge) Changes() <-chan custody.Change {
	return b.changes
}

// =============================================================================
// pipeline.Processor
// =============================================================================

func (b *Bridge) ProcessBatch(ctx context.Context, units []item.Item) (pipeline.BatchResult, error) {
	reply, err := b.request(ctx, Envelope{Op: OpProcessBatch, Items: units})
	if err != nil {
		return pipeline.BatchResult{}, err
	}
	return pipeline.BatchResult{
		Results:   reply.Items,
		Processed: reply.Processed,
	}, nil
}
