package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/pipeline"
	"github.com/adalundhe/tradesmith/core/protocol"
	"github.com/adalundhe/tradesmith/core/recovery"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultSettleDelay    = 2 * time.Second
	DefaultEventBuffer    = 64
	DefaultHistoryEntries = 128
)

// OrchestratorConfig identifies the agent and tunes the dispatcher.
type OrchestratorConfig struct {
	// Identity is the agent's own protocol identity, used to filter the
	// protocol's echoes of the agent's own actions.
	Identity protocol.Identity `yaml:"identity"`

	// Name is the agent's display name.
	Name string `yaml:"name"`

	// SettleDelay bounds how long the agent waits after a session finishes
	// for custody-change notifications to land before scanning custody.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// EventBuffer sizes the inbound protocol event channel.
	EventBuffer int `yaml:"event_buffer"`

	// HistoryEntries caps the retained terminal-session history.
	HistoryEntries int `yaml:"history_entries"`

	Delivery DeliveryConfig `yaml:"delivery"`
}

// DefaultOrchestratorConfig returns stock dispatcher settings. Identity and
// Name have no useful defaults and must come from configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SettleDelay:    DefaultSettleDelay,
		EventBuffer:    DefaultEventBuffer,
		HistoryEntries: DefaultHistoryEntries,
		Delivery:       DefaultDeliveryConfig(),
	}
}

func normalizeOrchestratorConfig(cfg OrchestratorConfig) OrchestratorConfig {
	def := DefaultOrchestratorConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.HistoryEntries <= 0 {
		cfg.HistoryEntries = def.HistoryEntries
	}
	cfg.Delivery = normalizeDeliveryConfig(cfg.Delivery)
	return cfg
}

// Deps are the orchestrator's external collaborators.
type Deps struct {
	Roster    Roster
	Transport Transport
	Messenger Messenger
	Inventory custody.Inventory
	Processor pipeline.Processor
	Tracker   *custody.Tracker
	Guard     *custody.Guard
	Store     *recovery.Store
	Log       *slog.Logger

	// Audit receives one entry per custody-changing transaction. Nil means
	// no transaction log.
	Audit *slog.Logger
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns the per-counterparty session table, the processing
// gate, the waiting queue, and the delivery engine. Every inbound protocol
// event is serialized through a single dispatch goroutine so no two
// counterparties' admission checks can interleave.
type Orchestrator struct {
	config OrchestratorConfig

	gate   *Gate
	queue  *Queue
	engine *DeliveryEngine

	roster    Roster
	transport Transport
	messenger Messenger
	inventory custody.Inventory
	processor pipeline.Processor
	tracker   *custody.Tracker
	guard     *custody.Guard
	store     *recovery.Store
	log       *slog.Logger
	audit     *slog.Logger

	mu       sync.Mutex
	sessions map[protocol.Identity]*Session
	history  []Session

	events  chan protocol.Event
	closed  atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator builds an orchestrator and its internal gate, queue, and
// delivery engine.
func NewOrchestrator(cfg OrchestratorConfig, deps Deps) *Orchestrator {
	cfg = normalizeOrchestratorConfig(cfg)
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = slog.New(slog.DiscardHandler)
	}

	o := &Orchestrator{
		config:    cfg,
		gate:      NewGate(),
		queue:     NewQueue(),
		roster:    deps.Roster,
		transport: deps.Transport,
		messenger: deps.Messenger,
		inventory: deps.Inventory,
		processor: deps.Processor,
		tracker:   deps.Tracker,
		guard:     deps.Guard,
		store:     deps.Store,
		log:       deps.Log,
		audit:     deps.Audit,
		sessions:  make(map[protocol.Identity]*Session),
		events:    make(chan protocol.Event, cfg.EventBuffer),
	}
	o.engine = NewDeliveryEngine(
		cfg.Delivery,
		o.gate,
		o.queue,
		deps.Roster,
		deps.Transport,
		deps.Messenger,
		deps.Tracker,
		deps.Store,
		o.onSlotFreed,
		deps.Log,
	)
	return o
}

// Start launches the dispatch and custody-watch goroutines. Safe to call
// once; subsequent calls no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(2)
	go o.dispatchLoop(ctx)
	go o.custodyLoop(ctx)
}

// Stop shuts the orchestrator down: timers stop, in-flight pending returns
// persist for reclaim, and the dispatch goroutines exit.
func (o *Orchestrator) Stop() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.engine.Stop()
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

// HandleEvent queues an inbound protocol event for dispatch. Events arriving
// after Stop are dropped.
func (o *Orchestrator) HandleEvent(ev protocol.Event) {
	if o.closed.Load() {
		return
	}
	select {
	case o.events <- ev:
	default:
		// The buffer filling means the dispatcher is wedged; dropping with
		// a log beats blocking the transport's delivery goroutine.
		o.log.Error("event buffer full, dropping event", slog.String("event", ev.String()))
	}
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.dispatch(ctx, ev)
		}
	}
}

// dispatch routes one event. A panic anywhere below must not leave the
// processing slot occupied by a dead session, so recovery resets the gate,
// closes the intake window, and serves the queue.
func (o *Orchestrator) dispatch(ctx context.Context, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic during event dispatch",
				slog.String("event", ev.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			o.recoverFromFault(true)
		}
	}()

	switch ev.Kind {
	case protocol.EventKindOpened:
		o.onOpened(ctx, ev)
	case protocol.EventKindAccepted:
		o.onPeerAccepted(ctx, ev)
	case protocol.EventKindConfirmed:
		o.onPeerConfirmed(ctx, ev)
	case protocol.EventKindFinished:
		o.onFinished(ctx)
	case protocol.EventKindDeclined:
		o.onDeclined(ctx, ev)
	default:
		o.log.Warn("unknown protocol event kind", slog.Int("kind", int(ev.Kind)))
	}
}

func (o *Orchestrator) custodyLoop(ctx context.Context) {
	defer o.wg.Done()
	changes := o.inventory.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if ch.Kind != custody.ChangeAdded {
				continue
			}
			if err := o.tracker.ObserveIntake(ch.Unit); err != nil {
				// Custody changes outside an intake window are routine:
				// processing output, manual inventory shuffling.
				continue
			}
		}
	}
}

// =============================================================================
// Session Events
// =============================================================================

// onOpened is the admission decision: one atomic check-and-set against the
// gate decides between a fresh intake, a return continuation, a busy notice,
// and the queue.
func (o *Orchestrator) onOpened(ctx context.Context, ev protocol.Event) {
	counterparty := ev.Counterparty
	if counterparty.IsNone() || counterparty == o.config.Identity {
		return
	}
	if s := o.activeSession(counterparty); s != nil {
		// Window already open with them; a duplicate opened event is a
		// protocol echo.
		o.log.Debug("duplicate opened event ignored",
			slog.String("counterparty", counterparty.String()),
			slog.String("failure", FailureProtocolRace.String()),
		)
		return
	}

	name := counterparty.String()
	var position Position
	if peer, found := o.roster.Find(counterparty); found {
		name = peer.Name
		position = peer.Position
	}

	if acquired, holder := o.gate.TryAcquire(counterparty, StateProcessing); acquired {
		o.admitIntake(counterparty, name)
		return
	} else if holder == counterparty {
		state, _ := o.gate.State()
		if state == StateReturning && o.engine.HasPending(counterparty) {
			o.admitReturn(ctx, counterparty, name)
			return
		}
		o.messenger.Tell(counterparty, "Your previous request is still being handled, hold on.")
		o.declineWindow(ctx, counterparty)
		return
	}

	// Someone else holds the slot; queue them.
	pos, err := o.queue.Enqueue(counterparty, name, position)
	switch err {
	case nil:
		o.messenger.Tell(counterparty, fmt.Sprintf(
			"I am busy with another exchange. You are number %d in line; I will open a session when it is your turn.", pos))
	case ErrAlreadyQueued:
		wait := time.Duration(0)
		if p, w, ok := o.queue.Position(counterparty); ok {
			pos, wait = p, w
		}
		o.messenger.Tell(counterparty, fmt.Sprintf(
			"You are already in line at position %d (waiting %s).", pos, wait.Round(time.Second)))
	default:
		o.log.Error("failed to enqueue counterparty",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
	o.declineWindow(ctx, counterparty)
}

func (o *Orchestrator) admitIntake(counterparty protocol.Identity, name string) {
	o.tracker.Snapshot(o.inventory.Items(), o.inventory.Containers())
	o.tracker.BeginIntake(counterparty)

	s := newSession(counterparty, name, KindIntake)
	o.mu.Lock()
	o.sessions[counterparty] = s
	o.mu.Unlock()

	o.log.Info("exchange session admitted",
		slog.String("counterparty", counterparty.String()),
		slog.String("name", name),
		slog.String("session", s.ID),
	)
	o.audit.Info("session opened",
		slog.String("counterparty", name),
		slog.String("session", s.ID),
	)
}

func (o *Orchestrator) admitReturn(ctx context.Context, counterparty protocol.Identity, name string) {
	s := newSession(counterparty, name, KindReturn)
	o.mu.Lock()
	o.sessions[counterparty] = s
	o.mu.Unlock()

	o.log.Info("return session opened",
		slog.String("counterparty", counterparty.String()),
		slog.String("session", s.ID),
	)
	if err := o.engine.StageReturn(ctx, counterparty); err != nil {
		o.log.Warn("failed to stage return units",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
}

// declineWindow refuses the session window the counterparty just opened.
// The transport holds a single window at a time, so a window the agent will
// not serve must be closed rather than left dangling.
func (o *Orchestrator) declineWindow(ctx context.Context, counterparty protocol.Identity) {
	if err := o.transport.Decline(ctx); err != nil {
		o.log.Warn("failed to decline session window",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
}

// onPeerAccepted reacts to an accept event. The protocol echoes the agent's
// own accept back, so the stated actor decides: the agent's identity is a
// self-echo and is dropped; the counterparty's identity drives the agent's
// answering accept.
func (o *Orchestrator) onPeerAccepted(ctx context.Context, ev protocol.Event) {
	actor, ok := o.filterEcho(ev)
	if !ok {
		return
	}
	s := o.activeSession(actor)
	if s == nil {
		o.log.Debug("accept event with no active session",
			slog.String("actor", actor.String()),
		)
		return
	}
	if err := s.transition(SessionAccepted); err != nil {
		o.log.Warn("accept out of order",
			slog.String("session", s.ID),
			slog.String("state", s.State.String()),
		)
		return
	}
	if err := o.transport.Accept(ctx); err != nil {
		o.log.Error("failed to answer accept", slog.Any("error", err))
	}
}

// onPeerConfirmed mirrors onPeerAccepted for the confirm step. The agent
// always answers the counterparty's confirmation rather than racing it.
func (o *Orchestrator) onPeerConfirmed(ctx context.Context, ev protocol.Event) {
	actor, ok := o.filterEcho(ev)
	if !ok {
		return
	}
	s := o.activeSession(actor)
	if s == nil {
		o.log.Debug("confirm event with no active session",
			slog.String("actor", actor.String()),
		)
		return
	}
	if err := s.transition(SessionConfirmed); err != nil {
		o.log.Warn("confirm out of order",
			slog.String("session", s.ID),
			slog.String("state", s.State.String()),
		)
		return
	}
	if err := o.transport.Confirm(ctx); err != nil {
		o.log.Error("failed to answer confirm", slog.Any("error", err))
	}
}

// filterEcho applies the self-echo filter and returns the counterparty
// actor, or ok=false when the event should be dropped.
func (o *Orchestrator) filterEcho(ev protocol.Event) (protocol.Identity, bool) {
	if !ev.HasActor {
		o.log.Debug("event without actor dropped", slog.String("event", ev.String()))
		return protocol.None, false
	}
	if ev.Actor == o.config.Identity {
		// The agent's own action reflected back.
		return protocol.None, false
	}
	return ev.Actor, true
}

// onFinished completes the active session. For an intake that means
// screening, processing, and beginning the return; for a return it means
// the units changed hands and the slot frees.
func (o *Orchestrator) onFinished(ctx context.Context) {
	_, active := o.gate.State()
	if active.IsNone() {
		o.log.Debug("finished event with no active counterparty")
		return
	}
	s := o.activeSession(active)
	if s == nil {
		o.log.Error("gate held with no session, resetting",
			slog.String("counterparty", active.String()),
			slog.String("failure", FailureConsistency.String()),
		)
		o.recoverFromFault(true)
		return
	}
	if err := s.transition(SessionFinished); err != nil {
		o.log.Warn("finish out of order",
			slog.String("session", s.ID),
			slog.String("state", s.State.String()),
		)
	}
	o.retireSession(active)

	switch s.Kind {
	case KindIntake:
		// Settling and the processing round-trips can take minutes; they run
		// off the dispatch goroutine so events keep flowing in the meantime.
		// Admission stays serialized because the slot is already held for
		// this counterparty until the return episode ends.
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("panic during intake completion",
						slog.String("session", s.ID),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					o.recoverFromFault(true)
				}
			}()
			o.completeIntake(ctx, s)
		}()
	case KindReturn:
		o.engine.OnCompleted(s.Counterparty)
		o.tracker.EndIntake()
		o.gate.Release(s.Counterparty)
		o.log.Info("exchange complete",
			slog.String("counterparty", s.Counterparty.String()),
		)
		o.audit.Info("units returned",
			slog.String("counterparty", s.Name),
			slog.String("session", s.ID),
		)
		o.drainQueue(ctx)
	}
}

// completeIntake runs once the counterparty's units have fully landed:
// settle, screen for duplicates, process, and hand the results to the
// delivery engine. Runs on its own goroutine, holding the processing slot
// the whole way; the settle delay is the one deliberate bounded pause in
// the pipeline.
func (o *Orchestrator) completeIntake(ctx context.Context, s *Session) {
	counterparty := s.Counterparty

	select {
	case <-ctx.Done():
		return
	case <-time.After(o.config.SettleDelay):
	}

	// The intake window stays open until the return episode ends: the
	// send-time protection check needs the record of what this counterparty
	// handed over, or their own tool-named units would be withheld from an
	// as-received return.
	intake := o.tracker.IntakeItems()
	if len(intake) == 0 {
		o.log.Info("session finished with nothing received",
			slog.String("counterparty", counterparty.String()),
		)
		o.tracker.EndIntake()
		o.gate.Release(counterparty)
		o.drainQueue(ctx)
		return
	}

	containers := o.intakeContainers(intake)
	if result := o.guard.Check(containers); !result.OK {
		o.beginReturn(counterparty, s.Name, intake, result.Reason())
		return
	}

	for _, c := range containers {
		if err := o.inventory.MoveContents(ctx, c.Bag); err != nil {
			o.log.Error("failed to unpack transfer container",
				slog.String("bag", c.Bag.Key()),
				slog.Any("error", err),
			)
			o.beginReturn(counterparty, s.Name,
				intake, "I could not unpack your containers, so I am returning everything as received.")
			return
		}
	}

	batch, err := o.processor.ProcessBatch(ctx, intake)
	if err != nil {
		o.log.Error("batch processing failed",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
		o.beginReturn(counterparty, s.Name,
			intake, "Processing failed on my side, so I am returning your units as received.")
		return
	}

	o.log.Info("batch processed",
		slog.String("counterparty", counterparty.String()),
		slog.Int("received", len(intake)),
		slog.Int("processed", batch.Processed),
		slog.Int("results", len(batch.Results)),
	)
	o.audit.Info("batch processed",
		slog.String("counterparty", s.Name),
		slog.Int("received", len(intake)),
		slog.Int("processed", batch.Processed),
		slog.Int("results", len(batch.Results)),
	)
	o.beginReturn(counterparty, s.Name, batch.Results, "")
}

// intakeContainers pairs received grouping units with their scanned
// contents from the custody layer.
func (o *Orchestrator) intakeContainers(intake []item.Item) []item.Container {
	known := make(map[string]item.Container)
	for _, c := range o.inventory.Containers() {
		known[c.Bag.Key()] = c
	}

	var out []item.Container
	for _, u := range intake {
		if !u.IsContainer() {
			continue
		}
		if c, ok := known[u.Key()]; ok {
			out = append(out, c)
		} else {
			out = append(out, item.Container{Bag: u})
		}
	}
	return out
}

// beginReturn flips the slot from Processing to Returning and hands the
// units to the delivery engine.
func (o *Orchestrator) beginReturn(counterparty protocol.Identity, name string, units []item.Item, reason string) {
	if err := o.gate.Transition(counterparty, StateReturning); err != nil {
		o.log.Error("failed to enter returning state",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
		o.recoverFromFault(true)
		return
	}
	if err := o.engine.Begin(counterparty, name, units, reason); err != nil {
		o.log.Error("failed to begin return delivery",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
}

// onDeclined resolves a decline. The event may carry no usable actor; the
// gate's active counterparty is the fallback, and with neither this is a
// consistency fault handled by a forced reset.
func (o *Orchestrator) onDeclined(ctx context.Context, ev protocol.Event) {
	target := protocol.None
	if ev.HasActor && ev.Actor != o.config.Identity {
		target = ev.Actor
	}
	if target.IsNone() {
		if _, active := o.gate.State(); !active.IsNone() {
			target = active
		}
	}
	if target.IsNone() {
		o.log.Error("declined event with no resolvable counterparty, resetting",
			slog.String("failure", FailureConsistency.String()),
		)
		o.recoverFromFault(false)
		return
	}

	s := o.activeSession(target)
	if s != nil {
		if err := s.transition(SessionDeclined); err == nil {
			o.retireSession(target)
		}
	}

	if o.gate.HeldBy(target) {
		state, _ := o.gate.State()
		if state == StateReturning && o.engine.HasPending(target) {
			// Return refusal enters the retry policy; the relationship is
			// not over and the slot stays held.
			o.engine.OnDeclined(target)
			return
		}
		// Active intake declined: free the slot but leave the queue alone.
		// The agent is available again, not obligated to serve the line
		// because this session fell through.
		o.tracker.EndIntake()
		o.gate.Release(target)
		o.log.Info("active session declined",
			slog.String("counterparty", target.String()),
		)
		return
	}

	if o.queue.Remove(target) {
		o.log.Info("queued counterparty withdrew",
			slog.String("counterparty", target.String()),
		)
	}
}

// =============================================================================
// Queue Service
// =============================================================================

// drainQueue serves the next waiting counterparty who is still discoverable
// and in range; anyone who fails the check at dequeue time is dropped and
// must re-request.
func (o *Orchestrator) drainQueue(ctx context.Context) {
	entry, ok := o.queue.Dequeue(func(e QueueEntry) bool {
		return o.roster.InRange(e.Counterparty, o.engine.Policy().ProximityRange)
	})
	if !ok {
		return
	}

	o.messenger.Tell(entry.Counterparty, "It is your turn; opening an exchange session with you now.")
	if err := o.transport.Open(ctx, entry.Counterparty); err != nil {
		o.log.Warn("failed to open session for dequeued counterparty",
			slog.String("counterparty", entry.Counterparty.String()),
			slog.Any("error", err),
		)
	}
}

// onSlotFreed is the delivery engine's callback after a return episode
// releases the slot. The episode is over however it ended, so the intake
// window that fed it closes here; an already-closed window is a no-op.
func (o *Orchestrator) onSlotFreed(counterparty protocol.Identity, drain bool) {
	o.tracker.EndIntake()
	o.retireSession(counterparty)
	if drain && !o.closed.Load() {
		o.drainQueue(context.Background())
	}
}

// =============================================================================
// Session Table
// =============================================================================

func (o *Orchestrator) activeSession(counterparty protocol.Identity) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[counterparty]
	if !ok || s.State.IsTerminal() {
		return nil
	}
	return s
}

// retireSession moves a counterparty's session out of the live table into
// the bounded history ring.
func (o *Orchestrator) retireSession(counterparty protocol.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[counterparty]
	if !ok {
		return
	}
	delete(o.sessions, counterparty)
	if s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
	}
	o.history = append(o.history, *s)
	if len(o.history) > o.config.HistoryEntries {
		o.history = o.history[len(o.history)-o.config.HistoryEntries:]
	}
}

// ActiveSessions returns copies of every live session.
func (o *Orchestrator) ActiveSessions() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, *s)
	}
	return out
}

// History returns copies of recently retired sessions, oldest first.
func (o *Orchestrator) History() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Session, len(o.history))
	copy(out, o.history)
	return out
}

// =============================================================================
// Command Surface
// =============================================================================

// StartExchange opens a session window with the counterparty on request.
func (o *Orchestrator) StartExchange(ctx context.Context, counterparty protocol.Identity) error {
	if o.closed.Load() {
		return ErrOrchestratorClosed
	}
	return o.transport.Open(ctx, counterparty)
}

// Enqueue adds a counterparty to the waiting line and tells them where
// they stand.
func (o *Orchestrator) Enqueue(counterparty protocol.Identity, name string, position Position) (int, error) {
	if o.closed.Load() {
		return 0, ErrOrchestratorClosed
	}
	if o.gate.HeldBy(counterparty) {
		return 0, ErrSlotBusy
	}
	return o.queue.Enqueue(counterparty, name, position)
}

// ApplyDeliveryConfig swaps in a new delivery retry and timeout policy
// without a restart. Decisions made after the call use the new policy.
func (o *Orchestrator) ApplyDeliveryConfig(cfg DeliveryConfig) {
	o.engine.SetPolicy(cfg)
}

// QueueStatus renders the waiting line.
func (o *Orchestrator) QueueStatus() string {
	return o.queue.Status()
}

// State returns the gate state and the counterparty holding the slot.
func (o *Orchestrator) State() (BotState, protocol.Identity) {
	return o.gate.State()
}

// Queued reports whether the counterparty is waiting in line.
func (o *Orchestrator) Queued(counterparty protocol.Identity) bool {
	return o.queue.Contains(counterparty)
}

// ReturnRequest serves an explicit reclaim: resolve the requester, take the
// slot, claim the stored record, and start delivery. The record is claimed
// only after the slot is held so a failed claim cannot strand the units.
func (o *Orchestrator) ReturnRequest(ctx context.Context, ownerKey string) (bool, error) {
	if o.closed.Load() {
		return false, ErrOrchestratorClosed
	}

	peer, found := o.roster.FindByName(ownerKey)
	if !found {
		return false, nil
	}

	acquired, holder := o.gate.TryAcquire(peer.ID, StateReturning)
	if !acquired {
		if holder != peer.ID {
			o.messenger.Tell(peer.ID, "I am busy with another exchange; ask again in a little while.")
			return false, ErrSlotBusy
		}
		return false, ErrSlotBusy
	}

	units, claimed, err := o.store.TryClaim(ctx, ownerKey)
	if err != nil {
		o.gate.Release(peer.ID)
		return false, err
	}
	if !claimed {
		o.gate.Release(peer.ID)
		return false, nil
	}

	o.log.Info("recovery record claimed",
		slog.String("owner", ownerKey),
		slog.String("counterparty", peer.ID.String()),
		slog.Int("units", len(units)),
	)
	o.audit.Info("recovery record claimed",
		slog.String("owner", ownerKey),
		slog.Int("units", len(units)),
	)
	if err := o.engine.Begin(peer.ID, peer.Name, units,
		"Returning the units you left with me earlier."); err != nil {
		return false, err
	}
	return true, nil
}

// ForceResetState is the admin escape hatch: persist anything still
// pending, clear every table, and put the gate back to Ready.
func (o *Orchestrator) ForceResetState() {
	o.log.Warn("forced state reset requested")
	o.recoverFromFault(false)
}

// recoverFromFault puts the orchestrator back into a servable state after
// a fault: pending returns persist for reclaim, the intake window closes,
// the gate frees, and live sessions retire.
func (o *Orchestrator) recoverFromFault(drain bool) {
	o.engine.FlushPending()
	o.tracker.EndIntake()

	o.mu.Lock()
	live := make([]protocol.Identity, 0, len(o.sessions))
	for id := range o.sessions {
		live = append(live, id)
	}
	o.mu.Unlock()
	for _, id := range live {
		o.retireSession(id)
	}

	o.gate.ForceReset()
	if drain && !o.closed.Load() {
		o.drainQueue(context.Background())
	}
}
