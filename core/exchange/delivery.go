package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/item"
	"github.com/adalundhe/tradesmith/core/protocol"
	"github.com/adalundhe/tradesmith/core/recovery"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultProximityRange       = 10.0
	DefaultPeerRetryInterval    = 30 * time.Second
	DefaultTooFarRetryInterval  = 15 * time.Second
	DefaultTooFarNotifyCooldown = 2 * time.Minute
	DefaultMaxDeclineRetries    = 50
	DefaultShortRetryDelay      = 15 * time.Second
	DefaultShortRetryAttempts   = 3
	DefaultLongRetryDelay       = 60 * time.Second
	DefaultReturnTimeout        = 30 * time.Minute

	// cooldownCacheSize bounds the too-far notification cache. Far more
	// counterparties than will ever wait at once.
	cooldownCacheSize = 256
)

// DeliveryConfig holds the return-delivery retry and timeout policy.
type DeliveryConfig struct {
	// ProximityRange is the maximum distance at which units change hands.
	ProximityRange float64 `yaml:"proximity_range"`

	// PeerRetryInterval is the fixed retry interval while the counterparty
	// is not discoverable. Retried indefinitely: absence may be a relog.
	PeerRetryInterval time.Duration `yaml:"peer_retry_interval"`

	// TooFarRetryInterval is the retry interval while the counterparty is
	// discoverable but out of range.
	TooFarRetryInterval time.Duration `yaml:"too_far_retry_interval"`

	// TooFarNotifyCooldown rate-limits "come closer" messages.
	TooFarNotifyCooldown time.Duration `yaml:"too_far_notify_cooldown"`

	// MaxDeclineRetries caps automatic retries after declined returns.
	MaxDeclineRetries int `yaml:"max_decline_retries"`

	// ShortRetryDelay applies to the first ShortRetryAttempts declines,
	// LongRetryDelay after that.
	ShortRetryDelay    time.Duration `yaml:"short_retry_delay"`
	ShortRetryAttempts int           `yaml:"short_retry_attempts"`
	LongRetryDelay     time.Duration `yaml:"long_retry_delay"`

	// ReturnTimeout is how long a pending return may sit unreturned before
	// its units move to the recovery store.
	ReturnTimeout time.Duration `yaml:"return_timeout"`

	// RecordTTL is how long persisted units stay reclaimable.
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// DefaultDeliveryConfig returns the stock retry policy.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		ProximityRange:       DefaultProximityRange,
		PeerRetryInterval:    DefaultPeerRetryInterval,
		TooFarRetryInterval:  DefaultTooFarRetryInterval,
		TooFarNotifyCooldown: DefaultTooFarNotifyCooldown,
		MaxDeclineRetries:    DefaultMaxDeclineRetries,
		ShortRetryDelay:      DefaultShortRetryDelay,
		ShortRetryAttempts:   DefaultShortRetryAttempts,
		LongRetryDelay:       DefaultLongRetryDelay,
		ReturnTimeout:        DefaultReturnTimeout,
		RecordTTL:            recovery.DefaultRecordTTL,
	}
}

func normalizeDeliveryConfig(cfg DeliveryConfig) DeliveryConfig {
	def := DefaultDeliveryConfig()
	if cfg.ProximityRange <= 0 {
		cfg.ProximityRange = def.ProximityRange
	}
	if cfg.PeerRetryInterval <= 0 {
		cfg.PeerRetryInterval = def.PeerRetryInterval
	}
	if cfg.TooFarRetryInterval <= 0 {
		cfg.TooFarRetryInterval = def.TooFarRetryInterval
	}
	if cfg.TooFarNotifyCooldown <= 0 {
		cfg.TooFarNotifyCooldown = def.TooFarNotifyCooldown
	}
	if cfg.MaxDeclineRetries <= 0 {
		cfg.MaxDeclineRetries = def.MaxDeclineRetries
	}
	if cfg.ShortRetryDelay <= 0 {
		cfg.ShortRetryDelay = def.ShortRetryDelay
	}
	if cfg.ShortRetryAttempts <= 0 {
		cfg.ShortRetryAttempts = def.ShortRetryAttempts
	}
	if cfg.LongRetryDelay <= 0 {
		cfg.LongRetryDelay = def.LongRetryDelay
	}
	if cfg.ReturnTimeout <= 0 {
		cfg.ReturnTimeout = def.ReturnTimeout
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	return cfg
}

// =============================================================================
// Pending Return
// =============================================================================

// pendingReturn is one counterparty's units awaiting hand-back. Timers are
// owned here and cancelled when the entry clears, so a late-firing retry
// can never re-open a stale session: every timer carries the generation it
// was armed for and no-ops on mismatch.
type pendingReturn struct {
	counterparty protocol.Identity
	ownerName    string
	units        []item.Item
	deadline     time.Time
	declineCount int
	reason       string
	gen          uint64

	retryTimer   *time.Timer
	timeoutTimer *time.Timer
}

func (p *pendingReturn) cancelTimers() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
		p.timeoutTimer = nil
	}
}

// =============================================================================
// Delivery Engine
// =============================================================================

// slotFreedFunc tells the orchestrator a return episode ended and the slot
// was released; drain reports whether the queue should be served.
type slotFreedFunc func(counterparty protocol.Identity, drain bool)

// DeliveryEngine hands processed units back to their counterparties. It
// owns the pending-return map, every retry and timeout timer, and the
// timeout hand-off to the recovery store.
type DeliveryEngine struct {
	mu      sync.Mutex
	config  DeliveryConfig
	pending map[protocol.Identity]*pendingReturn
	gen     uint64
	closed  bool

	cooldown *expirable.LRU[protocol.Identity, time.Time]

	gate      *Gate
	roster    Roster
	transport Transport
	messenger Messenger
	tracker   *custody.Tracker
	store     *recovery.Store
	queue     *Queue
	slotFreed slotFreedFunc
	log       *slog.Logger
}

// NewDeliveryEngine wires the engine to its collaborators. slotFreed is
// invoked outside the engine lock whenever a return episode releases the
// processing slot.
func NewDeliveryEngine(
	cfg DeliveryConfig,
	gate *Gate,
	queue *Queue,
	roster Roster,
	transport Transport,
	messenger Messenger,
	tracker *custody.Tracker,
	store *recovery.Store,
	slotFreed slotFreedFunc,
	log *slog.Logger,
) *DeliveryEngine {
	cfg = normalizeDeliveryConfig(cfg)
	if log == nil {
		log = slog.Default()
	}
	if slotFreed == nil {
		slotFreed = func(protocol.Identity, bool) {}
	}
	return &DeliveryEngine{
		config:    cfg,
		pending:   make(map[protocol.Identity]*pendingReturn),
		cooldown:  expirable.NewLRU[protocol.Identity, time.Time](cooldownCacheSize, nil, cfg.TooFarNotifyCooldown),
		gate:      gate,
		queue:     queue,
		roster:    roster,
		transport: transport,
		messenger: messenger,
		tracker:   tracker,
		store:     store,
		slotFreed: slotFreed,
		log:       log,
	}
}

// Begin registers units for return to the counterparty, arms the timeout
// monitor, and makes the first delivery attempt. The caller must already
// hold the processing slot for the counterparty in StateReturning.
func (e *DeliveryEngine) Begin(counterparty protocol.Identity, ownerName string, units []item.Item, reason string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrOrchestratorClosed
	}
	if old, ok := e.pending[counterparty]; ok {
		// Re-begin replaces the unit set and restarts the clock.
		old.cancelTimers()
	}

	e.gen++
	p := &pendingReturn{
		counterparty: counterparty,
		ownerName:    ownerName,
		units:        units,
		deadline:     time.Now().Add(e.config.ReturnTimeout),
		reason:       reason,
		gen:          e.gen,
	}
	gen := p.gen
	p.timeoutTimer = time.AfterFunc(e.config.ReturnTimeout, func() {
		e.onTimeout(counterparty, gen)
	})
	e.pending[counterparty] = p
	e.mu.Unlock()

	e.log.Info("pending return created",
		slog.String("counterparty", counterparty.String()),
		slog.String("owner", ownerName),
		slog.Int("units", len(units)),
	)
	return e.AttemptReturn(counterparty)
}

// SetPolicy replaces the retry and timeout policy for decisions made after
// the call. Timers already armed keep the delay they were armed with, and
// the too-far notify cooldown window stays fixed at construction.
func (e *DeliveryEngine) SetPolicy(cfg DeliveryConfig) {
	cfg = normalizeDeliveryConfig(cfg)
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
	e.log.Info("delivery policy updated",
		slog.Float64("proximity_range", cfg.ProximityRange),
		slog.Duration("peer_retry_interval", cfg.PeerRetryInterval),
		slog.Duration("return_timeout", cfg.ReturnTimeout),
	)
}

// Policy returns the current retry and timeout policy.
func (e *DeliveryEngine) Policy() DeliveryConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// HasPending reports whether the counterparty has units awaiting return.
func (e *DeliveryEngine) HasPending(counterparty protocol.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[counterparty]
	return ok
}

// PendingUnits returns a copy of the counterparty's pending unit set.
func (e *DeliveryEngine) PendingUnits(counterparty protocol.Identity) []item.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[counterparty]
	if !ok {
		return nil
	}
	out := make([]item.Item, len(p.units))
	copy(out, p.units)
	return out
}

// AttemptReturn makes one delivery attempt for the counterparty's pending
// units. Also the entry point for the retry drivers; safe to call when the
// return already completed (no-ops on a missing entry unless the gate
// disagrees, which is a consistency fault).
func (e *DeliveryEngine) AttemptReturn(counterparty protocol.Identity) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrOrchestratorClosed
	}
	p, ok := e.pending[counterparty]
	if !ok {
		e.mu.Unlock()
		return e.handleMissingPending(counterparty)
	}
	gen := p.gen
	cfg := e.config
	e.mu.Unlock()

	peer, found := e.roster.Find(counterparty)
	if !found {
		e.log.Debug("counterparty not discoverable, scheduling retry",
			slog.String("counterparty", counterparty.String()),
			slog.String("failure", FailurePeerUnavailable.String()),
		)
		e.scheduleRetry(counterparty, gen, cfg.PeerRetryInterval)
		return nil
	}

	if !e.roster.InRange(counterparty, cfg.ProximityRange) {
		e.notifyTooFar(counterparty, peer.Name, cfg.ProximityRange)
		e.scheduleRetry(counterparty, gen, cfg.TooFarRetryInterval)
		return nil
	}

	if err := e.transport.Open(context.Background(), counterparty); err != nil {
		e.log.Warn("failed to open return session",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
		e.scheduleRetry(counterparty, gen, cfg.PeerRetryInterval)
		return nil
	}

	// The session handshake continues via protocol events; StageReturn runs
	// when the opened event lands.
	return nil
}

// handleMissingPending resolves the consistency fault of a return slot with
// no pending units: reset rather than retry forever.
func (e *DeliveryEngine) handleMissingPending(counterparty protocol.Identity) error {
	if !e.gate.HeldBy(counterparty) {
		// Return already completed; a late retry landed after cleanup.
		return nil
	}
	state, _ := e.gate.State()
	if state != StateReturning {
		return nil
	}

	e.log.Error("return slot held with no pending units, resetting",
		slog.String("counterparty", counterparty.String()),
		slog.String("failure", FailureConsistency.String()),
	)
	e.gate.ForceReset()
	e.messenger.Tell(counterparty,
		"Something went wrong on my side and your exchange state was reset. Please open a new exchange if you are still owed units.")
	e.slotFreed(counterparty, false)
	return ErrNoPendingReturn
}

// StageReturn places every non-protected pending unit into the open session
// window and accepts. Protection is re-checked at send time: custody can
// change between processing completion and delivery.
func (e *DeliveryEngine) StageReturn(ctx context.Context, counterparty protocol.Identity) error {
	e.mu.Lock()
	p, ok := e.pending[counterparty]
	if !ok {
		e.mu.Unlock()
		return ErrNoPendingReturn
	}
	units := make([]item.Item, len(p.units))
	copy(units, p.units)
	gen := p.gen
	reason := p.reason
	cfg := e.config
	e.mu.Unlock()

	outgoing := e.tracker.Transferable(units)
	if skipped := len(units) - len(outgoing); skipped > 0 {
		e.log.Warn("protected units withheld from return",
			slog.String("counterparty", counterparty.String()),
			slog.Int("withheld", skipped),
		)
	}

	for _, u := range outgoing {
		if err := e.transport.AddItem(ctx, u); err != nil {
			e.log.Warn("failed to stage unit, retrying delivery",
				slog.String("unit", u.Key()),
				slog.Any("error", err),
			)
			e.scheduleRetry(counterparty, gen, cfg.PeerRetryInterval)
			return err
		}
	}
	if reason != "" {
		e.messenger.Tell(counterparty, reason)
	}
	if err := e.transport.Accept(ctx); err != nil {
		e.scheduleRetry(counterparty, gen, cfg.PeerRetryInterval)
		return err
	}
	return nil
}

// OnDeclined handles the counterparty refusing a return session: capped
// retries with two-tier backoff, then demotion to manual recovery.
func (e *DeliveryEngine) OnDeclined(counterparty protocol.Identity) {
	e.mu.Lock()
	p, ok := e.pending[counterparty]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.declineCount++
	count := p.declineCount
	gen := p.gen
	cfg := e.config

	if count > cfg.MaxDeclineRetries {
		e.demoteLocked(p)
		e.mu.Unlock()

		e.messenger.Tell(counterparty, fmt.Sprintf(
			"I could not hand your units back after %d attempts. They are held for you; send me a return request to reclaim them.",
			cfg.MaxDeclineRetries))
		e.gate.Release(counterparty)
		e.slotFreed(counterparty, true)
		return
	}
	e.mu.Unlock()

	delay := cfg.ShortRetryDelay
	if count > cfg.ShortRetryAttempts {
		delay = cfg.LongRetryDelay
	}
	e.log.Info("return declined, scheduling retry",
		slog.String("counterparty", counterparty.String()),
		slog.Int("declines", count),
		slog.Duration("delay", delay),
	)
	e.scheduleRetry(counterparty, gen, delay)
}

// demoteLocked persists the units for explicit reclaim and clears the
// pending entry. Caller holds e.mu.
func (e *DeliveryEngine) demoteLocked(p *pendingReturn) {
	p.cancelTimers()
	delete(e.pending, p.counterparty)

	key := ownerKeyFor(p.ownerName, p.counterparty)
	if err := e.store.Save(context.Background(), key, p.counterparty.String(), p.units, e.config.RecordTTL, recovery.KindManual); err != nil {
		e.log.Error("failed to persist demoted return",
			slog.String("owner", key),
			slog.Any("error", err),
		)
	}
	e.log.Warn("return demoted to manual recovery",
		slog.String("counterparty", p.counterparty.String()),
		slog.Int("declines", p.declineCount),
	)
}

// OnCompleted clears the counterparty's pending return after a successful
// hand-back; timers are cancelled so late retries no-op.
func (e *DeliveryEngine) OnCompleted(counterparty protocol.Identity) {
	e.mu.Lock()
	p, ok := e.pending[counterparty]
	if ok {
		p.cancelTimers()
		delete(e.pending, counterparty)
	}
	e.mu.Unlock()

	if ok {
		e.cooldown.Remove(counterparty)
		e.log.Info("return completed", slog.String("counterparty", counterparty.String()))
	}
}

// onTimeout fires when a pending return outlives its deadline: units move
// to the recovery store, queue membership clears, and the counterparty is
// told how to reclaim if they are reachable.
func (e *DeliveryEngine) onTimeout(counterparty protocol.Identity, gen uint64) {
	e.mu.Lock()
	p, ok := e.pending[counterparty]
	if !ok || p.gen != gen {
		e.mu.Unlock()
		return
	}
	p.cancelTimers()
	delete(e.pending, counterparty)
	ownerName := p.ownerName
	units := p.units
	ttl := e.config.RecordTTL
	e.mu.Unlock()

	key := ownerKeyFor(ownerName, counterparty)
	if err := e.store.Save(context.Background(), key, counterparty.String(), units, ttl, recovery.KindTimeout); err != nil {
		e.log.Error("failed to persist timed-out return",
			slog.String("owner", key),
			slog.Any("error", err),
		)
	}
	e.log.Warn("pending return timed out, persisted for reclaim",
		slog.String("counterparty", counterparty.String()),
		slog.String("failure", FailureTimeout.String()),
		slog.Int("units", len(units)),
	)

	e.queue.Remove(counterparty)
	if _, found := e.roster.Find(counterparty); found {
		e.messenger.Tell(counterparty,
			"Your units could not be returned in time and have been stored. Send me a return request to reclaim them.")
	}

	if e.gate.Release(counterparty) {
		e.slotFreed(counterparty, true)
	}
}

// scheduleRetry arms the retry timer for a pending return. A newer
// generation or a cleared entry makes the fired timer a no-op.
func (e *DeliveryEngine) scheduleRetry(counterparty protocol.Identity, gen uint64, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	p, ok := e.pending[counterparty]
	if !ok || p.gen != gen {
		return
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = time.AfterFunc(delay, func() {
		e.retryFire(counterparty, gen)
	})
}

func (e *DeliveryEngine) retryFire(counterparty protocol.Identity, gen uint64) {
	e.mu.Lock()
	p, ok := e.pending[counterparty]
	stale := !ok || p.gen != gen || e.closed
	e.mu.Unlock()

	if stale {
		return
	}
	if err := e.AttemptReturn(counterparty); err != nil {
		e.log.Warn("return retry failed",
			slog.String("counterparty", counterparty.String()),
			slog.Any("error", err),
		)
	}
}

func (e *DeliveryEngine) notifyTooFar(counterparty protocol.Identity, name string, maxRange float64) {
	if _, recently := e.cooldown.Get(counterparty); recently {
		return
	}
	e.cooldown.Add(counterparty, time.Now())
	e.messenger.Tell(counterparty, fmt.Sprintf(
		"%s, I have units to return to you. Please come within %.0fm of me.",
		name, maxRange))
}

// FlushPending persists every pending return for explicit reclaim and
// clears the map. Unlike Stop, the engine stays usable afterwards; this is
// the fault-recovery path where in-flight returns cannot be trusted but
// units must not be lost.
func (e *DeliveryEngine) FlushPending() {
	e.mu.Lock()
	flushed := make([]*pendingReturn, 0, len(e.pending))
	for _, p := range e.pending {
		p.cancelTimers()
		flushed = append(flushed, p)
	}
	e.pending = make(map[protocol.Identity]*pendingReturn)
	ttl := e.config.RecordTTL
	e.mu.Unlock()

	for _, p := range flushed {
		key := ownerKeyFor(p.ownerName, p.counterparty)
		if err := e.store.Save(context.Background(), key, p.counterparty.String(), p.units, ttl, recovery.KindManual); err != nil {
			e.log.Error("failed to persist flushed return",
				slog.String("owner", key),
				slog.Any("error", err),
			)
			continue
		}
		e.log.Warn("pending return flushed to recovery store",
			slog.String("counterparty", p.counterparty.String()),
			slog.Int("units", len(p.units)),
		)
	}
}

// Stop cancels every timer and rejects further work. Pending units are not
// lost: anything still pending is persisted for reclaim, honoring the rule
// that a pending return is never silently dropped.
func (e *DeliveryEngine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	remaining := make([]*pendingReturn, 0, len(e.pending))
	for _, p := range e.pending {
		p.cancelTimers()
		remaining = append(remaining, p)
	}
	e.pending = make(map[protocol.Identity]*pendingReturn)
	ttl := e.config.RecordTTL
	e.mu.Unlock()

	for _, p := range remaining {
		key := ownerKeyFor(p.ownerName, p.counterparty)
		if err := e.store.Save(context.Background(), key, p.counterparty.String(), p.units, ttl, recovery.KindTimeout); err != nil {
			e.log.Error("failed to persist pending return at shutdown",
				slog.String("owner", key),
				slog.Any("error", err),
			)
		}
	}
}

// ownerKeyFor prefers the display name and falls back to a synthetic
// unknown-owner key derived from the protocol identity.
func ownerKeyFor(ownerName string, counterparty protocol.Identity) string {
	if ownerName != "" {
		return ownerName
	}
	return "unknown-owner:" + counterparty.String()
}
