package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adalundhe/tradesmith/core/protocol"
)

// =============================================================================
// Exchange Queue
// =============================================================================

// QueueEntry is one waiting counterparty.
type QueueEntry struct {
	Counterparty protocol.Identity
	Name         string
	RequestedAt  time.Time
	LastPosition Position
}

// Wait returns how long the entry has been queued.
func (e QueueEntry) Wait() time.Duration {
	return time.Since(e.RequestedAt)
}

// Queue is the FIFO of counterparties waiting for the processing slot.
// Enqueue is idempotent per counterparty; Dequeue skips entries that fail
// the caller's readiness check rather than re-queueing them at the tail.
// A skipped counterparty must re-request.
type Queue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue adds a counterparty. If they are already waiting it returns their
// existing 1-based position and ErrAlreadyQueued instead of re-queueing.
func (q *Queue) Enqueue(counterparty protocol.Identity, name string, pos Position) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Counterparty == counterparty {
			return i + 1, ErrAlreadyQueued
		}
	}
	q.entries = append(q.entries, QueueEntry{
		Counterparty: counterparty,
		Name:         name,
		RequestedAt:  time.Now(),
		LastPosition: pos,
	})
	return len(q.entries), nil
}

// Dequeue pops entries until ready returns true for one, returning that
// entry. Entries failing the check are dropped, not reordered. Returns
// false when the queue empties without a ready entry.
func (q *Queue) Dequeue(ready func(QueueEntry) bool) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) > 0 {
		head := q.entries[0]
		q.entries = q.entries[1:]
		if ready == nil || ready(head) {
			return head, true
		}
	}
	return QueueEntry{}, false
}

// Remove deletes a counterparty from the queue, e.g. when they decline
// while waiting. Reports whether an entry was removed.
func (q *Queue) Remove(counterparty protocol.Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Counterparty == counterparty {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns a counterparty's 1-based position and wait duration.
func (q *Queue) Position(counterparty protocol.Identity) (int, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Counterparty == counterparty {
			return i + 1, e.Wait(), true
		}
	}
	return 0, 0, false
}

// Contains reports whether the counterparty is waiting.
func (q *Queue) Contains(counterparty protocol.Identity) bool {
	_, _, ok := q.Position(counterparty)
	return ok
}

// Len returns the number of waiting counterparties.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Status renders the queue for the command layer.
func (q *Queue) Status() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return "queue is empty"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d waiting:", len(q.entries))
	for i, e := range q.entries {
		fmt.Fprintf(&b, " %d. %s (%s)", i+1, e.Name, e.Wait().Round(time.Second))
	}
	return b.String()
}
