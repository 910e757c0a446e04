package exchange_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/tradesmith/core/exchange"
	"github.com/adalundhe/tradesmith/core/protocol"
)

func TestQueue_FIFO(t *testing.T) {
	q := exchange.NewQueue()

	for i, id := range []protocol.Identity{1, 2, 3} {
		pos, err := q.Enqueue(id, "", exchange.Position{})
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	var order []protocol.Identity
	for {
		e, ok := q.Dequeue(nil)
		if !ok {
			break
		}
		order = append(order, e.Counterparty)
	}
	assert.Equal(t, []protocol.Identity{1, 2, 3}, order)
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	q := exchange.NewQueue()

	_, err := q.Enqueue(1, "ann", exchange.Position{})
	require.NoError(t, err)
	_, err = q.Enqueue(2, "bob", exchange.Position{})
	require.NoError(t, err)

	pos, err := q.Enqueue(2, "bob", exchange.Position{})
	assert.ErrorIs(t, err, exchange.ErrAlreadyQueued)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DequeueSkipsNotReady(t *testing.T) {
	q := exchange.NewQueue()
	for _, id := range []protocol.Identity{1, 2, 3} {
		_, err := q.Enqueue(id, "", exchange.Position{})
		require.NoError(t, err)
	}

	// 1 and 2 fail the readiness check: both are dropped, not reordered.
	e, ok := q.Dequeue(func(e exchange.QueueEntry) bool {
		return e.Counterparty == 3
	})
	require.True(t, ok)
	assert.Equal(t, protocol.Identity(3), e.Counterparty)

	assert.False(t, q.Contains(1))
	assert.False(t, q.Contains(2))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DequeueEmptiesWithoutReady(t *testing.T) {
	q := exchange.NewQueue()
	_, err := q.Enqueue(1, "", exchange.Position{})
	require.NoError(t, err)

	_, ok := q.Dequeue(func(exchange.QueueEntry) bool { return false })
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q := exchange.NewQueue()
	_, err := q.Enqueue(1, "", exchange.Position{})
	require.NoError(t, err)
	_, err = q.Enqueue(2, "", exchange.Position{})
	require.NoError(t, err)

	assert.True(t, q.Remove(1))
	assert.False(t, q.Remove(1))

	pos, _, ok := q.Position(2)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestQueue_Status(t *testing.T) {
	q := exchange.NewQueue()
	assert.Equal(t, "queue is empty", q.Status())

	_, err := q.Enqueue(1, "ann", exchange.Position{})
	require.NoError(t, err)
	assert.Contains(t, q.Status(), "1 waiting")
	assert.Contains(t, q.Status(), "ann")
}
