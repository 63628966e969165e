package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueMoves(t *testing.T) {
	h := newHarness(t)
	l := h.stack.Socket()
	a, b := h.stack.Socket(), h.stack.Socket()
	l.initQueues(2)

	l.listenEnqueue(a)
	l.listenEnqueue(b)
	assert.True(t, l.listenQueueFull())
	assert.False(t, l.acceptQueueFull())

	l.acceptEnqueue(b)
	l.acceptEnqueue(a)
	assert.Equal(t, 0, l.listenQueue.Len())
	assert.Equal(t, 2, l.acceptBacklog)
	assert.True(t, l.acceptQueueFull())

	// Re-enqueueing moves to the tail without double counting.
	l.acceptEnqueue(b)
	assert.Equal(t, 2, l.acceptBacklog)
	assert.Equal(t, 2, l.acceptQueue.Len())

	first := l.acceptDequeue()
	require.NotNil(t, first)
	assert.Same(t, a, first)
	assert.True(t, a.detached.Load())
	assert.Nil(t, a.queue)

	l.unlinkChild(b)
	assert.Equal(t, 0, l.acceptBacklog)
	assert.Nil(t, l.acceptDequeue())
	first.Put()
}

func TestAcceptDequeueSkipsDestroyed(t *testing.T) {
	h := newHarness(t)
	l := h.stack.Socket()
	a, b := h.stack.Socket(), h.stack.Socket()
	l.initQueues(4)
	l.acceptEnqueue(a)
	l.acceptEnqueue(b)

	a.dead.Store(true)
	got := l.acceptDequeue()
	assert.Same(t, b, got)
	assert.Equal(t, 0, l.acceptBacklog)
	got.Put()
}
