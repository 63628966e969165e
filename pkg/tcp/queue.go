package tcp

import "container/list"

// Listen/accept queue management. All functions here run with the
// listener's mu held; children are referenced by handle.

func (t *TCB) initQueues(backlog int) {
	t.listenQueue = list.New()
	t.acceptQueue = list.New()
	t.acceptBacklog = 0
	t.backlog = backlog
}

// acceptQueueFull reports whether another completed handshake would exceed
// the backlog.
func (t *TCB) acceptQueueFull() bool {
	return t.acceptBacklog >= t.backlog
}

// listenQueueFull reports whether the listener holds backlog half-open children.
func (t *TCB) listenQueueFull() bool {
	return t.listenQueue.Len() >= t.backlog
}

// unlinkChild removes c from whichever of t's queues holds it.
func (t *TCB) unlinkChild(c *TCB) {
	if c.queue == nil {
		return
	}
	c.queue.Remove(c.elem)
	if c.queue == t.acceptQueue {
		t.acceptBacklog--
	}
	c.queue = nil
	c.elem = nil
}

// listenEnqueue appends a half-open child to the listen queue.
func (t *TCB) listenEnqueue(c *TCB) {
	t.unlinkChild(c)
	c.elem = t.listenQueue.PushBack(c.handle)
	c.queue = t.listenQueue
}

// acceptEnqueue moves c to the tail of the accept queue.
func (t *TCB) acceptEnqueue(c *TCB) {
	t.unlinkChild(c)
	c.elem = t.acceptQueue.PushBack(c.handle)
	c.queue = t.acceptQueue
	t.acceptBacklog++
}

// acceptDequeue pops the oldest established child and detaches it from t.
// The returned TCB carries a reference for the caller. The queue must be
// non-empty.
func (t *TCB) acceptDequeue() *TCB {
	for t.acceptQueue.Len() > 0 {
		e := t.acceptQueue.Front()
		h := t.acceptQueue.Remove(e).(Handle)
		t.acceptBacklog--

		c := t.stack.arena.get(h)
		if c == nil {
			continue
		}
		c.elem = nil
		c.queue = nil
		c.detached.Store(true)
		return c
	}
	return nil
}

// drainQueues resets and destroys every queued child. Used when the listener
// closes.
func (t *TCB) drainQueues() {
	for _, q := range []*list.List{t.listenQueue, t.acceptQueue} {
		if q == nil {
			continue
		}
		for q.Len() > 0 {
			h := q.Remove(q.Front()).(Handle)
			c := t.stack.arena.get(h)
			if c == nil {
				continue
			}
			c.mu.Lock()
			c.elem = nil
			c.queue = nil
			c.detached.Store(true)
			c.log.WithFields(c.fields()).Info("listener closed, resetting queued connection")
			c.sendRst()
			c.destroy(nil, ErrConnReset)
			c.unlockAndFlush()
			c.Put()
		}
	}
	t.acceptBacklog = 0
}
