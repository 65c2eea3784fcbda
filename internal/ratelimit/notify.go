package ratelimit

import "sync"

// Notify is a single-shot broadcast primitive: any number of goroutines can
// wait for the next Broadcast call. It is the Go-channel translation of the
// waker-slab primitive the spec describes (spec.md §4.C) — a waiter that
// registers and is then abandoned before being woken must deregister itself,
// or the waiter set grows without bound. Go has no destructor to hook this
// on, so Wait returns an explicit cancel func instead.
type Notify struct {
	mu      sync.Mutex
	gen     uint64
	nextID  uint64
	waiters map[uint64]chan struct{}
}

// NewNotify creates an empty Notify.
func NewNotify() *Notify {
	return &Notify{waiters: make(map[uint64]chan struct{})}
}

// Wait registers a new waiter and returns a channel that is closed on the
// next Broadcast, plus a cancel func. If the waiter is not going to be
// waited on after all (e.g. a sibling branch of a select won first), the
// caller must call cancel to deregister it; cancel is a no-op if Broadcast
// already fired for this registration.
func (n *Notify) Wait() (ch <-chan struct{}, cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	gen := n.gen
	c := make(chan struct{})
	n.waiters[id] = c
	n.mu.Unlock()

	cancel = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.gen != gen {
			// Already broadcast and drained; nothing to remove.
			return
		}
		delete(n.waiters, id)
	}
	return c, cancel
}

// Broadcast wakes every currently registered waiter and advances the
// generation, so any in-flight cancel calls for this round become no-ops
// instead of attempting to remove an already-drained entry.
func (n *Notify) Broadcast() {
	n.mu.Lock()
	n.gen++
	waiters := n.waiters
	n.waiters = make(map[uint64]chan struct{}, len(waiters))
	n.mu.Unlock()

	for _, c := range waiters {
		close(c)
	}
}

// Len reports the number of currently registered waiters. Exposed for tests
// verifying the no-leak property (spec.md §8).
func (n *Notify) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}
