package connection

import "sync"

// registry is an ordered table of subscribed handlers. Handlers are
// notified in subscription order; cancellation removes by token and is
// idempotent.
type registry[H any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscription[H]
}

type subscription[H any] struct {
	token   uint64
	handler H
}

func (r *registry[H]) add(handler H) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs = append(r.subs, subscription[H]{token: r.next, handler: handler})
	return r.next
}

func (r *registry[H]) remove(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.token == token {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// snapshot returns the handlers in subscription order. Callers invoke
// them outside the registry lock so a handler may subscribe or cancel.
func (r *registry[H]) snapshot() []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]H, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.handler
	}
	return out
}

func (r *registry[H]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = nil
}
