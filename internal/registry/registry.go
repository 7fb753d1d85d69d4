package registry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/model"
)

// Handle identifies one attached consumer.
type Handle uuid.UUID

// NewHandle returns a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.New())
}

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// Consumer receives events for the channel it is attached to.
// Deliver must not block; it reports whether an older event was evicted.
// Fail ends the consumer's sequence with err.
type Consumer interface {
	Deliver(ev model.Event) (evicted bool)
	Fail(err error)
}

// entry is one subscription. It is never mutated once published.
type entry struct {
	channel   model.ChannelID
	handles   []Handle
	consumers map[Handle]Consumer
}

type snapshot struct {
	entries map[model.ChannelID]*entry
	order   []model.ChannelID // insertion order
}

var empty = &snapshot{entries: map[model.ChannelID]*entry{}}

// Registry owns all subscriptions.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(empty)
	return r
}

// Attach adds consumer to ch under handle. first is true when this created
// the subscription and a wire subscribe must be issued. Attaching an
// already-attached handle only replaces its consumer.
func (r *Registry) Attach(ch model.ChannelID, h Handle, c Consumer) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, exists := cur.entries[ch]

	e := &entry{channel: ch, consumers: make(map[Handle]Consumer, 1)}
	if exists {
		e.handles = make([]Handle, len(old.handles), len(old.handles)+1)
		copy(e.handles, old.handles)
		for k, v := range old.consumers {
			e.consumers[k] = v
		}
	}

	if _, ok := e.consumers[h]; !ok {
		e.handles = append(e.handles, h)
	}
	e.consumers[h] = c

	next := cur.with(ch, e)
	if !exists {
		next.order = append(next.order, ch)
	}
	r.snap.Store(next)
	return !exists
}

// Detach removes handle from ch. last is true when this removed the
// subscription and a wire unsubscribe must be issued. Unknown channels or
// handles are ignored.
func (r *Registry) Detach(ch model.ChannelID, h Handle) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, ok := cur.entries[ch]
	if !ok {
		return false
	}
	if _, ok := old.consumers[h]; !ok {
		return false
	}

	if len(old.consumers) == 1 {
		r.snap.Store(cur.without(ch))
		return true
	}

	e := &entry{
		channel:   ch,
		handles:   make([]Handle, 0, len(old.handles)-1),
		consumers: make(map[Handle]Consumer, len(old.consumers)-1),
	}
	for _, k := range old.handles {
		if k != h {
			e.handles = append(e.handles, k)
			e.consumers[k] = old.consumers[k]
		}
	}
	r.snap.Store(cur.with(ch, e))
	return false
}

// Remove drops the whole subscription for ch and returns its consumers.
func (r *Registry) Remove(ch model.ChannelID) []Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	e, ok := cur.entries[ch]
	if !ok {
		return nil
	}
	r.snap.Store(cur.without(ch))
	return e.list()
}

// RemoveAll clears the registry and returns every consumer.
func (r *Registry) RemoveAll() []Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	var all []Consumer
	for _, ch := range cur.order {
		all = append(all, cur.entries[ch].list()...)
	}
	r.snap.Store(empty)
	return all
}

// ActiveChannels returns the subscribed channels in the order they were first attached.
func (r *Registry) ActiveChannels() []model.ChannelID {
	cur := r.snap.Load()
	out := make([]model.ChannelID, len(cur.order))
	copy(out, cur.order)
	return out
}

// Consumers returns the consumers attached to ch in attach order.
func (r *Registry) Consumers(ch model.ChannelID) []Consumer {
	e, ok := r.snap.Load().entries[ch]
	if !ok {
		return nil
	}
	return e.list()
}

// Subscribed reports whether ch has at least one consumer.
func (r *Registry) Subscribed(ch model.ChannelID) bool {
	_, ok := r.snap.Load().entries[ch]
	return ok
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}

// ConsumerCount returns the number of consumers attached to ch.
func (r *Registry) ConsumerCount(ch model.ChannelID) int {
	e, ok := r.snap.Load().entries[ch]
	if !ok {
		return 0
	}
	return len(e.handles)
}

func (e *entry) list() []Consumer {
	out := make([]Consumer, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, e.consumers[h])
	}
	return out
}

// with returns a copy of s with ch set to e.
func (s *snapshot) with(ch model.ChannelID, e *entry) *snapshot {
	next := &snapshot{
		entries: make(map[model.ChannelID]*entry, len(s.entries)+1),
		order:   make([]model.ChannelID, len(s.order), len(s.order)+1),
	}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	copy(next.order, s.order)
	next.entries[ch] = e
	return next
}

func (s *snapshot) without(ch model.ChannelID) *snapshot {
	next := &snapshot{
		entries: make(map[model.ChannelID]*entry, len(s.entries)),
		order:   make([]model.ChannelID, 0, len(s.order)),
	}
	for k, v := range s.entries {
		if k != ch {
			next.entries[k] = v
		}
	}
	for _, k := range s.order {
		if k != ch {
			next.order = append(next.order, k)
		}
	}
	return next
}
