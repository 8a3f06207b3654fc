package feed

import (
	"sync"

	"github.com/algotrade/feedmux/internal/model"
)

// subscriptionKey identifies one wire-level subscription. Symbol and
// exchange are stored upper-cased.
type subscriptionKey struct {
	Exchange string
	Symbol   string
	Mode     model.Mode
}

func (k subscriptionKey) instrument() model.Instrument {
	return model.Instrument{Symbol: k.Symbol, Exchange: k.Exchange}
}

// subHandle is one subscriber's callback plus its delivery guard.
// Invocations are serialized per handle and ordered by cache sequence,
// so the initial cached snapshot handed out by Subscribe can never land
// after a newer update fanned out concurrently.
type subHandle struct {
	cb DataCallback

	mu      sync.Mutex
	lastSeq uint64
}

// deliver invokes the callback unless a snapshot at least this new has
// already reached the handle.
func (h *subHandle) deliver(s model.SymbolData, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq <= h.lastSeq {
		return
	}
	h.lastSeq = seq
	h.cb(s)
}

// subscriptionEntry tracks the interested parties for one key. The entry
// exists in the registry iff refCount > 0.
type subscriptionEntry struct {
	key      subscriptionKey
	refCount int
	handles  map[uint64]*subHandle
}

// registry is the ref-counted map from subscription key to callbacks.
// It is not safe for concurrent use; the Manager's mutex guards it.
type registry struct {
	entries map[subscriptionKey]*subscriptionEntry
	nextID  uint64
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[subscriptionKey]*subscriptionEntry),
	}
}

// add registers a callback under key. created is true when this is the
// first outstanding subscription for the key, i.e. a wire subscribe is
// due.
func (r *registry) add(key subscriptionKey, cb DataCallback) (id uint64, h *subHandle, created bool) {
	r.nextID++
	id = r.nextID

	e, ok := r.entries[key]
	if !ok {
		e = &subscriptionEntry{
			key:     key,
			handles: make(map[uint64]*subHandle),
		}
		r.entries[key] = e
		created = true
	}

	h = &subHandle{cb: cb}
	e.refCount++
	e.handles[id] = h
	return id, h, created
}

// remove decrements the ref count for key and drops the handle.
// entryGone is true when the last subscription for the key left;
// symbolGone is true when no entry of any mode still references the
// underlying (exchange, symbol), i.e. the wire unsubscribe is due.
func (r *registry) remove(key subscriptionKey, id uint64) (entryGone, symbolGone bool) {
	e, ok := r.entries[key]
	if !ok {
		return false, false
	}
	if _, ok := e.handles[id]; !ok {
		return false, false
	}

	delete(e.handles, id)
	e.refCount--

	if e.refCount > 0 {
		return false, false
	}

	delete(r.entries, key)

	for k := range r.entries {
		if k.Exchange == key.Exchange && k.Symbol == key.Symbol {
			return true, false
		}
	}
	return true, true
}

// handlesFor returns every handle registered under any mode for the
// given (exchange, symbol).
func (r *registry) handlesFor(exchange, symbol string) []*subHandle {
	var hs []*subHandle
	for k, e := range r.entries {
		if k.Exchange != exchange || k.Symbol != symbol {
			continue
		}
		for _, h := range e.handles {
			hs = append(hs, h)
		}
	}
	return hs
}

// instruments returns the deduplicated set of subscribed
// (exchange, symbol) pairs, regardless of mode.
func (r *registry) instruments() []model.Instrument {
	seen := make(map[model.Instrument]struct{}, len(r.entries))
	var out []model.Instrument
	for k := range r.entries {
		inst := k.instrument()
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out
}

// instrumentsByMode groups subscribed instruments by mode for batched
// resubscription after reconnect.
func (r *registry) instrumentsByMode() map[model.Mode][]model.Instrument {
	out := make(map[model.Mode][]model.Instrument)
	for k := range r.entries {
		out[k.Mode] = append(out[k.Mode], k.instrument())
	}
	return out
}

func (r *registry) empty() bool {
	return len(r.entries) == 0
}

// counts returns (distinct keys, total outstanding subscriptions).
func (r *registry) counts() (entries, subscriptions int) {
	entries = len(r.entries)
	for _, e := range r.entries {
		subscriptions += e.refCount
	}
	return entries, subscriptions
}
