package feed

import (
	"time"

	"github.com/algotrade/feedmux/internal/model"
)

// cacheKey is the mode-independent cache key.
type cacheKey struct {
	Exchange string
	Symbol   string
}

// cacheSlot pairs the snapshot with a merge sequence number. The
// sequence orders deliveries per subscriber handle.
type cacheSlot struct {
	data model.SymbolData
	seq  uint64
}

// dataCache holds the last-known snapshot per (exchange, symbol). It is
// not safe for concurrent use; the Manager's mutex guards it. Snapshots
// never leave the cache by reference: lookups and merges hand out deep
// copies.
type dataCache struct {
	data map[cacheKey]*cacheSlot
}

func newDataCache() *dataCache {
	return &dataCache{
		data: make(map[cacheKey]*cacheSlot),
	}
}

// ensure creates an empty slot if none exists. Slots are created on
// first subscription so a later merge has somewhere to land.
func (c *dataCache) ensure(exchange, symbol string) {
	key := cacheKey{Exchange: exchange, Symbol: symbol}
	if _, ok := c.data[key]; !ok {
		c.data[key] = &cacheSlot{
			data: model.SymbolData{
				Symbol:   symbol,
				Exchange: exchange,
			},
		}
	}
}

// merge applies an incremental update and returns a copy of the merged
// snapshot plus its sequence number. ok is false when no slot exists for
// the key, which happens when a frame races a just-evicted subscription;
// such updates are dropped.
func (c *dataCache) merge(exchange, symbol string, u model.SymbolUpdate, now time.Time) (model.SymbolData, uint64, bool) {
	s, ok := c.data[cacheKey{Exchange: exchange, Symbol: symbol}]
	if !ok {
		return model.SymbolData{}, 0, false
	}
	s.data.Apply(u, now)
	s.seq++
	return s.data.Clone(), s.seq, true
}

// get returns a copy of the cached snapshot. ok is false when the slot
// is missing or no update has ever merged into it: an empty slot is not
// "cached data" and must not be served to new subscribers.
func (c *dataCache) get(exchange, symbol string) (model.SymbolData, bool) {
	s, ok := c.data[cacheKey{Exchange: exchange, Symbol: symbol}]
	if !ok || s.data.LastUpdate.IsZero() {
		return model.SymbolData{}, false
	}
	return s.data.Clone(), true
}

// seqOf returns the slot's current merge sequence, zero when no slot
// exists or nothing has merged yet.
func (c *dataCache) seqOf(exchange, symbol string) uint64 {
	s, ok := c.data[cacheKey{Exchange: exchange, Symbol: symbol}]
	if !ok {
		return 0
	}
	return s.seq
}

// evict removes the slot for (exchange, symbol).
func (c *dataCache) evict(exchange, symbol string) {
	delete(c.data, cacheKey{Exchange: exchange, Symbol: symbol})
}

func (c *dataCache) size() int {
	return len(c.data)
}
