package feed

import (
	"testing"
	"time"

	"github.com/algotrade/feedmux/internal/model"
)

func f64(v float64) *float64 { return &v }

func TestCacheEmptySlotIsNotCachedData(t *testing.T) {
	c := newDataCache()
	c.ensure("NSE", "RELIANCE")

	if c.size() != 1 {
		t.Fatalf("size = %d after ensure, want 1", c.size())
	}
	if _, ok := c.get("NSE", "RELIANCE"); ok {
		t.Error("get returned ok for a slot no update has touched")
	}
}

func TestCacheMergeThenGet(t *testing.T) {
	c := newDataCache()
	c.ensure("NSE", "RELIANCE")

	now := time.Now()
	snap, seq, ok := c.merge("NSE", "RELIANCE", model.SymbolUpdate{LTP: f64(2450.5)}, now)
	if !ok {
		t.Fatal("merge into existing slot returned ok = false")
	}
	if snap.LTP != 2450.5 || !snap.LastUpdate.Equal(now) {
		t.Errorf("merged snapshot = ltp %v at %v", snap.LTP, snap.LastUpdate)
	}
	if seq != 1 {
		t.Errorf("first merge seq = %d, want 1", seq)
	}
	if got := c.seqOf("NSE", "RELIANCE"); got != seq {
		t.Errorf("seqOf = %d, want %d", got, seq)
	}

	got, ok := c.get("NSE", "RELIANCE")
	if !ok || got.LTP != 2450.5 {
		t.Errorf("get = %+v, %v", got, ok)
	}
}

func TestCacheMergeWithoutSlotDropsUpdate(t *testing.T) {
	c := newDataCache()
	if _, _, ok := c.merge("NSE", "GHOST", model.SymbolUpdate{LTP: f64(1)}, time.Now()); ok {
		t.Error("merge without a slot returned ok = true")
	}
}

func TestCacheHandsOutCopies(t *testing.T) {
	c := newDataCache()
	c.ensure("NSE", "RELIANCE")
	c.merge("NSE", "RELIANCE", model.SymbolUpdate{
		LTP: f64(100),
		Depth: &model.MarketDepth{
			Buy: []model.DepthLevel{{Price: 99.5, Quantity: 10}},
		},
	}, time.Now())

	got, _ := c.get("NSE", "RELIANCE")
	got.LTP = 0
	got.Depth.Buy[0].Price = 0

	again, _ := c.get("NSE", "RELIANCE")
	if again.LTP != 100 {
		t.Errorf("cached ltp mutated through a returned copy: %v", again.LTP)
	}
	if again.Depth.Buy[0].Price != 99.5 {
		t.Errorf("cached depth mutated through a returned copy: %v", again.Depth.Buy[0].Price)
	}
}

func TestCacheEvict(t *testing.T) {
	c := newDataCache()
	c.ensure("NSE", "RELIANCE")
	c.merge("NSE", "RELIANCE", model.SymbolUpdate{LTP: f64(1)}, time.Now())

	c.evict("NSE", "RELIANCE")
	if _, ok := c.get("NSE", "RELIANCE"); ok {
		t.Error("get returned ok after evict")
	}
	if c.size() != 0 {
		t.Errorf("size = %d after evict, want 0", c.size())
	}
}
