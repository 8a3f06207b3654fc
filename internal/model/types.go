package model

import (
	"strings"
	"time"
)

// Mode is the granularity of a market-data subscription.
type Mode string

const (
	// ModeLTP delivers last-traded price only.
	ModeLTP Mode = "LTP"
	// ModeQuote delivers a top-of-book summary.
	ModeQuote Mode = "Quote"
	// ModeDepth delivers the multi-level order book.
	ModeDepth Mode = "Depth"
)

// Valid reports whether m is a recognized subscription mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeDepth:
		return true
	}
	return false
}

// Instrument identifies a tradeable symbol on an exchange.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Normalize upper-cases symbol and exchange so that caller-side casing
// differences cannot produce duplicate subscriptions.
func (i Instrument) Normalize() Instrument {
	return Instrument{
		Symbol:   strings.ToUpper(strings.TrimSpace(i.Symbol)),
		Exchange: strings.ToUpper(strings.TrimSpace(i.Exchange)),
	}
}

// DepthLevel is a single price level in the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders,omitempty"`
}

// MarketDepth holds the buy and sell sides of the book, best price first,
// capped to however many levels the gateway provides.
type MarketDepth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Clone returns a deep copy of the depth book.
func (d *MarketDepth) Clone() *MarketDepth {
	if d == nil {
		return nil
	}
	out := &MarketDepth{
		Buy:  make([]DepthLevel, len(d.Buy)),
		Sell: make([]DepthLevel, len(d.Sell)),
	}
	copy(out.Buy, d.Buy)
	copy(out.Sell, d.Sell)
	return out
}

// SymbolData is the merged last-known snapshot for an (exchange, symbol)
// pair. It is mode-independent: an LTP subscriber and a Depth subscriber
// for the same symbol see the same snapshot, each reading the fields
// relevant to it.
type SymbolData struct {
	Symbol   string
	Exchange string

	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Change        float64
	ChangePercent float64
	Volume        int64
	OpenInterest  int64

	BidPrice float64
	AskPrice float64
	BidSize  int64
	AskSize  int64

	Depth *MarketDepth

	// LastUpdate is stamped locally each time an update merges in.
	LastUpdate time.Time
}

// Clone returns a deep copy safe to hand to callbacks.
func (s SymbolData) Clone() SymbolData {
	out := s
	out.Depth = s.Depth.Clone()
	return out
}

// SymbolUpdate carries the incremental fields of one inbound update.
// Nil pointers mean "field absent": the previously cached value is kept.
type SymbolUpdate struct {
	LTP           *float64     `json:"ltp,omitempty"`
	Open          *float64     `json:"open,omitempty"`
	High          *float64     `json:"high,omitempty"`
	Low           *float64     `json:"low,omitempty"`
	Close         *float64     `json:"close,omitempty"`
	Change        *float64     `json:"change,omitempty"`
	ChangePercent *float64     `json:"change_percent,omitempty"`
	Volume        *int64       `json:"volume,omitempty"`
	OpenInterest  *int64       `json:"oi,omitempty"`
	BidPrice      *float64     `json:"bid_price,omitempty"`
	AskPrice      *float64     `json:"ask_price,omitempty"`
	BidSize       *int64       `json:"bid_size,omitempty"`
	AskSize       *int64       `json:"ask_size,omitempty"`
	Depth         *MarketDepth `json:"depth,omitempty"`
	Timestamp     *int64       `json:"timestamp,omitempty"`
}

// Apply merges u into s field by field. Absent fields retain their
// previous values; merges are last-write-wins in arrival order.
func (s *SymbolData) Apply(u SymbolUpdate, now time.Time) {
	if u.LTP != nil {
		s.LTP = *u.LTP
	}
	if u.Open != nil {
		s.Open = *u.Open
	}
	if u.High != nil {
		s.High = *u.High
	}
	if u.Low != nil {
		s.Low = *u.Low
	}
	if u.Close != nil {
		s.Close = *u.Close
	}
	if u.Change != nil {
		s.Change = *u.Change
	}
	if u.ChangePercent != nil {
		s.ChangePercent = *u.ChangePercent
	}
	if u.Volume != nil {
		s.Volume = *u.Volume
	}
	if u.OpenInterest != nil {
		s.OpenInterest = *u.OpenInterest
	}
	if u.BidPrice != nil {
		s.BidPrice = *u.BidPrice
	}
	if u.AskPrice != nil {
		s.AskPrice = *u.AskPrice
	}
	if u.BidSize != nil {
		s.BidSize = *u.BidSize
	}
	if u.AskSize != nil {
		s.AskSize = *u.AskSize
	}
	if u.Depth != nil {
		s.Depth = u.Depth.Clone()
	}
	s.LastUpdate = now
}
