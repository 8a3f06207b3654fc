package api

import "github.com/algotrade/feedmux/internal/model"

// csrfResponse is the body of GET /api/csrf-token.
type csrfResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// SocketConfig is the body of GET /api/ws/config.
type SocketConfig struct {
	Status string `json:"status"`
	WSURL  string `json:"ws_url"`
}

// FeedToken is the body of GET /api/ws/token. Expiry is seconds of
// validity from issue; zero means the gateway did not say.
type FeedToken struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	Expiry int64  `json:"expiry,omitempty"`
}

// quoteRequest is the body of POST /api/quotes/batch.
type quoteRequest struct {
	APIKey  string             `json:"apikey"`
	Symbols []model.Instrument `json:"symbols"`
}

// QuoteData is the per-symbol payload of a batched quote response.
type QuoteData struct {
	LTP       float64 `json:"ltp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	OI        int64   `json:"oi"`
}

// QuoteResult is one record of a batched quote response.
type QuoteResult struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Data     QuoteData `json:"data"`
}

// quoteResponse is the body of POST /api/quotes/batch.
type quoteResponse struct {
	Status  string        `json:"status"`
	Results []QuoteResult `json:"results"`
}

// Update converts a quote record into the incremental form the cache
// merges, so REST polls and push frames share one code path.
func (q QuoteResult) Update() model.SymbolUpdate {
	d := q.Data
	return model.SymbolUpdate{
		LTP:          &d.LTP,
		Open:         &d.Open,
		High:         &d.High,
		Low:          &d.Low,
		Close:        &d.PrevClose,
		Volume:       &d.Volume,
		BidPrice:     &d.Bid,
		AskPrice:     &d.Ask,
		OpenInterest: &d.OI,
	}
}
