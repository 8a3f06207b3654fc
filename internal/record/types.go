package record

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/algotrade/feedmux/internal/model"
)

// snapshotRow is one row of the snapshots table, with depth flattened
// to JSONB.
type snapshotRow struct {
	Symbol        string
	Exchange      string
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Change        float64
	ChangePercent float64
	Volume        int64
	OpenInterest  int64
	BidPrice      float64
	AskPrice      float64
	BidSize       int64
	AskSize       int64
	Depth         []byte // JSONB; nil when the snapshot carries no book
	LastUpdate    time.Time
}

// transformSnapshot converts a merged snapshot to its row form.
func transformSnapshot(s model.SymbolData) snapshotRow {
	row := snapshotRow{
		Symbol:        s.Symbol,
		Exchange:      s.Exchange,
		LTP:           s.LTP,
		Open:          s.Open,
		High:          s.High,
		Low:           s.Low,
		Close:         s.Close,
		Change:        s.Change,
		ChangePercent: s.ChangePercent,
		Volume:        s.Volume,
		OpenInterest:  s.OpenInterest,
		BidPrice:      s.BidPrice,
		AskPrice:      s.AskPrice,
		BidSize:       s.BidSize,
		AskSize:       s.AskSize,
		LastUpdate:    s.LastUpdate,
	}
	if s.Depth != nil {
		if data, err := json.Marshal(s.Depth); err == nil {
			row.Depth = data
		}
	}
	return row
}
