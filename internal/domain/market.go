package domain

import "time"

// MarketData is implemented by every typed data point a time series can
// deliver. Visible is the instant the point became knowable; replay and
// matching always key off it rather than the nominal start of the data.
type MarketData interface {
	Symbol() string
	Visible() time.Time
}

// Bar is an OHLCV summary of the window [Start, End). It becomes visible at End.
type Bar struct {
	Code   string
	Start  time.Time
	End    time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

func (b Bar) Symbol() string     { return b.Code }
func (b Bar) Visible() time.Time { return b.End }

// Tick is a single trade print.
type Tick struct {
	Code  string
	Time  time.Time
	Price float64
	Size  float64
}

func (t Tick) Symbol() string     { return t.Code }
func (t Tick) Visible() time.Time { return t.Time }

// CurrentPrice is the latest known price plus top of book. It is replaced
// wholesale on every update, never mutated in place.
type CurrentPrice struct {
	Code     string
	Time     time.Time
	Price    float64
	BidPrice float64
	AskPrice float64
	BidSize  float64
	AskSize  float64
}

func (p CurrentPrice) Symbol() string     { return p.Code }
func (p CurrentPrice) Visible() time.Time { return p.Time }

// Mid returns the bid/ask midpoint, falling back to the last price when one
// side of the book is missing.
func (p CurrentPrice) Mid() float64 {
	if p.BidPrice > 0 && p.AskPrice > 0 {
		return (p.BidPrice + p.AskPrice) / 2
	}
	return p.Price
}
