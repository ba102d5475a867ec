// Package market defines the normalized value types shared by the
// ingestion, storage and detection layers: OHLCV bars, tickers and
// instrument metadata.
package market

import (
	"fmt"
	"math"
	"time"
)

// Type classifies an instrument within a venue.
type Type int

const (
	Spot Type = iota
	Perpetual
	Dated
	Ignored
)

func (t Type) String() string {
	switch t {
	case Spot:
		return "spot"
	case Perpetual:
		return "future"
	case Dated:
		return "dated"
	default:
		return "ignored"
	}
}

// Bar is a single OHLCV candle. Timestamps are minute-aligned on write.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Validate rejects bars with non-finite or negative fields, or a zero
// timestamp. A zero close is tolerated here; detectors re-check close > 0.
func (b Bar) Validate() error {
	if b.TS.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low},
		{"close", b.Close}, {"volume", b.Volume},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("bar %s is not finite", f.name)
		}
		if f.v < 0 {
			return fmt.Errorf("bar %s is negative: %f", f.name, f.v)
		}
	}
	return nil
}

// Ticker is the latest quote snapshot for an instrument.
type Ticker struct {
	TS          time.Time `json:"ts"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Last        float64   `json:"last"`
	BaseVolume  float64   `json:"base_volume"`  // 24h volume in base units
	QuoteVolume float64   `json:"quote_volume"` // 24h volume in quote units
}

// Meta is the per-instrument metadata a venue reports when listing markets.
type Meta struct {
	Symbol string
	Base   string
	Quote  string
	Active bool
	Swap   bool
	Future bool
}

// Frame is a consistent read of one instrument's state: the rolling window
// plus the latest ticker (zero value when no ticker has arrived yet).
type Frame struct {
	Venue  string
	Symbol string
	Type   Type
	Bars   []Bar
	Ticker Ticker
}

// LastClose returns the close of the newest bar, or 0 for an empty frame.
func (f Frame) LastClose() float64 {
	if len(f.Bars) == 0 {
		return 0
	}
	return f.Bars[len(f.Bars)-1].Close
}

// Age reports how old the newest bar is relative to now.
func (f Frame) Age(now time.Time) time.Duration {
	if len(f.Bars) == 0 {
		return 0
	}
	return now.Sub(f.Bars[len(f.Bars)-1].TS)
}
