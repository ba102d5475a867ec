// Package detect holds the three anomaly detectors and the cooldown gate
// that funnels their alerts to the notifier.
package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the alert variants.
type Kind string

const (
	KindVolatility Kind = "volatility"
	KindBasis      Kind = "basis"
	KindSpread     Kind = "cross_exchange"
)

// DailyStats is the advisory 30-day context attached to volatility alerts
// when the daily cache has coverage. It never gates an emission.
type DailyStats struct {
	Days       int
	High       float64
	Low        float64
	Avg        float64
	Percentile float64
}

// VolatilityPayload describes a single-instrument price/volume spike.
type VolatilityPayload struct {
	Venue          string
	Symbol         string
	Base           string
	LastClose      float64
	PriceChangePct float64
	VolumeRatio    float64
	Daily          *DailyStats
}

// BasisPayload describes a spot/perpetual divergence on one venue.
type BasisPayload struct {
	Venue        string
	Base         string
	SpotSymbol   string
	FutureSymbol string
	SpotClose    float64
	FutureClose  float64
	BasisPct     float64
}

// SpreadPayload describes a perpetual price gap between two venues.
type SpreadPayload struct {
	Base        string
	HigherVenue string
	LowerVenue  string
	HigherPrice float64
	LowerPrice  float64
	SpreadPct   float64
	Volumes     map[string]float64
}

// Alert is the discriminated record every detector emits. Exactly one
// payload pointer is set, matching Kind.
type Alert struct {
	ID         string
	Kind       Kind
	DetectedAt time.Time
	DedupKey   string

	Volatility *VolatilityPayload
	Basis      *BasisPayload
	Spread     *SpreadPayload
}

func newVolatilityAlert(now time.Time, p VolatilityPayload) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Kind:       KindVolatility,
		DetectedAt: now,
		DedupKey:   fmt.Sprintf("volatility|%s|%s", p.Venue, p.Symbol),
		Volatility: &p,
	}
}

func newBasisAlert(now time.Time, p BasisPayload) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Kind:       KindBasis,
		DetectedAt: now,
		DedupKey:   fmt.Sprintf("basis|%s|%s|%s", p.Venue, p.SpotSymbol, p.FutureSymbol),
		Basis:      &p,
	}
}

func newSpreadAlert(now time.Time, p SpreadPayload) Alert {
	pair := []string{p.HigherVenue, p.LowerVenue}
	sort.Strings(pair)
	return Alert{
		ID:         uuid.NewString(),
		Kind:       KindSpread,
		DetectedAt: now,
		DedupKey:   fmt.Sprintf("spread|%s|%s|%s", pair[0], pair[1], p.Base),
		Spread:     &p,
	}
}
