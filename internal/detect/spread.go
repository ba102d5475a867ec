package detect

import (
	"math"
	"sort"
	"time"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// SpreadConfig carries the cross-venue perpetual thresholds.
type SpreadConfig struct {
	ThresholdPct float64
	// VolumeFloors maps venue id to its minimum 24h base volume. A venue
	// absent from the map has no floor.
	VolumeFloors map[string]float64
}

// Spread compares the same canonical base's perpetual price across venues.
type Spread struct {
	cfg SpreadConfig
}

func NewSpread(cfg SpreadConfig) *Spread {
	return &Spread{cfg: cfg}
}

type venueQuote struct {
	venue  string
	price  float64
	volume float64
}

// Run walks the perpetual intersection against the snapshot. intersection
// maps canonical base to the raw perpetual symbol per venue.
func (s *Spread) Run(now time.Time, intersection map[string]map[string]string, snapshot map[string]map[market.Type]map[string]market.Frame) []Alert {
	var out []Alert

	bases := make([]string, 0, len(intersection))
	for base := range intersection {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		quotes := s.collect(intersection[base], snapshot)
		if len(quotes) < 2 {
			continue
		}
		for i := 0; i < len(quotes); i++ {
			for j := i + 1; j < len(quotes); j++ {
				if alert, ok := s.compare(now, base, quotes[i], quotes[j]); ok {
					out = append(out, alert)
				}
			}
		}
	}
	return out
}

func (s *Spread) collect(byVenue map[string]string, snapshot map[string]map[market.Type]map[string]market.Frame) []venueQuote {
	venues := make([]string, 0, len(byVenue))
	for venue := range byVenue {
		venues = append(venues, venue)
	}
	sort.Strings(venues)

	out := make([]venueQuote, 0, len(venues))
	for _, venue := range venues {
		symbol := byVenue[venue]
		frame, ok := snapshot[venue][market.Perpetual][symbol]
		if !ok {
			continue
		}
		price := frame.LastClose()
		if price <= 0 {
			continue
		}
		out = append(out, venueQuote{
			venue:  venue,
			price:  price,
			volume: frame.Ticker.BaseVolume,
		})
	}
	return out
}

// compare applies the volume floors and the signed spread threshold to one
// unordered venue pair.
func (s *Spread) compare(now time.Time, base string, a, b venueQuote) (Alert, bool) {
	if !s.volumeOK(a) || !s.volumeOK(b) {
		return Alert{}, false
	}
	if a.price == b.price {
		return Alert{}, false
	}
	spreadPct := (b.price - a.price) / a.price * 100
	if math.Abs(spreadPct) < s.cfg.ThresholdPct {
		return Alert{}, false
	}

	higher, lower := a, b
	if b.price > a.price {
		higher, lower = b, a
	}
	return newSpreadAlert(now, SpreadPayload{
		Base:        base,
		HigherVenue: higher.venue,
		LowerVenue:  lower.venue,
		HigherPrice: higher.price,
		LowerPrice:  lower.price,
		SpreadPct:   spreadPct,
		Volumes: map[string]float64{
			a.venue: a.volume,
			b.venue: b.volume,
		},
	}), true
}

func (s *Spread) volumeOK(q venueQuote) bool {
	floor, ok := s.cfg.VolumeFloors[q.venue]
	if !ok {
		return true
	}
	return q.volume >= floor
}
