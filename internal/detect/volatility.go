package detect

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/cryptoradar/cryptoradar/internal/catalog"
	"github.com/cryptoradar/cryptoradar/internal/market"
)

// DailyProvider supplies the 30-day context for an instrument. The history
// cache implements it; a nil provider disables the annotation.
type DailyProvider interface {
	Stats(ctx context.Context, venue, symbol string, lastClose float64) (*DailyStats, error)
}

// VolatilityConfig carries the single-instrument spike thresholds.
type VolatilityConfig struct {
	Lookback            int
	MinPriceIncreasePct float64
	VolumeSpikeRatio    float64
}

// Volatility flags a price move of at least MinPriceIncreasePct combined
// with a volume spike of at least VolumeSpikeRatio over the lookback window.
type Volatility struct {
	cfg   VolatilityConfig
	daily DailyProvider
}

func NewVolatility(cfg VolatilityConfig, daily DailyProvider) *Volatility {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5
	}
	return &Volatility{cfg: cfg, daily: daily}
}

// Check runs the detector against one frame. It returns false for frames
// the detector does not apply to: dated futures, stablecoin pairs, and
// windows too short to form a historical mean.
func (v *Volatility) Check(ctx context.Context, now time.Time, frame market.Frame) (Alert, bool) {
	if frame.Type == market.Dated || frame.Type == market.Ignored {
		return Alert{}, false
	}
	if catalog.IsStablePair(frame.Symbol) {
		return Alert{}, false
	}

	window := frame.Bars
	if len(window) > v.cfg.Lookback {
		window = window[len(window)-v.cfg.Lookback:]
	}
	if len(window) < 2 {
		return Alert{}, false
	}

	last := window[len(window)-1]
	ref := window[0].Close
	if ref <= 0 || last.Close <= 0 {
		return Alert{}, false
	}
	priceChangePct := (last.Close - ref) / ref * 100

	prior := make([]float64, 0, len(window)-1)
	for _, b := range window[:len(window)-1] {
		prior = append(prior, b.Volume)
	}
	meanVol := stat.Mean(prior, nil)
	var volumeRatio float64
	switch {
	case meanVol > 0:
		volumeRatio = last.Volume / meanVol
	case last.Volume > 0:
		// a quiet window waking up is an unbounded spike
		volumeRatio = math.Inf(1)
	default:
		return Alert{}, false
	}

	if priceChangePct < v.cfg.MinPriceIncreasePct || volumeRatio < v.cfg.VolumeSpikeRatio {
		return Alert{}, false
	}

	payload := VolatilityPayload{
		Venue:          frame.Venue,
		Symbol:         frame.Symbol,
		Base:           catalog.CanonicalBase(frame.Symbol),
		LastClose:      last.Close,
		PriceChangePct: priceChangePct,
		VolumeRatio:    volumeRatio,
	}
	if v.daily != nil {
		stats, err := v.daily.Stats(ctx, frame.Venue, frame.Symbol, last.Close)
		if err != nil {
			log.Debug().Err(err).Str("venue", frame.Venue).Str("symbol", frame.Symbol).
				Msg("daily stats unavailable")
		} else {
			payload.Daily = stats
		}
	}
	return newVolatilityAlert(now, payload), true
}

// Sweep runs Check over every spot and perpetual frame of a snapshot.
func (v *Volatility) Sweep(ctx context.Context, now time.Time, snapshot map[string]map[market.Type]map[string]market.Frame) []Alert {
	var out []Alert
	for _, byType := range snapshot {
		for typ, frames := range byType {
			if typ == market.Dated {
				continue
			}
			for _, frame := range frames {
				if alert, ok := v.Check(ctx, now, frame); ok {
					out = append(out, alert)
				}
			}
		}
	}
	return out
}
