package detect

import (
	"math"
	"strings"
	"time"

	"github.com/cryptoradar/cryptoradar/internal/catalog"
	"github.com/cryptoradar/cryptoradar/internal/market"
)

// Basis directions.
const (
	DirectionBoth     = "both"
	DirectionPremium  = "premium"
	DirectionDiscount = "discount"
)

// BasisConfig carries the same-venue spot/perpetual thresholds.
type BasisConfig struct {
	ThresholdPct float64
	Direction    string
}

// Basis matches each venue's spot listings against its perpetuals by
// canonical base and flags divergence beyond the threshold.
type Basis struct {
	cfg BasisConfig
}

func NewBasis(cfg BasisConfig) *Basis {
	if cfg.Direction == "" {
		cfg.Direction = DirectionBoth
	}
	return &Basis{cfg: cfg}
}

// Run scans one snapshot. Only USDT-quoted instruments participate; dated
// futures never do.
func (b *Basis) Run(now time.Time, snapshot map[string]map[market.Type]map[string]market.Frame) []Alert {
	var out []Alert
	for venue, byType := range snapshot {
		spots := byType[market.Spot]
		perps := byType[market.Perpetual]
		if len(spots) == 0 || len(perps) == 0 {
			continue
		}

		spotByBase := make(map[string]market.Frame, len(spots))
		for symbol, frame := range spots {
			if !usdtQuoted(symbol) {
				continue
			}
			spotByBase[catalog.CanonicalBase(symbol)] = frame
		}

		for symbol, perp := range perps {
			if !usdtQuoted(symbol) {
				continue
			}
			base := catalog.CanonicalBase(symbol)
			spot, ok := spotByBase[base]
			if !ok {
				continue
			}
			spotClose := spot.LastClose()
			futureClose := perp.LastClose()
			if spotClose <= 0 || futureClose <= 0 {
				continue
			}
			basisPct := (futureClose - spotClose) / spotClose * 100
			if math.Abs(basisPct) < b.cfg.ThresholdPct {
				continue
			}
			if !b.directionMatches(basisPct) {
				continue
			}
			out = append(out, newBasisAlert(now, BasisPayload{
				Venue:        venue,
				Base:         base,
				SpotSymbol:   spot.Symbol,
				FutureSymbol: perp.Symbol,
				SpotClose:    spotClose,
				FutureClose:  futureClose,
				BasisPct:     basisPct,
			}))
		}
	}
	return out
}

func (b *Basis) directionMatches(basisPct float64) bool {
	switch b.cfg.Direction {
	case DirectionPremium:
		return basisPct > 0
	case DirectionDiscount:
		return basisPct < 0
	default:
		return true
	}
}

func usdtQuoted(symbol string) bool {
	return strings.Contains(symbol, "USDT")
}
