package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

func basisSnapshot(spotClose, futureClose float64) map[string]map[market.Type]map[string]market.Frame {
	return map[string]map[market.Type]map[string]market.Frame{
		"binance": {
			market.Spot: {
				"BTC/USDT": frameOf("binance", "BTC/USDT", market.Spot,
					[]float64{spotClose}, []float64{10}),
			},
			market.Perpetual: {
				"BTC/USDT:USDT": frameOf("binance", "BTC/USDT:USDT", market.Perpetual,
					[]float64{futureClose}, []float64{10}),
			},
		},
	}
}

func TestBasisDiscountSkippedByPremiumFilter(t *testing.T) {
	b := NewBasis(BasisConfig{ThresholdPct: 0.1, Direction: DirectionPremium})
	alerts := b.Run(t0, basisSnapshot(100, 99.8))
	assert.Empty(t, alerts, "discount never passes the premium filter")

	b = NewBasis(BasisConfig{ThresholdPct: 0.1, Direction: DirectionBoth})
	alerts = b.Run(t0, basisSnapshot(100, 99.8))
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].Basis)
	assert.InDelta(t, -0.2, alerts[0].Basis.BasisPct, 0.0001)
	assert.Equal(t, "BTC/USDT", alerts[0].Basis.SpotSymbol)
	assert.Equal(t, "BTC/USDT:USDT", alerts[0].Basis.FutureSymbol)
}

func TestBasisPremiumEmits(t *testing.T) {
	b := NewBasis(BasisConfig{ThresholdPct: 0.1, Direction: DirectionPremium})
	alerts := b.Run(t0, basisSnapshot(100, 100.5))
	require.Len(t, alerts, 1)
	assert.InDelta(t, 0.5, alerts[0].Basis.BasisPct, 0.0001)
	assert.Equal(t, "BTC", alerts[0].Basis.Base)
}

func TestBasisBelowThreshold(t *testing.T) {
	b := NewBasis(BasisConfig{ThresholdPct: 0.5, Direction: DirectionBoth})
	assert.Empty(t, b.Run(t0, basisSnapshot(100, 100.2)))
}

func TestBasisNeedsBothSegments(t *testing.T) {
	b := NewBasis(BasisConfig{ThresholdPct: 0.1, Direction: DirectionBoth})
	snapshot := basisSnapshot(100, 99)
	delete(snapshot["binance"], market.Perpetual)
	assert.Empty(t, b.Run(t0, snapshot))
}

func TestBasisIgnoresNonUSDT(t *testing.T) {
	b := NewBasis(BasisConfig{ThresholdPct: 0.1, Direction: DirectionBoth})
	snapshot := map[string]map[market.Type]map[string]market.Frame{
		"okx": {
			market.Spot: {
				"BTC/USD": frameOf("okx", "BTC/USD", market.Spot, []float64{100}, []float64{10}),
			},
			market.Perpetual: {
				"BTC/USD:BTC": frameOf("okx", "BTC/USD:BTC", market.Perpetual, []float64{99}, []float64{10}),
			},
		},
	}
	assert.Empty(t, b.Run(t0, snapshot))
}
