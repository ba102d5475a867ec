package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

func perpFrame(venue, symbol string, price, baseVolume float64) market.Frame {
	f := frameOf(venue, symbol, market.Perpetual, []float64{price}, []float64{10})
	f.Ticker = market.Ticker{TS: t0, Last: price, BaseVolume: baseVolume}
	return f
}

func spreadFixture(gateVolume float64) (map[string]map[string]string, map[string]map[market.Type]map[string]market.Frame) {
	intersection := map[string]map[string]string{
		"ETH": {
			"binance": "ETH/USDT:USDT",
			"gate":    "ETH/USDT:USDT",
		},
	}
	snapshot := map[string]map[market.Type]map[string]market.Frame{
		"binance": {market.Perpetual: {
			"ETH/USDT:USDT": perpFrame("binance", "ETH/USDT:USDT", 2000, 25_000_000),
		}},
		"gate": {market.Perpetual: {
			"ETH/USDT:USDT": perpFrame("gate", "ETH/USDT:USDT", 2006, gateVolume),
		}},
	}
	return intersection, snapshot
}

func spreadConfig() SpreadConfig {
	return SpreadConfig{
		ThresholdPct: 0.2,
		VolumeFloors: map[string]float64{"binance": 20_000_000, "gate": 5_000_000},
	}
}

func TestSpreadVolumeGate(t *testing.T) {
	s := NewSpread(spreadConfig())

	intersection, snapshot := spreadFixture(4_000_000)
	assert.Empty(t, s.Run(t0, intersection, snapshot), "gate side below its volume floor")

	intersection, snapshot = spreadFixture(6_000_000)
	alerts := s.Run(t0, intersection, snapshot)
	require.Len(t, alerts, 1)
	p := alerts[0].Spread
	require.NotNil(t, p)
	assert.InDelta(t, 0.3, p.SpreadPct, 0.0001)
	assert.Equal(t, "gate", p.HigherVenue)
	assert.Equal(t, "binance", p.LowerVenue)
	assert.Equal(t, 2006.0, p.HigherPrice)
	assert.Equal(t, 25_000_000.0, p.Volumes["binance"])
}

func TestSpreadZeroVolumeTickersNeverPass(t *testing.T) {
	s := NewSpread(spreadConfig())
	intersection, snapshot := spreadFixture(0)
	snapshot["binance"][market.Perpetual]["ETH/USDT:USDT"] = perpFrame("binance", "ETH/USDT:USDT", 2000, 0)
	assert.Empty(t, s.Run(t0, intersection, snapshot), "unpopulated 24h volumes stay below every floor")
}

func TestSpreadBelowThreshold(t *testing.T) {
	s := NewSpread(SpreadConfig{ThresholdPct: 0.5})
	intersection, snapshot := spreadFixture(6_000_000)
	assert.Empty(t, s.Run(t0, intersection, snapshot))
}

func TestSpreadEqualPricesNeverEmit(t *testing.T) {
	s := NewSpread(SpreadConfig{ThresholdPct: 0})
	intersection := map[string]map[string]string{
		"ETH": {"binance": "ETH/USDT:USDT", "gate": "ETH/USDT:USDT"},
	}
	snapshot := map[string]map[market.Type]map[string]market.Frame{
		"binance": {market.Perpetual: {"ETH/USDT:USDT": perpFrame("binance", "ETH/USDT:USDT", 2000, 1)}},
		"gate":    {market.Perpetual: {"ETH/USDT:USDT": perpFrame("gate", "ETH/USDT:USDT", 2000, 1)}},
	}
	assert.Empty(t, s.Run(t0, intersection, snapshot))
}

func TestSpreadEmptyIntersection(t *testing.T) {
	s := NewSpread(spreadConfig())
	assert.Empty(t, s.Run(t0, nil, nil))
	assert.Empty(t, s.Run(t0, map[string]map[string]string{}, nil))
}

func TestSpreadMissingFrameSkipsPair(t *testing.T) {
	s := NewSpread(SpreadConfig{ThresholdPct: 0.1})
	intersection := map[string]map[string]string{
		"ETH": {"binance": "ETH/USDT:USDT", "gate": "ETH/USDT:USDT"},
	}
	snapshot := map[string]map[market.Type]map[string]market.Frame{
		"binance": {market.Perpetual: {"ETH/USDT:USDT": perpFrame("binance", "ETH/USDT:USDT", 2000, 1)}},
	}
	assert.Empty(t, s.Run(t0, intersection, snapshot))
}

func TestSpreadDedupKeyIsOrderIndependent(t *testing.T) {
	a := newSpreadAlert(t0, SpreadPayload{Base: "ETH", HigherVenue: "gate", LowerVenue: "binance"})
	b := newSpreadAlert(t0, SpreadPayload{Base: "ETH", HigherVenue: "binance", LowerVenue: "gate"})
	assert.Equal(t, a.DedupKey, b.DedupKey)
}
