package detect

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func frameOf(venue, symbol string, typ market.Type, closes, volumes []float64) market.Frame {
	bars := make([]market.Bar, len(closes))
	for i := range closes {
		bars[i] = market.Bar{
			TS:     t0.Add(time.Duration(i) * time.Minute),
			Open:   closes[i],
			High:   closes[i],
			Low:    closes[i],
			Close:  closes[i],
			Volume: volumes[i],
		}
	}
	return market.Frame{Venue: venue, Symbol: symbol, Type: typ, Bars: bars}
}

func TestVolatilitySingleEmission(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5, MinPriceIncreasePct: 2.0, VolumeSpikeRatio: 5.0}, nil)
	frame := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 100, 100, 100, 100, 103},
		[]float64{10, 10, 10, 10, 10, 60})

	alert, ok := v.Check(context.Background(), t0, frame)
	require.True(t, ok)
	require.NotNil(t, alert.Volatility)
	assert.InDelta(t, 3.0, alert.Volatility.PriceChangePct, 0.001)
	assert.InDelta(t, 6.0, alert.Volatility.VolumeRatio, 0.001)
	assert.Equal(t, "BTC", alert.Volatility.Base)
	assert.Equal(t, KindVolatility, alert.Kind)
	assert.NotEmpty(t, alert.ID)
}

func TestVolatilityBelowThresholds(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5, MinPriceIncreasePct: 2.0, VolumeSpikeRatio: 5.0}, nil)

	// price moves, volume does not
	frame := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 103}, []float64{10, 10})
	_, ok := v.Check(context.Background(), t0, frame)
	assert.False(t, ok)

	// volume spikes, price does not
	frame = frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 100.5}, []float64{10, 100})
	_, ok = v.Check(context.Background(), t0, frame)
	assert.False(t, ok)
}

func TestVolatilityLookbackOneIsInert(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 1}, nil)
	frame := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 110}, []float64{10, 100})
	_, ok := v.Check(context.Background(), t0, frame)
	assert.False(t, ok, "one-bar window cannot form a historical mean")
}

func TestVolatilityZeroThresholdsFireEveryBar(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5}, nil)
	frame := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 100}, []float64{10, 10})
	_, ok := v.Check(context.Background(), t0, frame)
	assert.True(t, ok)
}

func TestVolatilityQuietWindowWakingUp(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5}, nil)

	// nothing traded before, plenty now: the ratio is unbounded and fires
	frame := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 103}, []float64{0, 60})
	alert, ok := v.Check(context.Background(), t0, frame)
	require.True(t, ok)
	assert.True(t, math.IsInf(alert.Volatility.VolumeRatio, 1))

	// nothing traded on either side stays silent
	frame = frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 103}, []float64{0, 0})
	_, ok = v.Check(context.Background(), t0, frame)
	assert.False(t, ok)
}

func TestVolatilitySkipsStablePairsAndDated(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5}, nil)

	stable := frameOf("binance", "USDT/USDC", market.Spot,
		[]float64{1.0, 1.03}, []float64{10, 100})
	_, ok := v.Check(context.Background(), t0, stable)
	assert.False(t, ok)

	dated := frameOf("binance", "BTC/USDT:230628", market.Dated,
		[]float64{100, 150}, []float64{10, 1000})
	_, ok = v.Check(context.Background(), t0, dated)
	assert.False(t, ok)
}

type stubDaily struct {
	stats *DailyStats
	err   error
}

func (s *stubDaily) Stats(ctx context.Context, venue, symbol string, lastClose float64) (*DailyStats, error) {
	return s.stats, s.err
}

func TestVolatilityDailyAnnotation(t *testing.T) {
	spike := frameOf("binance", "BTC/USDT", market.Spot,
		[]float64{100, 103}, []float64{10, 60})

	daily := &stubDaily{stats: &DailyStats{Days: 30, High: 110, Low: 90, Avg: 100, Percentile: 80}}
	v := NewVolatility(VolatilityConfig{Lookback: 5}, daily)
	alert, ok := v.Check(context.Background(), t0, spike)
	require.True(t, ok)
	require.NotNil(t, alert.Volatility.Daily)
	assert.Equal(t, 80.0, alert.Volatility.Daily.Percentile)

	// cache failure annotates nothing but never blocks the alert
	v = NewVolatility(VolatilityConfig{Lookback: 5}, &stubDaily{err: errors.New("fetch failed")})
	alert, ok = v.Check(context.Background(), t0, spike)
	require.True(t, ok)
	assert.Nil(t, alert.Volatility.Daily)
}

func TestVolatilitySweep(t *testing.T) {
	v := NewVolatility(VolatilityConfig{Lookback: 5, MinPriceIncreasePct: 2.0, VolumeSpikeRatio: 5.0}, nil)
	snapshot := map[string]map[market.Type]map[string]market.Frame{
		"binance": {
			market.Spot: {
				"BTC/USDT": frameOf("binance", "BTC/USDT", market.Spot,
					[]float64{100, 100, 103}, []float64{10, 10, 60}),
				"ETH/USDT": frameOf("binance", "ETH/USDT", market.Spot,
					[]float64{100, 100, 100}, []float64{10, 10, 10}),
			},
			market.Dated: {
				"BTC/USDT:USDT-260626": frameOf("binance", "BTC/USDT:USDT-260626", market.Dated,
					[]float64{100, 100, 200}, []float64{10, 10, 500}),
			},
		},
	}
	alerts := v.Sweep(context.Background(), t0, snapshot)
	require.Len(t, alerts, 1)
	assert.Equal(t, "BTC/USDT", alerts[0].Volatility.Symbol)
}
