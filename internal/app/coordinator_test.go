package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/catalog"
	"github.com/cryptoradar/cryptoradar/internal/config"
	"github.com/cryptoradar/cryptoradar/internal/detect"
	"github.com/cryptoradar/cryptoradar/internal/exchange"
	"github.com/cryptoradar/cryptoradar/internal/history"
	"github.com/cryptoradar/cryptoradar/internal/market"
	"github.com/cryptoradar/cryptoradar/internal/store"
	"github.com/cryptoradar/cryptoradar/internal/stream"
	"github.com/cryptoradar/cryptoradar/internal/telemetry"
)

type channelNotifier struct {
	ch chan detect.Alert
}

func newChannelNotifier() *channelNotifier {
	return &channelNotifier{ch: make(chan detect.Alert, 16)}
}

func (n *channelNotifier) Send(_ context.Context, _ detect.Kind, alerts []detect.Alert) error {
	for _, a := range alerts {
		n.ch <- a
	}
	return nil
}

func (n *channelNotifier) wait(t *testing.T, timeout time.Duration) detect.Alert {
	t.Helper()
	select {
	case a := <-n.ch:
		return a
	case <-time.After(timeout):
		t.Fatal("no alert arrived")
		return detect.Alert{}
	}
}

// testCoordinator assembles the pipeline around fake venues, bypassing the
// adapter registry.
func testCoordinator(cfg config.Config, notifier detect.Notifier, fakes ...*exchange.Fake) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		catalog:  catalog.New(cfg.PerpBlacklist),
		store:    store.New(cfg.LookbackMinutes),
		adapters: make(map[string]exchange.Adapter),
		metrics:  telemetry.NewRegistry(),
	}
	c.daily = history.NewCache(history.NewMemoryBackend(), 4)
	for _, f := range fakes {
		c.adapters[f.Venue] = f
		c.daily.Register(f.Venue, f)
	}
	c.cooldown = detect.NewCooldown(nil)
	c.vol = detect.NewVolatility(detect.VolatilityConfig{
		Lookback:            cfg.LookbackMinutes,
		MinPriceIncreasePct: cfg.MinPriceIncreasePct,
		VolumeSpikeRatio:    cfg.VolumeSpikeThreshold,
	}, c.daily)
	c.basis = detect.NewBasis(detect.BasisConfig{
		ThresholdPct: cfg.SpotFuturesDiffThreshold,
		Direction:    cfg.BasisDirection,
	})
	c.spread = detect.NewSpread(detect.SpreadConfig{
		ThresholdPct: cfg.PerpDiffThreshold,
		VolumeFloors: cfg.VolumeThresholds,
	})
	c.gate = detect.NewGate(c.cooldown, notifier)
	c.sup = stream.NewSupervisor(stream.Config{
		RetryDelay: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}, c.store, nil)
	c.sup.OnBar = c.onBar
	return c
}

func spikeBars(base time.Time) []market.Bar {
	closes := []float64{100, 100, 100, 100, 100, 103}
	volumes := []float64{10, 10, 10, 10, 10, 60}
	bars := make([]market.Bar, len(closes))
	for i := range closes {
		bars[i] = market.Bar{
			TS:     base.Add(time.Duration(i) * time.Minute),
			Open:   closes[i],
			High:   closes[i],
			Low:    closes[i],
			Close:  closes[i],
			Volume: volumes[i],
		}
	}
	return bars
}

func TestEventDrivenVolatilityAlert(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = []string{"binance"}
	cfg.PerpExchanges = nil
	cfg.MarketTypes = []string{"spot"}

	fake := exchange.NewFake("binance")
	fake.AddMarket(market.Meta{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Active: true})

	base := time.Now().UTC().Truncate(time.Minute).Add(-6 * time.Minute)
	fake.QueueBars("BTC/USDT", spikeBars(base)...)
	fake.SetHistory("BTC/USDT", []market.Bar{
		{TS: base.Add(-72 * time.Hour), Open: 90, High: 95, Low: 88, Close: 92, Volume: 1000},
		{TS: base.Add(-48 * time.Hour), Open: 92, High: 99, Low: 91, Close: 98, Volume: 1100},
		{TS: base.Add(-24 * time.Hour), Open: 98, High: 104, Low: 96, Close: 100, Volume: 1200},
	})

	notifier := newChannelNotifier()
	c := testCoordinator(cfg, notifier, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.loadCatalogs(ctx))
	c.subscribe(ctx)

	alert := notifier.wait(t, 2*time.Second)
	require.Equal(t, detect.KindVolatility, alert.Kind)
	require.NotNil(t, alert.Volatility)
	assert.Equal(t, "binance", alert.Volatility.Venue)
	assert.Equal(t, "BTC/USDT", alert.Volatility.Symbol)
	assert.InDelta(t, 3.0, alert.Volatility.PriceChangePct, 0.01)
	assert.InDelta(t, 6.0, alert.Volatility.VolumeRatio, 0.01)

	cancel()
	c.sup.Wait()
	c.closeAdapters()
	assert.True(t, fake.Closed())
}

func TestOnBarStopsDispatchingAfterShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = []string{"binance"}
	cfg.PerpExchanges = nil

	fake := exchange.NewFake("binance")
	fake.AddMarket(market.Meta{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Active: true})

	notifier := newChannelNotifier()
	c := testCoordinator(cfg, notifier, fake)

	ctx, cancel := context.WithCancel(context.Background())
	c.runCtx = ctx
	require.NoError(t, c.loadCatalogs(ctx))

	base := time.Now().UTC().Truncate(time.Minute).Add(-6 * time.Minute)
	bars := spikeBars(base)
	for _, b := range bars {
		require.NoError(t, c.store.RecordBar("binance", "BTC/USDT", b))
	}

	cancel()
	c.onBar("binance", "BTC/USDT", bars[len(bars)-1])

	select {
	case a := <-notifier.ch:
		t.Fatalf("alert dispatched after shutdown: %s", a.DedupKey)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScanOnceFindsCrossVenueSpread(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = []string{"binance", "gate"}
	cfg.PerpExchanges = []string{"binance", "gate"}
	cfg.MarketTypes = nil

	binance := exchange.NewFake("binance")
	binance.AddMarket(market.Meta{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Active: true, Swap: true})
	gate := exchange.NewFake("gate")
	gate.AddMarket(market.Meta{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Active: true, Swap: true})

	ts := time.Now().UTC().Truncate(time.Minute)
	binance.QueueBars("BTC/USDT:USDT", market.Bar{TS: ts, Open: 2000, High: 2000, Low: 2000, Close: 2000, Volume: 5})
	gate.QueueBars("BTC/USDT:USDT", market.Bar{TS: ts, Open: 2006, High: 2006, Low: 2006, Close: 2006, Volume: 5})
	binance.QueueTicker("BTC/USDT:USDT", market.Ticker{TS: ts, Last: 2000, BaseVolume: 25_000_000})
	gate.QueueTicker("BTC/USDT:USDT", market.Ticker{TS: ts, Last: 2006, BaseVolume: 6_000_000})

	notifier := newChannelNotifier()
	c := testCoordinator(cfg, notifier, binance, gate)
	c.sup.OnBar = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.loadCatalogs(ctx))
	c.subscribe(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.store.SnapshotAll(c.catalog, time.Now().UTC())
		b := snap["binance"][market.Perpetual]["BTC/USDT:USDT"]
		g := snap["gate"][market.Perpetual]["BTC/USDT:USDT"]
		if len(b.Bars) > 0 && b.Ticker.BaseVolume > 0 && len(g.Bars) > 0 && g.Ticker.BaseVolume > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.scanOnce(ctx)
	alert := notifier.wait(t, time.Second)
	require.Equal(t, detect.KindSpread, alert.Kind)
	require.NotNil(t, alert.Spread)
	assert.Equal(t, "gate", alert.Spread.HigherVenue)
	assert.Equal(t, "binance", alert.Spread.LowerVenue)
	assert.InDelta(t, 0.3, alert.Spread.SpreadPct, 0.01)

	// a second sweep inside the cooldown window stays quiet
	c.scanOnce(ctx)
	select {
	case a := <-notifier.ch:
		t.Fatalf("unexpected duplicate alert %s", a.DedupKey)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewRejectsUnknownVenues(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = []string{"mtgox"}
	cfg.PerpExchanges = nil
	_, err := New(cfg)
	assert.Error(t, err)
}
