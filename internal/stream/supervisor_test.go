package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/exchange"
	"github.com/cryptoradar/cryptoradar/internal/market"
	"github.com/cryptoradar/cryptoradar/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bar(ts time.Time, close float64) market.Bar {
	return market.Bar{TS: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func fastConfig() Config {
	return Config{
		Timeframe:  "1m",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSupervisorRecordsBars(t *testing.T) {
	f := exchange.NewFake("binance")
	f.QueueBars("BTC/USDT", bar(t0, 100), bar(t0.Add(time.Minute), 101))

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "BTC/USDT", false)

	waitFor(t, func() bool {
		bars, _, _ := st.Snapshot("binance", "BTC/USDT")
		return len(bars) == 2
	})
	cancel()
	sup.Wait()
}

func TestSupervisorOnBarHook(t *testing.T) {
	f := exchange.NewFake("binance")
	f.QueueBars("BTC/USDT", bar(t0, 100))

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)
	fired := make(chan market.Bar, 1)
	sup.OnBar = func(venue, symbol string, b market.Bar) {
		select {
		case fired <- b:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "BTC/USDT", false)

	select {
	case b := <-fired:
		assert.Equal(t, 100.0, b.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never fired")
	}
	cancel()
	sup.Wait()
}

func TestPermanentErrorEvictsWithoutWriting(t *testing.T) {
	f := exchange.NewFake("gate")
	f.QueueError("LINA/USDT:USDT", errors.New("unknown channel"))

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "LINA/USDT:USDT", false)

	waitFor(t, func() bool { return sup.Invalid().Has("gate", "LINA/USDT:USDT") })
	cancel()
	sup.Wait()

	_, _, ok := st.Snapshot("gate", "LINA/USDT:USDT")
	assert.False(t, ok, "no bar written before eviction")

	// no resubscription for an invalid symbol
	sup2 := NewSupervisor(fastConfig(), st, sup.Invalid())
	sup2.Watch(context.Background(), f, "LINA/USDT:USDT", false)
	sup2.Wait()
	_, _, ok = st.Snapshot("gate", "LINA/USDT:USDT")
	assert.False(t, ok)
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	f := exchange.NewFake("binance")
	for i := 0; i < 5; i++ {
		f.QueueError("BTC/USDT", errors.New("rate limit exceeded"))
	}

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "BTC/USDT", false)

	waitFor(t, func() bool { return sup.Invalid().Has("binance", "BTC/USDT") })
	cancel()
	sup.Wait()
}

func TestTransientRecoveryResetsAttempts(t *testing.T) {
	f := exchange.NewFake("binance")
	f.QueueError("BTC/USDT", errors.New("rate limit exceeded"))
	f.QueueBars("BTC/USDT", bar(t0, 100))

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "BTC/USDT", false)

	waitFor(t, func() bool {
		bars, _, _ := st.Snapshot("binance", "BTC/USDT")
		return len(bars) == 1
	})
	assert.False(t, sup.Invalid().Has("binance", "BTC/USDT"))
	cancel()
	sup.Wait()
}

func TestSupervisorRecordsTickers(t *testing.T) {
	f := exchange.NewFake("binance")
	f.QueueBars("BTC/USDT", bar(t0, 100))
	f.QueueTicker("BTC/USDT", market.Ticker{TS: t0, Bid: 99, Ask: 101, Last: 100})

	st := store.New(0)
	sup := NewSupervisor(fastConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, f, "BTC/USDT", true)

	waitFor(t, func() bool {
		_, tick, ok := st.Snapshot("binance", "BTC/USDT")
		return ok && tick.Last == 100
	})
	cancel()
	sup.Wait()
}

func TestBackoffCap(t *testing.T) {
	sup := NewSupervisor(Config{RetryDelay: 2 * time.Second, MaxBackoff: 30 * time.Second, MaxRetries: 10}, store.New(0), nil)
	assert.Equal(t, 2*time.Second, sup.backoff(1))
	assert.Equal(t, 4*time.Second, sup.backoff(2))
	assert.Equal(t, 16*time.Second, sup.backoff(4))
	assert.Equal(t, 30*time.Second, sup.backoff(5))
	assert.Equal(t, 30*time.Second, sup.backoff(9))
}

func TestInvalidSet(t *testing.T) {
	s := NewInvalidSet()
	require.Equal(t, 0, s.Len())
	s.Add("binance", "A/USDT")
	s.Add("binance", "A/USDT")
	s.Add("gate", "B/USDT")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("binance", "A/USDT"))
	assert.False(t, s.Has("okx", "A/USDT"))
}
