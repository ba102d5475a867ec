// Package exchange defines the venue adapter facade the pipeline consumes,
// plus concrete adapters for Binance, OKX, Bybit and Gate. Adapters expose
// streaming cursors over WebSocket candle/ticker channels and one-shot REST
// pulls, behind a uniform interface.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// Adapter is the uniform surface a venue implements. Close must tolerate
// being called while cursors are still being advanced.
type Adapter interface {
	ID() string
	LoadMarkets(ctx context.Context) (map[string]market.Meta, error)
	WatchOHLCV(ctx context.Context, symbol, timeframe string) (BarCursor, error)
	WatchTicker(ctx context.Context, symbol string) (TickerCursor, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error)
	Close(ctx context.Context) error
}

// BarCursor yields the latest candle of a subscribed stream each time it is
// advanced. Next blocks until a candle arrives, the stream fails, or the
// context is cancelled.
type BarCursor interface {
	Next(ctx context.Context) (market.Bar, error)
}

// TickerCursor yields the latest ticker of a subscribed stream.
type TickerCursor interface {
	Next(ctx context.Context) (market.Ticker, error)
}

// Credentials are forwarded to a venue only when public-only mode is off.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string // OKX only
}

// Config carries the per-venue construction parameters.
type Config struct {
	Credentials Credentials
	Timeout     time.Duration
}

// Factory constructs a venue adapter.
type Factory func(cfg Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a venue constructor under its id. Venue files call this
// from init; there is no reflection or dynamic lookup beyond this map.
func Register(id string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = f
}

// New constructs the adapter registered under id.
func New(id string, cfg Config) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: unknown venue %q", id)
	}
	return f(cfg)
}

// Venues lists the registered venue ids, sorted.
func Venues() []string {
	registryMu.RLock()
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	registryMu.RUnlock()
	sort.Strings(out)
	return out
}

// barStream is the channel-backed cursor adapters feed from their read
// loops. The error channel is buffered so a failing reader never blocks on
// a consumer that has gone away.
type barStream struct {
	bars <-chan market.Bar
	errs <-chan error
}

func (s *barStream) Next(ctx context.Context) (market.Bar, error) {
	select {
	case <-ctx.Done():
		return market.Bar{}, ctx.Err()
	case err := <-s.errs:
		return market.Bar{}, err
	case bar, ok := <-s.bars:
		if !ok {
			return market.Bar{}, ErrStreamClosed
		}
		return bar, nil
	}
}

type tickerStream struct {
	ticks <-chan market.Ticker
	errs  <-chan error
}

func (s *tickerStream) Next(ctx context.Context) (market.Ticker, error) {
	select {
	case <-ctx.Done():
		return market.Ticker{}, ctx.Err()
	case err := <-s.errs:
		return market.Ticker{}, err
	case tick, ok := <-s.ticks:
		if !ok {
			return market.Ticker{}, ErrStreamClosed
		}
		return tick, nil
	}
}
