package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// Fake is a scripted in-memory adapter used by supervisor and coordinator
// tests. Bars and tickers queued per symbol are replayed in order; a queued
// error is returned once at its position in the script.
type Fake struct {
	Venue string

	mu      sync.Mutex
	markets map[string]market.Meta
	scripts map[string][]barEvent
	ticks   map[string][]market.Ticker
	history map[string][]market.Bar
	closed  bool

	loadErr error
}

type barEvent struct {
	bar market.Bar
	err error
}

// NewFake builds an empty fake venue.
func NewFake(venue string) *Fake {
	return &Fake{
		Venue:   venue,
		markets: make(map[string]market.Meta),
		scripts: make(map[string][]barEvent),
		ticks:   make(map[string][]market.Ticker),
		history: make(map[string][]market.Bar),
	}
}

// AddMarket registers an instrument in the fake catalog.
func (f *Fake) AddMarket(meta market.Meta) {
	f.mu.Lock()
	f.markets[meta.Symbol] = meta
	f.mu.Unlock()
}

// QueueBars appends bars to a symbol's stream script.
func (f *Fake) QueueBars(symbol string, bars ...market.Bar) {
	f.mu.Lock()
	for _, b := range bars {
		f.scripts[symbol] = append(f.scripts[symbol], barEvent{bar: b})
	}
	f.mu.Unlock()
}

// QueueError appends an error to a symbol's stream script.
func (f *Fake) QueueError(symbol string, err error) {
	f.mu.Lock()
	f.scripts[symbol] = append(f.scripts[symbol], barEvent{err: err})
	f.mu.Unlock()
}

// QueueTicker appends a ticker to a symbol's ticker script.
func (f *Fake) QueueTicker(symbol string, t market.Ticker) {
	f.mu.Lock()
	f.ticks[symbol] = append(f.ticks[symbol], t)
	f.mu.Unlock()
}

// SetHistory installs the bars FetchOHLCV returns for a symbol.
func (f *Fake) SetHistory(symbol string, bars []market.Bar) {
	f.mu.Lock()
	f.history[symbol] = bars
	f.mu.Unlock()
}

// SetLoadError makes LoadMarkets fail, for init-failure tests.
func (f *Fake) SetLoadError(err error) {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) ID() string { return f.Venue }

func (f *Fake) LoadMarkets(context.Context) (map[string]market.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]market.Meta, len(f.markets))
	for k, v := range f.markets {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) WatchOHLCV(_ context.Context, symbol, _ string) (BarCursor, error) {
	return &fakeBarCursor{fake: f, symbol: symbol}, nil
}

func (f *Fake) WatchTicker(_ context.Context, symbol string) (TickerCursor, error) {
	return &fakeTickerCursor{fake: f, symbol: symbol}, nil
}

func (f *Fake) FetchOHLCV(_ context.Context, symbol, _ string, since time.Time, limit int) ([]market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars := f.history[symbol]
	out := make([]market.Bar, 0, len(bars))
	for _, b := range bars {
		if !since.IsZero() && b.TS.Before(since) {
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeBarCursor struct {
	fake   *Fake
	symbol string
}

// Next pops the next scripted event. An exhausted script blocks until
// cancellation, like a quiet live stream.
func (c *fakeBarCursor) Next(ctx context.Context) (market.Bar, error) {
	for {
		c.fake.mu.Lock()
		if c.fake.closed {
			c.fake.mu.Unlock()
			return market.Bar{}, ErrStreamClosed
		}
		script := c.fake.scripts[c.symbol]
		if len(script) > 0 {
			ev := script[0]
			c.fake.scripts[c.symbol] = script[1:]
			c.fake.mu.Unlock()
			if ev.err != nil {
				return market.Bar{}, ev.err
			}
			return ev.bar, nil
		}
		c.fake.mu.Unlock()

		select {
		case <-ctx.Done():
			return market.Bar{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeTickerCursor struct {
	fake   *Fake
	symbol string
}

func (c *fakeTickerCursor) Next(ctx context.Context) (market.Ticker, error) {
	for {
		c.fake.mu.Lock()
		if c.fake.closed {
			c.fake.mu.Unlock()
			return market.Ticker{}, ErrStreamClosed
		}
		queue := c.fake.ticks[c.symbol]
		if len(queue) > 0 {
			t := queue[0]
			c.fake.ticks[c.symbol] = queue[1:]
			c.fake.mu.Unlock()
			return t, nil
		}
		c.fake.mu.Unlock()

		select {
		case <-ctx.Done():
			return market.Ticker{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
