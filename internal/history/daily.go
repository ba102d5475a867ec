// Package history caches up to 30 daily bars per (venue, symbol) and turns
// them into the 30-day context attached to volatility alerts. Entries expire
// after six hours; lookups that miss fetch through a bounded semaphore.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/cryptoradar/cryptoradar/internal/detect"
	"github.com/cryptoradar/cryptoradar/internal/market"
)

const (
	// TTL is how long a cached daily window stays valid.
	TTL = 6 * time.Hour
	// MaxDays caps the window used for the percentile.
	MaxDays = 30
)

// Fetcher is the one-shot history pull the cache needs from an adapter.
type Fetcher interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error)
}

// Backend stores daily windows by key. Implementations: in-process map,
// Redis, and an on-disk cache directory.
type Backend interface {
	Get(ctx context.Context, key string) ([]market.Bar, bool, error)
	Put(ctx context.Context, key string, bars []market.Bar, ttl time.Duration) error
	Purge(ctx context.Context, now time.Time) int
}

// Cache is the daily-bar cache the volatility detector consults.
type Cache struct {
	backend Backend
	sem     chan struct{}
	now     func() time.Time

	// OnHit and OnMiss, when set, feed the telemetry counters.
	OnHit  func()
	OnMiss func()

	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewCache wires a backend and bounds concurrent fetches.
func NewCache(backend Backend, maxConcurrent int) *Cache {
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Cache{
		backend:  backend,
		sem:      make(chan struct{}, maxConcurrent),
		now:      func() time.Time { return time.Now().UTC() },
		fetchers: make(map[string]Fetcher),
	}
}

// Register installs the venue's history fetcher.
func (c *Cache) Register(venue string, f Fetcher) {
	c.mu.Lock()
	c.fetchers[venue] = f
	c.mu.Unlock()
}

func cacheKey(venue, symbol string) string {
	return fmt.Sprintf("daily:%s:%s", venue, symbol)
}

// Stats returns the 30-day annotation for an instrument, fetching daily
// bars on a cache miss.
func (c *Cache) Stats(ctx context.Context, venue, symbol string, lastClose float64) (*detect.DailyStats, error) {
	bars, err := c.bars(ctx, venue, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, errors.New("history: no daily bars")
	}
	return computeStats(bars, lastClose), nil
}

func (c *Cache) bars(ctx context.Context, venue, symbol string) ([]market.Bar, error) {
	key := cacheKey(venue, symbol)
	bars, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		// a broken backend degrades to a fetch per lookup
		log.Debug().Err(err).Str("key", key).Msg("daily cache read failed")
	case ok:
		if c.OnHit != nil {
			c.OnHit()
		}
		return bars, nil
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}

	c.mu.RLock()
	f, ok := c.fetchers[venue]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("history: no fetcher for venue %q", venue)
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	since := c.now().AddDate(0, 0, -MaxDays)
	bars, err = f.FetchOHLCV(ctx, symbol, "1d", since, MaxDays)
	if err != nil {
		return nil, err
	}
	if len(bars) > MaxDays {
		bars = bars[len(bars)-MaxDays:]
	}
	if err := c.backend.Put(ctx, key, bars, TTL); err != nil {
		// a write failure only costs the next lookup a refetch
		return bars, nil
	}
	return bars, nil
}

// Purge drops expired entries. Driven by the maintenance loop.
func (c *Cache) Purge(ctx context.Context, now time.Time) int {
	return c.backend.Purge(ctx, now)
}

// computeStats derives the advisory annotation. The percentile is the share
// of daily closes below the current price.
func computeStats(bars []market.Bar, lastClose float64) *detect.DailyStats {
	s := &detect.DailyStats{
		Days: len(bars),
		High: bars[0].High,
		Low:  bars[0].Low,
	}
	closes := make([]float64, 0, len(bars))
	below := 0
	for _, b := range bars {
		if b.High > s.High {
			s.High = b.High
		}
		if b.Low < s.Low {
			s.Low = b.Low
		}
		closes = append(closes, b.Close)
		if b.Close < lastClose {
			below++
		}
	}
	s.Avg = stat.Mean(closes, nil)
	s.Percentile = float64(below) / float64(len(bars)) * 100
	return s
}

// memoryBackend is the default in-process store.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	bars    []market.Bar
	expires time.Time
}

// NewMemoryBackend builds the map-backed store.
func NewMemoryBackend() Backend {
	return &memoryBackend{entries: make(map[string]memoryEntry)}
}

func (m *memoryBackend) Get(ctx context.Context, key string) ([]market.Bar, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return append([]market.Bar(nil), e.bars...), true, nil
}

func (m *memoryBackend) Put(ctx context.Context, key string, bars []market.Bar, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{
		bars:    append([]market.Bar(nil), bars...),
		expires: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Purge(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
