// Package store holds the per-(venue, symbol) rolling windows the stream
// tasks write and the detectors read. Writes are serialized per key; reads
// copy under the key lock and hand back detached frames.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// DefaultWindow is the floor on the per-symbol bar window.
const DefaultWindow = 1000

// staleAfter is the snapshot age that triggers a staleness warning.
const staleAfter = 5 * time.Minute

// Classifier resolves a symbol's market type at snapshot time. The catalog
// implements it.
type Classifier interface {
	Classify(venue, symbol string) market.Type
}

type key struct {
	venue  string
	symbol string
}

type entry struct {
	mu        sync.Mutex
	bars      []market.Bar
	ticker    market.Ticker
	hasTicker bool
}

// Store is the only shared mutable structure in the pipeline.
type Store struct {
	window int

	mu      sync.RWMutex
	entries map[key]*entry
}

// New builds a store whose windows hold max(lookback, DefaultWindow) bars.
func New(lookback int) *Store {
	w := DefaultWindow
	if lookback > w {
		w = lookback
	}
	return &Store{
		window:  w,
		entries: make(map[key]*entry),
	}
}

// Window reports the configured per-key bar cap.
func (s *Store) Window() int { return s.window }

func (s *Store) entryFor(k key) *entry {
	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[k]; ok {
		return e
	}
	e = &entry{}
	s.entries[k] = e
	return e
}

// RecordBar replaces the bar sharing the new bar's minute, or inserts in
// timestamp order, evicting the oldest bar past the window cap. Applying the
// same bar twice is a no-op.
func (s *Store) RecordBar(venue, symbol string, bar market.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}
	bar.TS = bar.TS.Truncate(time.Minute)

	e := s.entryFor(key{venue, symbol})
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.bars)
	// hot path: the live candle updates the last slot or extends the window
	if n > 0 && bar.TS.Equal(e.bars[n-1].TS) {
		e.bars[n-1] = bar
		return nil
	}
	if n == 0 || bar.TS.After(e.bars[n-1].TS) {
		e.bars = append(e.bars, bar)
	} else {
		i := sort.Search(n, func(i int) bool { return !e.bars[i].TS.Before(bar.TS) })
		if i < n && e.bars[i].TS.Equal(bar.TS) {
			e.bars[i] = bar
		} else {
			e.bars = append(e.bars, market.Bar{})
			copy(e.bars[i+1:], e.bars[i:])
			e.bars[i] = bar
		}
	}
	if len(e.bars) > s.window {
		drop := len(e.bars) - s.window
		e.bars = append(e.bars[:0:0], e.bars[drop:]...)
	}
	return nil
}

// RecordTicker replaces the latest-ticker record under the same key lock the
// bar path uses.
func (s *Store) RecordTicker(venue, symbol string, t market.Ticker) {
	e := s.entryFor(key{venue, symbol})
	e.mu.Lock()
	e.ticker = t
	e.hasTicker = true
	e.mu.Unlock()
}

// Snapshot copies one key's window and latest ticker.
func (s *Store) Snapshot(venue, symbol string) ([]market.Bar, market.Ticker, bool) {
	s.mu.RLock()
	e, ok := s.entries[key{venue, symbol}]
	s.mu.RUnlock()
	if !ok {
		return nil, market.Ticker{}, false
	}
	e.mu.Lock()
	bars := append([]market.Bar(nil), e.bars...)
	t := e.ticker
	e.mu.Unlock()
	return bars, t, true
}

// Reset drops one key's state so the live stream rebuilds it; SnapshotAll
// invokes it when a window fails the integrity check.
func (s *Store) Reset(venue, symbol string) {
	s.mu.Lock()
	delete(s.entries, key{venue, symbol})
	s.mu.Unlock()
}

// Keys lists the populated (venue, symbol) pairs.
func (s *Store) Keys() [][2]string {
	s.mu.RLock()
	out := make([][2]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, [2]string{k.venue, k.symbol})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// SnapshotAll groups every healthy frame by venue and market type. A frame
// that fails the integrity check is reset so the live stream rebuilds its
// window; stale frames are logged and kept. No lock is held after return, so
// detector passes never block writers.
func (s *Store) SnapshotAll(cls Classifier, now time.Time) map[string]map[market.Type]map[string]market.Frame {
	s.mu.RLock()
	keys := make([]key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	out := make(map[string]map[market.Type]map[string]market.Frame)
	for _, k := range keys {
		bars, ticker, ok := s.Snapshot(k.venue, k.symbol)
		if !ok || len(bars) == 0 {
			continue
		}
		if !framePasses(bars) {
			log.Warn().Str("venue", k.venue).Str("symbol", k.symbol).Msg("frame failed integrity check, resetting window")
			s.Reset(k.venue, k.symbol)
			continue
		}
		typ := cls.Classify(k.venue, k.symbol)
		if typ == market.Ignored {
			continue
		}
		checkStaleness(k.venue, k.symbol, bars[len(bars)-1].TS, now)

		byType, ok := out[k.venue]
		if !ok {
			byType = make(map[market.Type]map[string]market.Frame)
			out[k.venue] = byType
		}
		bySymbol, ok := byType[typ]
		if !ok {
			bySymbol = make(map[string]market.Frame)
			byType[typ] = bySymbol
		}
		bySymbol[k.symbol] = market.Frame{
			Venue:  k.venue,
			Symbol: k.symbol,
			Type:   typ,
			Bars:   bars,
			Ticker: ticker,
		}
	}
	return out
}

// framePasses rejects windows a detector could trip over: validation at
// write time already bans non-finite fields, so only non-positive closes
// remain to check.
func framePasses(bars []market.Bar) bool {
	for _, b := range bars {
		if b.Close <= 0 {
			return false
		}
	}
	return true
}

// checkStaleness warns on quiet streams. A gap close to eight hours is the
// signature of a venue feed timestamped in local time, not real staleness.
func checkStaleness(venue, symbol string, last, now time.Time) {
	age := now.Sub(last)
	if age < staleAfter {
		return
	}
	if offsetArtifact(age) {
		return
	}
	log.Warn().
		Str("venue", venue).
		Str("symbol", symbol).
		Dur("age", age).
		Msg("frame is stale")
}

func offsetArtifact(age time.Duration) bool {
	const window = 30 * time.Minute
	d := age - 8*time.Hour
	if d < 0 {
		d = -d
	}
	return d <= window
}
