// Package stream runs the long-lived ingestion tasks: one bar task and one
// ticker task per (venue, symbol), writing into the store and retiring
// symbols the venue permanently rejects.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/exchange"
	"github.com/cryptoradar/cryptoradar/internal/market"
	"github.com/cryptoradar/cryptoradar/internal/store"
)

// Config bounds the retry policy and per-venue fan-out.
type Config struct {
	Timeframe     string
	MaxRetries    int
	RetryDelay    time.Duration
	MaxBackoff    time.Duration
	TasksPerVenue int
}

func (c Config) withDefaults() Config {
	if c.Timeframe == "" {
		c.Timeframe = "1m"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.TasksPerVenue <= 0 {
		c.TasksPerVenue = 512
	}
	return c
}

// InvalidSet records symbols a venue permanently rejected. Entries survive
// until process exit; there is no resubscription path.
type InvalidSet struct {
	mu  sync.Mutex
	set map[string]map[string]bool
}

func NewInvalidSet() *InvalidSet {
	return &InvalidSet{set: make(map[string]map[string]bool)}
}

func (s *InvalidSet) Add(venue, symbol string) {
	s.mu.Lock()
	if s.set[venue] == nil {
		s.set[venue] = make(map[string]bool)
	}
	s.set[venue][symbol] = true
	s.mu.Unlock()
}

func (s *InvalidSet) Has(venue, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[venue][symbol]
}

func (s *InvalidSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, symbols := range s.set {
		n += len(symbols)
	}
	return n
}

// Supervisor owns the stream tasks. It writes into the store and never
// reads from it; detectors sit on the other side of that boundary.
type Supervisor struct {
	cfg     Config
	store   *store.Store
	invalid *InvalidSet

	// OnBar, when set, fires after each recorded bar. The coordinator uses
	// it to drive the event-based volatility check.
	OnBar func(venue, symbol string, bar market.Bar)
	// OnTicker and OnError feed the telemetry counters.
	OnTicker func(venue, symbol string)
	OnError  func(venue string, kind exchange.ErrorKind)

	wg    sync.WaitGroup
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewSupervisor(cfg Config, st *store.Store, invalid *InvalidSet) *Supervisor {
	if invalid == nil {
		invalid = NewInvalidSet()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		store:   st,
		invalid: invalid,
		slots:   make(map[string]chan struct{}),
	}
}

func (s *Supervisor) Invalid() *InvalidSet { return s.invalid }

// Watch starts the bar task for one subscription, and the ticker task when
// withTicker is set. Symbols already in the invalid set are refused.
func (s *Supervisor) Watch(ctx context.Context, a exchange.Adapter, symbol string, withTicker bool) {
	venue := a.ID()
	if s.invalid.Has(venue, symbol) {
		log.Debug().Str("venue", venue).Str("symbol", symbol).Msg("skipping invalid symbol")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.acquire(ctx, venue) {
			return
		}
		defer s.release(venue)
		s.runBars(ctx, a, symbol)
	}()
	if !withTicker {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.acquire(ctx, venue) {
			return
		}
		defer s.release(venue)
		s.runTicker(ctx, a, symbol)
	}()
}

// Wait blocks until every task has unwound.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) venueSlots(venue string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.slots[venue]
	if !ok {
		c = make(chan struct{}, s.cfg.TasksPerVenue)
		s.slots[venue] = c
	}
	return c
}

func (s *Supervisor) acquire(ctx context.Context, venue string) bool {
	select {
	case s.venueSlots(venue) <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) release(venue string) { <-s.venueSlots(venue) }

// runBars is one task of the state machine: Running on data, Backoff on
// transient errors, Invalid when the venue rejects the symbol or retries
// are exhausted.
func (s *Supervisor) runBars(ctx context.Context, a exchange.Adapter, symbol string) {
	venue := a.ID()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		cur, err := a.WatchOHLCV(ctx, symbol, s.cfg.Timeframe)
		if err != nil {
			if !s.handleErr(ctx, venue, symbol, err, &attempt) {
				return
			}
			continue
		}
		for {
			bar, err := cur.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !s.handleErr(ctx, venue, symbol, err, &attempt) {
					return
				}
				break // resubscribe
			}
			if err := s.store.RecordBar(venue, symbol, bar); err != nil {
				log.Warn().Err(err).Str("venue", venue).Str("symbol", symbol).Msg("bar rejected")
				continue
			}
			attempt = 0
			if s.OnBar != nil {
				s.OnBar(venue, symbol, bar)
			}
		}
	}
}

func (s *Supervisor) runTicker(ctx context.Context, a exchange.Adapter, symbol string) {
	venue := a.ID()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		cur, err := a.WatchTicker(ctx, symbol)
		if err != nil {
			if !s.handleErr(ctx, venue, symbol, err, &attempt) {
				return
			}
			continue
		}
		for {
			tick, err := cur.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !s.handleErr(ctx, venue, symbol, err, &attempt) {
					return
				}
				break
			}
			s.store.RecordTicker(venue, symbol, tick)
			attempt = 0
			if s.OnTicker != nil {
				s.OnTicker(venue, symbol)
			}
		}
	}
}

// handleErr applies the retry policy. It returns false when the task must
// exit; on a transient error it sleeps the backoff and returns true.
func (s *Supervisor) handleErr(ctx context.Context, venue, symbol string, err error, attempt *int) bool {
	kind := exchange.Classify(err)
	if s.OnError != nil && !errors.Is(err, exchange.ErrStreamClosed) {
		s.OnError(venue, kind)
	}
	switch kind {
	case exchange.PermanentSymbol:
		s.invalid.Add(venue, symbol)
		log.Info().Err(err).Str("venue", venue).Str("symbol", symbol).Msg("symbol marked invalid")
		return false
	case exchange.Transient:
		*attempt++
		if *attempt > s.cfg.MaxRetries {
			s.invalid.Add(venue, symbol)
			log.Warn().Err(err).Str("venue", venue).Str("symbol", symbol).
				Int("attempts", *attempt).Msg("retries exhausted, symbol marked invalid")
			return false
		}
		delay := s.backoff(*attempt)
		log.Warn().Err(err).Str("venue", venue).Str("symbol", symbol).
			Int("attempt", *attempt).Dur("delay", delay).Msg("transient stream error")
		select {
		case <-time.After(delay):
			return true
		case <-ctx.Done():
			return false
		}
	default:
		if errors.Is(err, exchange.ErrStreamClosed) {
			log.Debug().Str("venue", venue).Str("symbol", symbol).Msg("stream closed")
			return false
		}
		log.Error().Err(err).Str("venue", venue).Str("symbol", symbol).Msg("unexpected stream error")
		return false
	}
}

// backoff is base·2^(attempt-1), capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}
