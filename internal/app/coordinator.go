// Package app wires the pipeline together and owns its lifecycle: catalog
// load, stream fan-out, the periodic detector sweep, maintenance, and the
// bounded shutdown sequence.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/catalog"
	"github.com/cryptoradar/cryptoradar/internal/config"
	"github.com/cryptoradar/cryptoradar/internal/detect"
	"github.com/cryptoradar/cryptoradar/internal/exchange"
	"github.com/cryptoradar/cryptoradar/internal/history"
	"github.com/cryptoradar/cryptoradar/internal/market"
	"github.com/cryptoradar/cryptoradar/internal/notify"
	"github.com/cryptoradar/cryptoradar/internal/store"
	"github.com/cryptoradar/cryptoradar/internal/stream"
	"github.com/cryptoradar/cryptoradar/internal/telemetry"
)

const (
	maintenanceInterval = time.Minute
	closeTimeout        = 7 * time.Second
)

// Coordinator owns every long-lived component. Data flows one way:
// supervisor writes the store, detectors read snapshots, the gate forwards
// to the notifier.
type Coordinator struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	store    *store.Store
	sup      *stream.Supervisor
	adapters map[string]exchange.Adapter

	vol    *detect.Volatility
	basis  *detect.Basis
	spread *detect.Spread
	gate   *detect.Gate

	cooldown *detect.Cooldown
	daily    *history.Cache
	metrics  *telemetry.Registry

	// runCtx scopes event-driven dispatches to the running pipeline.
	runCtx context.Context
}

// New builds the pipeline. A venue whose adapter cannot be constructed is
// dropped; construction fails only when no venue survives.
func New(cfg config.Config) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      cfg,
		catalog:  catalog.New(cfg.PerpBlacklist),
		store:    store.New(cfg.LookbackMinutes),
		adapters: make(map[string]exchange.Adapter),
		metrics:  telemetry.NewRegistry(),
	}

	for _, venue := range venueUnion(cfg.Exchanges, cfg.PerpExchanges) {
		cred := cfg.VenueCredentials(venue)
		a, err := exchange.New(venue, exchange.Config{
			Credentials: exchange.Credentials{
				APIKey:     cred.APIKey,
				Secret:     cred.Secret,
				Passphrase: cred.Passphrase,
			},
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			log.Error().Err(err).Str("venue", venue).Msg("adapter init failed, venue dropped")
			continue
		}
		c.adapters[venue] = a
	}
	if len(c.adapters) == 0 {
		return nil, fmt.Errorf("app: no venue adapter could be constructed")
	}

	c.daily = history.NewCache(c.historyBackend(), cfg.MaxConcurrentRequests)
	c.daily.OnHit = c.metrics.DailyCacheHits.Inc
	c.daily.OnMiss = c.metrics.DailyCacheMisses.Inc
	for venue, a := range c.adapters {
		c.daily.Register(venue, a)
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

	c.gate = detect.NewGate(c.cooldown, buildNotifier(cfg))
	c.gate.OnSent = func(kind detect.Kind, n int) {
		c.metrics.AlertsEmitted.WithLabelValues(string(kind)).Add(float64(n))
	}
	c.gate.OnSuppressed = func(n int) {
		c.metrics.AlertsSuppressed.Add(float64(n))
	}

	c.sup = stream.NewSupervisor(stream.Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, c.store, nil)
	c.sup.OnBar = c.onBar
	c.sup.OnTicker = func(venue, _ string) {
		c.metrics.TickersRecorded.WithLabelValues(venue).Inc()
	}
	c.sup.OnError = func(venue string, kind exchange.ErrorKind) {
		c.metrics.StreamErrors.WithLabelValues(venue, kind.String()).Inc()
	}

	return c, nil
}

func (c *Coordinator) enabled(detector string) bool {
	for _, d := range c.cfg.Detectors {
		if d == detector {
			return true
		}
	}
	return false
}

// buildNotifier resolves the outbound channels: the primary webhook, an
// optional dedicated webhook for basis and cross-venue alerts, and a
// log-only fallback when nothing is configured.
func buildNotifier(cfg config.Config) detect.Notifier {
	if cfg.LarkWebhookURL == "" && cfg.SpotFuturesLarkWebhookURL == "" {
		log.Warn().Msg("no webhook configured, alerts go to the log")
		return notify.Logger{}
	}
	var primary detect.Notifier = notify.Logger{}
	if cfg.LarkWebhookURL != "" {
		primary = notify.NewLark(cfg.LarkWebhookURL, cfg.LarkSecret, cfg.RequestTimeout)
	}
	if cfg.SpotFuturesLarkWebhookURL == "" {
		return primary
	}
	secondary := notify.NewLark(cfg.SpotFuturesLarkWebhookURL, cfg.SpotFuturesLarkSecret, cfg.RequestTimeout)
	return &notify.Router{
		Default: primary,
		ByKind: map[detect.Kind]detect.Notifier{
			detect.KindBasis:  secondary,
			detect.KindSpread: secondary,
		},
	}
}

// historyBackend picks Redis when configured, else the disk cache, else the
// in-process map.
func (c *Coordinator) historyBackend() history.Backend {
	if c.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
		log.Info().Str("addr", c.cfg.RedisAddr).Msg("daily cache backed by redis")
		return history.NewRedisBackend(client, "cryptoradar")
	}
	if c.cfg.CacheDir != "" {
		backend, err := history.NewDiskBackend(c.cfg.CacheDir)
		if err == nil {
			log.Info().Str("dir", c.cfg.CacheDir).Msg("daily cache backed by disk")
			return backend
		}
		log.Warn().Err(err).Str("dir", c.cfg.CacheDir).Msg("disk cache unavailable")
	}
	return history.NewMemoryBackend()
}

// Run drives the pipeline until ctx is cancelled, then unwinds it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	if err := c.loadCatalogs(ctx); err != nil {
		return err
	}

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := c.metrics.Serve(ctx, c.cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	c.subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.scanLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown requested")
	wg.Wait()
	c.sup.Wait()
	c.closeAdapters()
	log.Info().Msg("shutdown complete")
	return nil
}

// loadCatalogs fetches each venue's instrument list. A venue that cannot
// load is dropped; at least one must survive.
func (c *Coordinator) loadCatalogs(ctx context.Context) error {
	for venue, a := range c.adapters {
		metas, err := a.LoadMarkets(ctx)
		if err != nil {
			log.Error().Err(err).Str("venue", venue).Msg("market load failed, venue dropped")
			delete(c.adapters, venue)
			continue
		}
		c.catalog.Replace(venue, metas)
	}
	if len(c.adapters) == 0 {
		return fmt.Errorf("app: every venue failed to load markets")
	}
	return nil
}

// subscribe fans out the stream tasks: spot and perpetual candles for the
// detector venues, candles plus tickers for the cross-venue perpetuals.
func (c *Coordinator) subscribe(ctx context.Context) {
	wantSpot, wantFuture := false, false
	for _, t := range c.cfg.MarketTypes {
		switch t {
		case "spot":
			wantSpot = true
		case "future":
			wantFuture = true
		}
	}

	if c.enabled("volatility") || c.enabled("basis") {
		for _, venue := range c.cfg.Exchanges {
			a, ok := c.adapters[venue]
			if !ok {
				continue
			}
			if wantSpot {
				for _, symbol := range c.catalog.SpotSymbols(venue, 0) {
					c.sup.Watch(ctx, a, symbol, false)
				}
			}
			if wantFuture {
				for _, symbol := range c.catalog.PerpetualSymbols(venue, 0) {
					c.sup.Watch(ctx, a, symbol, false)
				}
			}
		}
	}

	if !c.enabled("spread") {
		return
	}
	// cross-venue pairs also need ticker volume
	intersection := c.catalog.PerpetualIntersection(c.cfg.PerpExchanges)
	for _, byVenue := range intersection {
		for venue, symbol := range byVenue {
			a, ok := c.adapters[venue]
			if !ok {
				continue
			}
			c.sup.Watch(ctx, a, symbol, true)
		}
	}
}

// onBar is the event-driven volatility path: one check for the key that
// just advanced.
func (c *Coordinator) onBar(venue, symbol string, _ market.Bar) {
	c.metrics.BarsRecorded.WithLabelValues(venue).Inc()
	if !c.enabled("volatility") {
		return
	}

	typ := c.catalog.Classify(venue, symbol)
	if typ != market.Spot && typ != market.Perpetual {
		return
	}
	bars, ticker, ok := c.store.Snapshot(venue, symbol)
	if !ok {
		return
	}
	frame := market.Frame{Venue: venue, Symbol: symbol, Type: typ, Bars: bars, Ticker: ticker}
	base := c.runCtx
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, c.cfg.RequestTimeout)
	defer cancel()
	if alert, fired := c.vol.Check(ctx, time.Now().UTC(), frame); fired {
		c.gate.Dispatch(ctx, []detect.Alert{alert})
	}
}

// scanLoop is the periodic sweep: one snapshot, all three detectors, one
// dispatch batch.
func (c *Coordinator) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanOnce(ctx)
		}
	}
}

func (c *Coordinator) scanOnce(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	snapshot := c.store.SnapshotAll(c.catalog, now)
	var alerts []detect.Alert
	if c.enabled("volatility") {
		alerts = append(alerts, c.vol.Sweep(ctx, now, snapshot)...)
	}
	if c.enabled("basis") {
		alerts = append(alerts, c.basis.Run(now, snapshot)...)
	}
	if c.enabled("spread") {
		intersection := c.catalog.PerpetualIntersection(c.cfg.PerpExchanges)
		alerts = append(alerts, c.spread.Run(now, intersection, snapshot)...)
	}

	sent := c.gate.Dispatch(ctx, alerts)
	c.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	c.metrics.InvalidSymbols.Set(float64(c.sup.Invalid().Len()))
	log.Debug().
		Int("candidates", len(alerts)).
		Int("sent", sent).
		Dur("took", time.Since(start)).
		Msg("detector sweep finished")
}

// maintenanceLoop garbage-collects cooldown entries and expired daily
// windows.
func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			purged := c.cooldown.Purge(now)
			expired := c.daily.Purge(ctx, now)
			if purged > 0 || expired > 0 {
				log.Debug().Int("cooldowns", purged).Int("daily", expired).Msg("maintenance pass")
			}
		}
	}
}

// closeAdapters releases every venue with a bounded timeout; stragglers are
// abandoned rather than blocking shutdown.
func (c *Coordinator) closeAdapters() {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for venue, a := range c.adapters {
		wg.Add(1)
		go func(venue string, a exchange.Adapter) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- a.Close(closeCtx) }()
			select {
			case err := <-done:
				if err != nil {
					log.Warn().Err(err).Str("venue", venue).Msg("adapter close failed")
				}
			case <-closeCtx.Done():
				log.Warn().Str("venue", venue).Msg("adapter close timed out, abandoned")
			}
		}(venue, a)
	}
	wg.Wait()
}

func venueUnion(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
