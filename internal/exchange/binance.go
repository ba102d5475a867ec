package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

func init() {
	Register("binance", newBinance)
}

// binanceAdapter covers both the spot API and the USD-M futures API behind
// one venue id. Unified symbols carry a ":USDT" settle suffix for contracts,
// which picks the segment.
type binanceAdapter struct {
	spot    *binance.Client
	perp    *futures.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	spotRaw map[string]string
	perpRaw map[string]string
	stops   []chan struct{}
	closed  bool
}

func newBinance(cfg Config) (Adapter, error) {
	b := &binanceAdapter{
		spot: binance.NewClient(cfg.Credentials.APIKey, cfg.Credentials.Secret),
		perp: futures.NewClient(cfg.Credentials.APIKey, cfg.Credentials.Secret),
		// Binance weight budget is generous; 10 rps with a small burst keeps
		// the market-data endpoints well clear of bans.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "binance-rest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		spotRaw: make(map[string]string),
		perpRaw: make(map[string]string),
	}
	if cfg.Timeout > 0 {
		b.spot.HTTPClient.Timeout = cfg.Timeout
		b.perp.HTTPClient.Timeout = cfg.Timeout
	}
	return b, nil
}

func (b *binanceAdapter) ID() string { return "binance" }

func (b *binanceAdapter) LoadMarkets(ctx context.Context) (map[string]market.Meta, error) {
	out := make(map[string]market.Meta)

	spotInfo, err := b.restExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance spot exchangeInfo: %w", err)
	}
	b.mu.Lock()
	for _, s := range spotInfo.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed {
			continue
		}
		unified := s.BaseAsset + "/" + s.QuoteAsset
		b.spotRaw[unified] = s.Symbol
		out[unified] = market.Meta{
			Symbol: unified,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: true,
		}
	}
	b.mu.Unlock()

	perpInfo, err := b.restFuturesInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance futures exchangeInfo: %w", err)
	}
	b.mu.Lock()
	for _, s := range perpInfo.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		meta := market.Meta{Base: s.BaseAsset, Quote: s.QuoteAsset, Active: true}
		var unified string
		if s.ContractType == futures.ContractTypePerpetual {
			unified = s.BaseAsset + "/" + s.QuoteAsset + ":" + s.QuoteAsset
			meta.Swap = true
		} else {
			delivery := time.UnixMilli(s.DeliveryDate).UTC().Format("060102")
			unified = s.BaseAsset + "/" + s.QuoteAsset + ":" + s.QuoteAsset + "-" + delivery
			meta.Future = true
		}
		meta.Symbol = unified
		b.perpRaw[unified] = s.Symbol
		out[unified] = meta
	}
	b.mu.Unlock()

	log.Debug().Int("markets", len(out)).Msg("binance markets loaded")
	return out, nil
}

func (b *binanceAdapter) restExchangeInfo(ctx context.Context) (*binance.ExchangeInfo, error) {
	v, err := b.rest(ctx, func() (interface{}, error) {
		return b.spot.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*binance.ExchangeInfo), nil
}

func (b *binanceAdapter) restFuturesInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	v, err := b.rest(ctx, func() (interface{}, error) {
		return b.perp.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*futures.ExchangeInfo), nil
}

// rest funnels every HTTP call through the shared limiter and breaker.
func (b *binanceAdapter) rest(ctx context.Context, call func() (interface{}, error)) (interface{}, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.breaker.Execute(call)
}

func (b *binanceAdapter) WatchOHLCV(ctx context.Context, symbol, timeframe string) (BarCursor, error) {
	raw, contract, err := b.raw(symbol)
	if err != nil {
		return nil, err
	}

	bars := make(chan market.Bar, 64)
	errs := make(chan error, 1)
	fail := func(err error) {
		select {
		case errs <- wrapBinanceErr(symbol, err):
		default:
		}
	}

	var stopC chan struct{}
	if contract {
		handler := func(ev *futures.WsKlineEvent) {
			bar, err := binanceWsBar(ev.Kline.StartTime, ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close, ev.Kline.Volume)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("binance kline parse failed")
				return
			}
			select {
			case bars <- bar:
			default:
				// consumer lagging; latest-wins, stale forming bars are droppable
			}
		}
		_, stopC, err = futures.WsKlineServe(raw, timeframe, handler, fail)
	} else {
		handler := func(ev *binance.WsKlineEvent) {
			bar, err := binanceWsBar(ev.Kline.StartTime, ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close, ev.Kline.Volume)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("binance kline parse failed")
				return
			}
			select {
			case bars <- bar:
			default:
			}
		}
		_, stopC, err = binance.WsKlineServe(raw, timeframe, handler, fail)
	}
	if err != nil {
		return nil, wrapBinanceErr(symbol, err)
	}
	b.track(stopC)
	return &barStream{bars: bars, errs: errs}, nil
}

func (b *binanceAdapter) WatchTicker(ctx context.Context, symbol string) (TickerCursor, error) {
	raw, contract, err := b.raw(symbol)
	if err != nil {
		return nil, err
	}

	ticks := make(chan market.Ticker, 64)
	errs := make(chan error, 1)
	fail := func(err error) {
		select {
		case errs <- wrapBinanceErr(symbol, err):
		default:
		}
	}

	var stopC chan struct{}
	if contract {
		handler := func(ev *futures.WsMarketTickerEvent) {
			t, err := binanceFuturesTicker(ev)
			if err != nil {
				return
			}
			select {
			case ticks <- t:
			default:
			}
		}
		_, stopC, err = futures.WsMarketTickerServe(raw, handler, fail)
	} else {
		handler := func(ev *binance.WsMarketStatEvent) {
			t, err := binanceStatTicker(ev)
			if err != nil {
				return
			}
			select {
			case ticks <- t:
			default:
			}
		}
		_, stopC, err = binance.WsMarketStatServe(raw, handler, fail)
	}
	if err != nil {
		return nil, wrapBinanceErr(symbol, err)
	}
	b.track(stopC)
	return &tickerStream{ticks: ticks, errs: errs}, nil
}

func (b *binanceAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error) {
	raw, contract, err := b.raw(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	if contract {
		v, err := b.rest(ctx, func() (interface{}, error) {
			svc := b.perp.NewKlinesService().Symbol(raw).Interval(timeframe).Limit(limit)
			if !since.IsZero() {
				svc = svc.StartTime(since.UnixMilli())
			}
			return svc.Do(ctx)
		})
		if err != nil {
			return nil, wrapBinanceErr(symbol, err)
		}
		klines := v.([]*futures.Kline)
		out := make([]market.Bar, 0, len(klines))
		for _, k := range klines {
			bar, err := binanceWsBar(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				return nil, fmt.Errorf("binance kline %s: %w", symbol, err)
			}
			out = append(out, bar)
		}
		return out, nil
	}

	v, err := b.rest(ctx, func() (interface{}, error) {
		svc := b.spot.NewKlinesService().Symbol(raw).Interval(timeframe).Limit(limit)
		if !since.IsZero() {
			svc = svc.StartTime(since.UnixMilli())
		}
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, wrapBinanceErr(symbol, err)
	}
	klines := v.([]*binance.Kline)
	out := make([]market.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := binanceWsBar(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("binance kline %s: %w", symbol, err)
		}
		out = append(out, bar)
	}
	return out, nil
}

func (b *binanceAdapter) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, stop := range b.stops {
		close(stop)
	}
	b.stops = nil
	return nil
}

func (b *binanceAdapter) raw(symbol string) (raw string, contract bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.Contains(symbol, ":") {
		if r, ok := b.perpRaw[symbol]; ok {
			return r, true, nil
		}
	} else if r, ok := b.spotRaw[symbol]; ok {
		return r, false, nil
	}
	return "", false, &SymbolError{Symbol: symbol, Err: errors.New("not listed on binance")}
}

func (b *binanceAdapter) track(stop chan struct{}) {
	b.mu.Lock()
	if b.closed {
		close(stop)
	} else {
		b.stops = append(b.stops, stop)
	}
	b.mu.Unlock()
}

func binanceWsBar(openTime int64, o, h, l, c, v string) (market.Bar, error) {
	var bar market.Bar
	var err error
	bar.TS = time.UnixMilli(openTime).UTC()
	if bar.Open, err = strconv.ParseFloat(o, 64); err != nil {
		return bar, err
	}
	if bar.High, err = strconv.ParseFloat(h, 64); err != nil {
		return bar, err
	}
	if bar.Low, err = strconv.ParseFloat(l, 64); err != nil {
		return bar, err
	}
	if bar.Close, err = strconv.ParseFloat(c, 64); err != nil {
		return bar, err
	}
	if bar.Volume, err = strconv.ParseFloat(v, 64); err != nil {
		return bar, err
	}
	return bar, bar.Validate()
}

func binanceStatTicker(ev *binance.WsMarketStatEvent) (market.Ticker, error) {
	last, err := strconv.ParseFloat(ev.LastPrice, 64)
	if err != nil {
		return market.Ticker{}, err
	}
	bid, _ := strconv.ParseFloat(ev.BidPrice, 64)
	ask, _ := strconv.ParseFloat(ev.AskPrice, 64)
	baseVol, _ := strconv.ParseFloat(ev.BaseVolume, 64)
	quoteVol, _ := strconv.ParseFloat(ev.QuoteVolume, 64)
	return market.Ticker{
		TS:          time.UnixMilli(ev.Time).UTC(),
		Bid:         bid,
		Ask:         ask,
		Last:        last,
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
	}, nil
}

// The futures 24h ticker stream carries no bid/ask, only last price and
// rolling volumes. That is what the spread comparison keys on.
func binanceFuturesTicker(ev *futures.WsMarketTickerEvent) (market.Ticker, error) {
	last, err := strconv.ParseFloat(ev.ClosePrice, 64)
	if err != nil {
		return market.Ticker{}, err
	}
	baseVol, _ := strconv.ParseFloat(ev.BaseVolume, 64)
	quoteVol, _ := strconv.ParseFloat(ev.QuoteVolume, 64)
	return market.Ticker{
		TS:          time.UnixMilli(ev.Time).UTC(),
		Last:        last,
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
	}, nil
}

// wrapBinanceErr converts the client's typed API errors into the facade's
// classification. -1121 and -1100 are symbol-level rejections.
func wrapBinanceErr(symbol string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1121, -1100:
			return &SymbolError{Symbol: symbol, Err: err}
		}
	}
	return err
}
