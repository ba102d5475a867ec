package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

func init() {
	Register("gate", newGate)
}

const (
	gateRESTBase = "https://api.gateio.ws"
	gateSpotWS   = "wss://api.gateio.ws/ws/v4/"
	gateFutureWS = "wss://fx-ws.gateio.ws/v4/ws/usdt"
)

type gateAdapter struct {
	rest  *restClient
	conns *connSet

	mu  sync.Mutex
	raw map[string]string // unified -> BTC_USDT
}

func newGate(cfg Config) (Adapter, error) {
	return &gateAdapter{
		rest:  newRESTClient("gate", gateRESTBase, 5, cfg.Timeout),
		conns: newConnSet(),
		raw:   make(map[string]string),
	}, nil
}

func (g *gateAdapter) ID() string { return "gate" }

type gateSpotPair struct {
	ID          string `json:"id"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
	TradeStatus string `json:"trade_status"`
}

type gateContract struct {
	Name        string `json:"name"`
	InDelisting bool   `json:"in_delisting"`
}

func (g *gateAdapter) LoadMarkets(ctx context.Context) (map[string]market.Meta, error) {
	out := make(map[string]market.Meta)

	var pairs []gateSpotPair
	if err := g.rest.getJSON(ctx, "/api/v4/spot/currency_pairs", nil, &pairs); err != nil {
		return nil, fmt.Errorf("gate currency_pairs: %w", err)
	}
	g.mu.Lock()
	for _, p := range pairs {
		if p.TradeStatus != "tradable" || p.Base == "" || p.Quote == "" {
			continue
		}
		unified := p.Base + "/" + p.Quote
		g.raw[unified] = p.ID
		out[unified] = market.Meta{Symbol: unified, Base: p.Base, Quote: p.Quote, Active: true}
	}
	g.mu.Unlock()

	var contracts []gateContract
	if err := g.rest.getJSON(ctx, "/api/v4/futures/usdt/contracts", nil, &contracts); err != nil {
		return nil, fmt.Errorf("gate contracts: %w", err)
	}
	g.mu.Lock()
	for _, c := range contracts {
		if c.InDelisting {
			continue
		}
		parts := strings.SplitN(c.Name, "_", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		unified := parts[0] + "/" + parts[1] + ":" + parts[1]
		g.raw[unified] = c.Name
		out[unified] = market.Meta{Symbol: unified, Base: parts[0], Quote: parts[1], Active: true, Swap: true}
	}
	g.mu.Unlock()

	log.Debug().Int("markets", len(out)).Msg("gate markets loaded")
	return out, nil
}

type gateWsFrame struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// spot candle payloads carry every field as a string
type gateSpotCandle struct {
	T string `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	A string `json:"a"` // base amount
}

// futures candle payloads use numbers for time and size
type gateFuturesCandle struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
	O string  `json:"o"`
	H string  `json:"h"`
	L string  `json:"l"`
	C string  `json:"c"`
}

func (g *gateAdapter) WatchOHLCV(ctx context.Context, symbol, timeframe string) (BarCursor, error) {
	raw, contract, err := g.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}

	channel := "spot.candlesticks"
	if contract {
		channel = "futures.candlesticks"
	}
	conn, err := g.subscribe(ctx, contract, channel, []string{timeframe, raw})
	if err != nil {
		return nil, err
	}

	bars := make(chan market.Bar, 64)
	errs := make(chan error, 1)
	emit := func(bar market.Bar) {
		select {
		case bars <- bar:
		default:
		}
	}
	go g.readLoop(conn, symbol, channel, errs, func(result json.RawMessage) {
		if contract {
			var rows []gateFuturesCandle
			if err := json.Unmarshal(result, &rows); err != nil {
				return
			}
			for _, row := range rows {
				bar, err := gateFuturesBar(row)
				if err != nil {
					log.Warn().Err(err).Str("symbol", symbol).Msg("gate candle parse failed")
					continue
				}
				emit(bar)
			}
			return
		}
		var row gateSpotCandle
		if err := json.Unmarshal(result, &row); err != nil {
			return
		}
		bar, err := gateSpotBar(row)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("gate candle parse failed")
			return
		}
		emit(bar)
	})
	return &barStream{bars: bars, errs: errs}, nil
}

type gateSpotTicker struct {
	Last        string `json:"last"`
	LowestAsk   string `json:"lowest_ask"`
	HighestBid  string `json:"highest_bid"`
	BaseVolume  string `json:"base_volume"`
	QuoteVolume string `json:"quote_volume"`
}

// futures.tickers rows; volume_24h is in contracts, the _base/_quote
// variants are already converted
type gateFuturesTicker struct {
	Contract      string `json:"contract"`
	Last          string `json:"last"`
	Volume24Base  string `json:"volume_24h_base"`
	Volume24Quote string `json:"volume_24h_quote"`
}

func (g *gateAdapter) WatchTicker(ctx context.Context, symbol string) (TickerCursor, error) {
	raw, contract, err := g.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}

	channel := "spot.tickers"
	if contract {
		channel = "futures.tickers"
	}
	conn, err := g.subscribe(ctx, contract, channel, []string{raw})
	if err != nil {
		return nil, err
	}

	ticks := make(chan market.Ticker, 64)
	errs := make(chan error, 1)
	emit := func(t market.Ticker) {
		select {
		case ticks <- t:
		default:
		}
	}
	go g.readLoop(conn, symbol, channel, errs, func(result json.RawMessage) {
		if contract {
			var rows []gateFuturesTicker
			if err := json.Unmarshal(result, &rows); err != nil {
				return
			}
			for _, row := range rows {
				if row.Contract != "" && row.Contract != raw {
					continue
				}
				t, err := gateFuturesTickerRecord(row)
				if err != nil {
					continue
				}
				emit(t)
			}
			return
		}
		var row gateSpotTicker
		if err := json.Unmarshal(result, &row); err != nil {
			return
		}
		last, err := strconv.ParseFloat(row.Last, 64)
		if err != nil {
			return
		}
		bid, _ := strconv.ParseFloat(row.HighestBid, 64)
		ask, _ := strconv.ParseFloat(row.LowestAsk, 64)
		baseVol, _ := strconv.ParseFloat(row.BaseVolume, 64)
		quoteVol, _ := strconv.ParseFloat(row.QuoteVolume, 64)
		emit(market.Ticker{
			TS:          time.Now().UTC(),
			Bid:         bid,
			Ask:         ask,
			Last:        last,
			BaseVolume:  baseVol,
			QuoteVolume: quoteVol,
		})
	})
	return &tickerStream{ticks: ticks, errs: errs}, nil
}

func gateFuturesTickerRecord(row gateFuturesTicker) (market.Ticker, error) {
	last, err := strconv.ParseFloat(row.Last, 64)
	if err != nil {
		return market.Ticker{}, err
	}
	baseVol, _ := strconv.ParseFloat(row.Volume24Base, 64)
	quoteVol, _ := strconv.ParseFloat(row.Volume24Quote, 64)
	return market.Ticker{
		TS:          time.Now().UTC(),
		Last:        last,
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
	}, nil
}

func (g *gateAdapter) subscribe(ctx context.Context, contract bool, channel string, payload []string) (*wsConn, error) {
	wsURL := gateSpotWS
	ping := `{"time":%d,"channel":"spot.ping"}`
	if contract {
		wsURL = gateFutureWS
		ping = `{"time":%d,"channel":"futures.ping"}`
	}
	conn, err := dialWS(ctx, "gate", wsURL)
	if err != nil {
		return nil, err
	}
	conn.pingFrame = []byte(fmt.Sprintf(ping, time.Now().Unix()))
	req := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channel,
		"event":   "subscribe",
		"payload": payload,
	}
	if err := conn.writeJSON(req); err != nil {
		conn.Close()
		return nil, err
	}
	g.conns.add(conn)
	return conn, nil
}

func (g *gateAdapter) readLoop(conn *wsConn, symbol, channel string, errs chan<- error, emit func(json.RawMessage)) {
	defer g.conns.remove(conn)
	defer conn.Close()
	for {
		msg, err := conn.read()
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		var frame gateWsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			ferr := fmt.Errorf("gate: code %d: %s", frame.Error.Code, frame.Error.Message)
			// code 2: invalid argument, which on a single-symbol
			// subscription means the contract itself
			var out error = ferr
			if frame.Error.Code == 2 {
				out = &SymbolError{Symbol: symbol, Err: ferr}
			}
			select {
			case errs <- out:
			default:
			}
			return
		}
		if frame.Channel != channel || frame.Event != "update" || len(frame.Result) == 0 {
			continue
		}
		emit(frame.Result)
	}
}

func gateSpotBar(row gateSpotCandle) (market.Bar, error) {
	sec, err := strconv.ParseInt(row.T, 10, 64)
	if err != nil {
		return market.Bar{}, err
	}
	bar := market.Bar{TS: time.Unix(sec, 0).UTC()}
	if bar.Open, err = strconv.ParseFloat(row.O, 64); err != nil {
		return bar, err
	}
	if bar.High, err = strconv.ParseFloat(row.H, 64); err != nil {
		return bar, err
	}
	if bar.Low, err = strconv.ParseFloat(row.L, 64); err != nil {
		return bar, err
	}
	if bar.Close, err = strconv.ParseFloat(row.C, 64); err != nil {
		return bar, err
	}
	if row.A != "" {
		if bar.Volume, err = strconv.ParseFloat(row.A, 64); err != nil {
			return bar, err
		}
	}
	return bar, bar.Validate()
}

func gateFuturesBar(row gateFuturesCandle) (market.Bar, error) {
	bar := market.Bar{TS: time.Unix(row.T, 0).UTC(), Volume: row.V}
	var err error
	if bar.Open, err = strconv.ParseFloat(row.O, 64); err != nil {
		return bar, err
	}
	if bar.High, err = strconv.ParseFloat(row.H, 64); err != nil {
		return bar, err
	}
	if bar.Low, err = strconv.ParseFloat(row.L, 64); err != nil {
		return bar, err
	}
	if bar.Close, err = strconv.ParseFloat(row.C, 64); err != nil {
		return bar, err
	}
	return bar, bar.Validate()
}

func (g *gateAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error) {
	raw, contract, err := g.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	if contract {
		params := url.Values{
			"contract": {raw},
			"interval": {timeframe},
			"limit":    {strconv.Itoa(limit)},
		}
		if !since.IsZero() {
			params.Set("from", strconv.FormatInt(since.Unix(), 10))
			params.Del("limit") // from and limit are mutually exclusive
		}
		var rows []gateFuturesCandle
		if err := g.rest.getJSON(ctx, "/api/v4/futures/usdt/candlesticks", params, &rows); err != nil {
			return nil, gateRESTErr(symbol, err)
		}
		out := make([]market.Bar, 0, len(rows))
		for _, row := range rows {
			bar, err := gateFuturesBar(row)
			if err != nil {
				return nil, fmt.Errorf("gate candle %s: %w", symbol, err)
			}
			out = append(out, bar)
		}
		return out, nil
	}

	params := url.Values{
		"currency_pair": {raw},
		"interval":      {timeframe},
		"limit":         {strconv.Itoa(limit)},
	}
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.Unix(), 10))
		params.Del("limit")
	}
	// spot rows are positional arrays:
	// [ts, quote_volume, close, high, low, open, base_volume, closed]
	var rows [][]string
	if err := g.rest.getJSON(ctx, "/api/v4/spot/candlesticks", params, &rows); err != nil {
		return nil, gateRESTErr(symbol, err)
	}
	out := make([]market.Bar, 0, len(rows))
	for _, cols := range rows {
		if len(cols) < 7 {
			return nil, errors.New("gate: short candle row")
		}
		bar, err := gateSpotBar(gateSpotCandle{T: cols[0], O: cols[5], H: cols[3], L: cols[4], C: cols[2], A: cols[6]})
		if err != nil {
			return nil, fmt.Errorf("gate candle %s: %w", symbol, err)
		}
		out = append(out, bar)
	}
	return out, nil
}

func gateRESTErr(symbol string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid_currency_pair") || strings.Contains(msg, "contract_not_found") {
		return &SymbolError{Symbol: symbol, Err: err}
	}
	return err
}

func (g *gateAdapter) Close(ctx context.Context) error {
	g.conns.closeAll()
	return nil
}

func (g *gateAdapter) rawSymbol(symbol string) (raw string, contract bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.raw[symbol]; ok {
		return r, strings.Contains(symbol, ":"), nil
	}
	return "", false, &SymbolError{Symbol: symbol, Err: errors.New("not listed on gate")}
}
