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
	Register("bybit", newBybit)
}

const (
	bybitRESTBase = "https://api.bybit.com"
	bybitSpotWS   = "wss://stream.bybit.com/v5/public/spot"
	bybitLinearWS = "wss://stream.bybit.com/v5/public/linear"
)

type bybitAdapter struct {
	rest  *restClient
	conns *connSet

	mu  sync.Mutex
	raw map[string]string // unified -> exchange symbol
}

func newBybit(cfg Config) (Adapter, error) {
	return &bybitAdapter{
		rest:  newRESTClient("bybit", bybitRESTBase, 5, cfg.Timeout),
		conns: newConnSet(),
		raw:   make(map[string]string),
	}, nil
}

func (b *bybitAdapter) ID() string { return "bybit" }

type bybitInstrument struct {
	Symbol       string `json:"symbol"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	DeliveryTime string `json:"deliveryTime"`
}

type bybitInstrumentsResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string            `json:"category"`
		List     []bybitInstrument `json:"list"`
	} `json:"result"`
}

func (b *bybitAdapter) LoadMarkets(ctx context.Context) (map[string]market.Meta, error) {
	out := make(map[string]market.Meta)
	for _, category := range []string{"spot", "linear"} {
		var resp bybitInstrumentsResp
		params := url.Values{"category": {category}, "limit": {"1000"}}
		if err := b.rest.getJSON(ctx, "/v5/market/instruments-info", params, &resp); err != nil {
			return nil, fmt.Errorf("bybit instruments %s: %w", category, err)
		}
		if resp.RetCode != 0 {
			return nil, fmt.Errorf("bybit instruments %s: code %d: %s", category, resp.RetCode, resp.RetMsg)
		}
		for _, inst := range resp.Result.List {
			if inst.Status != "Trading" {
				continue
			}
			meta, unified, ok := bybitMeta(category, inst)
			if !ok {
				continue
			}
			b.mu.Lock()
			b.raw[unified] = inst.Symbol
			b.mu.Unlock()
			out[unified] = meta
		}
	}
	log.Debug().Int("markets", len(out)).Msg("bybit markets loaded")
	return out, nil
}

func bybitMeta(category string, inst bybitInstrument) (market.Meta, string, bool) {
	if inst.BaseCoin == "" || inst.QuoteCoin == "" {
		return market.Meta{}, "", false
	}
	if category == "spot" {
		unified := inst.BaseCoin + "/" + inst.QuoteCoin
		return market.Meta{Symbol: unified, Base: inst.BaseCoin, Quote: inst.QuoteCoin, Active: true}, unified, true
	}
	settle := inst.SettleCoin
	if settle == "" {
		settle = inst.QuoteCoin
	}
	unified := inst.BaseCoin + "/" + inst.QuoteCoin + ":" + settle
	meta := market.Meta{Base: inst.BaseCoin, Quote: inst.QuoteCoin, Active: true}
	if inst.ContractType == "LinearFutures" {
		ms, err := strconv.ParseInt(inst.DeliveryTime, 10, 64)
		if err != nil || ms == 0 {
			return market.Meta{}, "", false
		}
		unified += "-" + time.UnixMilli(ms).UTC().Format("060102")
		meta.Future = true
	} else {
		meta.Swap = true
	}
	meta.Symbol = unified
	return meta, unified, true
}

// bybitInterval maps timeframes to v5 interval codes: minutes are bare
// numbers, hours are minutes, day/week are letters.
func bybitInterval(timeframe string) (string, error) {
	switch {
	case strings.HasSuffix(timeframe, "m"):
		return strings.TrimSuffix(timeframe, "m"), nil
	case strings.HasSuffix(timeframe, "h"):
		n, err := strconv.Atoi(strings.TrimSuffix(timeframe, "h"))
		if err != nil {
			return "", fmt.Errorf("bybit: bad timeframe %q", timeframe)
		}
		return strconv.Itoa(n * 60), nil
	case timeframe == "1d":
		return "D", nil
	case timeframe == "1w":
		return "W", nil
	}
	return "", fmt.Errorf("bybit: bad timeframe %q", timeframe)
}

func bybitWSURL(contract bool) string {
	if contract {
		return bybitLinearWS
	}
	return bybitSpotWS
}

type bybitWsMsg struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type bybitWsKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

func (b *bybitAdapter) WatchOHLCV(ctx context.Context, symbol, timeframe string) (BarCursor, error) {
	raw, contract, err := b.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}
	interval, err := bybitInterval(timeframe)
	if err != nil {
		return nil, err
	}

	topic := "kline." + interval + "." + raw
	conn, err := b.subscribe(ctx, contract, topic)
	if err != nil {
		return nil, err
	}

	bars := make(chan market.Bar, 64)
	errs := make(chan error, 1)
	go b.readLoop(conn, symbol, errs, func(data json.RawMessage) {
		var rows []bybitWsKline
		if err := json.Unmarshal(data, &rows); err != nil {
			return
		}
		for _, row := range rows {
			bar, err := bybitBar(row)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("bybit kline parse failed")
				continue
			}
			select {
			case bars <- bar:
			default:
			}
		}
	})
	return &barStream{bars: bars, errs: errs}, nil
}

type bybitWsTicker struct {
	LastPrice   string `json:"lastPrice"`
	Bid1Price   string `json:"bid1Price"`
	Ask1Price   string `json:"ask1Price"`
	Volume24h   string `json:"volume24h"`
	Turnover24h string `json:"turnover24h"`
}

func (b *bybitAdapter) WatchTicker(ctx context.Context, symbol string) (TickerCursor, error) {
	raw, contract, err := b.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}

	conn, err := b.subscribe(ctx, contract, "tickers."+raw)
	if err != nil {
		return nil, err
	}

	ticks := make(chan market.Ticker, 64)
	errs := make(chan error, 1)
	// linear tickers are delta frames; carry the last full state forward
	var state market.Ticker
	go b.readLoop(conn, symbol, errs, func(data json.RawMessage) {
		var row bybitWsTicker
		if err := json.Unmarshal(data, &row); err != nil {
			return
		}
		t := state
		t.TS = time.Now().UTC()
		if v, err := strconv.ParseFloat(row.LastPrice, 64); err == nil {
			t.Last = v
		}
		if v, err := strconv.ParseFloat(row.Bid1Price, 64); err == nil {
			t.Bid = v
		}
		if v, err := strconv.ParseFloat(row.Ask1Price, 64); err == nil {
			t.Ask = v
		}
		if v, err := strconv.ParseFloat(row.Volume24h, 64); err == nil {
			t.BaseVolume = v
		}
		if v, err := strconv.ParseFloat(row.Turnover24h, 64); err == nil {
			t.QuoteVolume = v
		}
		state = t
		select {
		case ticks <- t:
		default:
		}
	})
	return &tickerStream{ticks: ticks, errs: errs}, nil
}

func (b *bybitAdapter) subscribe(ctx context.Context, contract bool, topic string) (*wsConn, error) {
	conn, err := dialWS(ctx, "bybit", bybitWSURL(contract))
	if err != nil {
		return nil, err
	}
	conn.pingFrame = []byte(`{"op":"ping"}`)
	if err := conn.writeJSON(map[string]interface{}{"op": "subscribe", "args": []string{topic}}); err != nil {
		conn.Close()
		return nil, err
	}
	b.conns.add(conn)
	return conn, nil
}

func (b *bybitAdapter) readLoop(conn *wsConn, symbol string, errs chan<- error, emit func(json.RawMessage)) {
	defer b.conns.remove(conn)
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
		var frame bybitWsMsg
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Op == "pong" || frame.Op == "ping" {
			continue
		}
		if frame.Success != nil && !*frame.Success {
			// a rejected single-topic subscription is symbol-level
			err := &SymbolError{Symbol: symbol, Err: fmt.Errorf("bybit: %s", frame.RetMsg)}
			select {
			case errs <- err:
			default:
			}
			return
		}
		if frame.Topic == "" || len(frame.Data) == 0 {
			continue
		}
		emit(frame.Data)
	}
}

func bybitBar(row bybitWsKline) (market.Bar, error) {
	bar := market.Bar{TS: time.UnixMilli(row.Start).UTC()}
	var err error
	if bar.Open, err = strconv.ParseFloat(row.Open, 64); err != nil {
		return bar, err
	}
	if bar.High, err = strconv.ParseFloat(row.High, 64); err != nil {
		return bar, err
	}
	if bar.Low, err = strconv.ParseFloat(row.Low, 64); err != nil {
		return bar, err
	}
	if bar.Close, err = strconv.ParseFloat(row.Close, 64); err != nil {
		return bar, err
	}
	if bar.Volume, err = strconv.ParseFloat(row.Volume, 64); err != nil {
		return bar, err
	}
	return bar, bar.Validate()
}

type bybitKlineResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

func (b *bybitAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error) {
	raw, contract, err := b.rawSymbol(symbol)
	if err != nil {
		return nil, err
	}
	interval, err := bybitInterval(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	category := "spot"
	if contract {
		category = "linear"
	}
	params := url.Values{
		"category": {category},
		"symbol":   {raw},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var resp bybitKlineResp
	if err := b.rest.getJSON(ctx, "/v5/market/kline", params, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		err := fmt.Errorf("bybit kline: code %d: %s", resp.RetCode, resp.RetMsg)
		if resp.RetCode == 10001 {
			return nil, &SymbolError{Symbol: symbol, Err: err}
		}
		return nil, err
	}
	// rows arrive newest first
	out := make([]market.Bar, 0, len(resp.Result.List))
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		cols := resp.Result.List[i]
		if len(cols) < 6 {
			return nil, errors.New("bybit: short kline row")
		}
		ms, err := strconv.ParseInt(cols[0], 10, 64)
		if err != nil {
			return nil, err
		}
		row := bybitWsKline{Start: ms, Open: cols[1], High: cols[2], Low: cols[3], Close: cols[4], Volume: cols[5]}
		bar, err := bybitBar(row)
		if err != nil {
			return nil, fmt.Errorf("bybit kline %s: %w", symbol, err)
		}
		out = append(out, bar)
	}
	return out, nil
}

func (b *bybitAdapter) Close(ctx context.Context) error {
	b.conns.closeAll()
	return nil
}

func (b *bybitAdapter) rawSymbol(symbol string) (raw string, contract bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.raw[symbol]; ok {
		return r, strings.Contains(symbol, ":"), nil
	}
	return "", false, &SymbolError{Symbol: symbol, Err: errors.New("not listed on bybit")}
}
