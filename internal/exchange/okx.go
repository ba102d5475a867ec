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
	Register("okx", newOKX)
}

const (
	okxRESTBase   = "https://www.okx.com"
	okxPublicWS   = "wss://ws.okx.com:8443/ws/v5/public"
	okxBusinessWS = "wss://ws.okx.com:8443/ws/v5/business"
)

type okxAdapter struct {
	rest  *restClient
	conns *connSet

	mu  sync.Mutex
	ids map[string]string // unified -> instId
}

func newOKX(cfg Config) (Adapter, error) {
	return &okxAdapter{
		rest:  newRESTClient("okx", okxRESTBase, 5, cfg.Timeout),
		conns: newConnSet(),
		ids:   make(map[string]string),
	}, nil
}

func (o *okxAdapter) ID() string { return "okx" }

type okxInstrument struct {
	InstID    string `json:"instId"`
	InstType  string `json:"instType"`
	BaseCcy   string `json:"baseCcy"`
	QuoteCcy  string `json:"quoteCcy"`
	Uly       string `json:"uly"`
	SettleCcy string `json:"settleCcy"`
	State     string `json:"state"`
}

type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data []okxInstrument `json:"data"`
}

func (o *okxAdapter) LoadMarkets(ctx context.Context) (map[string]market.Meta, error) {
	out := make(map[string]market.Meta)
	for _, instType := range []string{"SPOT", "SWAP", "FUTURES"} {
		var resp okxResponse
		params := url.Values{"instType": {instType}}
		if err := o.rest.getJSON(ctx, "/api/v5/public/instruments", params, &resp); err != nil {
			return nil, fmt.Errorf("okx instruments %s: %w", instType, err)
		}
		if resp.Code != "0" {
			return nil, fmt.Errorf("okx instruments %s: code %s: %s", instType, resp.Code, resp.Msg)
		}
		for _, inst := range resp.Data {
			if inst.State != "live" {
				continue
			}
			meta, unified, ok := okxMeta(inst)
			if !ok {
				continue
			}
			o.mu.Lock()
			o.ids[unified] = inst.InstID
			o.mu.Unlock()
			out[unified] = meta
		}
	}
	log.Debug().Int("markets", len(out)).Msg("okx markets loaded")
	return out, nil
}

// okxMeta maps an instrument row to the unified form. Contract base/quote
// come from the underlying ("BTC-USDT"); the settle suffix keys the segment.
func okxMeta(inst okxInstrument) (market.Meta, string, bool) {
	switch inst.InstType {
	case "SPOT":
		if inst.BaseCcy == "" || inst.QuoteCcy == "" {
			return market.Meta{}, "", false
		}
		unified := inst.BaseCcy + "/" + inst.QuoteCcy
		return market.Meta{Symbol: unified, Base: inst.BaseCcy, Quote: inst.QuoteCcy, Active: true}, unified, true
	case "SWAP":
		base, quote, ok := splitOKXUnderlying(inst.Uly)
		if !ok {
			return market.Meta{}, "", false
		}
		unified := base + "/" + quote + ":" + inst.SettleCcy
		return market.Meta{Symbol: unified, Base: base, Quote: quote, Active: true, Swap: true}, unified, true
	case "FUTURES":
		base, quote, ok := splitOKXUnderlying(inst.Uly)
		if !ok {
			return market.Meta{}, "", false
		}
		// instId carries the expiry: BTC-USDT-250926
		parts := strings.Split(inst.InstID, "-")
		if len(parts) < 3 {
			return market.Meta{}, "", false
		}
		unified := base + "/" + quote + ":" + inst.SettleCcy + "-" + parts[len(parts)-1]
		return market.Meta{Symbol: unified, Base: base, Quote: quote, Active: true, Future: true}, unified, true
	}
	return market.Meta{}, "", false
}

func splitOKXUnderlying(uly string) (base, quote string, ok bool) {
	parts := strings.SplitN(uly, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// okxBarName maps a timeframe to the candle channel / REST bar name.
// Minutes stay lowercase; hours and days are uppercased per the v5 API.
func okxBarName(timeframe string) string {
	if strings.HasSuffix(timeframe, "h") || strings.HasSuffix(timeframe, "d") || strings.HasSuffix(timeframe, "w") {
		return timeframe[:len(timeframe)-1] + strings.ToUpper(timeframe[len(timeframe)-1:])
	}
	return timeframe
}

type okxWsPush struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

func (o *okxAdapter) WatchOHLCV(ctx context.Context, symbol, timeframe string) (BarCursor, error) {
	instID, err := o.instID(symbol)
	if err != nil {
		return nil, err
	}
	channel := "candle" + okxBarName(timeframe)

	conn, err := dialWS(ctx, "okx", okxBusinessWS)
	if err != nil {
		return nil, err
	}
	conn.pingFrame = []byte("ping")
	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": channel, "instId": instID}},
	}
	if err := conn.writeJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	o.conns.add(conn)

	bars := make(chan market.Bar, 64)
	errs := make(chan error, 1)
	go o.readLoop(conn, symbol, errs, func(data []json.RawMessage) {
		for _, row := range data {
			bar, err := okxCandleBar(row)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("okx candle parse failed")
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

func (o *okxAdapter) WatchTicker(ctx context.Context, symbol string) (TickerCursor, error) {
	instID, err := o.instID(symbol)
	if err != nil {
		return nil, err
	}

	conn, err := dialWS(ctx, "okx", okxPublicWS)
	if err != nil {
		return nil, err
	}
	conn.pingFrame = []byte("ping")
	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "tickers", "instId": instID}},
	}
	if err := conn.writeJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	o.conns.add(conn)

	ticks := make(chan market.Ticker, 64)
	errs := make(chan error, 1)
	go o.readLoop(conn, symbol, errs, func(data []json.RawMessage) {
		for _, row := range data {
			t, err := okxTicker(row)
			if err != nil {
				continue
			}
			select {
			case ticks <- t:
			default:
			}
		}
	})
	return &tickerStream{ticks: ticks, errs: errs}, nil
}

// readLoop drains one subscription connection, routing data rows to emit and
// surfacing the first failure.
func (o *okxAdapter) readLoop(conn *wsConn, symbol string, errs chan<- error, emit func([]json.RawMessage)) {
	defer o.conns.remove(conn)
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
		if string(msg) == "pong" {
			continue
		}
		var push okxWsPush
		if err := json.Unmarshal(msg, &push); err != nil {
			continue
		}
		if push.Event == "error" {
			err := fmt.Errorf("okx: code %s: %s", push.Code, push.Msg)
			if okxSymbolErrorCode(push.Code) {
				err = &SymbolError{Symbol: symbol, Err: err}
			}
			select {
			case errs <- err:
			default:
			}
			return
		}
		if push.Event != "" || len(push.Data) == 0 {
			continue
		}
		emit(push.Data)
	}
}

// 60018/60019: channel or instrument doesn't exist.
func okxSymbolErrorCode(code string) bool {
	return code == "60018" || code == "60019"
}

// okxCandleBar decodes ["ts","o","h","l","c","vol",...].
func okxCandleBar(row json.RawMessage) (market.Bar, error) {
	var cols []string
	if err := json.Unmarshal(row, &cols); err != nil {
		return market.Bar{}, err
	}
	if len(cols) < 6 {
		return market.Bar{}, errors.New("okx: short candle row")
	}
	ms, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return market.Bar{}, err
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		if vals[i], err = strconv.ParseFloat(cols[i+1], 64); err != nil {
			return market.Bar{}, err
		}
	}
	bar := market.Bar{
		TS:     time.UnixMilli(ms).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}
	return bar, bar.Validate()
}

type okxTickerRow struct {
	Last      string `json:"last"`
	BidPx     string `json:"bidPx"`
	AskPx     string `json:"askPx"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

func okxTicker(row json.RawMessage) (market.Ticker, error) {
	var r okxTickerRow
	if err := json.Unmarshal(row, &r); err != nil {
		return market.Ticker{}, err
	}
	last, err := strconv.ParseFloat(r.Last, 64)
	if err != nil {
		return market.Ticker{}, err
	}
	ms, _ := strconv.ParseInt(r.TS, 10, 64)
	bid, _ := strconv.ParseFloat(r.BidPx, 64)
	ask, _ := strconv.ParseFloat(r.AskPx, 64)
	baseVol, _ := strconv.ParseFloat(r.Vol24h, 64)
	quoteVol, _ := strconv.ParseFloat(r.VolCcy24h, 64)
	return market.Ticker{
		TS:          time.UnixMilli(ms).UTC(),
		Bid:         bid,
		Ask:         ask,
		Last:        last,
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
	}, nil
}

type okxCandlesResp struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

func (o *okxAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Bar, error) {
	instID, err := o.instID(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 300 {
		limit = 300
	}
	params := url.Values{
		"instId": {instID},
		"bar":    {okxBarName(timeframe)},
		"limit":  {strconv.Itoa(limit)},
	}
	var resp okxCandlesResp
	if err := o.rest.getJSON(ctx, "/api/v5/market/candles", params, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		err := fmt.Errorf("okx candles: code %s: %s", resp.Code, resp.Msg)
		if strings.Contains(strings.ToLower(resp.Msg), "doesn't exist") {
			return nil, &SymbolError{Symbol: symbol, Err: err}
		}
		return nil, err
	}
	// rows arrive newest first
	out := make([]market.Bar, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		bar, err := okxCandleBar(resp.Data[i])
		if err != nil {
			return nil, fmt.Errorf("okx candle %s: %w", symbol, err)
		}
		if !since.IsZero() && bar.TS.Before(since) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

func (o *okxAdapter) Close(ctx context.Context) error {
	o.conns.closeAll()
	return nil
}

func (o *okxAdapter) instID(symbol string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.ids[symbol]; ok {
		return id, nil
	}
	return "", &SymbolError{Symbol: symbol, Err: errors.New("not listed on okx")}
}
