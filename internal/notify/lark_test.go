package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoradar/cryptoradar/internal/detect"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func volAlert(symbol string, changePct float64) detect.Alert {
	return detect.Alert{
		ID:         "test-id",
		Kind:       detect.KindVolatility,
		DetectedAt: t0,
		DedupKey:   "volatility|binance|" + symbol,
		Volatility: &detect.VolatilityPayload{
			Venue:          "binance",
			Symbol:         symbol,
			Base:           "BTC",
			LastClose:      103,
			PriceChangePct: changePct,
			VolumeRatio:    6,
		},
	}
}

func captureServer(t *testing.T, got *message) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		fmt.Fprint(w, `{"code":0,"msg":"success"}`)
	}))
}

func TestSendSignsPayload(t *testing.T) {
	var got message
	srv := captureServer(t, &got)
	defer srv.Close()

	l := NewLark(srv.URL, "topsecret", time.Second)
	require.NoError(t, l.Send(context.Background(), detect.KindVolatility, []detect.Alert{volAlert("BTC/USDT", 3)}))

	stringToSign := fmt.Sprintf("%d\n%s", got.Timestamp, "topsecret")
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(stringToSign))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), got.Sign)
	assert.Equal(t, "interactive", got.MsgType)
}

func TestSendWithoutSecretOmitsSign(t *testing.T) {
	var got message
	srv := captureServer(t, &got)
	defer srv.Close()

	l := NewLark(srv.URL, "", time.Second)
	require.NoError(t, l.Send(context.Background(), detect.KindVolatility, []detect.Alert{volAlert("BTC/USDT", 3)}))
	assert.Empty(t, got.Sign)
}

func TestCardSummaryHeader(t *testing.T) {
	var got message
	srv := captureServer(t, &got)
	defer srv.Close()

	l := NewLark(srv.URL, "", time.Second)
	alerts := []detect.Alert{volAlert("BTC/USDT", 3), volAlert("ETH/USDT", 5)}
	require.NoError(t, l.Send(context.Background(), detect.KindVolatility, alerts))

	assert.Equal(t, "2 volatility anomalies detected", got.Card.Header.Title.Content)
	assert.Equal(t, "orange", got.Card.Header.Template)
}

func TestCardSortsByMagnitude(t *testing.T) {
	var got message
	srv := captureServer(t, &got)
	defer srv.Close()

	l := NewLark(srv.URL, "", time.Second)
	alerts := []detect.Alert{volAlert("BTC/USDT", 2), volAlert("ETH/USDT", 9)}
	require.NoError(t, l.Send(context.Background(), detect.KindVolatility, alerts))

	var first string
	for _, el := range got.Card.Elements {
		if el.Text != nil && el.Text.Tag == "lark_md" && len(el.Text.Content) > 4 && el.Text.Content[:4] == "**1." {
			first = el.Text.Content
			break
		}
	}
	assert.Contains(t, first, "ETH/USDT", "biggest move listed first")
}

func TestSendRejectsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":19021,"msg":"sign match fail"}`)
	}))
	defer srv.Close()

	l := NewLark(srv.URL, "wrong", time.Second)
	err := l.Send(context.Background(), detect.KindVolatility, []detect.Alert{volAlert("BTC/USDT", 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "19021")
}

func TestSendRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewLark(srv.URL, "", time.Second)
	assert.Error(t, l.Send(context.Background(), detect.KindVolatility, []detect.Alert{volAlert("BTC/USDT", 3)}))
}

func TestSendEmptyBatchIsNoop(t *testing.T) {
	l := NewLark("", "", time.Second)
	assert.NoError(t, l.Send(context.Background(), detect.KindVolatility, nil))
}

func TestBasisAndSpreadCards(t *testing.T) {
	var got message
	srv := captureServer(t, &got)
	defer srv.Close()

	l := NewLark(srv.URL, "", time.Second)
	basis := detect.Alert{
		Kind:       detect.KindBasis,
		DetectedAt: t0,
		Basis: &detect.BasisPayload{
			Venue: "binance", Base: "BTC",
			SpotSymbol: "BTC/USDT", FutureSymbol: "BTC/USDT:USDT",
			SpotClose: 100, FutureClose: 99.8, BasisPct: -0.2,
		},
	}
	require.NoError(t, l.Send(context.Background(), detect.KindBasis, []detect.Alert{basis}))
	assert.Equal(t, "Spot-futures divergence detected", got.Card.Header.Title.Content)
	assert.Equal(t, "blue", got.Card.Header.Template)

	spread := detect.Alert{
		Kind:       detect.KindSpread,
		DetectedAt: t0,
		Spread: &detect.SpreadPayload{
			Base: "ETH", HigherVenue: "gate", LowerVenue: "binance",
			HigherPrice: 2006, LowerPrice: 2000, SpreadPct: 0.3,
		},
	}
	require.NoError(t, l.Send(context.Background(), detect.KindSpread, []detect.Alert{spread}))
	assert.Equal(t, "Cross-exchange spread detected", got.Card.Header.Title.Content)
	assert.Equal(t, "purple", got.Card.Header.Template)
}
