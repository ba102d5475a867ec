// Package notify delivers alert batches to a Lark group webhook as signed
// interactive cards.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/detect"
)

// maxCardItems caps how many alerts one card lists.
const maxCardItems = 10

// Lark posts per-kind alert cards to a webhook. A nil secret disables
// signing; batches of two or more alerts get a summary header.
type Lark struct {
	webhookURL string
	secret     string
	http       *http.Client
	now        func() time.Time
}

func NewLark(webhookURL, secret string, timeout time.Duration) *Lark {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lark{
		webhookURL: webhookURL,
		secret:     secret,
		http:       &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// sign computes base64(hmac_sha256(secret, "<timestamp>\n<secret>")), the
// scheme Lark custom bots verify.
func (l *Lark) sign(timestamp int64) string {
	if l.secret == "" {
		return ""
	}
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, l.secret)
	mac := hmac.New(sha256.New, []byte(l.secret))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type cardElement struct {
	Tag  string    `json:"tag"`
	Text *cardText `json:"text,omitempty"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type card struct {
	Config   map[string]bool `json:"config"`
	Header   cardHeader      `json:"header"`
	Elements []cardElement   `json:"elements"`
}

type cardHeader struct {
	Title    cardText `json:"title"`
	Template string   `json:"template"`
}

type message struct {
	Timestamp int64  `json:"timestamp"`
	Sign      string `json:"sign"`
	MsgType   string `json:"msg_type"`
	Card      card   `json:"card"`
}

// Send implements detect.Notifier: one card per call, alerts of one kind.
func (l *Lark) Send(ctx context.Context, kind detect.Kind, alerts []detect.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if l.webhookURL == "" {
		return fmt.Errorf("notify: webhook url not configured")
	}

	ts := l.now().Unix()
	msg := message{
		Timestamp: ts,
		Sign:      l.sign(ts),
		MsgType:   "interactive",
		Card:      l.buildCard(kind, alerts),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: http %d", resp.StatusCode)
	}
	var reply struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &reply); err == nil && reply.Code != 0 {
		return fmt.Errorf("notify: lark code %d: %s", reply.Code, reply.Msg)
	}
	log.Info().Str("kind", string(kind)).Int("alerts", len(alerts)).Msg("lark card sent")
	return nil
}

func (l *Lark) buildCard(kind detect.Kind, alerts []detect.Alert) card {
	elements := []cardElement{
		{Tag: "div", Text: &cardText{Tag: "lark_md", Content: "**Scanned at**: " + l.now().Format("2006-01-02 15:04:05")}},
		{Tag: "hr"},
	}

	sorted := sortedForCard(kind, alerts)
	if len(sorted) > maxCardItems {
		sorted = sorted[:maxCardItems]
	}
	for i, a := range sorted {
		elements = append(elements, cardElement{
			Tag:  "div",
			Text: &cardText{Tag: "lark_md", Content: formatAlert(i+1, a)},
		})
		if i < len(sorted)-1 {
			elements = append(elements, cardElement{Tag: "hr"})
		}
	}

	return card{
		Config: map[string]bool{"wide_screen_mode": true},
		Header: cardHeader{
			Title:    cardText{Tag: "plain_text", Content: cardTitle(kind, len(alerts))},
			Template: cardColor(kind, len(alerts)),
		},
		Elements: elements,
	}
}

// cardTitle turns batches of two or more into a summary headline.
func cardTitle(kind detect.Kind, n int) string {
	switch kind {
	case detect.KindVolatility:
		if n >= 2 {
			return fmt.Sprintf("%d volatility anomalies detected", n)
		}
		return "Volatility anomaly detected"
	case detect.KindBasis:
		if n >= 2 {
			return fmt.Sprintf("%d spot-futures divergences detected", n)
		}
		return "Spot-futures divergence detected"
	default:
		if n >= 2 {
			return fmt.Sprintf("%d cross-exchange spreads detected", n)
		}
		return "Cross-exchange spread detected"
	}
}

// cardColor follows the per-kind scheme; big volatility batches escalate.
func cardColor(kind detect.Kind, n int) string {
	switch kind {
	case detect.KindVolatility:
		if n > 5 {
			return "red"
		}
		return "orange"
	case detect.KindBasis:
		return "blue"
	default:
		return "purple"
	}
}

func sortedForCard(kind detect.Kind, alerts []detect.Alert) []detect.Alert {
	out := append([]detect.Alert(nil), alerts...)
	sort.SliceStable(out, func(i, j int) bool {
		switch kind {
		case detect.KindVolatility:
			return out[i].Volatility.PriceChangePct > out[j].Volatility.PriceChangePct
		case detect.KindBasis:
			return abs(out[i].Basis.BasisPct) > abs(out[j].Basis.BasisPct)
		default:
			return abs(out[i].Spread.SpreadPct) > abs(out[j].Spread.SpreadPct)
		}
	})
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func formatAlert(idx int, a detect.Alert) string {
	var b strings.Builder
	switch a.Kind {
	case detect.KindVolatility:
		p := a.Volatility
		fmt.Fprintf(&b, "**%d. %s** (%s)\n", idx, p.Symbol, p.Venue)
		fmt.Fprintf(&b, "📈 Price change: **%+.2f%%**\n", p.PriceChangePct)
		fmt.Fprintf(&b, "📊 Volume ratio: **%.1fx**\n", p.VolumeRatio)
		fmt.Fprintf(&b, "💰 Last price: %g", p.LastClose)
		if p.Daily != nil {
			fmt.Fprintf(&b, "\n📅 30d: high %g / low %g / avg %.2f, percentile %.0f%%",
				p.Daily.High, p.Daily.Low, p.Daily.Avg, p.Daily.Percentile)
		}
	case detect.KindBasis:
		p := a.Basis
		fmt.Fprintf(&b, "**%d. %s** (%s)\n", idx, p.Base, p.Venue)
		fmt.Fprintf(&b, "📉 Basis: **%+.3f%%**\n", p.BasisPct)
		fmt.Fprintf(&b, "💰 Spot %s: %g\n", p.SpotSymbol, p.SpotClose)
		fmt.Fprintf(&b, "💰 Perp %s: %g", p.FutureSymbol, p.FutureClose)
	default:
		p := a.Spread
		fmt.Fprintf(&b, "**%d. %s**\n", idx, p.Base)
		fmt.Fprintf(&b, "↔️ Spread: **%+.3f%%**\n", p.SpreadPct)
		fmt.Fprintf(&b, "💰 %s: %g / %s: %g", p.HigherVenue, p.HigherPrice, p.LowerVenue, p.LowerPrice)
	}
	fmt.Fprintf(&b, "\n⏰ Detected: %s", a.DetectedAt.Format("2006-01-02 15:04:05"))
	return b.String()
}
