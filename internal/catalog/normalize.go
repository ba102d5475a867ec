// Package catalog loads per-venue instrument lists, classifies them and
// maps heterogeneous venue symbols onto a canonical base asset so the
// detectors can reconcile the same instrument across venues.
package catalog

import (
	"regexp"
	"strings"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// Markers venues embed in perpetual contract symbols. "PERP" also covers
// "_PERP" and "/USDT-PERP" forms.
var perpMarkers = []string{
	"PERP",
	"-SWAP",
	"_SWAP",
	"-FUTURES",
	":USDT",
	"/USD:",
	"/USDT:",
}

// Delivery contracts carry a date in one of these shapes (YYMMDD, YYYYMMDD,
// MMDD, YY-MM, YY-MM-DD, YYYY-MM, YYYY-MM-DD). \d{4} subsumes the longer
// all-digit runs.
var datePattern = regexp.MustCompile(`\d{4}|\d{2}-\d{2}(-\d{2})?|\d{4}-\d{2}(-\d{2})?`)

var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "DAI": true, "BUSD": true, "UST": true,
	"TUSD": true, "USDP": true, "USDK": true, "PAX": true,
}

// canonical-base strip order matters: composite markers before the plain
// quote suffixes they contain.
var baseStrip = strings.NewReplacer(
	"PERP", "",
	"-SWAP", "",
	"_SWAP", "",
	"-FUTURES", "",
	":USDT", "",
)

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// CanonicalBase reduces a raw venue symbol to its underlying asset symbol:
// BTC/USDT, BTCUSDT, BTC/USDT:USDT and BTC_USDT-PERP all map to BTC.
// Idempotent: applying it to its own output is a no-op. Returns "" when
// nothing remains after stripping.
func CanonicalBase(symbol string) string {
	s := baseStrip.Replace(strings.ToUpper(strings.TrimSpace(symbol)))

	if i := strings.IndexByte(s, '/'); i >= 0 {
		// Pair form: the left side is the base. No quote stripping needed.
		return strings.Trim(s[:i], "_-:/ ")
	}

	s = strings.Trim(s, "_-:/ ")
	for {
		// A base that is itself a stablecoin (TUSD, BUSD) stays intact.
		if stablecoins[s] {
			break
		}
		stripped := false
		for _, q := range quoteSuffixes {
			if strings.HasSuffix(s, q) && len(s) > len(q) {
				s = strings.Trim(s[:len(s)-len(q)], "_-:/ ")
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return s
}

// HasPerpMarker reports whether the raw symbol carries any known perpetual
// contract marking.
func HasPerpMarker(symbol string) bool {
	up := strings.ToUpper(symbol)
	for _, m := range perpMarkers {
		if strings.Contains(up, m) {
			return true
		}
	}
	return false
}

// HasDatePattern reports whether the raw symbol embeds a delivery date.
func HasDatePattern(symbol string) bool {
	return datePattern.MatchString(symbol)
}

// Classify buckets an instrument into exactly one of spot, perpetual,
// dated or ignored. Futures marking (venue flags or symbol markers) wins;
// a date pattern inside a futures symbol makes it a dated contract. Plain
// pairs count as spot only when quoted in a stablecoin; everything else
// (coin/coin crosses, options leftovers) is ignored.
func Classify(meta market.Meta) market.Type {
	if meta.Swap || meta.Future || HasPerpMarker(meta.Symbol) {
		if HasDatePattern(meta.Symbol) {
			return market.Dated
		}
		return market.Perpetual
	}
	if IsStablecoin(meta.Quote) || IsStablecoin(symbolQuote(meta.Symbol)) {
		return market.Spot
	}
	return market.Ignored
}

// IsStablecoin matches the quote side against the known stablecoin set,
// case-insensitively, on exact symbol.
func IsStablecoin(asset string) bool {
	return stablecoins[strings.ToUpper(strings.TrimSpace(asset))]
}

// IsStablePair reports whether both sides of a pair are stablecoins
// (e.g. USDT/USDC). Such pairs are excluded from the volatility detector.
func IsStablePair(symbol string) bool {
	parts := strings.Split(strings.ReplaceAll(strings.ToUpper(symbol), "-", "/"), "/")
	if len(parts) < 2 {
		return false
	}
	return containsStable(parts[0]) && containsStable(parts[1])
}

func containsStable(side string) bool {
	for stable := range stablecoins {
		if strings.Contains(side, stable) {
			return true
		}
	}
	return false
}

func symbolQuote(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(s, q) {
			return q
		}
	}
	return ""
}

// isGateOption filters Gate's option listings, which reuse the perpetual
// symbol shape with a strike and P/C suffix.
func isGateOption(venue, symbol string) bool {
	if venue != "gate" {
		return false
	}
	return strings.Contains(symbol, ":USDT-") &&
		(strings.HasSuffix(symbol, "-P") || strings.HasSuffix(symbol, "-C"))
}
