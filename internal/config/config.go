// Package config assembles the runtime configuration: defaults, an optional
// YAML file, then environment variables, in that order. The resulting value
// is immutable; components receive it by copy before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials forwarded to a venue when public-only mode is off.
type Credentials struct {
	APIKey     string `yaml:"api_key"`
	Secret     string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

// Config is the full runtime configuration.
type Config struct {
	Exchanges     []string `yaml:"exchanges"`
	PerpExchanges []string `yaml:"perp_exchanges"`
	MarketTypes   []string `yaml:"market_types"`

	ScanInterval    time.Duration `yaml:"scan_interval"`
	LookbackMinutes int           `yaml:"lookback_minutes"`

	MinPriceIncreasePct  float64 `yaml:"min_price_increase_percent"`
	VolumeSpikeThreshold float64 `yaml:"volume_spike_threshold"`

	SpotFuturesDiffThreshold float64 `yaml:"spot_futures_diff_threshold"`
	BasisDirection           string  `yaml:"spot_futures_basis_direction"`

	PerpDiffThreshold float64            `yaml:"perp_diff_threshold"`
	PerpBlacklist     []string           `yaml:"perp_blacklist"`
	VolumeThresholds  map[string]float64 `yaml:"exchange_volume_thresholds"`

	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`

	PublicDataOnly bool                   `yaml:"use_public_data_only"`
	Credentials    map[string]Credentials `yaml:"credentials"`

	Detectors []string `yaml:"detectors"`

	LarkWebhookURL string `yaml:"lark_webhook_url"`
	LarkSecret     string `yaml:"lark_secret"`
	// Basis and cross-venue alerts go to this pair when set, else to the
	// primary webhook.
	SpotFuturesLarkWebhookURL string `yaml:"spot_futures_lark_webhook_url"`
	SpotFuturesLarkSecret     string `yaml:"spot_futures_lark_secret"`

	MetricsAddr string `yaml:"metrics_addr"`
	CacheDir    string `yaml:"cache_dir"`
	RedisAddr   string `yaml:"redis_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Exchanges:                []string{"binance", "okx", "bybit", "gate"},
		PerpExchanges:            []string{"binance", "gate"},
		MarketTypes:              []string{"spot", "future"},
		ScanInterval:             30 * time.Second,
		LookbackMinutes:          5,
		MinPriceIncreasePct:      2.0,
		VolumeSpikeThreshold:     5.0,
		SpotFuturesDiffThreshold: 0.1,
		BasisDirection:           "both",
		PerpDiffThreshold:        0.2,
		VolumeThresholds: map[string]float64{
			"binance": 20_000_000,
			"gate":    5_000_000,
		},
		MaxConcurrentRequests: 20,
		RequestTimeout:        30 * time.Second,
		MaxRetries:            3,
		RetryDelay:            2 * time.Second,
		PublicDataOnly:        true,
		Detectors:             []string{"volatility", "basis", "spread"},
		MetricsAddr:           ":9090",
		LogLevel:              "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when non-empty, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var err error
	setList(&c.Exchanges, "EXCHANGES")
	setList(&c.PerpExchanges, "PERP_EXCHANGES")
	setList(&c.MarketTypes, "MARKET_TYPES")
	setList(&c.PerpBlacklist, "PERP_BLACKLIST")

	err = firstErr(err, setSeconds(&c.ScanInterval, "SCAN_INTERVAL_SECONDS"))
	err = firstErr(err, setInt(&c.LookbackMinutes, "LOOKBACK_MINUTES"))
	err = firstErr(err, setFloat(&c.MinPriceIncreasePct, "MIN_PRICE_INCREASE_PERCENT"))
	err = firstErr(err, setFloat(&c.VolumeSpikeThreshold, "VOLUME_SPIKE_THRESHOLD"))
	err = firstErr(err, setFloat(&c.SpotFuturesDiffThreshold, "SPOT_FUTURES_DIFF_THRESHOLD"))
	setString(&c.BasisDirection, "SPOT_FUTURES_BASIS_DIRECTION")
	err = firstErr(err, setFloat(&c.PerpDiffThreshold, "PERP_DIFF_THRESHOLD"))
	err = firstErr(err, setInt(&c.MaxConcurrentRequests, "MAX_CONCURRENT_REQUESTS"))
	err = firstErr(err, setSeconds(&c.RequestTimeout, "REQUEST_TIMEOUT_SECONDS"))
	err = firstErr(err, setInt(&c.MaxRetries, "MAX_RETRIES"))
	err = firstErr(err, setSeconds(&c.RetryDelay, "RETRY_DELAY_SECONDS"))
	err = firstErr(err, setBool(&c.PublicDataOnly, "USE_PUBLIC_DATA_ONLY"))

	if raw, ok := os.LookupEnv("EXCHANGE_VOLUME_THRESHOLDS"); ok {
		floors, perr := ParseVolumeThresholds(raw)
		if perr != nil {
			return perr
		}
		c.VolumeThresholds = floors
	}

	setList(&c.Detectors, "DETECTORS")
	setString(&c.LarkWebhookURL, "LARK_WEBHOOK_URL")
	setString(&c.LarkSecret, "LARK_SECRET")
	setString(&c.SpotFuturesLarkWebhookURL, "SPOT_FUTURES_LARK_WEBHOOK_URL")
	setString(&c.SpotFuturesLarkSecret, "SPOT_FUTURES_LARK_SECRET")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.CacheDir, "CACHE_DIR")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")

	c.loadCredentialsFromEnv()
	return err
}

// loadCredentialsFromEnv picks up <VENUE>_API_KEY style variables for every
// configured venue.
func (c *Config) loadCredentialsFromEnv() {
	venues := map[string]bool{}
	for _, v := range append(append([]string{}, c.Exchanges...), c.PerpExchanges...) {
		venues[v] = true
	}
	for venue := range venues {
		prefix := strings.ToUpper(venue)
		cred := c.Credentials[venue]
		setString(&cred.APIKey, prefix+"_API_KEY")
		setString(&cred.Secret, prefix+"_API_SECRET")
		setString(&cred.Passphrase, prefix+"_PASSPHRASE")
		if cred != (Credentials{}) {
			if c.Credentials == nil {
				c.Credentials = map[string]Credentials{}
			}
			c.Credentials[venue] = cred
		}
	}
}

// ParseVolumeThresholds parses "binance:20M,gate:5000000" into per-venue
// floors. K/M/B suffixes scale by 1e3/1e6/1e9.
func ParseVolumeThresholds(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		venue, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("config: bad volume threshold %q", part)
		}
		venue = strings.ToLower(strings.TrimSpace(venue))
		f, err := parseScaled(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("config: bad volume threshold %q: %w", part, err)
		}
		out[venue] = f
	}
	return out, nil
}

func parseScaled(s string) (float64, error) {
	scale := 1.0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		scale, s = 1e3, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		scale, s = 1e6, s[:len(s)-1]
	case strings.HasSuffix(s, "B"), strings.HasSuffix(s, "b"):
		scale, s = 1e9, s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return f * scale, nil
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("config: at least one exchange required")
	}
	switch c.BasisDirection {
	case "both", "premium", "discount":
	default:
		return fmt.Errorf("config: bad basis direction %q", c.BasisDirection)
	}
	if c.LookbackMinutes < 1 {
		return fmt.Errorf("config: lookback must be at least 1 minute")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("config: scan interval must be positive")
	}
	for _, t := range c.MarketTypes {
		if t != "spot" && t != "future" {
			return fmt.Errorf("config: bad market type %q", t)
		}
	}
	if len(c.Detectors) == 0 {
		return fmt.Errorf("config: at least one detector required")
	}
	for _, d := range c.Detectors {
		switch d {
		case "volatility", "basis", "spread":
		default:
			return fmt.Errorf("config: bad detector %q", d)
		}
	}
	return nil
}

// VenueCredentials returns the credentials for a venue, empty in
// public-only mode.
func (c *Config) VenueCredentials(venue string) Credentials {
	if c.PublicDataOnly {
		return Credentials{}
	}
	return c.Credentials[venue]
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = time.Duration(f * float64(time.Second))
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
