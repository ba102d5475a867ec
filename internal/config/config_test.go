package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"binance", "okx", "bybit", "gate"}, cfg.Exchanges)
	assert.Equal(t, []string{"binance", "gate"}, cfg.PerpExchanges)
	assert.Equal(t, 30*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5, cfg.LookbackMinutes)
	assert.Equal(t, 2.0, cfg.MinPriceIncreasePct)
	assert.Equal(t, 5.0, cfg.VolumeSpikeThreshold)
	assert.Equal(t, 0.1, cfg.SpotFuturesDiffThreshold)
	assert.Equal(t, "both", cfg.BasisDirection)
	assert.Equal(t, 0.2, cfg.PerpDiffThreshold)
	assert.Equal(t, 20_000_000.0, cfg.VolumeThresholds["binance"])
	assert.Equal(t, 5_000_000.0, cfg.VolumeThresholds["gate"])
	assert.True(t, cfg.PublicDataOnly)
	assert.Equal(t, []string{"volatility", "basis", "spread"}, cfg.Detectors)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGES", "binance, gate")
	t.Setenv("SCAN_INTERVAL_SECONDS", "10")
	t.Setenv("MIN_PRICE_INCREASE_PERCENT", "3.5")
	t.Setenv("SPOT_FUTURES_BASIS_DIRECTION", "premium")
	t.Setenv("USE_PUBLIC_DATA_ONLY", "false")
	t.Setenv("PERP_BLACKLIST", "DOGE,SHIB")
	t.Setenv("EXCHANGE_VOLUME_THRESHOLDS", "binance:25M, gate:6000000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "gate"}, cfg.Exchanges)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.Equal(t, 3.5, cfg.MinPriceIncreasePct)
	assert.Equal(t, "premium", cfg.BasisDirection)
	assert.False(t, cfg.PublicDataOnly)
	assert.Equal(t, []string{"doge", "shib"}, cfg.PerpBlacklist)
	assert.Equal(t, 25_000_000.0, cfg.VolumeThresholds["binance"])
	assert.Equal(t, 6_000_000.0, cfg.VolumeThresholds["gate"])
}

func TestYAMLOverlayThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	payload := []byte("lookback_minutes: 10\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	t.Setenv("LOOKBACK_MINUTES", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.LookbackMinutes, "env overrides the file")
	assert.Equal(t, "debug", cfg.LogLevel, "file overrides the default")
}

func TestParseVolumeThresholds(t *testing.T) {
	floors, err := ParseVolumeThresholds("binance:20M,gate:5m,okx:1.5B,bybit:100K")
	require.NoError(t, err)
	assert.Equal(t, 20_000_000.0, floors["binance"])
	assert.Equal(t, 5_000_000.0, floors["gate"])
	assert.Equal(t, 1_500_000_000.0, floors["okx"])
	assert.Equal(t, 100_000.0, floors["bybit"])

	_, err = ParseVolumeThresholds("binance=20M")
	assert.Error(t, err)
	_, err = ParseVolumeThresholds("binance:lots")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.BasisDirection = "sideways"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Exchanges = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LookbackMinutes = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MarketTypes = []string{"options"}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Detectors = []string{"momentum"}
	assert.Error(t, cfg.Validate())
}

func TestVenueCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("USE_PUBLIC_DATA_ONLY", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	cred := cfg.VenueCredentials("binance")
	assert.Equal(t, "key", cred.APIKey)
	assert.Equal(t, "secret", cred.Secret)

	cfg.PublicDataOnly = true
	assert.Equal(t, Credentials{}, cfg.VenueCredentials("binance"), "public-only mode withholds credentials")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
