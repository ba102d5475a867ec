package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cryptoradar/cryptoradar/internal/app"
	"github.com/cryptoradar/cryptoradar/internal/config"
)

var (
	flagConfig       string
	flagLogLevel     string
	flagExchanges    string
	flagScanInterval time.Duration
	flagMetricsAddr  string
)

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "cryptoradar",
		Short:         "Multi-venue crypto market anomaly monitor",
		Long:          "cryptoradar streams candles and tickers from several exchanges and\nalerts on volatility spikes, spot/perpetual basis divergence and\ncross-venue perpetual spreads.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWith(nil),
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to a YAML config file")
	pf.StringVar(&flagLogLevel, "log-level", "", "DEBUG, INFO, WARNING, ERROR or CRITICAL")
	pf.StringVar(&flagExchanges, "exchanges", "", "comma-separated venue ids, overrides EXCHANGES")
	pf.DurationVar(&flagScanInterval, "scan-interval", 0, "detector sweep period, overrides SCAN_INTERVAL_SECONDS")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "telemetry listen address, empty disables")

	root.AddCommand(
		&cobra.Command{
			Use:   "stream",
			Short: "Watch live candles for volatility spikes only",
			RunE:  runWith([]string{"volatility"}),
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Monitor spot/perpetual basis divergence only",
			RunE:  runWith([]string{"basis"}),
		},
		&cobra.Command{
			Use:   "perp",
			Short: "Monitor the same perpetual across venues only",
			RunE:  runWith([]string{"spread"}),
		},
	)
	return root.ExecuteContext(ctx)
}

// runWith builds the RunE for one detector selection; nil keeps the
// configured set.
func runWith(detectors []string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if detectors != nil {
			cfg.Detectors = detectors
		}
		applyFlags(cmd.Flags(), &cfg)
		if err := setupLogging(flagLogLevel, cfg.LogLevel); err != nil {
			return err
		}

		c, err := app.New(cfg)
		if err != nil {
			return err
		}
		log.Info().
			Strs("exchanges", cfg.Exchanges).
			Strs("detectors", cfg.Detectors).
			Dur("scan_interval", cfg.ScanInterval).
			Msg("cryptoradar starting")
		return c.Run(cmd.Context())
	}
}

func applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("exchanges") {
		var venues []string
		for _, v := range strings.Split(flagExchanges, ",") {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				venues = append(venues, v)
			}
		}
		cfg.Exchanges = venues
	}
	if fs.Changed("scan-interval") {
		cfg.ScanInterval = flagScanInterval
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
}

// setupLogging applies the flag level when given, else the configured one,
// and switches to the console writer on a TTY.
func setupLogging(flagLevel, cfgLevel string) error {
	level := cfgLevel
	if flagLevel != "" {
		level = flagLevel
	}
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warning", "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "critical", "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
