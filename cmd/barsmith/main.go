// Package main is the entry point for the barsmith derivation pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/barsmith/internal/alerting"
	"github.com/tathienbao/barsmith/internal/barbuilder"
	"github.com/tathienbao/barsmith/internal/config"
	"github.com/tathienbao/barsmith/internal/emarefresher"
	"github.com/tathienbao/barsmith/internal/ingest"
	"github.com/tathienbao/barsmith/internal/metrics"
	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/runner"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/validation"
)

// Version information (set by build flags).
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "ingest":
		cmdIngest(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "freshness":
		cmdFreshness(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Barsmith - Multi-Timeframe Bar and EMA Derivation Pipeline

Usage:
  barsmith <command> [options]

Commands:
  run        Run the derivation pipeline (bars, then EMAs, then the gate)
  ingest     Load daily observations from a CSV file
  verify     Run the consistency gate over the derived tables
  freshness  Show the last committed close per (asset, timeframe)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  barsmith run --config config.yaml
  barsmith ingest --config config.yaml --asset btc --data data/btc_daily.csv
  barsmith verify --config config.yaml
  barsmith freshness --config config.yaml --asset btc

Use "barsmith <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("barsmith version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

// setupLogger configures the process-wide logger from config plus the
// --verbose override.
func setupLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config, logger *slog.Logger) persistence.Store {
	store, err := persistence.Open(cfg.Database.Type, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	if err := store.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate store", "err", err)
		os.Exit(1)
	}
	return store
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}
	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		default:
			logger.Warn("unknown alert channel type", "type", ch.Type)
		}
	}
	return multi
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := setupLogger(cfg, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(cfg, logger)
	defer store.Close()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		srvCfg := metrics.DefaultServerConfig()
		if cfg.Metrics.Port > 0 {
			srvCfg.Port = cfg.Metrics.Port
		}
		if cfg.Metrics.Path != "" {
			srvCfg.MetricsPath = cfg.Metrics.Path
		}
		metricsServer = metrics.NewServer(srvCfg, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	runCfg := runner.Config{
		Assets:         cfg.Pipeline.Assets,
		Concurrency:    cfg.Pipeline.Concurrency,
		UnitsPerSecond: cfg.Pipeline.WriteRatePerSecond,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryDelay:     cfg.RetryDelay(),
		HorizonPeriods: cfg.Pipeline.HorizonPeriods,
	}
	barCfg := barbuilder.Config{LookbackWindows: cfg.Pipeline.LookbackWindows}
	emaCfg := emarefresher.Config{
		Periods:            cfg.Pipeline.EmaPeriods,
		SeedPolicy:         cfg.SeedPolicy(),
		WarmupMultiplier:   cfg.Pipeline.WarmupMultiplier,
		StalenessThreshold: cfg.StalenessThreshold(),
	}

	logger.Info("barsmith starting", "version", Version, "database", cfg.Database.Type)

	r := runner.New(store, timeframe.Default(), runCfg, barCfg, emaCfg, buildAlerter(cfg, logger), logger)
	summary, err := r.Run(ctx)
	if err != nil {
		logger.Error("pipeline run failed", "err", err)
		os.Exit(1)
	}

	fmt.Println(alerting.FormatRunSummary(summary))

	if _, failed, _ := summary.Counts(); failed > 0 {
		os.Exit(1)
	}
}

func cmdIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	assetID := fs.String("asset", "", "Asset id to ingest (required)")
	dataPath := fs.String("data", "", "Path to CSV data file (required)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	if *assetID == "" || *dataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --asset and --data are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := setupLogger(cfg, *verbose)

	store := openStore(cfg, logger)
	defer store.Close()

	loader := ingest.NewLoader(store, logger)
	res, err := loader.LoadFile(context.Background(), *dataPath, *assetID)
	if err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Ingested %s for %s\n", *dataPath, *assetID)
	fmt.Printf("  Rows read:     %d\n", res.RowsRead)
	fmt.Printf("  Rows inserted: %d\n", res.RowsInserted)
	fmt.Printf("  Rows rejected: %d\n", res.RowsRejected)
	fmt.Printf("  Rows repaired: %d\n", res.RowsRepaired)
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := setupLogger(cfg, *verbose)

	store := openStore(cfg, logger)
	defer store.Close()

	gate := validation.New(store, logger)
	report, err := gate.Check(context.Background())
	if err != nil {
		logger.Error("consistency gate failed", "err", err)
		os.Exit(1)
	}

	if report.Clean() {
		fmt.Println("Consistency gate clean: no violations found")
		return
	}

	fmt.Printf("Found %d violating rows across %d checks:\n", report.Rows(), len(report.Violations))
	for _, v := range report.Violations {
		fmt.Printf("  %s\n", v.Error())
	}
	os.Exit(1)
}

func cmdFreshness(args []string) {
	fs := flag.NewFlagSet("freshness", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	assetID := fs.String("asset", "", "Limit output to one asset id")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := setupLogger(cfg, *verbose)

	store := openStore(cfg, logger)
	defer store.Close()

	ctx := context.Background()

	assets := cfg.Pipeline.Assets
	if *assetID != "" {
		assets = []string{*assetID}
	}
	if len(assets) == 0 {
		var err error
		assets, err = store.Assets(ctx)
		if err != nil {
			logger.Error("failed to list assets", "err", err)
			os.Exit(1)
		}
	}

	catalog := timeframe.Default()
	for _, asset := range assets {
		fmt.Printf("%s\n", asset)
		for _, spec := range catalog.All() {
			last, ok, err := store.Freshness(ctx, asset, spec.Label)
			if err != nil {
				logger.Error("freshness query failed", "asset", asset, "timeframe", spec.Label, "err", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Printf("  %-10s (no committed state)\n", spec.Label)
				continue
			}
			fmt.Printf("  %-10s %s\n", spec.Label, last.Format("2006-01-02"))
		}
	}
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Database: %s\n", cfg.Database.Type)
	fmt.Printf("  Concurrency: %d\n", cfg.Pipeline.Concurrency)
	fmt.Printf("  EMA periods: %v\n", cfg.Pipeline.EmaPeriods)
	fmt.Printf("  Horizon periods: %v\n", cfg.Pipeline.HorizonPeriods)
	fmt.Printf("  Seed policy: %s\n", cfg.Pipeline.SeedPolicy)
}
