// Package main is the entry point for the quantd execution daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ycliu-tw/quantd/internal/alerting"
	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/broker/ibtws"
	"github.com/ycliu-tw/quantd/internal/broker/shioaji"
	"github.com/ycliu-tw/quantd/internal/broker/sim"
	"github.com/ycliu-tw/quantd/internal/config"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/engine"
	"github.com/ycliu-tw/quantd/internal/execution"
	"github.com/ycliu-tw/quantd/internal/feed"
	"github.com/ycliu-tw/quantd/internal/journal"
	"github.com/ycliu-tw/quantd/internal/metrics"
	"github.com/ycliu-tw/quantd/internal/position"
	signalsrc "github.com/ycliu-tw/quantd/internal/signal"
	"github.com/ycliu-tw/quantd/internal/stream"
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
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`quantd - Strategy Execution Daemon

Usage:
  quantd <command> [options]

Commands:
  run        Start the execution daemon
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  quantd run --config config.yaml
  quantd validate --config config.yaml

Use "quantd <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("quantd version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
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
	fmt.Printf("  Broker backend: %s\n", cfg.Broker.Backend)
	fmt.Printf("  Signal source:  %s\n", cfg.Signals.Source)
	fmt.Printf("  Symbols:        %s\n", strings.Join(cfg.Signals.Symbols, ", "))
	fmt.Printf("  Capital:        $%.2f\n", cfg.Risk.Capital)
	fmt.Printf("  Max position:   %.1f%%\n", cfg.Risk.MaxPositionPct*100)
	fmt.Printf("  Journal:        %s\n", onOff(cfg.Journal.Enabled))
	fmt.Printf("  Event stream:   %s\n", onOff(cfg.Stream.Enabled))
	fmt.Printf("  Metrics:        %s\n", onOff(cfg.Metrics.Enabled))
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Debug logging")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("quantd starting",
		"version", Version,
		"backend", cfg.Broker.Backend,
		"symbols", cfg.Signals.Symbols,
		"signal_source", cfg.Signals.Source,
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("quantd exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("quantd shutdown complete")
}

// run builds the pipeline, starts it and blocks until a shutdown signal
// or a fatal broker failure.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	session := buildSession(cfg, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := session.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	secType := contract.SecurityStock
	if st, ok := contract.ParseSecurityType(cfg.Signals.SecurityType); ok {
		secType = st
	}

	resolver := contract.NewResolver(cfg.Signals.Exchange, cfg.Signals.Currency)
	positions := position.NewManager(cfg.CapitalDecimal(), logger)
	tracker := execution.NewTracker(logger)
	gateway := execution.NewGateway(cfg.ToGatewayConfig(), session, tracker, resolver, secType, logger)
	mktFeed := feed.New(cfg.ToFeedConfig(), logger)
	optCfg := cfg.ToOptimizerConfig()
	optCfg.Quote = mktFeed.LastPrice
	optimizer := execution.NewOptimizer(optCfg, gateway, tracker, logger)
	processor := signalsrc.NewProcessor(cfg.ToSignalConfig(), resolver, positions, mktFeed.LastPrice, logger)

	var source signalsrc.Source
	if cfg.Signals.Source == "kafka" {
		source = signalsrc.NewKafkaSource(cfg.ToKafkaSourceConfig(), logger)
	} else {
		source = signalsrc.NewChanSource(cfg.Signals.Kafka.Buffer)
	}

	deps := engine.Deps{
		Session:   session,
		Source:    source,
		Processor: processor,
		Tracker:   tracker,
		Gateway:   gateway,
		Optimizer: optimizer,
		Positions: positions,
		Feed:      mktFeed,
		Resolver:  resolver,
		Recorder:  metrics.NewRecorder(),
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jnl.Close()
		if err := jnl.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
		deps.Journal = jnl
	}

	if cfg.Stream.Enabled {
		publisher := stream.NewKafkaPublisher(cfg.ToStreamConfig(), logger)
		defer publisher.Close()
		deps.Publisher = publisher
	}

	deps.Alerter = buildAlerter(cfg, logger)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.ToMetricsServerConfig(), logger)
		metricsSrv.RegisterHealthCheck("broker", func() metrics.Check {
			if session.IsConnected() {
				return metrics.Check{Status: metrics.CheckOK}
			}
			return metrics.Check{Status: metrics.CheckDown, Message: session.State().String()}
		})
		if jnl != nil {
			metricsSrv.RegisterHealthCheck("journal", func() metrics.Check {
				if _, err := jnl.OrphanCount(context.Background()); err != nil {
					return metrics.Check{Status: metrics.CheckDown, Message: err.Error()}
				}
				return metrics.Check{Status: metrics.CheckOK}
			})
		}
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	engCfg := engine.DefaultConfig()
	engCfg.Symbols = cfg.Signals.Symbols
	engCfg.SecurityType = secType
	engCfg.AlertFilter = func(event alerting.AlertEvent) bool {
		return cfg.IsAlertEventEnabled(string(event))
	}

	eng := engine.New(engCfg, deps, logger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	go func() {
		if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("signal source stopped", "err", err)
		}
	}()

	fatal := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-eng.Fatal():
		logger.Error("broker connection unrecoverable, shutting down")
		fatal = true
	}

	drainBudget := time.Duration(cfg.Execution.DrainTimeoutSec)*time.Second + 10*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainBudget)
	defer cancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine stop", "err", err)
	}
	if err := source.Close(); err != nil {
		logger.Warn("signal source close", "err", err)
	}
	if err := session.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broker shutdown", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}

	if fatal {
		return errors.New("broker connection lost beyond the reconnect budget")
	}
	return nil
}

// buildSession picks the broker backend. Validation already rejected
// unknown backends, so anything unrecognized here falls back to sim.
func buildSession(cfg *config.Config, logger *slog.Logger) broker.Session {
	switch cfg.Broker.Backend {
	case "ibtws":
		return ibtws.NewClient(cfg.ToIBTWSConfig(), logger)
	case "shioaji":
		return shioaji.New(cfg.ToShioajiConfig(), logger)
	default:
		return sim.New(cfg.ToSimConfig(), logger)
	}
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	var alerters []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			alerters = append(alerters, alerting.NewConsoleAlerter(logger))
		case "telegram":
			alerters = append(alerters, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		}
	}

	switch len(alerters) {
	case 0:
		return alerting.NewConsoleAlerter(logger)
	case 1:
		return alerters[0]
	default:
		return alerting.NewMultiAlerter(logger, alerters...)
	}
}
