// momo — intraday momentum trading bot.
//
// Five services cooperate through JSON files in a shared state directory:
//
//	premarket  — one-shot pre-open scan that picks the day's watchlist
//	scanner    — scores watchlist symbols and emits entry signals
//	buyer      — validates fresh signals and opens positions
//	monitor    — ratchets stops, detects exits, reconciles with the broker
//	seller     — executes exits, books trades, starts cooldowns
//
// The orchestrator commands (start, stop, restart, status, monitor) run
// the fleet as supervised child processes of this same binary; `run`
// launches a single service standalone for debugging.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"momo-bot/internal/broker"
	"momo-bot/internal/buyer"
	"momo-bot/internal/config"
	"momo-bot/internal/logging"
	"momo-bot/internal/monitor"
	"momo-bot/internal/orchestrator"
	"momo-bot/internal/premarket"
	"momo-bot/internal/scanner"
	"momo-bot/internal/seller"
	"momo-bot/internal/service"
	"momo-bot/internal/state"
)

const defaultConfigPath = "config.yaml"

const usageText = `momo — intraday momentum trading bot

Usage:
  momo start    [flags]            start all services, supervise until stopped
  momo monitor  [flags]            like start, but auto-restart crashed services
  momo stop     [flags]            stop a running deployment
  momo restart  [flags]            stop, then start
  momo status   [flags]            report service health
  momo run <service> [flags]       run one service standalone
                                   (premarket, scanner, buyer, monitor, seller)

Flags:
  --config PATH      config file (default config.yaml)
  --state-dir DIR    shared state directory (default <root>/state)
  --json             machine-readable output (status)
  --force            regenerate today's watchlist (run premarket)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	command := args[0]
	args = args[1:]

	var target string
	if command == "run" {
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "run: missing service name")
			fmt.Fprint(os.Stderr, usageText)
			return 2
		}
		target = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	stateDir := fs.String("state-dir", "", "shared state directory")
	jsonOut := fs.Bool("json", false, "machine-readable output")
	force := fs.Bool("force", false, "regenerate today's watchlist")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", fs.Arg(0))
		return 2
	}

	// Credentials may live in a .env next to the binary; a missing file is
	// the normal case for a provisioned environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := config.Load(*configPath, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: %v\n", err)
		return 1
	}
	if *stateDir != "" {
		cfg.SetStateDir(*stateDir)
	}

	forwardConfig := ""
	if explicit {
		forwardConfig = *configPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "start":
		return supervise(ctx, cfg, forwardConfig, false)
	case "monitor":
		return supervise(ctx, cfg, forwardConfig, true)
	case "stop":
		return stopDeployment(ctx, cfg, forwardConfig)
	case "restart":
		if code := stopDeployment(ctx, cfg, forwardConfig); code != 0 {
			return code
		}
		return supervise(ctx, cfg, forwardConfig, false)
	case "status":
		return status(ctx, cfg, forwardConfig, *jsonOut)
	case "run":
		return runService(ctx, cfg, target, *force)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
}

// supervise runs the resident orchestrator until a signal arrives.
func supervise(ctx context.Context, cfg *config.Config, configPath string, autoRestart bool) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "momo: invalid config: %v\n", err)
		return 1
	}

	logger, closer, dir, code := openRuntime(cfg, "orchestrator")
	if code != 0 {
		return code
	}
	defer closer.Close()

	sup, err := orchestrator.New(cfg, configPath, dir, logger)
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		return 1
	}
	if err := sup.Run(ctx, autoRestart); err != nil {
		logger.Error("orchestrator failed", "error", err)
		return 1
	}
	return 0
}

// stopDeployment stops whatever the PID files say is running. The quiet
// stderr logger keeps command output readable; stop does not need the
// rotating file.
func stopDeployment(ctx context.Context, cfg *config.Config, configPath string) int {
	logger := commandLogger(cfg)
	dir, err := state.Open(cfg.Paths.StateDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: %v\n", err)
		return 1
	}
	sup, err := orchestrator.New(cfg, configPath, dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: %v\n", err)
		return 1
	}
	if err := sup.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "momo: stop: %v\n", err)
		return 1
	}
	return 0
}

// status prints the health report, as a table or as JSON.
func status(ctx context.Context, cfg *config.Config, configPath string, asJSON bool) int {
	logger := commandLogger(cfg)
	dir, err := state.Open(cfg.Paths.StateDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: %v\n", err)
		return 1
	}
	sup, err := orchestrator.New(cfg, configPath, dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: %v\n", err)
		return 1
	}
	rep, err := sup.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: status: %v\n", err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "momo: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("%-14s %-9s %-7s %-12s %s\n", "SERVICE", "STATE", "PID", "HEARTBEAT", "DETAIL")
	for _, row := range rep.Services {
		pid := "-"
		if row.PID > 0 {
			pid = fmt.Sprintf("%d", row.PID)
		}
		hb := "-"
		if !row.LastHeartbeat.IsZero() {
			hb = row.HeartbeatAge.String() + " ago"
		}
		fmt.Printf("%-14s %-9s %-7s %-12s %s\n", row.Name, row.State, pid, hb, row.Detail)
	}
	return 0
}

// runService launches one service standalone. The pre-market scan is a
// one-shot; everything else runs its cycle loop until signalled.
func runService(ctx context.Context, cfg *config.Config, name string, force bool) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "momo: invalid config: %v\n", err)
		return 1
	}

	var budget int
	switch name {
	case "premarket":
		budget = cfg.Premarket.RateBudgetPerMin
	case scanner.Name:
		budget = cfg.Scanner.RateBudgetPerMin
	case buyer.Name:
		budget = cfg.Buyer.RateBudgetPerMin
	case monitor.Name:
		budget = cfg.Monitor.RateBudgetPerMin
	case seller.Name:
		budget = cfg.Seller.RateBudgetPerMin
	default:
		fmt.Fprintf(os.Stderr, "unknown service %q\n", name)
		return 2
	}

	logger, closer, dir, code := openRuntime(cfg, name)
	if code != 0 {
		return code
	}
	defer closer.Close()

	b := broker.New(cfg.Broker, budget, logger)

	// Connection test before any trading logic runs: bad credentials or an
	// unreachable broker must fail loudly at startup, not mid-cycle.
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	clk, err := b.Clock(probeCtx)
	cancel()
	if err != nil {
		logger.Error("broker connection test failed", "error", err,
			"base_url", cfg.Broker.BaseURL)
		return 1
	}
	logger.Info("broker connected",
		"market_open", clk.IsOpen,
		"next_open", clk.NextOpen,
		"next_close", clk.NextClose,
	)

	if name == "premarket" {
		if err := premarket.New(cfg, b, dir, logger).Run(ctx, force); err != nil {
			logger.Error("pre-market scan failed", "error", err)
			return 1
		}
		return 0
	}

	var svc service.Service
	switch name {
	case scanner.Name:
		svc = scanner.New(cfg, b, dir, logger)
	case buyer.Name:
		svc = buyer.New(cfg, b, dir, logger)
	case monitor.Name:
		svc = monitor.New(cfg, b, dir, logger)
	case seller.Name:
		svc = seller.New(cfg, b, dir, logger)
	}

	if err := service.NewRunner(svc, dir, b, logger).Run(ctx); err != nil {
		logger.Error("service failed", "error", err)
		return 1
	}
	return 0
}

// openRuntime sets up the rotating logger and the state directory for one
// process.
func openRuntime(cfg *config.Config, name string) (*slog.Logger, io.Closer, *state.Dir, int) {
	logger, closer, err := logging.Setup(name, cfg.Paths.LogsDir, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "momo: logging: %v\n", err)
		return nil, nil, nil, 1
	}
	dir, err := state.Open(cfg.Paths.StateDir, logger)
	if err != nil {
		logger.Error("state directory unavailable", "error", err)
		closer.Close()
		return nil, nil, nil, 1
	}
	return logger, closer, dir, 0
}

// commandLogger is for the one-shot management commands: warnings and
// errors to stderr, no log file.
func commandLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Logging.Level),
	}))
}
