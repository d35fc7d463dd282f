// =============================================================================
// AgentHive process entry point
// =============================================================================
// Hosts the coordination engine with the operational HTTP endpoint
// (Prometheus metrics, health probes) and the archive schema tooling.
//
// Usage:
//
//	agenthive run                         # start the engine
//	agenthive run --config config.yaml    # with a config file
//	agenthive version                     # show version information
//	agenthive health                      # probe a running process
//	agenthive migrate up                  # apply archive schema migrations
//	agenthive migrate status              # show migration status
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agenthive"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/server"
	"github.com/BaSui01/agenthive/internal/telemetry"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runEngine(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// run command
// =============================================================================

func runEngine(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting AgentHive",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	engine, err := agenthive.New(cfg, agenthive.Collaborators{
		Evaluator: planEvaluator{},
	},
		agenthive.WithLogger(logger),
		agenthive.WithMetricsNamespace("agenthive"),
	)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	ops := server.NewManager(server.FromServerConfig(cfg.Server), logger)
	ops.RegisterCheck("engine", engine.Health)
	if err := ops.Start(); err != nil {
		logger.Fatal("failed to start ops server", zap.Error(err))
	}

	engine.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-ops.Errors():
		logger.Error("ops server exited unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("engine shutdown failed", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}

	logger.Info("AgentHive stopped")
}

// planEvaluator is the built-in workflow evaluation baseline for standalone
// runs: it prefers shallow plans and penalizes decomposition, so tasks run
// directly unless a caller embeds the engine with a real evaluator.
type planEvaluator struct{}

func (planEvaluator) Evaluate(_ context.Context, state string) (float64, error) {
	depth := strings.Count(state, "->")
	splits := strings.Count(state, "decompose")
	return math.Max(0.1, 0.85-0.1*float64(depth)-0.15*float64(splits)), nil
}

// =============================================================================
// health command
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Ops endpoint address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// version and help
// =============================================================================

func printVersion() {
	fmt.Printf("AgentHive %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentHive - Agent Coordination Engine

Usage:
  agenthive <command> [options]

Commands:
  run       Start the coordination engine
  migrate   Archive schema migration commands
  version   Show version information
  health    Probe a running process
  help      Show this help message

Options for 'run':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up         Apply all pending migrations
  migrate down       Rollback the last migration
  migrate steps <n>  Apply (or with a negative n, rollback) n migrations
  migrate status     Show migration status
  migrate version    Show current migration version
  migrate force <v>  Force set migration version

Examples:
  agenthive run
  agenthive run --config /etc/agenthive/config.yaml
  agenthive migrate up
  agenthive migrate status
  agenthive health --addr http://localhost:9091
  agenthive version`)
}

// =============================================================================
// logging
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
