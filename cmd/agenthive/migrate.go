package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/migration"
)

// =============================================================================
// Archive schema migration commands
// =============================================================================

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator("migrate up", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunUp(ctx)
		})
	case "down":
		withMigrator("migrate down", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunDown(ctx)
		})
	case "steps":
		runMigrateSteps(subargs)
	case "status":
		withMigrator("migrate status", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunStatus(ctx)
		})
	case "version":
		withMigrator("migrate version", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunVersion(ctx)
		})
	case "force":
		runMigrateForce(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Archive Schema Migration Commands

Usage:
  agenthive migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  steps     Apply (or with a negative count, rollback) n migrations
  status    Show migration status
  version   Show current migration version
  force     Force set migration version (use with caution)
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)

Examples:
  agenthive migrate up
  agenthive migrate up --config /etc/agenthive/config.yaml
  agenthive migrate steps -1
  agenthive migrate status
  agenthive migrate force 0`)
}

// createMigrator builds a migrator from the config file, honoring flags.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// withMigrator runs one CLI action with migrator setup and teardown.
func withMigrator(name string, args []string, action func(ctx context.Context, cli *migration.CLI) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := action(context.Background(), migration.NewCLI(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runMigrateSteps(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: agenthive migrate steps <n>\n")
		os.Exit(1)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n == 0 {
		fmt.Fprintf(os.Stderr, "Invalid step count: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator("migrate steps", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunSteps(ctx, n)
	})
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: agenthive migrate force <version>\n")
		os.Exit(1)
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator("migrate force", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunForce(ctx, version)
	})
}
