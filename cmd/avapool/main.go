// Package main is the entry point for the avapool daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	configPath, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avapool",
		observability.String("version", version),
		observability.String("config", configPath),
		observability.String("source", cfg.Source.Type),
		observability.Int("servers", len(cfg.Servers)),
		observability.String("strategy", string(cfg.Pool.Strategy)),
	)

	ctx := context.Background()
	app, err := initApplication(ctx, cfg, logger, flags.logLevel != "")
	if err != nil {
		fatalWithSync(logger, "failed to initialize application", observability.Error(err))
		return
	}

	run(ctx, app, configPath, logger)
}

// parseFlags parses command line flags. Unset flags fall back to the
// AVAPOOL_* environment variables.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("avapool", flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", getEnvOrDefault("AVAPOOL_CONFIG_PATH", "configs/avapool.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("AVAPOOL_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides logging.level")
	logFormat := fs.String("log-format", getEnvOrDefault("AVAPOOL_LOG_FORMAT", ""),
		"Log format (json, console); overrides logging.format")
	showVersion := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "avapool version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// logConfig merges the flags over the logging section.
func logConfig(flags cliFlags, cfg config.LoggingConfig) observability.LogConfig {
	lc := observability.DefaultLogConfig()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	if cfg.Output != "" {
		lc.Output = cfg.Output
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}
	return lc
}

// initLogger initializes the logger.
func initLogger(flags cliFlags, cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// fatalWithSync flushes the logger before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}
