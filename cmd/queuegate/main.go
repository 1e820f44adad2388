package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/queuegate"
	"github.com/glimte/queuegate/internal/config"
	"github.com/glimte/queuegate/internal/drivers"
	"github.com/glimte/queuegate/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every command
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "queuegate",
		Short: "Browse and publish to broker queues",
		Long: `queuegate lists the messages pending on a queue without consuming them
and injects text messages with custom properties, over HTTP or from the
command line.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the YAML config (default $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text, json")

	rootCmd.AddCommand(
		newServeCmd(g),
		newBrowseCmd(g),
		newSendCmd(g),
		newEndpointsCmd(g),
		newHealthCmd(g),
	)
	return rootCmd
}

// load reads the configuration and builds the process logger. Flags
// override the file.
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:     level,
		Format:    format,
		Output:    g.stderr,
		AddSource: cfg.Log.AddSource,
	})
	return cfg, logger, nil
}

// gateway loads the configuration and opens every configured endpoint.
// The caller closes the returned gateway.
func (g *globals) gateway(ctx context.Context) (*queuegate.Gateway, *config.Config, *slog.Logger, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := drivers.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open endpoints: %w", err)
	}

	gw := queuegate.New(reg,
		queuegate.WithLogger(logger),
		queuegate.WithMaxBrowse(cfg.MaxBrowse),
	)
	return gw, cfg, logger, nil
}
