// ABOUTME: serve and native commands: build the gateway from config and host it
// ABOUTME: serve binds HTTP, gRPC health, and the native socket; native speaks frames on stdio

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/session-gateway/internal/config"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/gateway"
	"github.com/2389/session-gateway/internal/server"
	"github.com/2389/session-gateway/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd, nativeCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var nativeCmd = &cobra.Command{
	Use:   "native",
	Short: "Host the gateway over stdin/stdout using the framed protocol",
	Long: "Host the gateway over stdin/stdout using length-prefixed JSON frames.\n" +
		"Intended to be spawned by a browser extension host or another process.\n" +
		"Logs go to stderr.",
	Args: cobra.NoArgs,
	RunE: runNative,
}

// build opens the store and the engine and assembles a gateway. The
// returned cleanup closes the store.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, func(), error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	adapter := engine.New(ctx, cfg.Engine, logger.With("component", "engine"))
	gw := gateway.New(st, adapter, gateway.OptionsFromConfig(cfg, version, logger))

	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
	return gw, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stdout)

	status := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	status("Config", path)
	status("Database", cfg.Database.Driver+" "+cfg.Database.Path)
	status("Engine", cfg.Engine.Provider)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		status("HTTP", orNone(cfg.Server.HTTPAddr))
		status("gRPC", orNone(cfg.Server.GRPCAddr))
	}
	status("Socket", orNone(cfg.Server.NativeSocket))
	if cfg.Engine.Provider != config.ProviderMock && !cfg.Engine.HasCredentials() {
		yellow.Println("    ! no engine credentials, serving mock replies")
	}
	fmt.Println()

	logger.Info("starting session-gateway", "config", path, "version", version)

	ctx := cmd.Context()
	gw, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return server.New(cfg, gw, logger).Run(ctx)
}

func runNative(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)
	logger.Info("starting native host", "config", path, "version", version)

	ctx := cmd.Context()
	gw, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := server.New(cfg, gw, logger).ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("native host: %w", err)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
