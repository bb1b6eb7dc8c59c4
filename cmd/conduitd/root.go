package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conduit-desktop/conduit/internal/config"
	"github.com/conduit-desktop/conduit/internal/logging"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	configPath string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conduitd",
		Short: "Local run-state engine for Conduit shells",
		Long: `conduitd keeps a single source of truth about which threads are
generating responses, coordinates stop requests against the agent runtime
backend, and serves that state to native shells over a local HTTP/WebSocket
API.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and local API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conduitd", Version)
		},
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONDUIT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "conduit.yaml"
	}
	return home + "/.conduit/conduit.yaml"
}

func runServe() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Server.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived signal: %v - shutting down...\n", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
