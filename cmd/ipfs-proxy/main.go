// Command ipfs-proxy serves IPFS content through a dedicated Pinata gateway
// with ordered public gateway fallback.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/ipfs-proxy/server"
	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	kong.Parse(&cli,
		kong.Name("ipfs-proxy"),
		kong.Description("Authenticated IPFS gateway proxy with public fallback and image optimization."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := cli.serverConfig(version, logger)

	if cli.CredentialsFile != "" {
		creds, err := resolveCredentials(ctx, cli, logger)
		if err != nil {
			return err
		}
		applyCredentials(&cfg, creds)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ipfs-proxy",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"dedicated_gateway", cfg.Gateway.DedicatedDomain,
		"api_key", cfg.APIKey != "",
		"allowed_origins", len(cfg.AllowedOrigins),
		"debug", cfg.EnableDebug,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
