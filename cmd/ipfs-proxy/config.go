package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/ipfs-proxy/credentials"
	"github.com/wolfeidau/ipfs-proxy/credentials/awsprovider"
	"github.com/wolfeidau/ipfs-proxy/credentials/opprovider"
	"github.com/wolfeidau/ipfs-proxy/gateway"
	"github.com/wolfeidau/ipfs-proxy/server"
)

// CLI is the command line and environment configuration.
type CLI struct {
	Listen string `help:"Address to listen on." default:":8080" env:"LISTEN_ADDRESS"`

	GatewayDomain string `help:"Dedicated Pinata gateway domain." env:"PINATA_GATEWAY_DOMAIN"`
	JWT           string `name:"pinata-jwt" help:"Pinata JWT, sent as a bearer token when no gateway key is set." env:"PINATA_JWT"`
	GatewayKey    string `help:"Pinata gateway key." env:"PINATA_GATEWAY_KEY"`

	APIKey         string   `name:"api-key" help:"Key clients must present in X-API-Key." env:"API_KEY"`
	AllowedOrigins []string `help:"Origin globs allowed without an API key." env:"ALLOWED_ORIGINS" sep:","`

	FallbackGateways   []string      `help:"Ordered public gateway base URLs. Defaults to the built-in list." env:"FALLBACK_GATEWAYS" sep:","`
	NoFallback         bool          `help:"Disable public gateway fallback." env:"NO_FALLBACK"`
	DedicatedTimeout   time.Duration `help:"Header timeout for the dedicated gateway." default:"30s" env:"DEDICATED_TIMEOUT"`
	PublicTimeout      time.Duration `help:"Header timeout for public gateways." default:"15s" env:"PUBLIC_TIMEOUT"`
	BlockedUserAgents  []string      `help:"User-Agent globs to reject." env:"BLOCKED_USER_AGENTS" sep:","`
	RestrictionMarkers []string      `help:"Body substrings that mark a public gateway refusing HTML." env:"RESTRICTION_MARKERS" sep:","`

	CredentialsFile string `help:"JSON credentials template resolved at startup." type:"path" env:"CREDENTIALS_FILE"`
	AWS             bool   `name:"aws" help:"Enable ssm and secretsmanager in the credentials template." env:"CREDENTIALS_AWS"`
	AWSRegion       string `name:"aws-region" help:"Region for AWS secret lookups." env:"AWS_REGION"`
	OnePassword     bool   `name:"op" help:"Enable op in the credentials template." env:"CREDENTIALS_OP"`

	EnableDebug bool `help:"Expose /api/debug." env:"ENABLE_DEBUG"`

	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"PROMETHEUS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func (c CLI) serverConfig(version string, logger *slog.Logger) server.Config {
	fallbacks := c.FallbackGateways
	if c.NoFallback {
		fallbacks = []string{}
	}

	return server.Config{
		Address: c.Listen,
		Version: version,
		Gateway: gateway.Config{
			DedicatedDomain:  c.GatewayDomain,
			JWT:              c.JWT,
			GatewayKey:       c.GatewayKey,
			Fallbacks:        fallbacks,
			DedicatedTimeout: c.DedicatedTimeout,
			PublicTimeout:    c.PublicTimeout,
		},
		APIKey:             c.APIKey,
		AllowedOrigins:     c.AllowedOrigins,
		BlockedUserAgents:  c.BlockedUserAgents,
		RestrictionMarkers: c.RestrictionMarkers,
		EnableDebug:        c.EnableDebug,
		Logger:             logger,
	}
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func resolveCredentials(ctx context.Context, c CLI, logger *slog.Logger) (*credentials.Credentials, error) {
	opts := []credentials.ResolverOption{
		credentials.WithLogger(logger.With("component", "credentials")),
	}
	if c.AWS {
		sess, err := awsprovider.NewSession(c.AWSRegion)
		if err != nil {
			return nil, err
		}
		opts = append(opts, awsprovider.Providers(sess)...)
	}
	if c.OnePassword {
		opts = append(opts, opprovider.WithOnePassword())
	}

	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// applyCredentials fills values the command line and environment left
// empty.
func applyCredentials(cfg *server.Config, creds *credentials.Credentials) {
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = creds.AllowedOrigins
	}
	if p := creds.Pinata; p != nil {
		if cfg.Gateway.DedicatedDomain == "" {
			cfg.Gateway.DedicatedDomain = p.GatewayDomain
		}
		if cfg.Gateway.JWT == "" {
			cfg.Gateway.JWT = p.JWT
		}
		if cfg.Gateway.GatewayKey == "" {
			cfg.Gateway.GatewayKey = p.GatewayKey
		}
	}
}
