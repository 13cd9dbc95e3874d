// Package server provides the HTTP server for the IPFS proxy.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/ipfs-proxy/gateway"
	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Version is reported by the health endpoint.
	Version string

	// Gateway is the upstream configuration shared by every route.
	Gateway gateway.Config

	// APIKey, when set, must be presented in X-API-Key unless the request
	// comes from an allowed origin.
	APIKey string

	// AllowedOrigins are glob patterns (e.g. "https://*.example.com")
	// matched against the Origin header, or the Referer's origin.
	AllowedOrigins []string

	// BlockedUserAgents are glob patterns of User-Agent values to reject.
	BlockedUserAgents []string

	// RestrictionMarkers override the substrings that identify a public
	// gateway refusing HTML content. Empty keeps the defaults.
	RestrictionMarkers []string

	// EnableDebug exposes /api/debug.
	EnableDebug bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the IPFS proxy.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	resolver *gateway.Resolver
	proxy    *gateway.Handler
	image    *gateway.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	resolverOpts := []gateway.ResolverOption{
		gateway.WithLogger(cfg.Logger.With("component", "resolver")),
	}
	if len(cfg.RestrictionMarkers) > 0 {
		resolverOpts = append(resolverOpts, gateway.WithRestrictionMarkers(cfg.RestrictionMarkers...))
	}
	resolver := gateway.NewResolver(cfg.Gateway, resolverOpts...)

	if !cfg.Gateway.HasDedicated() {
		cfg.Logger.Info("no dedicated gateway configured, image optimization disabled")
	} else if !cfg.Gateway.HasCredentials() {
		cfg.Logger.Warn("dedicated gateway configured without PINATA_GATEWAY_KEY or PINATA_JWT")
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		resolver: resolver,
		proxy: gateway.NewHandler(gateway.ProxyRoute, resolver,
			gateway.WithHandlerLogger(cfg.Logger.With("component", "proxy")),
		),
		image: gateway.NewHandler(gateway.ImageRoute, resolver,
			gateway.WithHandlerLogger(cfg.Logger.With("component", "image")),
		),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large content streams
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.recoverMiddleware(s.corsMiddleware(s.gateMiddleware(mux))))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Content routes; GET patterns also match HEAD
	mux.Handle("GET /api/proxy", s.proxy)
	mux.Handle("GET /api/image", s.image)

	if s.config.EnableDebug {
		mux.HandleFunc("GET /api/debug", s.handleDebug)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set route, outcome, gateway.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Outcome != telemetry.OutcomeNA {
			attrs = append(attrs, "outcome", string(tags.Outcome))
		}
		if tags.Gateway != "" {
			attrs = append(attrs, "gateway", tags.Gateway)
		}
		if tags.Attempts > 0 {
			attrs = append(attrs, "attempts", tags.Attempts)
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"address", s.config.Address,
		"dedicated_gateway", s.config.Gateway.HasDedicated(),
		"debug", s.config.EnableDebug,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
