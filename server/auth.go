package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/ryanuber/go-glob"
	"github.com/wolfeidau/ipfs-proxy/gateway"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "X-API-Key"

// gateMiddleware rejects blocked user agents and, when an API key or an
// origin allow-list is configured, requests that present neither a valid
// key nor an allowed origin. Health and metrics paths are exempt.
func (s *Server) gateMiddleware(next http.Handler) http.Handler {
	keyBytes := []byte(s.config.APIKey)
	restricted := len(keyBytes) > 0 || len(s.config.AllowedOrigins) > 0

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if s.blockedUserAgent(r.UserAgent()) {
			s.logger.Info("blocked user agent", "user_agent", r.UserAgent(), "remote_addr", r.RemoteAddr)
			gateway.WriteError(w, gateway.Unauthorized("User agent not allowed"))
			return
		}

		if !restricted {
			next.ServeHTTP(w, r)
			return
		}

		if provided := r.Header.Get(APIKeyHeader); provided != "" && len(keyBytes) > 0 &&
			subtle.ConstantTimeCompare([]byte(provided), keyBytes) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if origin := requestOrigin(r); origin != "" && s.originAllowed(origin) {
			next.ServeHTTP(w, r)
			return
		}

		gateway.WriteError(w, gateway.Unauthorized("Valid API key or allowed origin required"))
	})
}

func isExemptPath(path string) bool {
	return path == "/health" || path == "/api/health" || path == "/metrics"
}

// originAllowed reports whether origin matches an allowed pattern.
func (s *Server) originAllowed(origin string) bool {
	for _, pattern := range s.config.AllowedOrigins {
		if glob.Glob(pattern, origin) {
			return true
		}
	}
	return false
}

func (s *Server) blockedUserAgent(ua string) bool {
	for _, pattern := range s.config.BlockedUserAgents {
		if glob.Glob(pattern, ua) {
			return true
		}
	}
	return false
}

// requestOrigin returns the Origin header, or the scheme and host of the
// Referer when Origin is absent.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	ref, err := url.Parse(r.Referer())
	if err != nil || ref.Scheme == "" || ref.Host == "" {
		return ""
	}
	return ref.Scheme + "://" + ref.Host
}
