package server

import (
	"net/http"
	"time"

	ipfsproxy "github.com/wolfeidau/ipfs-proxy"
	"github.com/wolfeidau/ipfs-proxy/gateway"
	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

const (
	secretSet    = "SET (hidden)"
	secretNotSet = "NOT_SET"
)

type debugResponse struct {
	Timestamp   string            `json:"timestamp"`
	Environment map[string]string `json:"environment"`
	Request     debugRequest      `json:"request"`
	Parsed      debugParsed       `json:"parsed"`
	Plan        *gateway.Plan     `json:"plan"`
	Fingerprint string            `json:"fingerprint"`
}

type debugRequest struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	Route     string `json:"route"`
	UserAgent string `json:"userAgent"`
	HasAPIKey bool   `json:"hasApiKey"`
}

type debugParsed struct {
	OriginalHash string              `json:"originalHash"`
	CleanHash    string              `json:"cleanHash"`
	FilePath     string              `json:"filePath"`
	CID          *ipfsproxy.CIDInfo  `json:"cid,omitempty"`
	CIDError     string              `json:"cidError,omitempty"`
	Dialect      map[string][]string `json:"dialectParams"`
	Passthrough  map[string][]string `json:"passthroughParams"`
	Rejected     []string            `json:"rejectedParams"`
	Optimized    bool                `json:"hasOptimizationParams"`
}

// handleDebug shows how a request would be resolved without contacting any
// upstream. Select the route with route=proxy; the image route is the default.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "debug")

	query := r.URL.Query()
	handler, route := s.image, gateway.ImageRoute
	if query.Get("route") == gateway.ProxyRoute.Name {
		handler, route = s.proxy, gateway.ProxyRoute
	}
	query.Del("route")

	plan, err := handler.Plan(query)
	if err != nil {
		gateway.WriteError(w, err)
		return
	}

	parsed := debugParsed{
		OriginalHash: plan.ID.Raw,
		CleanHash:    plan.ID.CleanID,
		FilePath:     plan.ID.SubPath,
		Dialect:      plan.Params.Dialect,
		Passthrough:  plan.Params.Passthrough,
		Rejected:     plan.Params.Rejected,
		Optimized:    plan.Optimized,
	}
	if info, err := plan.ID.Describe(); err != nil {
		parsed.CIDError = err.Error()
	} else {
		parsed.CID = &info
	}

	cfg := s.config.Gateway
	domain := cfg.DedicatedDomain
	if domain == "" {
		domain = secretNotSet
	}

	writeJSON(w, http.StatusOK, debugResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Environment: map[string]string{
			"PINATA_GATEWAY_DOMAIN": domain,
			"PINATA_JWT":            secretState(cfg.JWT),
			"PINATA_GATEWAY_KEY":    secretState(cfg.GatewayKey),
			"API_KEY":               secretState(s.config.APIKey),
		},
		Request: debugRequest{
			Method:    r.Method,
			URL:       r.URL.Path,
			Route:     route.Name,
			UserAgent: r.UserAgent(),
			HasAPIKey: r.Header.Get(APIKeyHeader) != "",
		},
		Parsed:      parsed,
		Plan:        plan,
		Fingerprint: plan.Fingerprint(),
	})
}

func secretState(v string) string {
	if v == "" {
		return secretNotSet
	}
	return secretSet
}
