package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

const serviceName = "ipfs-proxy"

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	Environment healthEnvironment `json:"environment"`
}

type healthEnvironment struct {
	HasAPIKey           bool `json:"hasApiKey"`
	HasPinataJWT        bool `json:"hasPinataJwt"`
	HasGatewayKey       bool `json:"hasGatewayKey"`
	AllowedOrigins      int  `json:"allowedOrigins"`
	HasDedicatedGateway bool `json:"hasDedicatedGateway"`
}

// handleHealth reports liveness and which credentials are configured,
// never their values.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Version:   s.config.Version,
		Environment: healthEnvironment{
			HasAPIKey:           s.config.APIKey != "",
			HasPinataJWT:        s.config.Gateway.JWT != "",
			HasGatewayKey:       s.config.Gateway.GatewayKey != "",
			AllowedOrigins:      len(s.config.AllowedOrigins),
			HasDedicatedGateway: s.config.Gateway.HasDedicated(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
