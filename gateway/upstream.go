// Package gateway resolves content identifiers against an ordered set of
// upstream IPFS HTTP gateways and relays the chosen response.
package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

const (
	// DefaultDedicatedTimeout bounds the wait for response headers from the
	// dedicated upstream.
	DefaultDedicatedTimeout = 30 * time.Second

	// DefaultPublicTimeout bounds the wait for response headers from a
	// public fallback gateway.
	DefaultPublicTimeout = 15 * time.Second

	// UserAgent is sent on every upstream request.
	UserAgent = "Mozilla/5.0 (compatible; IPFS-Proxy/1.0)"

	// GatewayTokenHeader carries the dedicated gateway access key.
	GatewayTokenHeader = "x-pinata-gateway-token"

	// GatewayTokenParam carries the dedicated gateway access key in the query.
	GatewayTokenParam = "pinataGatewayToken"

	maxRedirects = 10
)

// DefaultFallbackGateways is the ordered public fallback list.
var DefaultFallbackGateways = []string{
	"https://ipfs.io",
	"https://dweb.link",
	"https://nftstorage.link",
	"https://web3.storage",
	"https://fleek.ipfs.io",
}

// DefaultRestrictionMarkers identify a public gateway refusing to serve HTML.
var DefaultRestrictionMarkers = []string{
	"ERR_ID:00023",
	"HTML content",
}

// Config is the upstream configuration. It is built once at startup and
// treated as immutable.
type Config struct {
	// DedicatedDomain is the dedicated gateway host, e.g.
	// "example.mypinata.cloud". A scheme may be included; https is assumed
	// otherwise. Empty means no dedicated upstream.
	DedicatedDomain string

	// JWT is sent as a bearer token when no gateway key is configured.
	JWT string

	// GatewayKey is the preferred dedicated gateway credential.
	GatewayKey string

	// Fallbacks is the ordered public gateway list. Nil selects
	// DefaultFallbackGateways; an empty non-nil slice disables fallback.
	Fallbacks []string

	// DedicatedTimeout and PublicTimeout bound the wait for response headers.
	DedicatedTimeout time.Duration
	PublicTimeout    time.Duration
}

// HasDedicated reports whether a dedicated upstream is configured.
func (c Config) HasDedicated() bool {
	return strings.TrimSpace(c.DedicatedDomain) != ""
}

// HasCredentials reports whether any dedicated gateway credential is set.
func (c Config) HasCredentials() bool {
	return c.GatewayKey != "" || c.JWT != ""
}

func (c Config) dedicatedBase() string {
	domain := strings.TrimSpace(c.DedicatedDomain)
	if domain == "" {
		return ""
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return strings.TrimSuffix(domain, "/")
}

func (c Config) fallbacks() []string {
	if c.Fallbacks == nil {
		return DefaultFallbackGateways
	}
	return c.Fallbacks
}

func (c Config) dedicatedTimeout() time.Duration {
	if c.DedicatedTimeout <= 0 {
		return DefaultDedicatedTimeout
	}
	return c.DedicatedTimeout
}

func (c Config) publicTimeout() time.Duration {
	if c.PublicTimeout <= 0 {
		return DefaultPublicTimeout
	}
	return c.PublicTimeout
}

// newClient builds an instrumented client whose transport gives up when
// response headers take longer than timeout. Body streaming is bounded only
// by the inbound request context.
func newClient(kind Kind, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = timeout
	return &http.Client{
		Transport:     telemetry.NewInstrumentedTransport(base, string(kind)),
		CheckRedirect: stripTokenOnRedirect,
	}
}

// stripTokenOnRedirect drops the gateway token header when a redirect leaves
// the original host. The Authorization header is already handled by net/http.
func stripTokenOnRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}
	if !strings.EqualFold(req.URL.Host, via[0].URL.Host) {
		req.Header.Del(GatewayTokenHeader)
	}
	return nil
}

// hostOf returns the host of rawURL, or rawURL itself if it cannot be parsed.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
