package gateway

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	ipfsproxy "github.com/wolfeidau/ipfs-proxy"
)

// Kind distinguishes the dedicated upstream from public fallbacks.
type Kind string

const (
	KindDedicated Kind = "dedicated"
	KindPublic    Kind = "public"
)

// Candidate is one upstream URL to attempt.
type Candidate struct {
	URL                  string `json:"url"`
	RequiresAuth         bool   `json:"requiresAuth"`
	SupportsOptimization bool   `json:"supportsOptimization"`
	Kind                 Kind   `json:"kind"`

	// Name is the upstream host, used in logs and metrics.
	Name string `json:"name"`
}

// Route describes the capabilities of the route a request arrived on.
type Route struct {
	Name string

	// SupportsOptimization enables translation of optimization options.
	SupportsOptimization bool

	// AllowFallbackOnPlainContent lets plain-content requests fall back to
	// public gateways after a dedicated miss.
	AllowFallbackOnPlainContent bool
}

var (
	// ProxyRoute serves plain content and forwards extra parameters verbatim.
	ProxyRoute = Route{Name: "proxy", AllowFallbackOnPlainContent: true}

	// ImageRoute applies image optimization through the dedicated upstream.
	ImageRoute = Route{Name: "image", SupportsOptimization: true, AllowFallbackOnPlainContent: true}
)

// Mode returns the translation mode for the route.
func (r Route) Mode() TranslateMode {
	if r.SupportsOptimization {
		return ModeOptimize
	}
	return ModePassthrough
}

// Preference orders the dedicated upstream against public gateways.
type Preference string

const (
	// PreferDefault tries the dedicated upstream first when configured.
	PreferDefault Preference = ""

	// PreferDedicated requires a dedicated upstream and tries it first.
	PreferDedicated Preference = "dedicated"

	// PreferPublic tries public gateways first and keeps the dedicated
	// upstream only for the HTML restriction retry.
	PreferPublic Preference = "public"
)

// ParsePreference validates a client-supplied gateway preference.
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(s); p {
	case PreferDefault, PreferDedicated, PreferPublic:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPreference, s)
	}
}

// Plan is the ordered set of candidates for one request.
type Plan struct {
	ID         ipfsproxy.ContentIdentifier `json:"-"`
	Params     Params                      `json:"-"`
	Candidates []Candidate                 `json:"candidates"`

	// Dedicated is the dedicated candidate, if configured, for the HTML
	// restriction retry. It may also appear in Candidates.
	Dedicated *Candidate `json:"dedicated,omitempty"`

	// Optimized is set when optimization parameters are applied. An
	// optimized plan never falls back.
	Optimized bool `json:"optimized"`

	AllowFallback bool `json:"allowFallback"`
}

// Fingerprint is a stable digest of the candidate order.
func (p *Plan) Fingerprint() string {
	var b strings.Builder
	for _, c := range p.Candidates {
		b.WriteString(string(c.Kind))
		b.WriteByte(0)
		b.WriteString(strconv.FormatBool(c.RequiresAuth))
		b.WriteByte(0)
		b.WriteString(c.URL)
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// BuildPlan constructs the candidate list for id. It performs no I/O.
// Credentials are never embedded in candidate URLs.
func BuildPlan(id ipfsproxy.ContentIdentifier, params Params, route Route, pref Preference, cfg Config) (*Plan, error) {
	base := cfg.dedicatedBase()

	if pref == PreferDedicated && base == "" {
		return nil, BadRequest(ErrDedicatedGatewayNotConfigured,
			"The dedicated gateway was requested but PINATA_GATEWAY_DOMAIN is not configured.")
	}

	optimized := route.SupportsOptimization && params.Optimized()
	if route.SupportsOptimization && params.Supplied() && base == "" {
		if optimized {
			err := BadRequest(ErrOptimizationRequiresDedicatedGateway,
				"Image optimization parameters require a configured Pinata gateway. Please set PINATA_GATEWAY_DOMAIN environment variable.")
			err.Details = map[string]any{"providedParams": suppliedKeys(params)}
			return nil, err
		}
		err := BadRequest(ErrInvalidOptimizationParameters, "No valid image optimization parameters were supplied.")
		err.Details = map[string]any{"rejectedParams": params.Rejected}
		return nil, err
	}

	query := params.Passthrough
	if optimized {
		query = params.Dialect
	}

	plan := &Plan{
		ID:        id,
		Params:    params,
		Optimized: optimized,
	}

	var dedicated *Candidate
	if base != "" {
		dedicated = &Candidate{
			URL:                  candidateURL(base, id, query.Encode()),
			RequiresAuth:         true,
			SupportsOptimization: true,
			Kind:                 KindDedicated,
			Name:                 hostOf(base),
		}
		plan.Dedicated = dedicated
	}

	if optimized {
		plan.Candidates = []Candidate{*dedicated}
		return plan, nil
	}

	publics := make([]Candidate, 0, len(cfg.fallbacks()))
	for _, gw := range cfg.fallbacks() {
		publics = append(publics, Candidate{
			URL:  candidateURL(gw, id, query.Encode()),
			Kind: KindPublic,
			Name: hostOf(gw),
		})
	}

	switch {
	case dedicated == nil:
		plan.Candidates = publics
	case pref == PreferPublic:
		plan.Candidates = publics
	case route.AllowFallbackOnPlainContent:
		plan.Candidates = append([]Candidate{*dedicated}, publics...)
	default:
		plan.Candidates = []Candidate{*dedicated}
	}
	plan.AllowFallback = len(plan.Candidates) > 1

	if len(plan.Candidates) == 0 {
		return nil, &Error{
			Category: CategoryServiceUnavailable,
			Status:   http.StatusServiceUnavailable,
			Message:  "No upstream gateways are configured",
			Details:  map[string]any{"hash": id.CleanID},
			Err:      ErrNoCandidates,
		}
	}

	return plan, nil
}

func candidateURL(base string, id ipfsproxy.ContentIdentifier, rawQuery string) string {
	u := base + (&url.URL{Path: id.Path()}).EscapedPath()
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func suppliedKeys(p Params) []string {
	keys := make([]string, 0, len(p.Dialect)+len(p.Rejected))
	for k := range p.Dialect {
		keys = append(keys, k)
	}
	keys = append(keys, p.Rejected...)
	sort.Strings(keys)
	return keys
}
