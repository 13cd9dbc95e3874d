package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

const (
	// maxErrorBody bounds how much of a failed upstream response is buffered.
	maxErrorBody = 64 << 10

	// restrictionScanBytes is how much of a 403 body is searched for a
	// restriction marker.
	restrictionScanBytes = 8 << 10
)

// forwardedRequestHeaders are copied from the inbound request to every
// upstream attempt.
var forwardedRequestHeaders = []string{"Range", "If-None-Match", "If-Modified-Since"}

type state int

const (
	statePending state = iota
	stateTrying
	stateSucceeded
	stateExhausted
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateTrying:
		return "trying"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type action int

const (
	actionSucceed action = iota
	actionAdvance
	actionEscalate
	actionRestricted
	actionStop
)

func (a action) String() string {
	switch a {
	case actionSucceed:
		return "succeed"
	case actionAdvance:
		return "advance"
	case actionEscalate:
		return "escalate"
	case actionRestricted:
		return "restricted"
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// attempt is the observed result of one upstream call.
type attempt struct {
	candidate Candidate
	status    int
	err       error

	// restricted is set when a 403 body carries a restriction marker.
	restricted bool

	last         bool
	escalated    bool
	hasDedicated bool
	canEscalate  bool
}

type classifyRule struct {
	name   string
	match  func(a attempt) bool
	action action
}

// classifyRules is evaluated in order; the first match decides.
var classifyRules = []classifyRule{
	{
		name:   "success",
		match:  func(a attempt) bool { return a.err == nil && a.status >= 200 && a.status < 400 },
		action: actionSucceed,
	},
	{
		name:   "escalation result",
		match:  func(a attempt) bool { return a.escalated },
		action: actionStop,
	},
	{
		name:   "transport error",
		match:  func(a attempt) bool { return a.err != nil },
		action: actionAdvance,
	},
	{
		name: "restricted with dedicated",
		match: func(a attempt) bool {
			return a.status == http.StatusForbidden && a.restricted && a.candidate.Kind == KindPublic && a.canEscalate
		},
		action: actionEscalate,
	},
	{
		name: "restricted without dedicated",
		match: func(a attempt) bool {
			return a.status == http.StatusForbidden && a.restricted && !a.hasDedicated
		},
		action: actionRestricted,
	},
	{
		name: "not found",
		match: func(a attempt) bool {
			return (a.status == http.StatusNotFound || a.status == http.StatusUnauthorized) && !a.last
		},
		action: actionAdvance,
	},
	{
		name:   "upstream error",
		match:  func(a attempt) bool { return true },
		action: actionAdvance,
	},
}

func classify(a attempt) classifyRule {
	for _, rule := range classifyRules {
		if rule.match(a) {
			return rule
		}
	}
	return classifyRules[len(classifyRules)-1]
}

// Result is the upstream response chosen by the resolver. The caller owns
// Response.Body.
type Result struct {
	Candidate Candidate
	Response  *http.Response
	Attempts  int
}

// failure is a buffered upstream error response.
type failure struct {
	candidate Candidate
	status    int
	header    http.Header
	body      []byte
}

// Resolver walks a plan's candidates in order until one succeeds.
type Resolver struct {
	cfg             Config
	dedicatedClient *http.Client
	publicClient    *http.Client
	markers         [][]byte
	logger          *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithDedicatedClient overrides the client used for the dedicated upstream.
func WithDedicatedClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.dedicatedClient = client
	}
}

// WithPublicClient overrides the client used for public gateways.
func WithPublicClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.publicClient = client
	}
}

// WithRestrictionMarkers replaces the substrings that identify an HTML
// restriction response. Matching is case-insensitive.
func WithRestrictionMarkers(markers ...string) ResolverOption {
	return func(r *Resolver) {
		r.markers = lowerAll(markers)
	}
}

// NewResolver creates a resolver for cfg.
func NewResolver(cfg Config, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cfg:     cfg,
		markers: lowerAll(DefaultRestrictionMarkers),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dedicatedClient == nil {
		r.dedicatedClient = newClient(KindDedicated, cfg.dedicatedTimeout())
	}
	if r.publicClient == nil {
		r.publicClient = newClient(KindPublic, cfg.publicTimeout())
	}
	return r
}

// Config returns the configuration the resolver was built with.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve tries each candidate in plan order. On success the returned
// Result holds an unread response body. On failure the error is an *Error.
func (r *Resolver) Resolve(ctx context.Context, in *http.Request, plan *Plan) (*Result, error) {
	logger := r.logger.With("hash", plan.ID.CleanID, "plan", plan.Fingerprint())

	var (
		st             = statePending
		queue          = plan.Candidates
		attempts       int
		dedicatedTried bool
		escalated      bool
		lastErr        error
		lastFail       *failure
	)

	for i := 0; i < len(queue); i++ {
		st = stateTrying
		c := queue[i]
		attempts++
		telemetry.AddAttempt(ctx)
		if c.Kind == KindDedicated {
			dedicatedTried = true
		}

		logger.Debug("trying upstream", "state", st, "attempt", attempts, "gateway", c.Name, "kind", c.Kind, "url", c.URL)

		resp, err := r.do(ctx, in, c)
		if ctxErr := ctx.Err(); ctxErr != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return nil, contextError(plan, ctxErr)
		}

		a := attempt{
			candidate:    c,
			err:          err,
			last:         i == len(queue)-1,
			escalated:    escalated && i == len(queue)-1,
			hasDedicated: plan.Dedicated != nil,
			canEscalate:  plan.Dedicated != nil && !dedicatedTried,
		}

		var fail *failure
		if err == nil {
			a.status = resp.StatusCode
			if resp.StatusCode < 200 || resp.StatusCode >= 400 {
				fail = readFailure(c, resp)
				a.restricted = resp.StatusCode == http.StatusForbidden && r.isRestricted(fail.body)
			}
		}

		rule := classify(a)
		telemetry.RecordCandidateAttempt(ctx, c.Name, string(c.Kind), rule.action.String())

		switch rule.action {
		case actionSucceed:
			st = stateSucceeded
			telemetry.SetGateway(ctx, c.Name)
			logger.Debug("upstream succeeded", "state", st, "gateway", c.Name, "status", resp.StatusCode, "attempts", attempts)
			return &Result{Candidate: c, Response: resp, Attempts: attempts}, nil

		case actionEscalate:
			logger.Info("html content restricted, retrying dedicated gateway",
				"gateway", c.Name,
				"dedicated", plan.Dedicated.Name,
			)
			queue = append(queue[:i+1:i+1], *plan.Dedicated)
			escalated = true

		case actionRestricted:
			st = stateExhausted
			logger.Warn("html content restricted and no dedicated gateway configured", "state", st, "gateway", c.Name)
			return nil, restrictedError(plan, c)

		case actionStop:
			st = stateExhausted
			logger.Info("dedicated retry failed", "state", st, "gateway", c.Name, "status", a.status, "error", err)
			return nil, finalError(plan, err, fail, true)

		case actionAdvance:
			logger.Info("upstream attempt failed",
				"gateway", c.Name,
				"kind", c.Kind,
				"status", a.status,
				"rule", rule.name,
				"error", err,
			)
		}

		lastErr, lastFail = err, fail
	}

	st = stateExhausted
	logger.Warn("all upstream candidates failed", "state", st, "attempts", attempts)
	return nil, finalError(plan, lastErr, lastFail, false)
}

func (r *Resolver) do(ctx context.Context, in *http.Request, c Candidate) (*http.Response, error) {
	method := http.MethodGet
	if in.Method == http.MethodHead {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	for _, h := range forwardedRequestHeaders {
		if v := in.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if c.RequiresAuth {
		r.setAuth(req, c)
	}

	client := r.publicClient
	if c.Kind == KindDedicated {
		client = r.dedicatedClient
	}
	return client.Do(req)
}

// setAuth attaches the gateway key if set, else the JWT.
func (r *Resolver) setAuth(req *http.Request, c Candidate) {
	switch {
	case r.cfg.GatewayKey != "":
		req.Header.Set(GatewayTokenHeader, r.cfg.GatewayKey)
		q := req.URL.Query()
		q.Set(GatewayTokenParam, r.cfg.GatewayKey)
		req.URL.RawQuery = q.Encode()
	case r.cfg.JWT != "":
		req.Header.Set("Authorization", "Bearer "+r.cfg.JWT)
	default:
		r.logger.Warn("dedicated gateway credentials not configured, sending unauthenticated request", "gateway", c.Name)
	}
}

func (r *Resolver) isRestricted(body []byte) bool {
	if len(body) > restrictionScanBytes {
		body = body[:restrictionScanBytes]
	}
	lower := bytes.ToLower(body)
	for _, m := range r.markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

func readFailure(c Candidate, resp *http.Response) *failure {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &failure{
		candidate: c,
		status:    resp.StatusCode,
		header:    resp.Header.Clone(),
		body:      body,
	}
}

// finalError maps the last attempt of an exhausted plan onto the error the
// client receives.
func finalError(plan *Plan, lastErr error, lastFail *failure, escalated bool) *Error {
	details := map[string]any{"hash": plan.ID.CleanID}

	switch {
	case lastErr != nil && isTimeout(lastErr):
		return &Error{
			Category: CategoryGatewayTimeout,
			Status:   http.StatusGatewayTimeout,
			Message:  "Upstream gateway timed out",
			Details:  details,
			Err:      fmt.Errorf("%w: %w", ErrUpstreamTimeout, lastErr),
		}
	case lastErr != nil:
		return &Error{
			Category: CategoryGatewayError,
			Status:   http.StatusBadGateway,
			Message:  "Upstream gateway could not be reached",
			Details:  details,
			Err:      fmt.Errorf("%w: %w", ErrUpstreamUnreachable, lastErr),
		}
	case lastFail != nil && escalated:
		return upstreamStatusError(lastFail)
	default:
		return &Error{
			Category: CategoryServiceUnavailable,
			Status:   http.StatusServiceUnavailable,
			Message:  "Content not available from any gateway",
			Details:  details,
			Err:      ErrExhausted,
		}
	}
}

// contextError reports why the inbound request context ended the walk. A
// client that went away gets StatusClientClosedRequest, which is logged but
// never reaches the client.
func contextError(plan *Plan, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Category: CategoryGatewayTimeout,
			Status:   http.StatusGatewayTimeout,
			Message:  "Request deadline exceeded before an upstream gateway responded",
			Details:  map[string]any{"hash": plan.ID.CleanID},
			Err:      fmt.Errorf("%w: %w", ErrUpstreamTimeout, err),
		}
	}
	return &Error{
		Category: CategoryGatewayError,
		Status:   StatusClientClosedRequest,
		Message:  "Request canceled",
		Err:      err,
	}
}

func restrictedError(plan *Plan, c Candidate) *Error {
	return &Error{
		Category:       CategoryGatewayError,
		Status:         http.StatusForbidden,
		UpstreamStatus: http.StatusForbidden,
		Message: "HTML content is restricted on public gateways. " +
			"Configure a dedicated gateway (PINATA_GATEWAY_DOMAIN) to serve this content.",
		Details: map[string]any{
			"hash":    plan.ID.CleanID,
			"gateway": c.Name,
			"reason":  "HTML Content Restricted",
		},
		Err: ErrHTMLContentRestricted,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func lowerAll(ss []string) [][]byte {
	out := make([][]byte, 0, len(ss))
	for _, s := range ss {
		if s == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(s)))
	}
	return out
}
