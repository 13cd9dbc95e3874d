package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	ipfsproxy "github.com/wolfeidau/ipfs-proxy"
	"github.com/wolfeidau/ipfs-proxy/telemetry"
)

// Handler serves one route: parse, translate, plan, resolve, relay.
type Handler struct {
	route    Route
	resolver *Resolver
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler for route backed by resolver.
func NewHandler(route Route, resolver *Resolver, opts ...HandlerOption) *Handler {
	h := &Handler{
		route:    route,
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetRoute(r, h.route.Name)

	plan, err := h.Plan(r.URL.Query())
	if err != nil {
		h.fail(ctx, w, err, 0)
		return
	}

	res, err := h.resolver.Resolve(ctx, r, plan)
	if err != nil {
		attempts := 0
		if tags := telemetry.TagsFromContext(ctx); tags != nil {
			attempts = tags.Attempts
		}
		h.fail(ctx, w, err, attempts)
		return
	}

	telemetry.SetOutcome(ctx, telemetry.OutcomeServed)
	telemetry.RecordResolution(ctx, h.route.Name, telemetry.OutcomeServed, res.Attempts)

	if _, err := Relay(w, r, res); err != nil {
		h.logger.Debug("relay interrupted", "hash", plan.ID.CleanID, "gateway", res.Candidate.Name, "error", err)
	}
}

// Plan validates query and builds the candidate plan without any I/O.
func (h *Handler) Plan(query url.Values) (*Plan, error) {
	id, err := ipfsproxy.ParseIdentifier(query.Get("hash"))
	if err != nil {
		return nil, identifierError(err)
	}

	extra := make(url.Values, len(query))
	for k, v := range query {
		extra[k] = v
	}
	extra.Del("hash")

	pref := PreferDefault
	if !h.route.SupportsOptimization {
		id = id.WithSubPath(query.Get("path"))
		pref, err = ParsePreference(query.Get("gateway"))
		if err != nil {
			return nil, BadRequest(err, "Invalid gateway preference. Use gateway=dedicated or gateway=public.")
		}
		extra.Del("path")
		extra.Del("gateway")
	}

	return BuildPlan(id, Translate(extra, h.route.Mode()), h.route, pref, h.resolver.Config())
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, attempts int) {
	outcome := outcomeFor(err)
	telemetry.SetOutcome(ctx, outcome)
	telemetry.RecordResolution(ctx, h.route.Name, outcome, attempts)

	if outcome == telemetry.OutcomeCanceled {
		h.logger.Debug("client went away", "route", h.route.Name, "error", err)
		w.WriteHeader(StatusClientClosedRequest)
		return
	}

	gwErr := AsError(err)
	if gwErr.Status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "route", h.route.Name, "status", gwErr.Status, "error", err)
	} else {
		h.logger.Debug("request rejected", "route", h.route.Name, "status", gwErr.Status, "error", err)
	}
	WriteError(w, gwErr)
}

func identifierError(err error) *Error {
	if errors.Is(err, ipfsproxy.ErrMissingIdentifier) {
		return BadRequest(err, "IPFS hash is required. Use ?hash=<ipfs_hash> parameter.")
	}
	return BadRequest(err, "Invalid IPFS hash format")
}

func outcomeFor(err error) telemetry.Outcome {
	switch {
	case errors.Is(err, context.Canceled):
		return telemetry.OutcomeCanceled
	case errors.Is(err, ErrHTMLContentRestricted):
		return telemetry.OutcomeRestricted
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrNoCandidates):
		return telemetry.OutcomeExhausted
	case errors.Is(err, ErrUpstreamStatus), errors.Is(err, ErrUpstreamUnreachable):
		return telemetry.OutcomeUpstreamErr
	case AsError(err).Category == CategoryBadRequest:
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeNA
	}
}
