// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// Outcome is how a request's resolution ended.
type Outcome string

const (
	OutcomeServed      Outcome = "served"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeRestricted  Outcome = "restricted"
	OutcomeUpstreamErr Outcome = "upstream_error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRejected    Outcome = "rejected"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeNA          Outcome = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route    string
	Outcome  Outcome
	Gateway  string
	Attempts int
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Outcome: OutcomeNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetOutcome records how resolution ended.
func SetOutcome(ctx context.Context, outcome Outcome) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Outcome = outcome
	}
}

// SetGateway records the upstream host that served the response.
func SetGateway(ctx context.Context, gateway string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Gateway = gateway
	}
}

// AddAttempt counts one upstream attempt against the request.
func AddAttempt(ctx context.Context) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Attempts++
	}
}
