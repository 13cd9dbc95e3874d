package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsOutcomeToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, OutcomeNA, tags.Outcome)
}

func TestInjectTags_DefaultsRouteEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Route)
	require.Zero(t, tags.Attempts)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetRoute(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, "proxy")
	require.Equal(t, "proxy", GetTags(r).Route)
}

func TestSetRoute_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetRoute(r, "proxy") // should not panic
}

func TestSetOutcome(t *testing.T) {
	r := newTaggedRequest()
	SetOutcome(r.Context(), OutcomeServed)
	require.Equal(t, OutcomeServed, GetTags(r).Outcome)
}

func TestSetGatewayAndAttempts(t *testing.T) {
	r := newTaggedRequest()
	AddAttempt(r.Context())
	AddAttempt(r.Context())
	SetGateway(r.Context(), "ipfs.io")

	tags := GetTags(r)
	require.Equal(t, 2, tags.Attempts)
	require.Equal(t, "ipfs.io", tags.Gateway)
}

func TestTagSetters_NoopOnBareContext(t *testing.T) {
	ctx := context.Background()
	SetOutcome(ctx, OutcomeExhausted)
	SetGateway(ctx, "dweb.link")
	AddAttempt(ctx)
	require.Nil(t, TagsFromContext(ctx))
}
