package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, input string, opts ...ResolverOption) (*Credentials, error) {
	t.Helper()
	return NewResolver(opts...).ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret123")

	creds, err := resolve(t, `{"api_key": {{ env "TEST_API_KEY" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.APIKey)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, `{"api_key": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	creds, err := resolve(t, `{"api_key": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.APIKey)

	t.Setenv("TEST_VAR", "actual")
	creds, err = resolve(t, `{"api_key": {{ envDefault "TEST_VAR" "fallback" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "actual", creds.APIKey)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "jwt.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-jwt\n"), 0o600))

	creds, err := resolve(t, `{"pinata": {"jwt": {{ file "`+tmpFile+`" | json }}}}`)
	require.NoError(t, err)
	require.NotNil(t, creds.Pinata)
	require.Equal(t, "file-jwt", creds.Pinata.JWT)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds, err := resolve(t, `{"api_key": {{ env "TEST_SPECIAL" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.APIKey)
}

func TestResolveReader_MockProvider(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	creds, err := resolve(t, `{"api_key": {{ mock "my-secret" | json }}}`, WithProvider("mock", mockProvider))
	require.NoError(t, err)
	require.Equal(t, "resolved-my-secret", creds.APIKey)
	require.Equal(t, 1, callCount)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"api_key": {{ mock "same-ref" | json }},
		"pinata": {"gateway_key": {{ mock "same-ref" | json }}}
	}`
	creds, err := resolve(t, input, WithProvider("mock", mockProvider))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.APIKey)
	require.Equal(t, "resolved-same-ref", creds.Pinata.GatewayKey)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("PINATA_JWT", "jwt-secret")
	t.Setenv("PINATA_GATEWAY_KEY", "gateway-secret")

	input := `{
		"api_key": "inbound-key",
		"allowed_origins": ["https://app.example.com", "https://*.preview.example.com"],
		"pinata": {
			"gateway_domain": "example.mypinata.cloud",
			"jwt": {{ env "PINATA_JWT" | json }},
			"gateway_key": {{ env "PINATA_GATEWAY_KEY" | json }}
		}
	}`

	creds, err := resolve(t, input)
	require.NoError(t, err)

	require.Equal(t, "inbound-key", creds.APIKey)
	require.Equal(t, []string{"https://app.example.com", "https://*.preview.example.com"}, creds.AllowedOrigins)
	require.Equal(t, &PinataConfig{
		GatewayDomain: "example.mypinata.cloud",
		JWT:           "jwt-secret",
		GatewayKey:    "gateway-secret",
	}, creds.Pinata)
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := resolve(t, `{"api_key": {{ .UndefinedKey }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := resolve(t, `not valid json`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "blank origin", input: `{"allowed_origins": ["https://a.example.com", " "]}`, want: "allowed_origins[1]"},
		{name: "domain with whitespace", input: `{"pinata": {"gateway_domain": "bad domain"}}`, want: "gateway_domain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := resolve(t, `{}`)
	require.NoError(t, err)
	require.Empty(t, creds.APIKey)
	require.Empty(t, creds.AllowedOrigins)
	require.Nil(t, creds.Pinata)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_API_KEY", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"api_key": {{ env "TEST_API_KEY" | json }}}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.APIKey)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	_, err := resolve(t, strings.Repeat("x", maxInputSize+1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveReader_PartialCredentials(t *testing.T) {
	creds, err := resolve(t, `{"pinata": {"gateway_domain": "example.mypinata.cloud"}}`)
	require.NoError(t, err)
	require.Empty(t, creds.APIKey)
	require.NotNil(t, creds.Pinata)
	require.Equal(t, "example.mypinata.cloud", creds.Pinata.GatewayDomain)
	require.Empty(t, creds.Pinata.JWT)
}
