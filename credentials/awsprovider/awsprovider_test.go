package awsprovider

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ipfs-proxy/credentials"
)

type mockSSMClient struct {
	params map[string]string
}

func (m *mockSSMClient) GetParameter(_ context.Context, name string) (string, error) {
	if val, ok := m.params[name]; ok {
		return val, nil
	}
	return "", fmt.Errorf("parameter not found: %s", name)
}

type mockSMClient struct {
	secrets map[string]string
}

func (m *mockSMClient) GetSecretValue(_ context.Context, secretID string) (string, error) {
	if val, ok := m.secrets[secretID]; ok {
		return val, nil
	}
	return "", fmt.Errorf("secret not found: %s", secretID)
}

func TestWithSSM(t *testing.T) {
	client := &mockSSMClient{
		params: map[string]string{
			"/prod/pinata-jwt": "ssm-secret",
		},
	}

	input := `{"pinata": {"jwt": {{ ssm "/prod/pinata-jwt" | json }}}}`
	r := credentials.NewResolver(WithSSM(client))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "ssm-secret", creds.Pinata.JWT)
}

func TestWithSSM_NotFound(t *testing.T) {
	client := &mockSSMClient{params: map[string]string{}}

	input := `{"api_key": {{ ssm "/missing/param" | json }}}`
	r := credentials.NewResolver(WithSSM(client))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "SSM GetParameter")
}

func TestWithSecretsManager(t *testing.T) {
	client := &mockSMClient{
		secrets: map[string]string{
			"prod/gateway-key": "sm-secret",
		},
	}

	input := `{"pinata": {"gateway_key": {{ secretsmanager "prod/gateway-key" | json }}}}`
	r := credentials.NewResolver(WithSecretsManager(client))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "sm-secret", creds.Pinata.GatewayKey)
}

func TestWithSecretsManager_NotFound(t *testing.T) {
	client := &mockSMClient{secrets: map[string]string{}}

	input := `{"api_key": {{ secretsmanager "missing/secret" | json }}}`
	r := credentials.NewResolver(WithSecretsManager(client))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "SecretsManager GetSecretValue")
}

var (
	_ SSMAPI            = (*ssm.SSM)(nil)
	_ SSMAPI            = (*fakeSSMAPI)(nil)
	_ SecretsManagerAPI = (*secretsmanager.SecretsManager)(nil)
	_ SecretsManagerAPI = (*fakeSMAPI)(nil)
)

type fakeSSMAPI struct {
	input *ssm.GetParameterInput
	out   *ssm.GetParameterOutput
}

func (f *fakeSSMAPI) GetParameterWithContext(_ aws.Context, in *ssm.GetParameterInput, _ ...request.Option) (*ssm.GetParameterOutput, error) {
	f.input = in
	return f.out, nil
}

type fakeSMAPI struct {
	input *secretsmanager.GetSecretValueInput
	out   *secretsmanager.GetSecretValueOutput
}

func (f *fakeSMAPI) GetSecretValueWithContext(_ aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = in
	return f.out, nil
}

func TestNewSSMClient(t *testing.T) {
	api := &fakeSSMAPI{out: &ssm.GetParameterOutput{Parameter: &ssm.Parameter{Value: aws.String("decrypted")}}}

	val, err := NewSSMClient(api).GetParameter(context.Background(), "/prod/api-key")
	require.NoError(t, err)
	require.Equal(t, "decrypted", val)
	require.Equal(t, "/prod/api-key", aws.StringValue(api.input.Name))
	require.True(t, aws.BoolValue(api.input.WithDecryption))

	api.out = &ssm.GetParameterOutput{}
	_, err = NewSSMClient(api).GetParameter(context.Background(), "/prod/empty")
	require.ErrorContains(t, err, "has no value")
}

func TestNewSecretsManagerClient(t *testing.T) {
	api := &fakeSMAPI{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("s3cret")}}

	val, err := NewSecretsManagerClient(api).GetSecretValue(context.Background(), "prod/jwt")
	require.NoError(t, err)
	require.Equal(t, "s3cret", val)
	require.Equal(t, "prod/jwt", aws.StringValue(api.input.SecretId))

	api.out = &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}
	_, err = NewSecretsManagerClient(api).GetSecretValue(context.Background(), "prod/binary")
	require.ErrorContains(t, err, "no string value")
}
