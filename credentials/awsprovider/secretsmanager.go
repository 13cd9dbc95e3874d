package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/wolfeidau/ipfs-proxy/credentials"
)

// SecretsManagerClient is the interface for AWS Secrets Manager operations.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, secretID string) (string, error)
}

// WithSecretsManager registers a "secretsmanager" template function that resolves secrets from AWS Secrets Manager.
func WithSecretsManager(client SecretsManagerClient) credentials.ResolverOption {
	return credentials.WithProvider("secretsmanager", func(ctx context.Context, ref string) (string, error) {
		val, err := client.GetSecretValue(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("SecretsManager GetSecretValue %q: %w", ref, err)
		}
		return val, nil
	})
}

// SecretsManagerAPI is the subset of the SDK Secrets Manager client used
// here. *secretsmanager.SecretsManager satisfies it.
type SecretsManagerAPI interface {
	GetSecretValueWithContext(aws.Context, *secretsmanager.GetSecretValueInput, ...request.Option) (*secretsmanager.GetSecretValueOutput, error)
}

type secretsManagerClient struct {
	api SecretsManagerAPI
}

// NewSecretsManagerClient adapts the SDK's Secrets Manager service to
// SecretsManagerClient. Only string secrets are supported.
func NewSecretsManagerClient(api SecretsManagerAPI) SecretsManagerClient {
	return &secretsManagerClient{api: api}
}

func (c *secretsManagerClient) GetSecretValue(ctx context.Context, secretID string) (string, error) {
	out, err := c.api.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return aws.StringValue(out.SecretString), nil
}
