package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/wolfeidau/ipfs-proxy/credentials"
)

// SSMClient is the interface for AWS SSM Parameter Store operations.
type SSMClient interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// WithSSM registers an "ssm" template function that resolves secrets from AWS SSM Parameter Store.
func WithSSM(client SSMClient) credentials.ResolverOption {
	return credentials.WithProvider("ssm", func(ctx context.Context, ref string) (string, error) {
		val, err := client.GetParameter(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("SSM GetParameter %q: %w", ref, err)
		}
		return val, nil
	})
}

// SSMAPI is the subset of the SDK SSM client used here. *ssm.SSM satisfies it.
type SSMAPI interface {
	GetParameterWithContext(aws.Context, *ssm.GetParameterInput, ...request.Option) (*ssm.GetParameterOutput, error)
}

type ssmClient struct {
	api SSMAPI
}

// NewSSMClient adapts the SDK's SSM service to SSMClient. SecureString
// parameters are always decrypted.
func NewSSMClient(api SSMAPI) SSMClient {
	return &ssmClient{api: api}
}

func (c *ssmClient) GetParameter(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return aws.StringValue(out.Parameter.Value), nil
}
