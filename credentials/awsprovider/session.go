// Package awsprovider resolves credential template values from AWS SSM
// Parameter Store and Secrets Manager.
package awsprovider

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/wolfeidau/ipfs-proxy/credentials"
)

// NewSession builds a session from the shared config and environment. An
// empty region defers to AWS_REGION or the profile.
func NewSession(region string) (*session.Session, error) {
	config := aws.NewConfig()
	if region != "" {
		config = config.WithRegion(region)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *config,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return sess, nil
}

// Providers registers both the ssm and secretsmanager template functions
// backed by sess.
func Providers(sess *session.Session) []credentials.ResolverOption {
	return []credentials.ResolverOption{
		WithSSM(NewSSMClient(ssm.New(sess))),
		WithSecretsManager(NewSecretsManagerClient(secretsmanager.New(sess))),
	}
}
