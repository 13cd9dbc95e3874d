// Package opprovider resolves credential template values with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/ipfs-proxy/credentials"
)

const defaultBinary = "op"

// Option configures the 1Password provider.
type Option func(*config)

type config struct {
	binary string
}

// WithBinary overrides the path to the op executable.
func WithBinary(path string) Option {
	return func(c *config) {
		c.binary = path
	}
}

// WithOnePassword registers an "op" template function that resolves secret
// references such as op://vault/pinata/jwt using `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := &config{binary: defaultBinary}
	for _, opt := range opts {
		opt(cfg)
	}

	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, cfg.binary, "read", "--no-newline", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
