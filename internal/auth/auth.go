// Package auth provides credential providers for the streaming connection.
//
// The session asks for a token on every connect, so providers that read
// from disk pick up rotated credentials without a restart.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrNoToken      = errors.New("no token available")
	ErrPathRequired = errors.New("token file path is required")
)

// StaticToken returns a fixed token. An empty value means anonymous.
type StaticToken string

// Token implements connection.CredentialProvider.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// FileToken reads the token from a file on each call.
type FileToken struct {
	Path string
}

// NewFileToken creates a provider for path.
func NewFileToken(path string) (*FileToken, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	return &FileToken{Path: path}, nil
}

// Token reads and trims the file contents.
func (f *FileToken) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, f.Path)
	}
	return token, nil
}

// Provider is the subset of connection.CredentialProvider used here.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Chain returns the first non-empty token from its providers.
// Errors are skipped as long as a later provider succeeds.
type Chain []Provider

// Token implements connection.CredentialProvider.
func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, p := range c {
		if p == nil {
			continue
		}
		token, err := p.Token(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if token != "" {
			return token, nil
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("resolve token: %w", errors.Join(errs...))
	}
	return "", nil
}

// FromConfig builds the provider for a token file and a static token.
// The file wins when both are set and readable.
func FromConfig(token, tokenFile string) (Provider, error) {
	var chain Chain
	if tokenFile != "" {
		ft, err := NewFileToken(tokenFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ft)
	}
	chain = append(chain, StaticToken(token))
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
