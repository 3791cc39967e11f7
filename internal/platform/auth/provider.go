// Package auth supplies credentials for outgoing FHIR requests. A nil
// Provider means anonymous access.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Provider decorates an outgoing request with credentials.
type Provider interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *http.Request) error

func (f ProviderFunc) Authorize(ctx context.Context, req *http.Request) error { return f(ctx, req) }

// StaticToken sends a fixed bearer token with every request.
type StaticToken string

func (t StaticToken) Authorize(_ context.Context, req *http.Request) error {
	if t == "" {
		return errors.New("auth: empty bearer token")
	}
	req.Header.Set("Authorization", "Bearer "+string(t))
	return nil
}

// Apply runs p against req when p is non-nil.
func Apply(ctx context.Context, p Provider, req *http.Request) error {
	if p == nil {
		return nil
	}
	return p.Authorize(ctx, req)
}

// Mode names an authentication strategy selectable from configuration.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeToken   Mode = "token"
	ModeBackend Mode = "backend"
)

// ParseMode maps a configuration value to a Mode; empty means none.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeToken:
		return ModeToken, nil
	case ModeBackend:
		return ModeBackend, nil
	}
	return "", fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q", ModeNone, ModeToken, ModeBackend, s)
}

// Settings is the configuration needed to build any Provider.
type Settings struct {
	Mode           Mode
	Token          string
	ClientID       string
	TokenURL       string
	PrivateKeyFile string
	KeyID          string
	Scope          string
}

// NewProvider builds the Provider described by s. ModeNone yields nil.
func NewProvider(s Settings, opts ...BackendServicesOption) (Provider, error) {
	switch s.Mode {
	case "", ModeNone:
		return nil, nil
	case ModeToken:
		if s.Token == "" {
			return nil, errors.New("AUTH_TOKEN is required when AUTH_MODE is \"token\"")
		}
		return StaticToken(s.Token), nil
	case ModeBackend:
		pem, err := os.ReadFile(s.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key, method, err := ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		bs, err := NewBackendServices(BackendServicesConfig{
			TokenURL:      s.TokenURL,
			ClientID:      s.ClientID,
			KeyID:         s.KeyID,
			Scope:         s.Scope,
			PrivateKey:    key,
			SigningMethod: method,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return bs, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", s.Mode)
}
