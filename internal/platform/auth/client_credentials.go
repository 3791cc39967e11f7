package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/fhirtable/internal/platform/transport"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenResponse is the token endpoint reply for a client_credentials grant.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServicesConfig configures a SMART Backend Services client (SMART App
// Launch v2, client_credentials with a signed JWT assertion).
type BackendServicesConfig struct {
	TokenURL      string
	ClientID      string
	KeyID         string
	Scope         string
	PrivateKey    crypto.PrivateKey
	SigningMethod jwt.SigningMethod // default RS384
}

// BackendServicesOption configures a BackendServices provider.
type BackendServicesOption func(*BackendServices)

// WithTokenDoer overrides the transport used to reach the token endpoint.
func WithTokenDoer(d transport.Doer) BackendServicesOption {
	return func(b *BackendServices) { b.doer = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) BackendServicesOption {
	return func(b *BackendServices) { b.now = now }
}

// BackendServices obtains and caches access tokens. It is safe for
// concurrent use; concurrent callers share one token request.
type BackendServices struct {
	cfg  BackendServicesConfig
	doer transport.Doer
	now  func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// refreshMargin renews tokens shortly before they expire.
const refreshMargin = 30 * time.Second

// NewBackendServices validates cfg and returns a provider.
func NewBackendServices(cfg BackendServicesConfig, opts ...BackendServicesOption) (*BackendServices, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("AUTH_TOKEN_URL is required for backend services auth")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("AUTH_CLIENT_ID is required for backend services auth")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("a private key is required for backend services auth")
	}
	if cfg.SigningMethod == nil {
		cfg.SigningMethod = jwt.SigningMethodRS384
	}
	if cfg.Scope == "" {
		cfg.Scope = "system/*.read"
	}
	b := &BackendServices{
		cfg:  cfg,
		doer: transport.NewHTTPClient(10 * time.Second),
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Authorize sets a bearer token on req, fetching a new one when needed.
func (b *BackendServices) Authorize(ctx context.Context, req *http.Request) error {
	tok, err := b.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns a valid access token.
func (b *BackendServices) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.now().Add(refreshMargin).Before(b.expiry) {
		return b.token, nil
	}

	resp, err := b.requestToken(ctx)
	if err != nil {
		return "", err
	}
	b.token = resp.AccessToken
	b.expiry = b.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return b.token, nil
}

// Assertion builds the signed client assertion JWT.
func (b *BackendServices) Assertion() (string, error) {
	now := b.now()
	claims := jwt.RegisteredClaims{
		Issuer:    b.cfg.ClientID,
		Subject:   b.cfg.ClientID,
		Audience:  jwt.ClaimStrings{b.cfg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(b.cfg.SigningMethod, claims)
	if b.cfg.KeyID != "" {
		token.Header["kid"] = b.cfg.KeyID
	}
	signed, err := token.SignedString(b.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (b *BackendServices) requestToken(ctx context.Context) (*TokenResponse, error) {
	assertion, err := b.Assertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", b.cfg.Scope)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 300
	}
	return &tr, nil
}

// ParsePrivateKey decodes a PEM private key and picks the matching signing
// method: RS384 for RSA keys, ES256/ES384/ES512 by curve for EC keys.
func ParsePrivateKey(pemBytes []byte) (crypto.PrivateKey, jwt.SigningMethod, error) {
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes); err == nil {
		return rsaKey, jwt.SigningMethodRS384, nil
	}
	if ecKey, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err == nil {
		switch ecKey.Curve.Params().BitSize {
		case 256:
			return ecKey, jwt.SigningMethodES256, nil
		case 384:
			return ecKey, jwt.SigningMethodES384, nil
		case 521:
			return ecKey, jwt.SigningMethodES512, nil
		}
		return nil, nil, fmt.Errorf("unsupported EC curve %s", ecKey.Curve.Params().Name)
	}
	return nil, nil, errors.New("private key is neither an RSA nor an EC PEM key")
}
