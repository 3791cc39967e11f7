package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateRSAKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

// tokenServer verifies client assertions with pub and hands out tokens.
func tokenServer(t *testing.T, pub *rsa.PublicKey, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" ||
			r.PostForm.Get("client_assertion_type") != clientAssertionType {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tok, err := jwt.Parse(r.PostForm.Get("client_assertion"), func(tk *jwt.Token) (interface{}, error) {
			if tk.Header["kid"] != "key-1" {
				t.Errorf("expected kid key-1, got %v", tk.Header["kid"])
			}
			return pub, nil
		}, jwt.WithValidMethods([]string{"RS384"}), jwt.WithExpirationRequired())
		if err != nil || !tok.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := tok.Claims.(jwt.MapClaims)
		if claims["iss"] != "client-1" || claims["sub"] != "client-1" || claims["jti"] == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "token-" + string(rune('0'+n)),
			TokenType:   "bearer",
			ExpiresIn:   300,
			Scope:       r.PostForm.Get("scope"),
		})
	}))
}

func TestBackendServices_FetchesAndCachesToken(t *testing.T) {
	key, _ := generateRSAKey(t)
	var calls int32
	srv := tokenServer(t, &key.PublicKey, &calls)
	defer srv.Close()

	now := time.Now()
	b, err := NewBackendServices(BackendServicesConfig{
		TokenURL:   srv.URL,
		ClientID:   "client-1",
		KeyID:      "key-1",
		PrivateKey: key,
	}, WithTokenDoer(srv.Client()), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewBackendServices: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	if err := b.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("expected Bearer token-1, got %q", got)
	}

	// Within the lifetime the cached token is reused.
	now = now.Add(4 * time.Minute)
	tok, err := b.Token(context.Background())
	if err != nil || tok != "token-1" {
		t.Fatalf("expected cached token-1, got %q, %v", tok, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 token request, got %d", calls)
	}

	// Inside the refresh margin a new token is requested.
	now = now.Add(40 * time.Second)
	tok, err = b.Token(context.Background())
	if err != nil || tok != "token-2" {
		t.Fatalf("expected refreshed token-2, got %q, %v", tok, err)
	}
}

func TestBackendServices_TokenEndpointRejects(t *testing.T) {
	key, _ := generateRSAKey(t)
	other, _ := generateRSAKey(t)
	var calls int32
	srv := tokenServer(t, &other.PublicKey, &calls)
	defer srv.Close()

	b, err := NewBackendServices(BackendServicesConfig{
		TokenURL:   srv.URL,
		ClientID:   "client-1",
		KeyID:      "key-1",
		PrivateKey: key,
	}, WithTokenDoer(srv.Client()))
	if err != nil {
		t.Fatalf("NewBackendServices: %v", err)
	}
	if _, err := b.Token(context.Background()); err == nil {
		t.Fatal("expected error when the assertion signature does not verify")
	}
}

func TestNewBackendServices_Validation(t *testing.T) {
	key, _ := generateRSAKey(t)
	cases := []BackendServicesConfig{
		{ClientID: "c", PrivateKey: key},
		{TokenURL: "http://auth.invalid/token", PrivateKey: key},
		{TokenURL: "http://auth.invalid/token", ClientID: "c"},
	}
	for i, c := range cases {
		if _, err := NewBackendServices(c); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestParsePrivateKey(t *testing.T) {
	_, rsaPEM := generateRSAKey(t)
	_, method, err := ParsePrivateKey(rsaPEM)
	if err != nil || method != jwt.SigningMethodRS384 {
		t.Errorf("RSA key: got %v, %v", method, err)
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	ecPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	_, method, err = ParsePrivateKey(ecPEM)
	if err != nil || method != jwt.SigningMethodES384 {
		t.Errorf("EC key: got %v, %v", method, err)
	}

	if _, _, err := ParsePrivateKey([]byte("not a key")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestStaticToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	if err := StaticToken("abc").Authorize(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Header.Get("Authorization") != "Bearer abc" {
		t.Errorf("unexpected header %q", req.Header.Get("Authorization"))
	}
	if err := StaticToken("").Authorize(context.Background(), req); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestApply_NilProviderIsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	if err := Apply(context.Background(), nil, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("expected no Authorization header")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeNone, "none": ModeNone, "Token": ModeToken, "backend": ModeBackend} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("kerberos"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Settings{Mode: ModeNone})
	if err != nil || p != nil {
		t.Errorf("none: expected nil provider, got %v, %v", p, err)
	}

	if _, err := NewProvider(Settings{Mode: ModeToken}); err == nil {
		t.Error("token: expected error without AUTH_TOKEN")
	}
	p, err = NewProvider(Settings{Mode: ModeToken, Token: "abc"})
	if err != nil || p != StaticToken("abc") {
		t.Errorf("token: got %v, %v", p, err)
	}

	_, pemBytes := generateRSAKey(t)
	keyFile := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(keyFile, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	p, err = NewProvider(Settings{
		Mode:           ModeBackend,
		ClientID:       "client-1",
		TokenURL:       "http://auth.invalid/token",
		PrivateKeyFile: keyFile,
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if _, ok := p.(*BackendServices); !ok {
		t.Errorf("backend: expected *BackendServices, got %T", p)
	}

	if _, err := NewProvider(Settings{Mode: ModeBackend, PrivateKeyFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Error("backend: expected error for missing key file")
	}
}
