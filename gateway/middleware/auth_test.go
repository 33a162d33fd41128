package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "gateway-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.HMACSecret == "" {
		cfg.HMACSecret = testSecret
	}
	cfg.Enabled = true
	return NewAuthenticator(cfg, nil)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{})
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/memes", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestAuthMiddlewareExposesCallerSubject(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{})
	var gotCaller string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			t.Fatal("expected caller in context")
		}
		gotCaller = caller
		w.WriteHeader(http.StatusOK)
	}))

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "meme1creatoraddress",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if gotCaller != "meme1creatoraddress" {
		t.Fatalf("unexpected caller %q", gotCaller)
	}
}

func TestAuthMiddlewareEnforcesScopes(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{})
	handler := auth.Middleware("meme.write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	readOnly := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "meme1creatoraddress",
		"scope": "meme.read",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+readOnly)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", res.Code)
	}

	writer := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "meme1creatoraddress",
		"scope": "meme.read meme.write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+writer)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with write scope, got %d", res.Code)
	}
}

func TestAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{ClockSkew: time.Second})
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "meme1creatoraddress",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", res.Code)
	}
}

func TestAuthMiddlewareValidatesIssuerAndAudience(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{Issuer: "memefi-auth", Audience: "memefi-gateway"})
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	wrongIssuer := signToken(t, testSecret, jwt.MapClaims{
		"sub": "meme1creatoraddress",
		"iss": "someone-else",
		"aud": "memefi-gateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+wrongIssuer)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for issuer mismatch, got %d", res.Code)
	}

	valid := signToken(t, testSecret, jwt.MapClaims{
		"sub": "meme1creatoraddress",
		"iss": "memefi-auth",
		"aud": "memefi-gateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req = httptest.NewRequest(http.MethodGet, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid claims, got %d", res.Code)
	}
}

func TestAuthMiddlewareAllowsAnonymousOptionalPaths(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{
		OptionalPaths:  []string{"/v1/memes"},
		AllowAnonymous: true,
	})
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/memes", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected anonymous access on optional path, got %d", res.Code)
	}
}

func TestAuthMiddlewareRejectsUnsignedAlgorithm(t *testing.T) {
	auth := newTestAuthenticator(AuthConfig{})
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "meme1creatoraddress",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/memes", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for alg=none token, got %d", res.Code)
	}
}
