package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "admin-secret"

var authNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func adminClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "taskbridge",
		"aud":   "taskbridge-admin",
		"sub":   "ops@example",
		"scope": ScopeAdmin + " other",
		"exp":   authNow.Add(time.Hour).Unix(),
	}
}

func newTestAuth() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "taskbridge",
		Audience:   "taskbridge-admin",
		Now:        func() time.Time { return authNow },
	}, nil)
}

func serveWithToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/retry-queue", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	var subject string
	handler := newTestAuth().Middleware(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	res := serveWithToken(handler, signToken(t, testSecret, adminClaims()))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ops@example", subject)
}

func TestAuthenticatorRejections(t *testing.T) {
	handler := newTestAuth().Middleware(ScopeAdmin)(okHandler())

	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, "").Code)
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, signToken(t, "wrong", adminClaims())).Code)

	expired := adminClaims()
	expired["exp"] = authNow.Add(-time.Hour).Unix()
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, signToken(t, testSecret, expired)).Code)

	noExp := adminClaims()
	delete(noExp, "exp")
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, signToken(t, testSecret, noExp)).Code)

	wrongAud := adminClaims()
	wrongAud["aud"] = []string{"someone-else"}
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, signToken(t, testSecret, wrongAud)).Code)

	wrongIss := adminClaims()
	wrongIss["iss"] = "elsewhere"
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, signToken(t, testSecret, wrongIss)).Code)

	unscoped := adminClaims()
	unscoped["scope"] = []string{"read"}
	require.Equal(t, http.StatusForbidden, serveWithToken(handler, signToken(t, testSecret, unscoped)).Code)
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	require.Equal(t, http.StatusOK, serveWithToken(auth.Middleware(ScopeAdmin)(okHandler()), "").Code)
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example/"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/tasks/1/metadata", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://app.example", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/tasks/1/metadata", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
