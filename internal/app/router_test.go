package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/parahub/parahub/internal/auth"
	"github.com/parahub/parahub/internal/observability"
	"github.com/parahub/parahub/internal/rbac/rbactest"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

type finder map[int64]*users.WebUser

func (f finder) ByID(ctx context.Context, id int64) (*users.WebUser, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (f finder) ByUsername(ctx context.Context, username string) (*users.WebUser, error) {
	for _, u := range f {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

type fixture struct {
	router   http.Handler
	sessions *shared.SessionManager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	accounts := finder{1: {ID: 1, Username: "ada", Role: "single", PasswordHash: string(hash)}}

	cfg := &Config{AppEnv: "test", RateLimitPerMin: 1000}
	tokens := auth.NewTokenIssuer("router-test-secret", time.Hour)
	authService := auth.NewService(accounts, tokens)
	sessions := shared.NewSessionManager(client, "parahub_session", "session-secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")

	router := NewRouter(RouterParams{
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		AuthService:    authService,
		AuthHandler:    auth.NewHandler(nil, authService, tokens, sessions, csrf),
		RBACMiddleware: rbactest.Middleware(rbactest.NewStore()),
		Metrics:        observability.NewMetrics(),
	})
	return fixture{router: router, sessions: sessions}
}

type loginResult struct {
	cookie *http.Cookie
	token  string
	csrf   string
}

func (f fixture) login(t *testing.T) loginResult {
	t.Helper()
	body := bytes.NewBufferString(`{"username":"ada","password":"pw"}`)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Token     string `json:"token"`
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == f.sessions.CookieName() {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.NotEmpty(t, resp.CSRFToken)
	return loginResult{cookie: cookie, token: resp.Token, csrf: resp.CSRFToken}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `parahub_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestUnknownRouteIsProblem(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestSessionWritesRequireCSRFHeader(t *testing.T) {
	f := newFixture(t)
	session := f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(session.cookie)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(session.cookie)
	req.Header.Set(shared.CSRFHeader, "forged")
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(session.cookie)
	req.Header.Set(shared.CSRFHeader, session.csrf)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestBearerWritesSkipCSRF(t *testing.T) {
	f := newFixture(t)
	session := f.login(t)
	require.NotEmpty(t, session.token)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+session.token)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUserRateKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, UserRateKey(req))
	req = req.WithContext(users.ContextWithUser(req.Context(), &users.WebUser{ID: 42}))
	require.Equal(t, "42", UserRateKey(req))
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"msg":"kept"`)
}
