package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

type stubFinder struct {
	byID map[int64]*users.WebUser
	err  error
}

func (s *stubFinder) ByID(ctx context.Context, id int64) (*users.WebUser, error) {
	if s.err != nil {
		return nil, s.err
	}
	if u, ok := s.byID[id]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubFinder) ByUsername(ctx context.Context, username string) (*users.WebUser, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, u := range s.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func newFinder(t *testing.T) *stubFinder {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubFinder{byID: map[int64]*users.WebUser{
		7: {ID: 7, Username: "alice", Role: "single", PasswordHash: string(hash)},
	}}
}

func TestAuthenticate(t *testing.T) {
	svc := NewService(newFinder(t), nil)

	user, err := svc.Authenticate(context.Background(), " alice ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)

	_, err = svc.Authenticate(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.Authenticate(context.Background(), "bob", "correct horse")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	token, expiresAt, err := issuer.Issue(7, "single")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "single", claims.Role)

	_, err = NewTokenIssuer("other", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	issued := time.Now().Add(-2 * time.Hour)
	issuer.now = func() time.Time { return issued }
	token, _, err := issuer.Issue(7, "single")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenIssuerDisabled(t *testing.T) {
	issuer := NewTokenIssuer("", time.Minute)
	assert.False(t, issuer.Enabled())
	_, _, err := issuer.Issue(1, "single")
	assert.Error(t, err)
	_, err = issuer.Verify("anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type authFixture struct {
	router   chi.Router
	sessions *shared.SessionManager
	tokens   *TokenIssuer
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "parahub_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("secret")
	tokens := NewTokenIssuer("jwt-secret", time.Hour)
	svc := NewService(newFinder(t), tokens)
	h := NewHandler(nil, svc, tokens, sessions, csrf)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
			require.NoError(t, sessions.Commit(req.Context(), w, req, sess))
			for k, v := range rec.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(rec.Code)
			_, _ = w.Write(rec.Body.Bytes())
		})
	})
	r.Use(Identity(svc, nil))
	h.MountRoutes(r)
	r.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
		p, ok := PrincipalFromRequest(req)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": p.GetID(), "method": MethodFromContext(req.Context())})
	})
	return &authFixture{router: r, sessions: sessions, tokens: tokens}
}

func (f *authFixture) login(t *testing.T, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "alice", "password": password})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesSessionAndToken(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.login(t, "correct horse")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		User      users.WebUser `json:"user"`
		Token     string        `json:"token"`
		CSRFToken string        `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.User.ID)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.CSRFToken)
	assert.NotContains(t, rec.Body.String(), "password")

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(cookies[0])
	who := httptest.NewRecorder()
	f.router.ServeHTTP(who, req)
	require.Equal(t, http.StatusOK, who.Code)
	assert.JSONEq(t, `{"id":7,"method":"session"}`, who.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	who = httptest.NewRecorder()
	f.router.ServeHTTP(who, req)
	require.Equal(t, http.StatusOK, who.Code)
	assert.JSONEq(t, `{"id":7,"method":"bearer"}`, who.Body.String())
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.login(t, "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestLoginValidatesPayload(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"username":""}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInvalidBearerIsRejected(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsSession(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.login(t, "correct horse")
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := rec.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(cookie)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(cookie)
	who := httptest.NewRecorder()
	f.router.ServeHTTP(who, req)
	assert.Equal(t, http.StatusUnauthorized, who.Code)
}
