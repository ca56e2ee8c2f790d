package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

// Method tells how the caller of a request authenticated.
type Method string

const (
	MethodNone    Method = ""
	MethodSession Method = "session"
	MethodBearer  Method = "bearer"
)

type methodContextKey struct{}

// MethodFromContext reports how the current request was authenticated.
func MethodFromContext(ctx context.Context) Method {
	m, _ := ctx.Value(methodContextKey{}).(Method)
	return m
}

// Identity resolves the caller from a bearer token or, failing that, the
// session cookie, and stores the user in the request context.
func Identity(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if raw, ok := bearerToken(r); ok {
				user, err := service.UserFromToken(ctx, raw)
				if err != nil {
					if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) || errors.Is(err, shared.ErrNotFound) {
						httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid bearer token")
						return
					}
					logger.Error("resolve bearer identity", slog.Any("error", err))
					httpx.RespondError(w, err)
					return
				}
				ctx = users.ContextWithUser(ctx, user)
				ctx = context.WithValue(ctx, methodContextKey{}, MethodBearer)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			sess := shared.SessionFromContext(ctx)
			if sess == nil || sess.User() == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := strconv.ParseInt(sess.User(), 10, 64)
			if err != nil || id <= 0 {
				sess.SetUser("")
				next.ServeHTTP(w, r)
				return
			}
			user, err := service.UserByID(ctx, id)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					// Account removed since login.
					sess.SetUser("")
					next.ServeHTTP(w, r)
					return
				}
				logger.Error("resolve session identity", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			ctx = users.ContextWithUser(ctx, user)
			ctx = context.WithValue(ctx, methodContextKey{}, MethodSession)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromRequest adapts the request user to rbac.PrincipalFunc.
func PrincipalFromRequest(r *http.Request) (rbac.Principal, bool) {
	u, ok := users.UserFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return u, true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
