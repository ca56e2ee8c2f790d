package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

// UserFinder looks up accounts.
type UserFinder interface {
	ByID(ctx context.Context, id int64) (*users.WebUser, error)
	ByUsername(ctx context.Context, username string) (*users.WebUser, error)
}

// Service wraps authentication business rules.
type Service struct {
	users  UserFinder
	tokens *TokenIssuer
}

// NewService constructs a new Service. tokens may be nil.
func NewService(finder UserFinder, tokens *TokenIssuer) *Service {
	return &Service{users: finder, tokens: tokens}
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*users.WebUser, error) {
	user, err := s.users.ByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// UserFromToken verifies a bearer token and loads its user.
func (s *Service) UserFromToken(ctx context.Context, token string) (*users.WebUser, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return s.users.ByID(ctx, claims.UserID)
}

// UserByID loads a user referenced by a session.
func (s *Service) UserByID(ctx context.Context, id int64) (*users.WebUser, error) {
	return s.users.ByID(ctx, id)
}
