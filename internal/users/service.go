package users

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/parahub/parahub/internal/shared"
)

// Relations are the ownership and membership ids of one user.
type Relations struct {
	TelegramIDs   []int64
	GroupIDs      []int64
	OwnedGroupIDs []int64
	ProjectIDs    []int64
	AreaIDs       []int64
}

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (*WebUser, error)
	FindByUsername(ctx context.Context, username string) (*WebUser, error)
	ListUsers(ctx context.Context) ([]WebUser, error)
	CreateUser(ctx context.Context, u WebUser) (*WebUser, error)
	Relations(ctx context.Context, userID int64) (Relations, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ByID returns the user with id.
func (s *Service) ByID(ctx context.Context, id int64) (*WebUser, error) {
	return s.repo.FindByID(ctx, id)
}

// ByUsername returns the user with username.
func (s *Service) ByUsername(ctx context.Context, username string) (*WebUser, error) {
	return s.repo.FindByUsername(ctx, strings.TrimSpace(username))
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]WebUser, error) {
	return s.repo.ListUsers(ctx)
}

// CreateParams holds the fields of a new account.
type CreateParams struct {
	Username string
	FullName string
	Role     string
	Password string
}

// CreateUser hashes the password and stores the account.
func (s *Service) CreateUser(ctx context.Context, p CreateParams) (*WebUser, error) {
	username := strings.TrimSpace(p.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", shared.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("users: hash password: %w", err)
	}
	role := strings.ToLower(strings.TrimSpace(p.Role))
	if role == "" {
		role = "single"
	}
	return s.repo.CreateUser(ctx, WebUser{
		Username:     username,
		FullName:     strings.TrimSpace(p.FullName),
		Role:         role,
		PasswordHash: string(hash),
	})
}

// Viewer assembles the visibility context of u. A nil user is anonymous.
func (s *Service) Viewer(ctx context.Context, u *WebUser, isAdmin bool) (Viewer, error) {
	if u == nil {
		return Anonymous(), nil
	}
	rel, err := s.repo.Relations(ctx, u.ID)
	if err != nil {
		return Viewer{}, fmt.Errorf("users: load relations: %w", err)
	}
	return Viewer{
		User:          u,
		Authenticated: true,
		IsAdmin:       isAdmin,
		TelegramIDs:   rel.TelegramIDs,
		GroupIDs:      rel.GroupIDs,
		OwnedGroupIDs: rel.OwnedGroupIDs,
		ProjectIDs:    rel.ProjectIDs,
		AreaIDs:       rel.AreaIDs,
	}, nil
}
