package audit

import (
	"context"
	"fmt"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence contract for the audit log.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
}

// Service exposes the role audit log.
type Service struct {
	store Store
}

// NewService constructs an audit service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// LogRoleAssignment appends a role mutation entry and returns it as stored.
func (s *Service) LogRoleAssignment(ctx context.Context, entry Entry) (Entry, error) {
	if s.store == nil {
		return Entry{}, fmt.Errorf("audit: store not configured")
	}
	return s.store.Append(ctx, entry)
}

// ListRecent returns entries newest-first; limit is clamped to a sane window.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if s.store == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	entries, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
