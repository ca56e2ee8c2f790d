package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	entries   []Entry
	lastLimit int
}

func (s *stubStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry.ID = int64(len(s.entries) + 1)
	entry.CreatedAt = time.Date(2024, 3, 1, 0, 0, len(s.entries), 0, time.UTC)
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *stubStore) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	s.lastLimit = limit
	out := make([]Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func TestLogRoleAssignmentReturnsStoredEntry(t *testing.T) {
	store := &stubStore{}
	svc := NewService(store)
	slug := "moderator"

	entry, err := svc.LogRoleAssignment(context.Background(), Entry{
		TargetUserID: 42,
		Action:       ActionGrantRole,
		RoleSlug:     &slug,
		ScopeType:    "global",
		Details:      map[string]any{"expires_at": "2024-03-01T01:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, "2024-03-01T01:00:00Z", entry.Details["expires_at"])
}

func TestListRecentNewestFirstAndClampsLimit(t *testing.T) {
	store := &stubStore{}
	svc := NewService(store)
	for _, action := range []string{ActionGrantRole, ActionRevokeRole, ActionGrantRole} {
		_, err := svc.LogRoleAssignment(context.Background(), Entry{TargetUserID: 7, Action: action, ScopeType: "global"})
		require.NoError(t, err)
	}

	entries, err := svc.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.Equal(t, int64(1), entries[2].ID)
	assert.Equal(t, defaultListLimit, store.lastLimit)

	_, err = svc.ListRecent(context.Background(), 10_000)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, store.lastLimit)
}

func TestListRecentEmptyIsNotNil(t *testing.T) {
	svc := NewService(&stubStore{})
	entries, err := svc.ListRecent(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
