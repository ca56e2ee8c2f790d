package navigation

import (
	"context"
	"errors"
	"sync"
)

type memRecord struct {
	version int
	layout  Layout
}

// memStore mirrors the conditional and unconditional writes of Repository.
type memStore struct {
	mu      sync.Mutex
	users   map[int64]*memRecord
	global  *memRecord
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{users: map[int64]*memRecord{}}
}

func (s *memStore) snapshot(rec *memRecord, allowed []string) Snapshot {
	if rec == nil {
		return newSnapshot(0, Layout{}, false, allowed)
	}
	return newSnapshot(rec.version, rec.layout, true, allowed)
}

func (s *memStore) LoadUserLayout(ctx context.Context, userID int64, allowed []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return Snapshot{}, s.loadErr
	}
	return s.snapshot(s.users[userID], allowed), nil
}

func (s *memStore) LoadGlobalLayout(ctx context.Context, allowed []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return Snapshot{}, s.loadErr
	}
	return s.snapshot(s.global, allowed), nil
}

func (s *memStore) MutateUserSidebarLayout(ctx context.Context, userID int64, m Mutation, allowed []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.users[userID]
	current := s.snapshot(rec, allowed)
	if current.Version != m.ExpectedVersion {
		return Snapshot{}, &LayoutConflict{CurrentVersion: current.Version, ETag: current.ETag}
	}
	if m.Reset {
		delete(s.users, userID)
		return s.snapshot(nil, allowed), nil
	}
	next := &memRecord{version: current.Version + 1, layout: Sanitize(m.layout(), allowed)}
	s.users[userID] = next
	return s.snapshot(next, allowed), nil
}

func (s *memStore) MutateGlobalSidebarLayout(ctx context.Context, m Mutation, allowed []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.snapshot(s.global, allowed)
	if current.Version != m.ExpectedVersion {
		return Snapshot{}, &LayoutConflict{CurrentVersion: current.Version, ETag: current.ETag}
	}
	layout := Layout{V: LayoutFormat, Items: []LayoutItem{}}
	if !m.Reset {
		layout = Sanitize(m.layout(), allowed)
	}
	s.global = &memRecord{version: current.Version + 1, layout: layout}
	return s.snapshot(s.global, allowed), nil
}

func (s *memStore) save(rec *memRecord, layout Layout) *memRecord {
	if layout.Items == nil {
		layout.Items = []LayoutItem{}
	}
	if rec == nil {
		return &memRecord{version: 1, layout: layout}
	}
	return &memRecord{version: rec.version + 1, layout: layout}
}

func (s *memStore) SaveUserLayout(ctx context.Context, userID int64, layout Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = s.save(s.users[userID], layout)
	return nil
}

func (s *memStore) DeleteUserLayout(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func (s *memStore) SaveGlobalLayout(ctx context.Context, layout Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = s.save(s.global, layout)
	return nil
}

func (s *memStore) ResetGlobalLayout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = s.save(s.global, clearedLayout())
	return nil
}

var errStore = errors.New("store unavailable")
