package localstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

// Memory is an in-process store for tests and ephemeral runs.
type Memory struct {
	mu       sync.RWMutex
	entries  map[record.Key]domain.Entry
	shares   map[string]sharing.Share
	requests map[string]sharing.PendingShareRequest
	cursors  map[string]string
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[record.Key]domain.Entry),
		shares:   make(map[string]sharing.Share),
		requests: make(map[string]sharing.PendingShareRequest),
		cursors:  make(map[string]string),
	}
}

func cloneEntry(e domain.Entry) domain.Entry {
	out := domain.Entry{Record: e.Record.Clone(), State: e.State}
	if e.State.ConflictPayload != nil {
		payload := e.State.ConflictPayload.Clone()
		out.State.ConflictPayload = &payload
	}
	return out
}

func (m *Memory) Get(_ context.Context, key record.Key) (domain.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return domain.Entry{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, key)
	}
	return cloneEntry(e), nil
}

func (m *Memory) Put(_ context.Context, e domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key()] = cloneEntry(e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key record.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) List(_ context.Context, t record.Type) ([]domain.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Entry
	for key, e := range m.entries {
		if key.Type == t {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

func (m *Memory) ListByStatus(_ context.Context, status domain.SyncStatus) ([]domain.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Entry
	for _, e := range m.entries {
		if e.State.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].State.ModifiedAt.Equal(out[j].State.ModifiedAt) {
			return out[i].State.ModifiedAt.Before(out[j].State.ModifiedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

func (m *Memory) PutShare(_ context.Context, share sharing.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[share.ID] = share
	return nil
}

func (m *Memory) GetShare(_ context.Context, id string) (sharing.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	share, ok := m.shares[id]
	if !ok {
		return sharing.Share{}, fmt.Errorf("%w: %s", sharing.ErrShareNotFound, id)
	}
	return share, nil
}

func (m *Memory) DeleteShare(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[id]; !ok {
		return fmt.Errorf("%w: %s", sharing.ErrShareNotFound, id)
	}
	delete(m.shares, id)
	return nil
}

func (m *Memory) ListShares(context.Context) ([]sharing.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sharing.Share, 0, len(m.shares))
	for _, share := range m.shares {
		out = append(out, share)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutRequest(_ context.Context, req sharing.PendingShareRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ShareID] = req
	return nil
}

func (m *Memory) GetRequest(_ context.Context, shareID string) (sharing.PendingShareRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[shareID]
	if !ok {
		return sharing.PendingShareRequest{}, fmt.Errorf("%w: %s", sharing.ErrRequestNotFound, shareID)
	}
	return req, nil
}

func (m *Memory) DeleteRequest(_ context.Context, shareID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[shareID]; !ok {
		return fmt.Errorf("%w: %s", sharing.ErrRequestNotFound, shareID)
	}
	delete(m.requests, shareID)
	return nil
}

func (m *Memory) ListRequests(context.Context) ([]sharing.PendingShareRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sharing.PendingShareRequest, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShareID < out[j].ShareID })
	return out, nil
}

func (m *Memory) Cursor(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *Memory) SetCursor(_ context.Context, name, position string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = position
	return nil
}

var (
	_ domain.EntityStore   = (*Memory)(nil)
	_ sharing.ShareStore   = (*Memory)(nil)
	_ sharing.RequestStore = (*Memory)(nil)
	_ domain.EntityStore   = (*SQLite)(nil)
	_ sharing.ShareStore   = (*SQLite)(nil)
	_ sharing.RequestStore = (*SQLite)(nil)
)
