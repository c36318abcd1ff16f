package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

type storedShare struct {
	space   string
	share   sharing.Share
	revoked bool
}

// MemoryStore keeps records and shares in process. It backs the API in tests
// and when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	last    time.Time
	records map[string]map[record.Key]Change
	shares  map[string]*storedShare
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]map[record.Key]Change),
		shares:  make(map[string]*storedShare),
	}
}

// tick returns a store time strictly after the previous one.
func (m *MemoryStore) tick() time.Time {
	at := m.now().Truncate(time.Microsecond)
	if !at.After(m.last) {
		at = m.last.Add(time.Microsecond)
	}
	m.last = at
	return at
}

func (m *MemoryStore) PutRecord(_ context.Context, space string, rec record.Record) (PutResult, error) {
	rec = normalize(rec)
	m.mu.Lock()
	defer m.mu.Unlock()

	bySpace, ok := m.records[space]
	if !ok {
		bySpace = make(map[record.Key]Change)
		m.records[space] = bySpace
	}
	var stored *record.Record
	if existing, ok := bySpace[rec.Key()]; ok {
		stored = &existing.Record
	}
	switch outcome := decide(stored, rec); outcome {
	case OutcomeStored:
		bySpace[rec.Key()] = Change{Record: rec.Clone(), StoredAt: m.tick()}
		return PutResult{Record: rec.Clone(), Outcome: outcome}, nil
	default:
		return PutResult{Record: stored.Clone(), Outcome: outcome}, nil
	}
}

func (m *MemoryStore) Changes(_ context.Context, space string, after *Cursor, limit int) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Change, 0)
	for key, c := range m.records[space] {
		pos := Cursor{StoredAt: c.StoredAt, Type: key.Type, ID: key.ID}
		if after != nil && !after.before(pos) {
			continue
		}
		out = append(out, Change{Record: c.Record.Clone(), StoredAt: c.StoredAt})
	}
	sort.Slice(out, func(i, j int) bool {
		a := Cursor{StoredAt: out[i].StoredAt, Type: out[i].Record.Type, ID: out[i].Record.ID}
		b := Cursor{StoredAt: out[j].StoredAt, Type: out[j].Record.Type, ID: out[j].Record.ID}
		return a.before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateShare(_ context.Context, space string, share sharing.Share) (sharing.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if share.ID == "" {
		share.ID = uuid.NewString()
	}
	if existing, ok := m.shares[share.ID]; ok {
		if existing.space != space {
			return sharing.Share{}, fmt.Errorf("share %s belongs to another space", share.ID)
		}
		return existing.share, nil
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = m.now()
	}
	m.shares[share.ID] = &storedShare{space: space, share: share}
	return share, nil
}

func (m *MemoryStore) RevokeShare(_ context.Context, space, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok || s.space != space || s.revoked {
		return fmt.Errorf("%w: share %s", ErrNotFound, id)
	}
	s.revoked = true
	return nil
}

func (m *MemoryStore) AcceptShare(_ context.Context, recipient, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok || s.revoked || s.share.RecipientID != recipient {
		return fmt.Errorf("%w: share %s", ErrNotFound, id)
	}
	if s.share.AcceptedAt == nil {
		at = at.UTC()
		s.share.AcceptedAt = &at
	}
	return nil
}

func (m *MemoryStore) IncomingShares(_ context.Context, recipient string) ([]sharing.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]sharing.Share, 0)
	for _, s := range m.shares {
		if s.revoked || s.share.RecipientID != recipient || s.share.AcceptedAt != nil || s.share.Expired(now) {
			continue
		}
		out = append(out, s.share)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
