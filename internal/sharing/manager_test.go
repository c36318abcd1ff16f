package sharing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

type stubEntities struct {
	mu      sync.Mutex
	entries map[record.Key]domain.Entry
}

func newStubEntities() *stubEntities {
	return &stubEntities{entries: make(map[record.Key]domain.Entry)}
}

func (s *stubEntities) Get(_ context.Context, key record.Key) (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return domain.Entry{}, domain.ErrEntityNotFound
	}
	return e, nil
}

func (s *stubEntities) Put(_ context.Context, e domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key()] = e
	return nil
}

func (s *stubEntities) Delete(_ context.Context, key record.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *stubEntities) List(_ context.Context, t record.Type) ([]domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entry
	for k, e := range s.entries {
		if k.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubEntities) ListByStatus(_ context.Context, status domain.SyncStatus) ([]domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entry
	for _, e := range s.entries {
		if e.State.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubShares struct {
	mu       sync.Mutex
	shares   map[string]Share
	requests map[string]PendingShareRequest
}

func newStubShares() *stubShares {
	return &stubShares{shares: make(map[string]Share), requests: make(map[string]PendingShareRequest)}
}

func (s *stubShares) PutShare(_ context.Context, share Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[share.ID] = share
	return nil
}

func (s *stubShares) GetShare(_ context.Context, id string) (Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[id]
	if !ok {
		return Share{}, ErrShareNotFound
	}
	return share, nil
}

func (s *stubShares) DeleteShare(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[id]; !ok {
		return ErrShareNotFound
	}
	delete(s.shares, id)
	return nil
}

func (s *stubShares) ListShares(context.Context) ([]Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Share, 0, len(s.shares))
	for _, share := range s.shares {
		out = append(out, share)
	}
	return out, nil
}

func (s *stubShares) PutRequest(_ context.Context, req PendingShareRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ShareID] = req
	return nil
}

func (s *stubShares) GetRequest(_ context.Context, id string) (PendingShareRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return PendingShareRequest{}, ErrRequestNotFound
	}
	return req, nil
}

func (s *stubShares) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return ErrRequestNotFound
	}
	delete(s.requests, id)
	return nil
}

func (s *stubShares) ListRequests(context.Context) ([]PendingShareRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingShareRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	return out, nil
}

type stubCloud struct {
	mu         sync.Mutex
	failRevoke map[string]bool
	failAccept bool
	revoked    []string
	accepted   []string
}

func (c *stubCloud) CreateShare(_ context.Context, share Share) (Share, error) {
	return share, nil
}

func (c *stubCloud) RevokeShare(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRevoke[id] {
		return errors.New("cloud unavailable")
	}
	c.revoked = append(c.revoked, id)
	return nil
}

func (c *stubCloud) AcceptShare(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAccept {
		return errors.New("cloud unavailable")
	}
	c.accepted = append(c.accepted, id)
	return nil
}

var managerNow = time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *stubEntities, *stubShares, *stubCloud) {
	t.Helper()
	entities := newStubEntities()
	shares := newStubShares()
	cloud := &stubCloud{failRevoke: make(map[string]bool)}
	m := NewManager(entities, shares, cloud, WithManagerClock(func() time.Time { return managerNow }))
	return m, entities, shares, cloud
}

func connectedRelationship(t *testing.T, m *Manager) Relationship {
	t.Helper()
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", ContactID: "coach-9", Name: "Coach Sam", Type: RelationshipCoach, Preset: "summariesOnly"})
	require.NoError(t, err)
	_, err = m.SendInvite(ctx, r.ID)
	require.NoError(t, err)
	r, err = m.AcceptInvite(ctx, r.ID)
	require.NoError(t, err)
	return r
}

func TestManagerCreateStartsPendingAndNotSent(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Grandma", Type: RelationshipFamily, Preset: "emergencyOnly"})
	require.NoError(t, err)
	require.Equal(t, InviteNotSent, r.Invite)
	require.Equal(t, domain.SyncPending, r.Sync.Status)
	require.True(t, r.Capabilities.IsEmergencyContact)

	got, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "X", Type: RelationshipFriend, Preset: "nope"})
	require.ErrorIs(t, err, ErrUnknownPreset)

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrRelationshipNotFound)
}

func TestManagerApplyPresetOverwritesEveryFlag(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Coach Sam", Type: RelationshipCoach, Preset: "fullAccess"})
	require.NoError(t, err)

	r, err = m.ApplyPreset(ctx, r.ID, "liveTrackingOnly")
	require.NoError(t, err)
	require.False(t, r.Capabilities.IsEmergencyContact)
	require.False(t, r.Capabilities.ReceiveCompletionAlerts)
	require.Equal(t, []domain.Discipline{domain.DisciplineRiding}, r.Visibility)
}

func TestManagerEditOfSyncedRelationshipGoesPending(t *testing.T) {
	m, entities, _, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Coach Sam", Type: RelationshipCoach})
	require.NoError(t, err)

	entry := Entry(r)
	entry.State.Status = domain.SyncSynced
	require.NoError(t, entities.Put(ctx, entry))

	r, err = m.SetQuietHours(ctx, r.ID, QuietHours{Enabled: true, StartHour: 22, EndHour: 7})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, r.Sync.Status)
	require.True(t, r.QuietHours.ContainsHour(23))

	_, err = m.SetQuietHours(ctx, r.ID, QuietHours{StartHour: 30})
	require.Error(t, err)
}

func TestManagerRejectsEditWhileInConflict(t *testing.T) {
	m, entities, _, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Coach Sam", Type: RelationshipCoach})
	require.NoError(t, err)

	entry := Entry(r)
	entry.State.Status = domain.SyncConflict
	require.NoError(t, entities.Put(ctx, entry))

	_, err = m.ApplyPreset(ctx, r.ID, "fullAccess")
	require.ErrorIs(t, err, domain.ErrUnresolvedConflict)
}

func TestManagerInviteEdges(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Coach Sam", Type: RelationshipCoach})
	require.NoError(t, err)

	_, err = m.AcceptInvite(ctx, r.ID)
	require.ErrorIs(t, err, ErrInvalidInviteTransition)

	_, err = m.AddShare(ctx, r.ID, "trainingSummaries", nil)
	require.ErrorIs(t, err, ErrInvalidInviteTransition)

	r = connectedRelationship(t, m)
	_, err = m.SendInvite(ctx, r.ID)
	require.ErrorIs(t, err, ErrInvalidInviteTransition)
}

func TestManagerDeleteRevokesEveryShare(t *testing.T) {
	m, entities, shares, cloud := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)

	first, err := m.AddShare(ctx, r.ID, "trainingSummaries", nil)
	require.NoError(t, err)
	second, err := m.AddShare(ctx, r.ID, "competitions", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, r.ID))
	require.ElementsMatch(t, []string{first.ID, second.ID}, cloud.revoked)
	require.Empty(t, shares.shares)

	_, err = m.Get(ctx, r.ID)
	require.ErrorIs(t, err, ErrRelationshipNotFound)
	listed, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, listed)

	entry, err := entities.Get(ctx, key(r.ID))
	require.NoError(t, err)
	require.True(t, entry.Record.IsTombstone())
	require.Equal(t, domain.SyncPending, entry.State.Status)
	require.NoError(t, Validate(entry.Record))

	err = m.Delete(ctx, r.ID)
	require.ErrorIs(t, err, ErrRelationshipNotFound)
}

func TestManagerDeleteOfSyncedRelationshipQueuesTombstone(t *testing.T) {
	m, entities, _, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{OwnerID: "parent-1", Name: "Coach Sam", Type: RelationshipCoach})
	require.NoError(t, err)
	entry := Entry(r)
	entry.State.Status = domain.SyncSynced
	require.NoError(t, entities.Put(ctx, entry))

	require.NoError(t, m.Delete(ctx, r.ID))
	pending, err := entities.ListByStatus(ctx, domain.SyncPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Record.IsTombstone())
}

func TestManagerDeleteRefusesConflictBeforeRevoking(t *testing.T) {
	m, entities, _, cloud := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)
	_, err := m.AddShare(ctx, r.ID, "trainingSummaries", nil)
	require.NoError(t, err)

	entry, err := entities.Get(ctx, key(r.ID))
	require.NoError(t, err)
	entry.State.Status = domain.SyncConflict
	require.NoError(t, entities.Put(ctx, entry))

	err = m.Delete(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrUnresolvedConflict)
	require.Empty(t, cloud.revoked)
}

func TestManagerDeleteAbortsWhenRevokeFails(t *testing.T) {
	m, _, shares, cloud := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)

	ok, err := m.AddShare(ctx, r.ID, "trainingSummaries", nil)
	require.NoError(t, err)
	stuck, err := m.AddShare(ctx, r.ID, "competitions", nil)
	require.NoError(t, err)
	cloud.failRevoke[stuck.ID] = true

	err = m.Delete(ctx, r.ID)
	require.ErrorIs(t, err, ErrRevokeFailed)

	kept, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, []string{stuck.ID}, kept.ActiveShares)
	require.NotContains(t, shares.shares, ok.ID)
	require.Contains(t, shares.shares, stuck.ID)
}

func TestManagerExpiredSharesAndForget(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)

	past := managerNow.Add(-time.Hour)
	future := managerNow.Add(time.Hour)
	expired, err := m.AddShare(ctx, r.ID, "liveRiding", &past)
	require.NoError(t, err)
	_, err = m.AddShare(ctx, r.ID, "trainingSummaries", &future)
	require.NoError(t, err)

	due, err := m.ExpiredShares(ctx, managerNow)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, expired.ID, due[0].ID)

	require.NoError(t, m.ForgetShare(ctx, due[0]))
	got, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotContains(t, got.ActiveShares, expired.ID)
	require.Len(t, got.ActiveShares, 1)
}

func TestInboxAcceptDestroysRequestOnlyAfterCloudAccept(t *testing.T) {
	_, _, shares, cloud := newTestManager(t)
	ctx := context.Background()
	inbox := NewInbox(shares, cloud, func() time.Time { return managerNow })

	req, err := inbox.Receive(ctx, PendingShareRequest{ShareID: "share-7", SenderID: "rider-2", SenderName: "Alex", Category: "trainingSummaries"})
	require.NoError(t, err)
	require.Equal(t, managerNow, req.ReceivedAt)

	n, err := inbox.Unviewed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, inbox.MarkViewed(ctx, "share-7"))
	again, err := inbox.Receive(ctx, PendingShareRequest{ShareID: "share-7"})
	require.NoError(t, err)
	require.True(t, again.Viewed)

	cloud.failAccept = true
	require.Error(t, inbox.Accept(ctx, "share-7"))
	list, err := inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	cloud.failAccept = false
	require.NoError(t, inbox.Accept(ctx, "share-7"))
	require.Equal(t, []string{"share-7"}, cloud.accepted)
	list, err = inbox.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestInboxDismiss(t *testing.T) {
	_, _, shares, cloud := newTestManager(t)
	ctx := context.Background()
	inbox := NewInbox(shares, cloud, nil)

	_, err := inbox.Receive(ctx, PendingShareRequest{ShareID: "share-8"})
	require.NoError(t, err)
	require.NoError(t, inbox.Dismiss(ctx, "share-8"))
	require.ErrorIs(t, inbox.Dismiss(ctx, "share-8"), ErrRequestNotFound)
	require.ErrorIs(t, inbox.Accept(ctx, "share-8"), ErrRequestNotFound)
	require.Empty(t, cloud.accepted)

	// The cloud still offers the share; receiving it again keeps it hidden.
	again, err := inbox.Receive(ctx, PendingShareRequest{ShareID: "share-8"})
	require.NoError(t, err)
	require.True(t, again.Dismissed)
	list, err := inbox.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, inbox.Forget(ctx, "share-8"))
	require.NoError(t, inbox.Forget(ctx, "share-8"))
	known, err := inbox.Known(ctx)
	require.NoError(t, err)
	require.Empty(t, known)
}

func TestManagerForgetShareWhileInConflict(t *testing.T) {
	m, entities, shares, _ := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)
	past := managerNow.Add(-time.Hour)
	expired, err := m.AddShare(ctx, r.ID, "liveRiding", &past)
	require.NoError(t, err)
	kept, err := m.AddShare(ctx, r.ID, "trainingSummaries", nil)
	require.NoError(t, err)

	entry, err := entities.Get(ctx, key(r.ID))
	require.NoError(t, err)
	server := entry.Record.Clone()
	server.ModifiedAt = managerNow.Add(time.Minute)
	server.ModifiedBy = "tablet"
	entry.State.Status = domain.SyncConflict
	entry.State.ConflictPayload = &server
	require.NoError(t, entities.Put(ctx, entry))

	require.NoError(t, m.ForgetShare(ctx, expired))
	require.NotContains(t, shares.shares, expired.ID)

	got, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncConflict, got.Sync.Status)
	require.Equal(t, []string{kept.ID}, got.ActiveShares)
	require.NotNil(t, got.Sync.ConflictPayload)
	serverShares, err := got.Sync.ConflictPayload.Strings("active_shares")
	require.NoError(t, err)
	require.Equal(t, []string{kept.ID}, serverShares)

	original, err := server.Strings("active_shares")
	require.NoError(t, err)
	require.Len(t, original, 2)
}

func TestManagerContactName(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	r := connectedRelationship(t, m)

	require.Equal(t, "Coach Sam", m.ContactName(ctx, "coach-9"))
	require.Empty(t, m.ContactName(ctx, "stranger"))
	require.Empty(t, m.ContactName(ctx, ""))

	require.NoError(t, m.Delete(ctx, r.ID))
	require.Empty(t, m.ContactName(ctx, "coach-9"))
}
