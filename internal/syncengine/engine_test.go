package syncengine

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/auth"
	"example.com/ridesync/internal/cloud"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/localstore"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

var (
	testAuth = auth.Config{Secret: "engine-test-secret", Issuer: "ridesync-test"}
	t0       = time.Date(2026, time.April, 4, 10, 0, 0, 0, time.UTC)
	quiet    = log.New(io.Discard, "", 0)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// device is one primary device syncing with a shared cloud.
type device struct {
	store   *localstore.Memory
	service *domain.Service
	engine  *Engine
	clock   *clock
}

func newCloud(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	cloud.NewHandler(cloud.NewMemoryStore(), quiet).RegisterRoutes(mux)
	srv := httptest.NewServer(auth.NewMiddleware(testAuth).Wrap(mux))
	t.Cleanup(srv.Close)
	return srv
}

func newDevice(t *testing.T, srv *httptest.Server, subject string, opts ...Option) *device {
	t.Helper()
	token, err := auth.Issue(testAuth, subject, "family-1",
		[]string{auth.ScopeRecordsRead, auth.ScopeRecordsWrite, auth.ScopeSharesWrite}, time.Hour, time.Now())
	require.NoError(t, err)

	store := localstore.NewMemory()
	locks := domain.NewLocks()
	clk := &clock{now: t0}
	base := []Option{
		WithLocks(locks),
		WithClock(clk.Now),
		WithLogger(quiet),
		WithValidator(record.TypeCompetition, domain.Validate),
		WithValidator(record.TypeTrainingArtifact, domain.Validate),
	}
	return &device{
		store:   store,
		service: domain.NewService(store, domain.WithClock(clk.Now), domain.WithLocks(locks)),
		engine:  New(store, cloud.NewClient(srv.URL, token), store, append(base, opts...)...),
		clock:   clk,
	}
}

func competition(id, name string) domain.Competition {
	return domain.Competition{
		ID:             id,
		Name:           name,
		Discipline:     domain.DisciplineRiding,
		Date:           t0.Add(30 * 24 * time.Hour),
		Venue:          "County Showground",
		Ownership:      domain.OwnershipShared,
		PrimaryOwnerID: "parent",
	}
}

func TestPushThenPullAcrossDevices(t *testing.T) {
	ctx := context.Background()
	srv := newCloud(t)
	parent := newDevice(t, srv, "parent-phone")
	child := newDevice(t, srv, "child-phone")

	_, err := parent.service.SaveCompetition(ctx, competition("comp-1", "Spring Show"), "parent")
	require.NoError(t, err)

	res, err := parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	state, err := parent.service.Status(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-1"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, state.Status)

	pulled, err := child.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pulled.Created)

	got, err := child.service.Competition(ctx, "comp-1")
	require.NoError(t, err)
	require.Equal(t, "Spring Show", got.Name)
	require.Equal(t, domain.SyncSynced, got.Sync.Status)

	// The cursor was saved; the same feed is not read again.
	again, err := child.engine.Pull(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Created+again.Updated+again.Unchanged)

	// Pushing again is a no-op once everything is synced.
	res, err = parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{}, res)
}

func TestConcurrentEditsConflictAndKeepLocal(t *testing.T) {
	ctx := context.Background()
	srv := newCloud(t)
	parent := newDevice(t, srv, "parent-phone")
	child := newDevice(t, srv, "child-phone")
	key := record.Key{Type: record.TypeCompetition, ID: "comp-1"}

	_, err := parent.service.SaveCompetition(ctx, competition("comp-1", "Spring Show"), "parent")
	require.NoError(t, err)
	_, err = parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	_, err = child.engine.Pull(ctx)
	require.NoError(t, err)

	parent.clock.Set(t0.Add(2 * time.Minute))
	_, err = parent.service.SaveCompetition(ctx, competition("comp-1", "Spring Show (moved)"), "parent")
	require.NoError(t, err)
	_, err = parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)

	child.clock.Set(t0.Add(time.Minute))
	_, err = child.service.SaveCompetition(ctx, competition("comp-1", "Spring Show (child)"), "child")
	require.NoError(t, err)
	res, err := child.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	// The local edit survives the conflict and the server version is kept.
	c, err := child.service.Competition(ctx, "comp-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncConflict, c.Sync.Status)
	require.Equal(t, "Spring Show (child)", c.Name)
	require.NotNil(t, c.Sync.ConflictPayload)
	serverName, err := c.Sync.ConflictPayload.String("name")
	require.NoError(t, err)
	require.Equal(t, "Spring Show (moved)", serverName)

	// Edits are rejected until the conflict is resolved, and pulls leave it alone.
	_, err = child.service.SaveCompetition(ctx, competition("comp-1", "again"), "child")
	require.ErrorIs(t, err, domain.ErrUnresolvedConflict)
	_, err = child.engine.Pull(ctx)
	require.NoError(t, err)
	c, err = child.service.Competition(ctx, "comp-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncConflict, c.Sync.Status)

	child.clock.Set(t0.Add(90 * time.Second))
	resolved, err := child.engine.Resolve(ctx, key, KeepLocal)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, resolved.State.Status)
	require.True(t, resolved.State.ModifiedAt.After(t0.Add(2*time.Minute)))
	require.Nil(t, resolved.State.ConflictPayload)

	res, err = child.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	pulled, err := parent.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pulled.Updated)
	p, err := parent.service.Competition(ctx, "comp-1")
	require.NoError(t, err)
	require.Equal(t, "Spring Show (child)", p.Name)
}

func TestResolveAcceptServer(t *testing.T) {
	ctx := context.Background()
	srv := newCloud(t)
	parent := newDevice(t, srv, "parent-phone")
	child := newDevice(t, srv, "child-phone")
	key := record.Key{Type: record.TypeCompetition, ID: "comp-1"}

	parent.clock.Set(t0.Add(time.Hour))
	_, err := parent.service.SaveCompetition(ctx, competition("comp-1", "Parent"), "parent")
	require.NoError(t, err)
	_, err = parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)

	_, err = child.service.SaveCompetition(ctx, competition("comp-1", "Child"), "child")
	require.NoError(t, err)
	res, err := child.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	_, err = child.engine.Resolve(ctx, key, AcceptServer)
	require.NoError(t, err)
	_, err = child.engine.Resolve(ctx, key, AcceptServer)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The re-push carries the server stamp and is accepted as a replay.
	res, err = child.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	c, err := child.service.Competition(ctx, "comp-1")
	require.NoError(t, err)
	require.Equal(t, "Parent", c.Name)
	require.Equal(t, domain.SyncSynced, c.Sync.Status)
	require.Equal(t, "parent", c.Sync.ModifiedBy)
}

// stubRemote lets tests script cloud behaviour.
type stubRemote struct {
	mu       sync.Mutex
	push     func(context.Context, record.Record) (record.Record, error)
	pages    []cloud.Page
	cursors  []string
	revoke   func(id string) error
	revoked  []string
	incoming []sharing.Share
}

func (r *stubRemote) Push(ctx context.Context, rec record.Record) (record.Record, error) {
	if r.push == nil {
		return rec, nil
	}
	return r.push(ctx, rec)
}

func (r *stubRemote) Changes(_ context.Context, cursor string, _ int) (cloud.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, cursor)
	if len(r.pages) == 0 {
		return cloud.Page{NextCursor: cursor}, nil
	}
	page := r.pages[0]
	r.pages = r.pages[1:]
	return page, nil
}

func (r *stubRemote) RevokeShare(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoke != nil {
		if err := r.revoke(id); err != nil {
			return err
		}
	}
	r.revoked = append(r.revoked, id)
	return nil
}

func (r *stubRemote) IncomingShares(context.Context) ([]sharing.Share, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sharing.Share(nil), r.incoming...), nil
}

func newStubEngine(t *testing.T, remote Remote, opts ...Option) (*Engine, *localstore.Memory, *domain.Service) {
	t.Helper()
	store := localstore.NewMemory()
	locks := domain.NewLocks()
	now := func() time.Time { return t0 }
	base := []Option{
		WithLocks(locks),
		WithClock(now),
		WithLogger(quiet),
		WithCallTimeout(time.Second),
		WithValidator(record.TypeCompetition, domain.Validate),
	}
	engine := New(store, remote, store, append(base, opts...)...)
	return engine, store, domain.NewService(store, domain.WithClock(now), domain.WithLocks(locks))
}

func TestUnreachablePushFailsThenRetries(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{push: func(context.Context, record.Record) (record.Record, error) {
		return record.Record{}, domain.ErrTransportUnreachable
	}}
	engine, store, service := newStubEngine(t, remote)
	key := record.Key{Type: record.TypeCompetition, ID: "comp-1"}

	_, err := service.SaveCompetition(ctx, competition("comp-1", "Show"), "parent")
	require.NoError(t, err)

	res, err := engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Retrying)

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.SyncFailed, entry.State.Status)
	require.Equal(t, 1, entry.State.Attempts)
	require.False(t, entry.State.Rejected())

	res, err = engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)
	require.Equal(t, 1, res.Retrying)
	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, entry.State.Attempts)

	remote.push = nil
	res, err = engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, entry.State.Status)
	require.Zero(t, entry.State.Attempts)
}

func TestRejectedPushIsParkedUntilRetried(t *testing.T) {
	ctx := context.Background()
	var pushes int
	remote := &stubRemote{push: func(context.Context, record.Record) (record.Record, error) {
		pushes++
		return record.Record{}, fmt.Errorf("%w: status 422 invalid_record: venue too long", cloud.ErrUnexpectedStatus)
	}}
	engine, store, service := newStubEngine(t, remote)
	key := record.Key{Type: record.TypeCompetition, ID: "comp-1"}

	_, err := service.SaveCompetition(ctx, competition("comp-1", "Show"), "parent")
	require.NoError(t, err)

	res, err := engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rejected)
	require.Zero(t, res.Retrying)

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.SyncFailed, entry.State.Status)
	require.True(t, entry.State.Rejected())
	require.Contains(t, entry.State.Rejection, "venue too long")
	require.Equal(t, 1, entry.State.Attempts)

	// Later passes leave it parked instead of pushing it every cycle.
	for range 3 {
		res, err = engine.ProcessPendingOperations(ctx)
		require.NoError(t, err)
		require.Equal(t, PushResult{}, res)
	}
	require.Equal(t, 1, pushes)

	failed, err := engine.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	remote.push = nil
	retried, err := engine.Retry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, retried.State.Status)
	require.Empty(t, retried.State.Rejection)

	res, err = engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	_, err = engine.Retry(ctx, key)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestEditingRejectedEntityQueuesIt(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{push: func(context.Context, record.Record) (record.Record, error) {
		return record.Record{}, fmt.Errorf("%w: status 400", cloud.ErrUnexpectedStatus)
	}}
	engine, store, service := newStubEngine(t, remote)
	_, err := service.SaveCompetition(ctx, competition("comp-1", "Show"), "parent")
	require.NoError(t, err)
	_, err = engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)

	_, err = service.SaveCompetition(ctx, competition("comp-1", "Show (fixed)"), "parent")
	require.NoError(t, err)
	entry, err := store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-1"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, entry.State.Status)
	require.False(t, entry.State.Rejected())
}

func TestPushIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &stubRemote{push: func(_ context.Context, rec record.Record) (record.Record, error) {
		close(started)
		<-release
		return rec, nil
	}}
	engine, _, service := newStubEngine(t, remote)
	_, err := service.SaveCompetition(ctx, competition("comp-1", "Show"), "parent")
	require.NoError(t, err)

	done := make(chan PushResult)
	go func() {
		res, _ := engine.ProcessPendingOperations(ctx)
		done <- res
	}()
	<-started

	skipped, err := engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.True(t, skipped.Skipped)

	close(release)
	first := <-done
	require.Equal(t, 1, first.Synced)
}

func TestPullSkipsInvalidAndLeavesPendingAlone(t *testing.T) {
	ctx := context.Background()
	newer := competitionRecord(t, "comp-1", "Server name", t0.Add(time.Hour))

	broken := record.New(record.TypeCompetition, "comp-2")
	broken.ModifiedAt = t0
	broken.ModifiedBy = "parent"

	unknown := record.New(record.Type("Horse"), "h-1")
	unknown.ModifiedAt = t0
	unknown.ModifiedBy = "parent"

	remote := &stubRemote{pages: []cloud.Page{{Records: []record.Record{newer, broken, unknown}, NextCursor: "c1"}}}
	engine, store, service := newStubEngine(t, remote)

	_, err := service.SaveCompetition(ctx, competition("comp-1", "Local edit"), "parent")
	require.NoError(t, err)

	res, err := engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Invalid)
	require.Equal(t, 1, res.Unchanged)

	entry, err := store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-1"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, entry.State.Status)
	name, err := entry.Record.String("name")
	require.NoError(t, err)
	require.Equal(t, "Local edit", name)

	_, err = store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-2"})
	require.ErrorIs(t, err, domain.ErrEntityNotFound)

	cursor, err := store.Cursor(ctx, recordsCursor)
	require.NoError(t, err)
	require.Equal(t, "c1", cursor)
}

func TestPullPagesUntilShortPage(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{pages: []cloud.Page{
		{Records: []record.Record{competitionRecord(t, "a", "A", t0), competitionRecord(t, "b", "B", t0)}, NextCursor: "p1"},
		{Records: []record.Record{competitionRecord(t, "c", "C", t0)}, NextCursor: "p2"},
	}}
	engine, store, _ := newStubEngine(t, remote, WithPageSize(2))

	res, err := engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)
	require.Equal(t, []string{"", "p1"}, remote.cursors)

	all, err := store.List(ctx, record.TypeCompetition)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestPullOverwritesOnlyOlderSynced(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{pages: []cloud.Page{
		{Records: []record.Record{competitionRecord(t, "comp-1", "v1", t0)}, NextCursor: "p1"},
		{Records: []record.Record{competitionRecord(t, "comp-1", "stale", t0.Add(-time.Hour))}, NextCursor: "p2"},
		{Records: []record.Record{competitionRecord(t, "comp-1", "v2", t0.Add(time.Hour))}, NextCursor: "p3"},
	}}
	engine, store, _ := newStubEngine(t, remote)

	for _, want := range []PullResult{{Created: 1}, {Unchanged: 1}, {Updated: 1}} {
		res, err := engine.Pull(ctx)
		require.NoError(t, err)
		require.Equal(t, want, res)
	}
	entry, err := store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-1"})
	require.NoError(t, err)
	name, err := entry.Record.String("name")
	require.NoError(t, err)
	require.Equal(t, "v2", name)
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	engine, store, service := newStubEngine(t, &stubRemote{})
	_, err := service.SaveCompetition(ctx, competition("comp-1", "Show"), "parent")
	require.NoError(t, err)

	key := record.Key{Type: record.TypeCompetition, ID: "comp-1"}
	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	entry.State, err = entry.State.BeginSync()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, entry))

	n, err := engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, entry.State.Status)
	require.Equal(t, 1, entry.State.Attempts)
}

func TestDeletedRelationshipIsNotResurrectedByPull(t *testing.T) {
	ctx := context.Background()
	srv := newCloud(t)
	relationships := WithValidator(record.TypeRelationship, sharing.Validate)
	parent := newDevice(t, srv, "parent-phone", relationships)
	child := newDevice(t, srv, "child-phone", relationships)
	manager := sharing.NewManager(parent.store, parent.store, nil, sharing.WithManagerClock(parent.clock.Now))

	r, err := manager.Create(ctx, sharing.CreateInput{OwnerID: "parent", ContactID: "coach-9", Name: "Coach Sam", Type: sharing.RelationshipCoach})
	require.NoError(t, err)
	res, err := parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	pulled, err := child.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pulled.Created)

	parent.clock.Set(t0.Add(time.Minute))
	require.NoError(t, manager.Delete(ctx, r.ID))
	res, err = parent.engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	key := record.Key{Type: record.TypeRelationship, ID: r.ID}
	_, err = parent.store.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrEntityNotFound)

	pulled, err = parent.engine.Pull(ctx)
	require.NoError(t, err)
	require.Zero(t, pulled.Created)
	_, err = parent.store.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
	_, err = manager.Get(ctx, r.ID)
	require.ErrorIs(t, err, sharing.ErrRelationshipNotFound)

	pulled, err = child.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pulled.Deleted)
	_, err = child.store.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestPullTombstoneLeavesLocalEditsAlone(t *testing.T) {
	ctx := context.Background()
	dead := competitionRecord(t, "comp-1", "Gone", t0.Add(time.Hour)).Tombstone()
	unknown := competitionRecord(t, "comp-2", "Never seen", t0.Add(time.Hour)).Tombstone()
	remote := &stubRemote{pages: []cloud.Page{{Records: []record.Record{dead, unknown}, NextCursor: "c1"}}}
	engine, store, service := newStubEngine(t, remote)

	_, err := service.SaveCompetition(ctx, competition("comp-1", "Local edit"), "parent")
	require.NoError(t, err)

	res, err := engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, PullResult{Unchanged: 2}, res)

	entry, err := store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-1"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, entry.State.Status)
	_, err = store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: "comp-2"})
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
}

type stubJanitor struct {
	shares    []sharing.Share
	forgotten []string
}

func (j *stubJanitor) ExpiredShares(_ context.Context, now time.Time) ([]sharing.Share, error) {
	var out []sharing.Share
	for _, s := range j.shares {
		if s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (j *stubJanitor) ForgetShare(_ context.Context, share sharing.Share) error {
	j.forgotten = append(j.forgotten, share.ID)
	return nil
}

func TestCleanupExpiredShares(t *testing.T) {
	ctx := context.Background()
	past := t0.Add(-time.Minute)
	future := t0.Add(time.Hour)
	janitor := &stubJanitor{shares: []sharing.Share{
		{ID: "expired-ok", ExpiresAt: &past},
		{ID: "expired-fails", ExpiresAt: &past},
		{ID: "expired-gone", ExpiresAt: &past},
		{ID: "live", ExpiresAt: &future},
		{ID: "forever"},
	}}
	remote := &stubRemote{revoke: func(id string) error {
		switch id {
		case "expired-fails":
			return domain.ErrTransportUnreachable
		case "expired-gone":
			return sharing.ErrShareNotFound
		}
		return nil
	}}
	engine, _, _ := newStubEngine(t, remote, WithShareJanitor(janitor))

	n, err := engine.CleanupExpiredShares(ctx)
	require.ErrorIs(t, err, domain.ErrTransportUnreachable)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"expired-ok", "expired-gone"}, janitor.forgotten)
	require.Equal(t, []string{"expired-ok"}, remote.revoked)
}

func TestPullShareRequests(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{incoming: []sharing.Share{
		{ID: "share-1", OwnerID: "rider-2", Category: "trainingSummaries"},
		{ID: "share-2", OwnerID: "rider-3", Category: "liveRiding"},
	}}
	requests := localstore.NewMemory()
	inbox := sharing.NewInbox(requests, nil, func() time.Time { return t0 })
	names := func(_ context.Context, id string) string {
		if id == "rider-2" {
			return "Alex"
		}
		return ""
	}
	engine, _, _ := newStubEngine(t, remote, WithRequestInbox(inbox), WithSenderName(names))

	n, err := engine.PullShareRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	list, err := inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	byID := map[string]sharing.PendingShareRequest{}
	for _, req := range list {
		byID[req.ShareID] = req
	}
	require.Equal(t, "Alex", byID["share-1"].SenderName)
	require.Equal(t, "rider-3", byID["share-2"].SenderName)

	// A dismissed request is not offered again while the share is live.
	require.NoError(t, inbox.Dismiss(ctx, "share-2"))
	n, err = engine.PullShareRequests(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	list, err = inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Shares withdrawn by the sender are forgotten.
	remote.incoming = remote.incoming[:1]
	_, err = engine.PullShareRequests(ctx)
	require.NoError(t, err)
	known, err := inbox.Known(ctx)
	require.NoError(t, err)
	require.Len(t, known, 1)
}

type capturePublisher struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (p *capturePublisher) PublishSnapshot(_ context.Context, s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, s)
	return nil
}

func TestSnapshotPublishedAfterPush(t *testing.T) {
	ctx := context.Background()
	publisher := &capturePublisher{}
	engine, _, service := newStubEngine(t, &stubRemote{}, WithSnapshotPublisher(publisher))

	_, _, err := service.RecordArtifact(ctx, domain.RecordArtifactInput{
		ID:         "ride-1",
		OwnerID:    "rider-1",
		Discipline: domain.DisciplineRiding,
		StartedAt:  t0.Add(-2 * time.Hour),
		EndedAt:    t0.Add(-time.Hour),
		Metrics:    domain.Metrics{DurationSeconds: 3600, DistanceMeters: 12000},
	})
	require.NoError(t, err)
	_, _, err = service.RecordArtifact(ctx, domain.RecordArtifactInput{
		ID:         "run-old",
		OwnerID:    "rider-1",
		Discipline: domain.DisciplineRunning,
		StartedAt:  t0.Add(-10 * 24 * time.Hour),
		EndedAt:    t0.Add(-10*24*time.Hour + time.Hour),
		Metrics:    domain.Metrics{DurationSeconds: 1800, DistanceMeters: 5000},
	})
	require.NoError(t, err)

	res, err := engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Len(t, publisher.snapshots, 1)

	snap := publisher.snapshots[0]
	require.Len(t, snap.RecentSessions, 2)
	require.Equal(t, "ride-1", snap.RecentSessions[0].ID)
	require.InDelta(t, 12000, snap.WeeklyDistance[domain.DisciplineRiding], 0.001)
	require.Zero(t, snap.WeeklyDistance[domain.DisciplineRunning])
	require.Zero(t, snap.Pending)

	res, err = engine.ProcessPendingOperations(ctx)
	require.NoError(t, err)
	require.False(t, res.Pushed())
	require.Len(t, publisher.snapshots, 1)
}

func TestRunSyncsOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var pushes sync.WaitGroup
	pushes.Add(1)
	var once sync.Once
	remote := &stubRemote{push: func(_ context.Context, rec record.Record) (record.Record, error) {
		once.Do(pushes.Done)
		return rec, nil
	}}
	engine, _, service := newStubEngine(t, remote, WithInterval(time.Hour))

	go engine.Run(ctx)
	_, err := service.SaveCompetition(context.Background(), competition("comp-1", "Show"), "parent")
	require.NoError(t, err)
	engine.Trigger()

	waitCh := make(chan struct{})
	go func() {
		pushes.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not push after trigger")
	}
	cancel()
	engine.Wait()
}

func competitionRecord(t *testing.T, id, name string, at time.Time) record.Record {
	t.Helper()
	c := competition(id, name)
	c.Sync = domain.SyncState{ModifiedAt: at, ModifiedBy: "parent"}
	return domain.EncodeCompetition(c)
}

func TestParseResolution(t *testing.T) {
	for in, want := range map[string]Resolution{
		"local":        KeepLocal,
		"keepLocal":    KeepLocal,
		"server":       AcceptServer,
		"acceptServer": AcceptServer,
	} {
		got, err := ParseResolution(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseResolution("merge")
	require.Error(t, err)
}
