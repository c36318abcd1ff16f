package sharing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

const defaultCallTimeout = 15 * time.Second

// Manager owns the relationship lifecycle on the primary device. Relationships
// are stored as syncable entities; every mutation leaves them pending.
type Manager struct {
	store   domain.EntityStore
	shares  ShareStore
	cloud   ShareService
	presets *Presets
	locks   *domain.Locks
	now     func() time.Time
	timeout time.Duration
	changed func()
	logger  *log.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPresets replaces the built-in preset registry.
func WithPresets(p *Presets) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.presets = p
		}
	}
}

// WithManagerLocks shares a lock table with the sync engine.
func WithManagerLocks(locks *domain.Locks) ManagerOption {
	return func(m *Manager) {
		if locks != nil {
			m.locks = locks
		}
	}
}

// WithManagerClock overrides the mutation clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCallTimeout bounds each call to the cloud share service.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithManagerChangeHook registers a function called after every mutation.
func WithManagerChangeHook(fn func()) ManagerOption {
	return func(m *Manager) {
		m.changed = fn
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store domain.EntityStore, shares ShareStore, cloud ShareService, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		shares:  shares,
		cloud:   cloud,
		presets: DefaultPresets(),
		locks:   domain.NewLocks(),
		now:     func() time.Time { return time.Now().UTC() },
		timeout: defaultCallTimeout,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Presets exposes the preset registry.
func (m *Manager) Presets() *Presets {
	return m.presets
}

// CreateInput describes a new relationship.
type CreateInput struct {
	OwnerID   string
	ContactID string
	Name      string
	Type      RelationshipType
	// Preset names the initial permissions. Empty means every flag off and
	// nothing visible.
	Preset string
}

// Create stores a new relationship with its invite not yet sent.
func (m *Manager) Create(ctx context.Context, input CreateInput) (Relationship, error) {
	if strings.TrimSpace(input.OwnerID) == "" {
		return Relationship{}, errors.New("relationship owner is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return Relationship{}, errors.New("relationship name is required")
	}
	if _, err := ParseRelationshipType(string(input.Type)); err != nil {
		return Relationship{}, err
	}
	now := m.now()
	r := Relationship{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		ContactID:    input.ContactID,
		Name:         input.Name,
		Type:         input.Type,
		Visibility:   []domain.Discipline{},
		Invite:       InviteNotSent,
		ActiveShares: []string{},
		CreatedAt:    now,
		Sync:         domain.NewPendingState(input.OwnerID, now),
	}
	if input.Preset != "" {
		p, err := m.presets.Get(input.Preset)
		if err != nil {
			return Relationship{}, err
		}
		r.ApplyPreset(p)
	}
	if err := m.store.Put(ctx, Entry(r)); err != nil {
		return Relationship{}, err
	}
	m.notify()
	return r, nil
}

// Get returns one relationship. A deleted relationship is not found even while
// its tombstone waits to sync.
func (m *Manager) Get(ctx context.Context, id string) (Relationship, error) {
	r, err := m.get(ctx, id)
	if err == nil && r.Deleted {
		return Relationship{}, fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
	}
	return r, err
}

func (m *Manager) get(ctx context.Context, id string) (Relationship, error) {
	entry, err := m.store.Get(ctx, key(id))
	if errors.Is(err, domain.ErrEntityNotFound) {
		return Relationship{}, fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
	}
	if err != nil {
		return Relationship{}, err
	}
	return FromEntry(entry)
}

// ContactName returns the name the athlete gave the relationship with userID,
// or "" when there is none.
func (m *Manager) ContactName(ctx context.Context, userID string) string {
	rels, err := m.List(ctx)
	if err != nil {
		return ""
	}
	for _, r := range rels {
		if r.ContactID == userID && userID != "" {
			return r.Name
		}
	}
	return ""
}

// List returns every live relationship that decodes, ordered by name.
func (m *Manager) List(ctx context.Context) ([]Relationship, error) {
	entries, err := m.store.List(ctx, record.TypeRelationship)
	if err != nil {
		return nil, err
	}
	out := make([]Relationship, 0, len(entries))
	for _, entry := range entries {
		r, err := FromEntry(entry)
		if err != nil {
			m.logger.Printf("skip relationship %s: %v", entry.Key().ID, err)
			continue
		}
		if r.Deleted {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update applies fn to a relationship under its lock and stores the result as
// a local mutation. fn must not change the identity fields.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Relationship) error) (Relationship, error) {
	unlock := m.locks.Lock(key(id))
	defer unlock()
	return m.update(ctx, id, fn)
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Relationship) error) (Relationship, error) {
	r, err := m.Get(ctx, id)
	if err != nil {
		return Relationship{}, err
	}
	next, err := r.Sync.Touch(r.OwnerID, m.now())
	if err != nil {
		return Relationship{}, err
	}
	if err := fn(&r); err != nil {
		return Relationship{}, err
	}
	r.ID = id
	r.Sync = next
	r.Visibility = NormalizeVisibility(r.Visibility)
	if err := m.store.Put(ctx, Entry(r)); err != nil {
		return Relationship{}, err
	}
	m.notify()
	return r, nil
}

// ApplyPreset overwrites every capability flag and the visibility set with the
// named preset.
func (m *Manager) ApplyPreset(ctx context.Context, id, preset string) (Relationship, error) {
	p, err := m.presets.Get(preset)
	if err != nil {
		return Relationship{}, err
	}
	return m.Update(ctx, id, func(r *Relationship) error {
		r.ApplyPreset(p)
		return nil
	})
}

// SetCapabilities replaces the capability flags.
func (m *Manager) SetCapabilities(ctx context.Context, id string, c Capabilities) (Relationship, error) {
	return m.Update(ctx, id, func(r *Relationship) error {
		r.Capabilities = c
		return nil
	})
}

// SetVisibility replaces the visibility set.
func (m *Manager) SetVisibility(ctx context.Context, id string, disciplines []domain.Discipline) (Relationship, error) {
	for _, d := range disciplines {
		if _, err := domain.ParseDiscipline(string(d)); err != nil {
			return Relationship{}, err
		}
	}
	return m.Update(ctx, id, func(r *Relationship) error {
		r.Visibility = disciplines
		return nil
	})
}

// SetQuietHours replaces the quiet hours window.
func (m *Manager) SetQuietHours(ctx context.Context, id string, q QuietHours) (Relationship, error) {
	if err := q.Validate(); err != nil {
		return Relationship{}, err
	}
	return m.Update(ctx, id, func(r *Relationship) error {
		r.QuietHours = q
		return nil
	})
}

// SendInvite moves the invite to pending. Resending a pending invite is allowed.
func (m *Manager) SendInvite(ctx context.Context, id string) (Relationship, error) {
	r, err := m.Update(ctx, id, func(r *Relationship) error {
		next, err := r.Invite.Send()
		if err != nil {
			return err
		}
		r.Invite = next
		return nil
	})
	if err == nil {
		invitesSent.Inc()
	}
	return r, err
}

// AcceptInvite records that the external party accepted.
func (m *Manager) AcceptInvite(ctx context.Context, id string) (Relationship, error) {
	r, err := m.Update(ctx, id, func(r *Relationship) error {
		next, err := r.Invite.Accept()
		if err != nil {
			return err
		}
		r.Invite = next
		return nil
	})
	if err == nil {
		invitesAccepted.Inc()
	}
	return r, err
}

// AddShare creates a cloud share of category for the relationship and tracks it.
func (m *Manager) AddShare(ctx context.Context, id, category string, expiresAt *time.Time) (Share, error) {
	if strings.TrimSpace(category) == "" {
		return Share{}, errors.New("share category is required")
	}
	unlock := m.locks.Lock(key(id))
	defer unlock()

	r, err := m.Get(ctx, id)
	if err != nil {
		return Share{}, err
	}
	if r.Invite != InviteAccepted {
		return Share{}, fmt.Errorf("%w: share while invite %s", ErrInvalidInviteTransition, r.Invite)
	}
	share := Share{
		ID:             uuid.NewString(),
		RelationshipID: r.ID,
		OwnerID:        r.OwnerID,
		RecipientID:    r.ContactID,
		Category:       category,
		CreatedAt:      m.now(),
		ExpiresAt:      expiresAt,
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	created, err := m.cloud.CreateShare(callCtx, share)
	cancel()
	if err != nil {
		return Share{}, fmt.Errorf("create share: %w", err)
	}
	if err := m.shares.PutShare(ctx, created); err != nil {
		return Share{}, err
	}
	if _, err := m.update(ctx, id, func(r *Relationship) error {
		if !r.hasShare(created.ID) {
			r.ActiveShares = append(r.ActiveShares, created.ID)
		}
		return nil
	}); err != nil {
		return Share{}, err
	}
	sharesCreated.Inc()
	return created, nil
}

// RevokeShare revokes one share in the cloud and stops tracking it.
func (m *Manager) RevokeShare(ctx context.Context, id, shareID string) error {
	unlock := m.locks.Lock(key(id))
	defer unlock()

	if err := m.revoke(ctx, shareID); err != nil {
		return err
	}
	_, err := m.update(ctx, id, func(r *Relationship) error {
		r.removeShare(shareID)
		return nil
	})
	return err
}

// Delete revokes every active share of the relationship, then replaces it with
// a pending tombstone so the deletion reaches the cloud and other devices. If
// any revoke fails the relationship is kept, minus the shares that were
// revoked, and the error wraps ErrRevokeFailed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.locks.Lock(key(id))
	defer unlock()

	r, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Sync.Status == domain.SyncConflict {
		return fmt.Errorf("delete relationship %s: %w", id, domain.ErrUnresolvedConflict)
	}

	var (
		failures []error
		revoked  []string
	)
	for _, shareID := range r.ActiveShares {
		if err := m.revoke(ctx, shareID); err != nil {
			failures = append(failures, fmt.Errorf("share %s: %w", shareID, err))
			continue
		}
		revoked = append(revoked, shareID)
	}
	if len(failures) > 0 {
		if len(revoked) > 0 {
			if _, err := m.update(ctx, id, func(r *Relationship) error {
				for _, shareID := range revoked {
					r.removeShare(shareID)
				}
				return nil
			}); err != nil {
				failures = append(failures, err)
			}
		}
		return fmt.Errorf("%w: delete relationship %s: %w", ErrRevokeFailed, id, errors.Join(failures...))
	}

	_, err = m.update(ctx, id, func(r *Relationship) error {
		r.Deleted = true
		r.ActiveShares = []string{}
		return nil
	})
	return err
}

func (m *Manager) revoke(ctx context.Context, shareID string) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.cloud.RevokeShare(callCtx, shareID)
	cancel()
	if err != nil && !errors.Is(err, ErrShareNotFound) {
		sharesRevoked.WithLabelValues("failed").Inc()
		return err
	}
	if err := m.shares.DeleteShare(ctx, shareID); err != nil && !errors.Is(err, ErrShareNotFound) {
		return err
	}
	sharesRevoked.WithLabelValues("revoked").Inc()
	return nil
}

// ExpiredShares lists tracked shares whose expiry is at or before now.
func (m *Manager) ExpiredShares(ctx context.Context, now time.Time) ([]Share, error) {
	all, err := m.shares.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	var out []Share
	for _, s := range all {
		if s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ForgetShare drops a share that was already revoked in the cloud, locally and
// from its relationship. A relationship in conflict loses the share from
// both versions without leaving conflict.
func (m *Manager) ForgetShare(ctx context.Context, share Share) error {
	unlock := m.locks.Lock(key(share.RelationshipID))
	defer unlock()

	if err := m.shares.DeleteShare(ctx, share.ID); err != nil && !errors.Is(err, ErrShareNotFound) {
		return err
	}
	r, err := m.Get(ctx, share.RelationshipID)
	if errors.Is(err, ErrRelationshipNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pruned, err := pruneConflictShare(r.Sync.ConflictPayload, share.ID)
	if err != nil {
		return err
	}
	if !r.hasShare(share.ID) && pruned == nil {
		return nil
	}
	if r.Sync.Status == domain.SyncConflict {
		r.removeShare(share.ID)
		if pruned != nil {
			r.Sync.ConflictPayload = pruned
		}
		if err := m.store.Put(ctx, Entry(r)); err != nil {
			return err
		}
		m.notify()
		return nil
	}
	_, err = m.update(ctx, share.RelationshipID, func(r *Relationship) error {
		r.removeShare(share.ID)
		return nil
	})
	return err
}

// pruneConflictShare returns a copy of a retained server version without
// shareID, or nil when it does not list the share.
func pruneConflictShare(server *record.Record, shareID string) (*record.Record, error) {
	if server == nil || !server.Has("active_shares") {
		return nil, nil
	}
	ids, err := server.Strings("active_shares")
	if err != nil {
		return nil, domain.DecodeError(server.Key(), err)
	}
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != shareID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil, nil
	}
	out := server.Clone()
	out.Fields["active_shares"] = record.Strings(kept)
	return &out, nil
}

func (m *Manager) notify() {
	if m.changed != nil {
		m.changed()
	}
}

func key(id string) record.Key {
	return record.Key{Type: record.TypeRelationship, ID: id}
}
