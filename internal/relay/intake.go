package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/domain"
)

// ErrSessionNotAccepted is returned by a handler that does not take session payloads.
var ErrSessionNotAccepted = errors.New("relay: session payloads are not accepted by this device")

// Commands answers ride control commands and stats requests against a Mirror.
// The companion device serves it directly; the primary device wraps it in an
// Intake.
type Commands struct {
	mirror   *Mirror
	now      func() time.Time
	onChange func(MirrorState)
	onFall   func(context.Context, FallEvent)
	seen     *recentIDs
}

// CommandsOption configures Commands.
type CommandsOption func(*Commands)

// OnMirrorChange observes every state change of the mirror.
func OnMirrorChange(fn func(MirrorState)) CommandsOption {
	return func(c *Commands) { c.onChange = fn }
}

// OnFall observes fall events.
func OnFall(fn func(context.Context, FallEvent)) CommandsOption {
	return func(c *Commands) { c.onFall = fn }
}

// RememberCommands sets how many recent command ids are kept to recognise
// redeliveries.
func RememberCommands(n int) CommandsOption {
	return func(c *Commands) {
		if n > 0 {
			c.seen = newRecentIDs(n)
		}
	}
}

// NewCommands constructs a command handler over mirror. A command carrying an
// id it has already applied is acknowledged without being applied again.
func NewCommands(mirror *Mirror, opts ...CommandsOption) *Commands {
	c := &Commands{mirror: mirror, now: func() time.Time { return time.Now().UTC() }, seen: newRecentIDs(256)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle implements Handler.
func (c *Commands) Handle(ctx context.Context, msg Message) (Message, error) {
	switch msg.(type) {
	case RequestStats:
		return c.mirror.Snapshot(c.now()), nil
	case Ack:
		return nil, nil
	case SessionPayload:
		return nil, ErrSessionNotAccepted
	}
	if !c.seen.add(msg.messageID()) {
		duplicateCommands.Inc()
		return nil, nil
	}
	switch msg := msg.(type) {
	case FallEvent:
		c.apply(msg)
		if c.onFall != nil {
			c.onFall(ctx, msg)
		}
		return nil, nil
	default:
		c.apply(msg)
		return nil, nil
	}
}

// recentIDs is a fixed-size set of the most recently added ids.
type recentIDs struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new. Empty ids are always new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

func (c *Commands) apply(msg Message) {
	if c.mirror.Apply(msg) && c.onChange != nil {
		c.onChange(c.mirror.State())
	}
}

// ArtifactRecorder stores relayed sessions on the primary device.
type ArtifactRecorder interface {
	RecordArtifact(ctx context.Context, input domain.RecordArtifactInput) (domain.TrainingArtifact, bool, error)
}

// Intake is the primary device's inbound handler. Session payloads become
// pending training artifacts and are acknowledged by id; applying the same
// session twice stores it once and acknowledges both times.
type Intake struct {
	commands  *Commands
	artifacts ArtifactRecorder
	ownerID   string
	logger    *log.Logger
	onSession func(context.Context, domain.TrainingArtifact)
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithIntakeLogger sets the logger.
func WithIntakeLogger(logger *log.Logger) IntakeOption {
	return func(i *Intake) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// OnSessionRecorded observes newly stored artifacts.
func OnSessionRecorded(fn func(context.Context, domain.TrainingArtifact)) IntakeOption {
	return func(i *Intake) { i.onSession = fn }
}

// NewIntake constructs an Intake storing artifacts on behalf of ownerID.
func NewIntake(commands *Commands, artifacts ArtifactRecorder, ownerID string, opts ...IntakeOption) *Intake {
	i := &Intake{commands: commands, artifacts: artifacts, ownerID: ownerID, logger: log.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle implements Handler.
func (i *Intake) Handle(ctx context.Context, msg Message) (Message, error) {
	payload, ok := msg.(SessionPayload)
	if !ok {
		return i.commands.Handle(ctx, msg)
	}

	artifact, created, err := i.artifacts.RecordArtifact(ctx, artifactInput(i.ownerID, payload.Session))
	if err != nil {
		return nil, fmt.Errorf("record session %s: %w", payload.Session.ID, err)
	}
	if created {
		i.logger.Printf("recorded %s session %s", artifact.Discipline, artifact.ID)
		if i.onSession != nil {
			i.onSession(ctx, artifact)
		}
	}
	return Ack{Header: Stamp(i.commands.now()), SessionID: payload.Session.ID}, nil
}

func artifactInput(ownerID string, qs companion.QueuedSession) domain.RecordArtifactInput {
	return domain.RecordArtifactInput{
		ID:         qs.ID,
		OwnerID:    ownerID,
		Discipline: qs.Discipline,
		StartedAt:  qs.StartedAt,
		EndedAt:    qs.EndedAt,
		Metrics:    qs.Metrics,
		Trace:      qs.Trace,
		Source:     "companion",
	}
}
