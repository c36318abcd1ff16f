package syncengine

import (
	"context"
	"sort"
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

const recentSessions = 5

// SnapshotPublisher receives widget snapshots.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snapshot Snapshot) error
}

// SessionSummary is one recent session shown on the widget.
type SessionSummary struct {
	ID         string            `json:"id"`
	Discipline domain.Discipline `json:"discipline"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   float64           `json:"duration_seconds"`
	Distance   float64           `json:"distance_meters"`
}

// Snapshot is the home-screen summary of recent training and sync backlog.
type Snapshot struct {
	GeneratedAt    time.Time                     `json:"generated_at"`
	RecentSessions []SessionSummary              `json:"recent_sessions"`
	Pending        int                           `json:"pending"`
	Conflicts      int                           `json:"conflicts"`
	WeeklyDistance map[domain.Discipline]float64 `json:"weekly_distance_meters"`
}

// BuildSnapshot summarises the store as of now.
func (e *Engine) BuildSnapshot(ctx context.Context) (Snapshot, error) {
	now := e.now()
	snap := Snapshot{
		GeneratedAt:    now,
		RecentSessions: make([]SessionSummary, 0, recentSessions),
		WeeklyDistance: make(map[domain.Discipline]float64, len(domain.Disciplines)),
	}
	for _, d := range domain.Disciplines {
		snap.WeeklyDistance[d] = 0
	}

	entries, err := e.store.List(ctx, record.TypeTrainingArtifact)
	if err != nil {
		return Snapshot{}, err
	}
	artifacts := make([]domain.TrainingArtifact, 0, len(entries))
	for _, entry := range entries {
		a, err := domain.ArtifactFromEntry(entry)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].StartedAt.After(artifacts[j].StartedAt) })

	weekStart := now.Add(-7 * 24 * time.Hour)
	for i, a := range artifacts {
		if i < recentSessions {
			snap.RecentSessions = append(snap.RecentSessions, SessionSummary{
				ID:         a.ID,
				Discipline: a.Discipline,
				StartedAt:  a.StartedAt,
				Duration:   a.Metrics.DurationSeconds,
				Distance:   a.Metrics.DistanceMeters,
			})
		}
		if !a.StartedAt.Before(weekStart) {
			snap.WeeklyDistance[a.Discipline] += a.Metrics.DistanceMeters
		}
	}

	pending, err := e.store.ListByStatus(ctx, domain.SyncPending)
	if err != nil {
		return Snapshot{}, err
	}
	conflicts, err := e.store.ListByStatus(ctx, domain.SyncConflict)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Pending = len(pending)
	snap.Conflicts = len(conflicts)
	return snap, nil
}

func (e *Engine) publishSnapshot(ctx context.Context) {
	if e.publisher == nil {
		return
	}
	snap, err := e.BuildSnapshot(ctx)
	if err != nil {
		e.logger.Printf("build widget snapshot: %v", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := e.publisher.PublishSnapshot(callCtx, snap); err != nil {
		e.logger.Printf("publish widget snapshot: %v", err)
	}
}
