package companion

import (
	"context"
	"time"

	"example.com/ridesync/internal/domain"
)

// HealthSink persists workout summaries on the external health platform.
type HealthSink interface {
	RecordWorkout(ctx context.Context, summary WorkoutSummary) error
}

// HealthSinkFunc adapts a function to HealthSink.
type HealthSinkFunc func(ctx context.Context, summary WorkoutSummary) error

// RecordWorkout calls f.
func (f HealthSinkFunc) RecordWorkout(ctx context.Context, summary WorkoutSummary) error {
	return f(ctx, summary)
}

// WorkoutSummary is what the health platform receives for a finished session.
type WorkoutSummary struct {
	SessionID      string            `json:"sessionId"`
	Discipline     domain.Discipline `json:"discipline"`
	StartedAt      time.Time         `json:"startedAt"`
	EndedAt        time.Time         `json:"endedAt"`
	DistanceMeters float64           `json:"distance"`
	Calories       float64           `json:"calories"`
}

// metabolic equivalents per discipline at a moderate effort.
var mets = map[domain.Discipline]float64{
	domain.DisciplineRiding:   5.5,
	domain.DisciplineRunning:  9.8,
	domain.DisciplineSwimming: 7.0,
	domain.DisciplineShooting: 2.5,
}

// referenceMassKg is used when the athlete's mass is unknown.
const referenceMassKg = 60.0

// Summarize derives the health platform summary of a session.
func Summarize(qs QueuedSession) WorkoutSummary {
	duration := qs.Metrics.DurationSeconds
	if duration <= 0 {
		duration = qs.EndedAt.Sub(qs.StartedAt).Seconds()
	}
	if duration < 0 {
		duration = 0
	}
	return WorkoutSummary{
		SessionID:      qs.ID,
		Discipline:     qs.Discipline,
		StartedAt:      qs.StartedAt,
		EndedAt:        qs.EndedAt,
		DistanceMeters: qs.Metrics.DistanceMeters,
		Calories:       mets[qs.Discipline] * referenceMassKg * duration / 3600,
	}
}
