package domain

import (
	"errors"
	"time"

	"example.com/ridesync/internal/record"
)

// TrainingArtifact is a completed training session held by the primary device.
type TrainingArtifact struct {
	ID         string
	OwnerID    string
	Discipline Discipline
	StartedAt  time.Time
	EndedAt    time.Time
	Metrics    Metrics
	Trace      []byte
	Notes      string
	Source     string
	Sync       SyncState
}

// EncodeTrainingArtifact maps an artifact onto its cloud record.
func EncodeTrainingArtifact(a TrainingArtifact) record.Record {
	rec := record.New(record.TypeTrainingArtifact, a.ID)
	rec.ModifiedAt = a.Sync.ModifiedAt
	rec.ModifiedBy = a.Sync.ModifiedBy
	rec.Fields["owner_id"] = record.String(a.OwnerID)
	rec.Fields["discipline"] = record.String(string(a.Discipline))
	rec.Fields["started_at"] = record.Time(a.StartedAt)
	rec.Fields["ended_at"] = record.Time(a.EndedAt)
	rec.Fields["duration"] = record.Float(a.Metrics.DurationSeconds)
	rec.Fields["distance"] = record.Float(a.Metrics.DistanceMeters)
	rec.Fields["average_speed"] = record.Float(a.Metrics.AverageSpeed)
	rec.Fields["max_speed"] = record.Float(a.Metrics.MaxSpeed)
	rec.Fields["average_heart_rate"] = record.Int(int64(a.Metrics.AverageHeartRate))
	rec.Fields["max_heart_rate"] = record.Int(int64(a.Metrics.MaxHeartRate))
	rec.Fields["min_heart_rate"] = record.Int(int64(a.Metrics.MinHeartRate))
	rec.Fields["trace"] = record.Bytes(a.Trace)
	rec.Fields["notes"] = record.String(a.Notes)
	rec.Fields["source"] = record.String(a.Source)
	return rec
}

// DecodeTrainingArtifact maps a cloud record back onto an artifact. Any missing
// or mistyped field fails the whole record.
func DecodeTrainingArtifact(rec record.Record) (TrainingArtifact, error) {
	var (
		a    = TrainingArtifact{ID: rec.ID}
		errs []error
		err  error
		disc string
		avg  int64
		max  int64
		min  int64
	)
	if rec.Type != record.TypeTrainingArtifact {
		return TrainingArtifact{}, DecodeError(rec.Key(), errWrongType(rec.Type, record.TypeTrainingArtifact))
	}
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	a.OwnerID, err = rec.String("owner_id")
	collect(err)
	disc, err = rec.String("discipline")
	collect(err)
	a.StartedAt, err = rec.Time("started_at")
	collect(err)
	a.EndedAt, err = rec.Time("ended_at")
	collect(err)
	a.Metrics.DurationSeconds, err = rec.Float("duration")
	collect(err)
	a.Metrics.DistanceMeters, err = rec.Float("distance")
	collect(err)
	a.Metrics.AverageSpeed, err = rec.Float("average_speed")
	collect(err)
	a.Metrics.MaxSpeed, err = rec.Float("max_speed")
	collect(err)
	avg, err = rec.Int("average_heart_rate")
	collect(err)
	max, err = rec.Int("max_heart_rate")
	collect(err)
	min, err = rec.Int("min_heart_rate")
	collect(err)
	a.Trace, err = rec.Bytes("trace")
	collect(err)
	a.Notes, err = rec.String("notes")
	collect(err)
	a.Source, err = rec.String("source")
	collect(err)

	if len(errs) == 0 {
		a.Discipline, err = ParseDiscipline(disc)
		collect(err)
	}
	if len(errs) > 0 {
		return TrainingArtifact{}, DecodeError(rec.Key(), errors.Join(errs...))
	}

	a.Metrics.AverageHeartRate = int(avg)
	a.Metrics.MaxHeartRate = int(max)
	a.Metrics.MinHeartRate = int(min)
	return a, nil
}
