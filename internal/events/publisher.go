package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/notify"
	"example.com/ridesync/internal/sharing"
	"example.com/ridesync/internal/syncengine"
)

// Publisher serialises outbound events and hands them to a Writer.
type Publisher struct {
	writer  Writer
	ownerID string
	logger  *log.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a Publisher for the athlete ownerID.
func NewPublisher(writer Writer, ownerID string, opts ...Option) *Publisher {
	p := &Publisher{writer: writer, ownerID: ownerID, logger: log.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ notify.Notifier              = (*Publisher)(nil)
	_ companion.HealthSink         = (*Publisher)(nil)
	_ syncengine.SnapshotPublisher = (*Publisher)(nil)
)

// Notify implements notify.Notifier. Alerts are keyed by contact so one
// contact's alerts stay ordered.
func (p *Publisher) Notify(ctx context.Context, rel sharing.Relationship, alert sharing.AlertType, payload notify.Payload) error {
	evt := AlertRaised{
		RelationshipID: rel.ID,
		ContactID:      rel.ContactID,
		ContactName:    rel.Name,
		Alert:          alert,
		Discipline:     payload.Discipline,
		Title:          payload.Title,
		Body:           payload.Body,
		SubjectID:      payload.SubjectID,
		OccurredAt:     payload.At,
		Version:        SchemaVersion,
	}
	key := rel.ContactID
	if key == "" {
		key = rel.ID
	}
	return p.publish(ctx, TopicSharingAlerts, key, evt)
}

// RecordWorkout implements companion.HealthSink.
func (p *Publisher) RecordWorkout(ctx context.Context, summary companion.WorkoutSummary) error {
	return p.publish(ctx, TopicWorkoutSummaries, summary.SessionID, WorkoutRecorded{
		OwnerID:        p.ownerID,
		SessionID:      summary.SessionID,
		Discipline:     summary.Discipline,
		StartedAt:      summary.StartedAt,
		EndedAt:        summary.EndedAt,
		DistanceMeters: summary.DistanceMeters,
		Calories:       summary.Calories,
		Version:        SchemaVersion,
	})
}

// PublishSnapshot implements syncengine.SnapshotPublisher. Snapshots are keyed
// by owner so compaction keeps the latest one.
func (p *Publisher) PublishSnapshot(ctx context.Context, snapshot syncengine.Snapshot) error {
	return p.publish(ctx, TopicWidgetSnapshots, p.ownerID, WidgetSnapshotted{
		OwnerID:  p.ownerID,
		Version:  SchemaVersion,
		Snapshot: snapshot,
	})
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		publishedTotal.WithLabelValues(topic, "encode_error").Inc()
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(SchemaVersion)},
		},
	}
	if err := p.writer.WriteMessages(ctx, topic, msg); err != nil {
		publishedTotal.WithLabelValues(topic, "failed").Inc()
		p.logger.Printf("publish %s key=%s: %v", topic, key, err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	publishedTotal.WithLabelValues(topic, "published").Inc()
	return nil
}
