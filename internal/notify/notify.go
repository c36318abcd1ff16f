// Package notify fans athlete activity out to the people the athlete shares
// with, filtered by each relationship's permissions and quiet hours.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/sharing"
)

// Payload is the content of one alert.
type Payload struct {
	Discipline domain.Discipline `json:"discipline"`
	Title      string            `json:"title"`
	Body       string            `json:"body,omitempty"`
	SubjectID  string            `json:"subject_id,omitempty"`
	At         time.Time         `json:"at"`
}

// Notifier delivers an alert to one relationship's contact.
type Notifier interface {
	Notify(ctx context.Context, rel sharing.Relationship, alert sharing.AlertType, payload Payload) error
}

// RelationshipSource lists the athlete's relationships.
type RelationshipSource interface {
	List(ctx context.Context) ([]sharing.Relationship, error)
}

// Result counts what one dispatch did.
type Result struct {
	Delivered  int
	Suppressed int
	Failed     int
}

// Dispatcher decides per relationship whether an alert goes out.
type Dispatcher struct {
	source   RelationshipSource
	notifier Notifier
	now      func() time.Time
	logger   *log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock quiet hours are checked against.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(source RelationshipSource, notifier Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		notifier: notifier,
		now:      time.Now,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the alert to every connected relationship allowed to receive
// it. A failed delivery does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert sharing.AlertType, payload Payload) (Result, error) {
	rels, err := d.source.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list relationships: %w", err)
	}
	if payload.At.IsZero() {
		payload.At = d.now().UTC()
	}
	at := d.now()

	var (
		result Result
		errs   error
	)
	for _, rel := range rels {
		if rel.Invite != sharing.InviteAccepted || !rel.ShouldDeliverAlert(payload.Discipline, alert, at) {
			result.Suppressed++
			alertsTotal.WithLabelValues(string(alert), "suppressed").Inc()
			continue
		}
		if err := d.notifier.Notify(ctx, rel, alert, payload); err != nil {
			result.Failed++
			alertsTotal.WithLabelValues(string(alert), "failed").Inc()
			errs = errors.Join(errs, fmt.Errorf("notify %s: %w", rel.ID, err))
			continue
		}
		result.Delivered++
		alertsTotal.WithLabelValues(string(alert), "delivered").Inc()
	}
	return result, errs
}

// LogNotifier writes alerts to a logger instead of delivering them.
type LogNotifier struct {
	Logger *log.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, rel sharing.Relationship, alert sharing.AlertType, payload Payload) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("alert %s for %s (%s): %s", alert, rel.Name, rel.ContactID, payload.Title)
	return nil
}
