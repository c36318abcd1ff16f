package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/notify"
	"example.com/ridesync/internal/relay"
	"example.com/ridesync/internal/sharing"
)

// alerts turns relay activity into contact notifications. Hooks fire on the
// relay read loop, so dispatch happens on its own goroutine.
type alerts struct {
	dispatcher *notify.Dispatcher
	timeout    time.Duration
	logger     *log.Logger

	mu       sync.Mutex
	lastRide relay.RideState
	wg       sync.WaitGroup
}

func (a *alerts) sessionRecorded(ctx context.Context, artifact domain.TrainingArtifact) {
	a.dispatch(ctx, sharing.AlertSessionCompleted, notify.Payload{
		Discipline: artifact.Discipline,
		Title:      fmt.Sprintf("%s session completed", artifact.Discipline),
		Body:       fmt.Sprintf("%.1f km in %s", artifact.Metrics.DistanceMeters/1000, time.Duration(artifact.Metrics.DurationSeconds*float64(time.Second)).Round(time.Second)),
		SubjectID:  artifact.ID,
		At:         artifact.EndedAt,
	})
}

func (a *alerts) fall(ctx context.Context, evt relay.FallEvent) {
	if evt.Detected != nil && !*evt.Detected {
		return
	}
	body := "Possible fall detected"
	if evt.Countdown != nil {
		body = fmt.Sprintf("Possible fall detected, calling for help in %ds unless cancelled", *evt.Countdown)
	}
	a.dispatch(ctx, sharing.AlertSafety, notify.Payload{
		Discipline: domain.LiveTrackedDiscipline,
		Title:      "Safety alert",
		Body:       body,
		At:         evt.At(),
	})
}

// mirrorChanged raises a live tracking alert when a ride starts.
func (a *alerts) mirrorChanged(state relay.MirrorState) {
	a.mu.Lock()
	started := state.Ride == relay.RideActive && a.lastRide != relay.RideActive && a.lastRide != relay.RidePaused
	a.lastRide = state.Ride
	a.mu.Unlock()
	if !started {
		return
	}
	a.dispatch(context.Background(), sharing.AlertLiveTracking, notify.Payload{
		Discipline: domain.LiveTrackedDiscipline,
		Title:      "Ride started",
		Body:       "Live tracking is available",
		At:         state.UpdatedAt,
	})
}

func (a *alerts) dispatch(ctx context.Context, alert sharing.AlertType, payload notify.Payload) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		result, err := a.dispatcher.Dispatch(dispatchCtx, alert, payload)
		if err != nil {
			a.logger.Printf("%s alert: %v", alert, err)
		}
		if result.Delivered > 0 {
			a.logger.Printf("%s alert delivered to %d contacts (%d suppressed)", alert, result.Delivered, result.Suppressed)
		}
	}()
}

// Wait blocks until in-flight dispatches finish.
func (a *alerts) Wait() {
	a.wg.Wait()
}
