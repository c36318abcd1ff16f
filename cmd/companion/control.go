package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/relay"
)

// control is the local surface the sensor layer and watch UI drive.
type control struct {
	store   *companion.Store
	relay   *relay.Relay
	flusher *relay.Flusher
	outbox  *relay.Outbox
	now     func() time.Time
}

func (c *control) register(mux *http.ServeMux) {
	mux.HandleFunc("/session/start", c.post(c.start))
	mux.HandleFunc("/session/metrics", c.post(c.metrics))
	mux.HandleFunc("/session/complete", c.post(c.complete))
	mux.HandleFunc("/session/discard", c.post(c.discard))
	mux.HandleFunc("/fall", c.post(c.fall))
	mux.HandleFunc("/queue", c.queue)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (c *control) post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func (c *control) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Discipline string `json:"discipline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	discipline, err := domain.ParseDiscipline(req.Discipline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_discipline", err.Error())
		return
	}
	h, err := c.store.StartSession(discipline)
	if errors.Is(err, companion.ErrSessionAlreadyActive) {
		writeError(w, http.StatusConflict, "session_active", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	c.publishRide(r.Context(), relay.RideActive, domain.Metrics{})
	writeJSON(w, http.StatusCreated, map[string]any{"id": h.ID, "discipline": h.Discipline, "started_at": h.StartedAt})
}

func (c *control) metrics(w http.ResponseWriter, r *http.Request) {
	var m domain.Metrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := c.store.UpdateActive(m); err != nil {
		writeError(w, http.StatusConflict, "no_active_session", err.Error())
		return
	}
	c.publishRide(r.Context(), relay.RideActive, m)
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) complete(w http.ResponseWriter, r *http.Request) {
	qs, err := c.store.CompleteSession(r.Context(), nil)
	if errors.Is(err, companion.ErrNoActiveSession) {
		writeError(w, http.StatusConflict, "no_active_session", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		return
	}
	c.publishRide(r.Context(), relay.RideIdle, qs.Metrics)
	c.flusher.Trigger()
	writeJSON(w, http.StatusOK, qs)
}

func (c *control) discard(w http.ResponseWriter, r *http.Request) {
	if err := c.store.DiscardSession(); err != nil {
		writeError(w, http.StatusConflict, "no_active_session", err.Error())
		return
	}
	c.publishRide(r.Context(), relay.RideIdle, domain.Metrics{})
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) fall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confidence float64 `json:"confidence"`
		Countdown  int     `json:"countdown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	detected := true
	delivery, err := c.relay.Send(r.Context(), relay.FallEvent{
		Header:     relay.Stamp(c.now()),
		Detected:   &detected,
		Confidence: &req.Confidence,
		Countdown:  &req.Countdown,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "relay_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"delivery": string(delivery.Mode)})
}

func (c *control) queue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":    c.store.QueueDepth(),
		"sessions": c.store.SessionsReadyForRelay(),
		"commands": c.outbox.Pending(),
	})
}

// publishRide pushes the live ride state in the background.
func (c *control) publishRide(ctx context.Context, state relay.RideState, m domain.Metrics) {
	update := relay.StatusUpdate{Header: relay.Stamp(c.now())}
	update.RideState = &state
	update.Duration = &m.DurationSeconds
	update.Distance = &m.DistanceMeters
	if m.AverageHeartRate > 0 {
		update.HeartRate = &m.AverageHeartRate
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_, _ = c.relay.Send(sendCtx, update)
	}()
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"type": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
