package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/relay"
	"example.com/ridesync/internal/sharing"
	"example.com/ridesync/internal/syncengine"
)

// admin is the local API the phone UI and synctl use.
type admin struct {
	ownerID string
	engine  *syncengine.Engine
	service *domain.Service
	manager *sharing.Manager
	inbox   *sharing.Inbox
	mirror  *relay.Mirror
}

func (a *admin) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /ride", a.ride)
	mux.HandleFunc("POST /sync", a.sync)
	mux.HandleFunc("GET /snapshot", a.snapshot)
	mux.HandleFunc("GET /conflicts", a.conflicts)
	mux.HandleFunc("POST /conflicts/{type}/{id}/resolve", a.resolve)
	mux.HandleFunc("GET /failed", a.failed)
	mux.HandleFunc("POST /failed/{type}/{id}/retry", a.retry)
	mux.HandleFunc("GET /relationships", a.relationships)
	mux.HandleFunc("POST /relationships", a.createRelationship)
	mux.HandleFunc("POST /relationships/{id}/invite", a.sendInvite)
	mux.HandleFunc("POST /relationships/{id}/accept", a.acceptInvite)
	mux.HandleFunc("POST /relationships/{id}/shares", a.addShare)
	mux.HandleFunc("DELETE /relationships/{id}", a.deleteRelationship)
	mux.HandleFunc("GET /requests", a.requests)
	mux.HandleFunc("POST /requests/{id}/accept", a.acceptRequest)
	mux.HandleFunc("POST /requests/{id}/dismiss", a.dismissRequest)
}

func (a *admin) ride(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mirror.State())
}

func (a *admin) sync(w http.ResponseWriter, _ *http.Request) {
	a.engine.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (a *admin) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.BuildSnapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ConflictView pairs both sides of a conflict.
type ConflictView struct {
	Key    record.Key     `json:"key"`
	Local  record.Record  `json:"local"`
	Server *record.Record `json:"server,omitempty"`
}

func (a *admin) conflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.Conflicts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]ConflictView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ConflictView{Key: e.Key(), Local: e.Record, Server: e.State.ConflictPayload})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *admin) resolve(w http.ResponseWriter, r *http.Request) {
	choice, err := syncengine.ParseResolution(r.URL.Query().Get("keep"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resolution", err.Error())
		return
	}
	key := record.Key{Type: record.Type(r.PathValue("type")), ID: r.PathValue("id")}
	entry, err := a.engine.Resolve(r.Context(), key, choice)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry.State)
}

// FailedView is an entity whose last push failed.
type FailedView struct {
	Key       record.Key `json:"key"`
	Attempts  int        `json:"attempts"`
	Rejection string     `json:"rejection,omitempty"`
}

func (a *admin) failed(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.Failed(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]FailedView, 0, len(entries))
	for _, e := range entries {
		views = append(views, FailedView{Key: e.Key(), Attempts: e.State.Attempts, Rejection: e.State.Rejection})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *admin) retry(w http.ResponseWriter, r *http.Request) {
	key := record.Key{Type: record.Type(r.PathValue("type")), ID: r.PathValue("id")}
	entry, err := a.engine.Retry(r.Context(), key)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry.State)
}

func (a *admin) relationships(w http.ResponseWriter, r *http.Request) {
	rels, err := a.manager.List(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (a *admin) createRelationship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContactID string `json:"contact_id"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		Preset    string `json:"preset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	relType, err := sharing.ParseRelationshipType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_type", err.Error())
		return
	}
	rel, err := a.manager.Create(r.Context(), sharing.CreateInput{
		OwnerID:   a.ownerID,
		ContactID: req.ContactID,
		Name:      req.Name,
		Type:      relType,
		Preset:    req.Preset,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (a *admin) sendInvite(w http.ResponseWriter, r *http.Request) {
	rel, err := a.manager.SendInvite(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (a *admin) acceptInvite(w http.ResponseWriter, r *http.Request) {
	rel, err := a.manager.AcceptInvite(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (a *admin) addShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category  string `json:"category"`
		ExpiresIn string `json:"expires_in,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_expiry", "expires_in must be a positive duration")
			return
		}
		at := time.Now().UTC().Add(d)
		expiresAt = &at
	}
	share, err := a.manager.AddShare(r.Context(), r.PathValue("id"), req.Category, expiresAt)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (a *admin) deleteRelationship(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) requests(w http.ResponseWriter, r *http.Request) {
	reqs, err := a.inbox.List(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (a *admin) acceptRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.inbox.Accept(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) dismissRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.inbox.Dismiss(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEntityNotFound),
		errors.Is(err, sharing.ErrRelationshipNotFound),
		errors.Is(err, sharing.ErrRequestNotFound),
		errors.Is(err, sharing.ErrShareNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrUnresolvedConflict),
		errors.Is(err, sharing.ErrInvalidInviteTransition):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, sharing.ErrUnknownPreset):
		writeError(w, http.StatusBadRequest, "unknown_preset", err.Error())
	case errors.Is(err, domain.ErrTransportUnreachable), errors.Is(err, sharing.ErrRevokeFailed):
		writeError(w, http.StatusBadGateway, "cloud_unreachable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"type": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
