package cloud

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/ridesync/internal/auth"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Handler exposes the record store and share registry over HTTP.
type Handler struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(store Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: store, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/records", h.records)
	mux.HandleFunc("/v1/shares", h.shares)
	mux.HandleFunc("/v1/shares/incoming", h.incomingShares)
	mux.HandleFunc("/v1/shares/", h.shareByID)
	mux.HandleFunc("/healthz", healthz)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PushResponse is the body of a successful push.
type PushResponse struct {
	Record record.Record `json:"record"`
	Replay bool          `json:"idempotent_replay"`
}

// ConflictResponse is the body of a rejected push.
type ConflictResponse struct {
	Server record.Record `json:"server"`
}

// ChangesResponse is one page of the changes feed.
type ChangesResponse struct {
	Records    []record.Record `json:"records"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// IncomingResponse lists shares offered to the caller.
type IncomingResponse struct {
	Shares []sharing.Share `json:"shares"`
}

func (h *Handler) records(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.pushRecord(w, r)
	case http.MethodGet:
		h.listChanges(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) pushRecord(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeRecordsWrite)
	if !ok {
		return
	}

	var rec record.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := validateRecord(rec); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	result, err := h.store.PutRecord(r.Context(), claims.SpaceID, rec)
	if err != nil {
		h.logger.Printf("push %s: %v", rec.Key(), err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	pushOutcomes.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case OutcomeConflict:
		writeJSON(w, http.StatusConflict, ConflictResponse{Server: result.Record})
	default:
		writeJSON(w, http.StatusOK, PushResponse{Record: result.Record, Replay: result.Outcome == OutcomeReplayed})
	}
}

func validateRecord(rec record.Record) error {
	switch {
	case strings.TrimSpace(string(rec.Type)) == "":
		return errors.New("type is required")
	case strings.TrimSpace(rec.ID) == "":
		return errors.New("id is required")
	case rec.ModifiedAt.IsZero():
		return errors.New("modified_at is required")
	case strings.TrimSpace(rec.ModifiedBy) == "":
		return errors.New("modified_by is required")
	}
	return nil
}

func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeRecordsRead)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > maxPageSize {
				parsed = maxPageSize
			}
			limit = parsed
		}
	}
	cursor, err := DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	changes, err := h.store.Changes(r.Context(), claims.SpaceID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ChangesResponse{Records: make([]record.Record, 0, len(changes))}
	for _, c := range changes {
		resp.Records = append(resp.Records, c.Record)
	}
	if len(changes) > 0 {
		last := changes[len(changes)-1]
		resp.NextCursor = EncodeCursor(&Cursor{StoredAt: last.StoredAt, Type: last.Record.Type, ID: last.Record.ID})
	} else {
		resp.NextCursor = EncodeCursor(cursor)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) shares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeSharesWrite)
	if !ok {
		return
	}

	var share sharing.Share
	if err := json.NewDecoder(r.Body).Decode(&share); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(share.RecipientID) == "" || strings.TrimSpace(share.Category) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "recipient_id and category are required")
		return
	}
	if share.OwnerID == "" {
		share.OwnerID = claims.Subject
	}
	share.AcceptedAt = nil

	created, err := h.store.CreateShare(r.Context(), claims.SpaceID, share)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) incomingShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeRecordsRead)
	if !ok {
		return
	}
	shares, err := h.store.IncomingShares(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, IncomingResponse{Shares: shares})
}

func (h *Handler) shareByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/shares/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing share id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		claims, ok := requireScope(w, r, auth.ScopeSharesWrite)
		if !ok {
			return
		}
		h.respondShareMutation(w, h.store.RevokeShare(r.Context(), claims.SpaceID, id))
	case action == "accept" && r.Method == http.MethodPost:
		claims, ok := requireScope(w, r, auth.ScopeRecordsRead)
		if !ok {
			return
		}
		h.respondShareMutation(w, h.store.AcceptShare(r.Context(), claims.Subject, id, h.now()))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) respondShareMutation(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "share not found")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
