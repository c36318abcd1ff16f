// Package localstore persists the primary device's entities, shares and sync
// cursors.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		record_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		fields TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		modified_by TEXT NOT NULL,
		status TEXT NOT NULL,
		conflict_payload TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		rejection TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (record_type, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS entities_status ON entities (status)`,
	`CREATE TABLE IF NOT EXISTS shares (
		share_id TEXT PRIMARY KEY,
		relationship_id TEXT NOT NULL,
		body TEXT NOT NULL,
		expires_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS share_requests (
		share_id TEXT PRIMARY KEY,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		name TEXT PRIMARY KEY,
		position TEXT NOT NULL
	)`,
}

// SQLite is the on-device store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := addColumn(ctx, db, "entities", "rejection", `TEXT NOT NULL DEFAULT ''`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// addColumn upgrades databases created before column existed.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl)
	return err
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const entityColumns = `record_type, record_id, fields, modified_at, modified_by, status, conflict_payload, attempts, rejection`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.Entry, error) {
	var (
		e          domain.Entry
		fields     string
		modifiedAt string
		conflict   sql.NullString
	)
	if err := row.Scan(&e.Record.Type, &e.Record.ID, &fields, &modifiedAt, &e.State.ModifiedBy, &e.State.Status, &conflict, &e.State.Attempts, &e.State.Rejection); err != nil {
		return domain.Entry{}, err
	}
	if err := json.Unmarshal([]byte(fields), &e.Record.Fields); err != nil {
		return domain.Entry{}, fmt.Errorf("entity %s/%s fields: %w", e.Record.Type, e.Record.ID, err)
	}
	at, err := parseTime(modifiedAt)
	if err != nil {
		return domain.Entry{}, err
	}
	e.State.ModifiedAt = at
	e.Record.ModifiedAt = at
	e.Record.ModifiedBy = e.State.ModifiedBy
	if conflict.Valid {
		var server record.Record
		if err := json.Unmarshal([]byte(conflict.String), &server); err != nil {
			return domain.Entry{}, fmt.Errorf("entity %s/%s conflict payload: %w", e.Record.Type, e.Record.ID, err)
		}
		e.State.ConflictPayload = &server
	}
	return e, nil
}

// Get returns one entity.
func (s *SQLite) Get(ctx context.Context, key record.Key) (domain.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE record_type = ? AND record_id = ?`, key.Type, key.ID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, key)
	}
	return e, err
}

// Put inserts or replaces one entity.
func (s *SQLite) Put(ctx context.Context, e domain.Entry) error {
	fields, err := json.Marshal(e.Record.Fields)
	if err != nil {
		return err
	}
	var conflict any
	if e.State.ConflictPayload != nil {
		body, err := json.Marshal(e.State.ConflictPayload)
		if err != nil {
			return err
		}
		conflict = string(body)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_type, record_id) DO UPDATE SET
			fields = excluded.fields,
			modified_at = excluded.modified_at,
			modified_by = excluded.modified_by,
			status = excluded.status,
			conflict_payload = excluded.conflict_payload,
			attempts = excluded.attempts,
			rejection = excluded.rejection
	`, e.Record.Type, e.Record.ID, string(fields), formatTime(e.State.ModifiedAt), e.State.ModifiedBy, e.State.Status, conflict, e.State.Attempts, e.State.Rejection)
	return err
}

// Delete removes one entity. Deleting an absent key is not an error.
func (s *SQLite) Delete(ctx context.Context, key record.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE record_type = ? AND record_id = ?`, key.Type, key.ID)
	return err
}

// List returns every entity of type t ordered by id.
func (s *SQLite) List(ctx context.Context, t record.Type) ([]domain.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entityColumns+` FROM entities WHERE record_type = ? ORDER BY record_id`, t)
}

// ListByStatus returns every entity in status, oldest modification first.
func (s *SQLite) ListByStatus(ctx context.Context, status domain.SyncStatus) ([]domain.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entityColumns+` FROM entities WHERE status = ? ORDER BY modified_at, record_type, record_id`, status)
}

func (s *SQLite) queryEntries(ctx context.Context, query string, args ...any) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutShare inserts or replaces a share.
func (s *SQLite) PutShare(ctx context.Context, share sharing.Share) error {
	body, err := json.Marshal(share)
	if err != nil {
		return err
	}
	var expires any
	if share.ExpiresAt != nil {
		expires = formatTime(*share.ExpiresAt)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shares (share_id, relationship_id, body, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(share_id) DO UPDATE SET
			relationship_id = excluded.relationship_id,
			body = excluded.body,
			expires_at = excluded.expires_at
	`, share.ID, share.RelationshipID, string(body), expires)
	return err
}

// GetShare returns one share.
func (s *SQLite) GetShare(ctx context.Context, id string) (sharing.Share, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM shares WHERE share_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return sharing.Share{}, fmt.Errorf("%w: %s", sharing.ErrShareNotFound, id)
	}
	if err != nil {
		return sharing.Share{}, err
	}
	var share sharing.Share
	if err := json.Unmarshal([]byte(body), &share); err != nil {
		return sharing.Share{}, fmt.Errorf("share %s: %w", id, err)
	}
	return share, nil
}

// DeleteShare removes a share.
func (s *SQLite) DeleteShare(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE share_id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", sharing.ErrShareNotFound, id)
	}
	return nil
}

// ListShares returns every share ordered by id.
func (s *SQLite) ListShares(ctx context.Context) ([]sharing.Share, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM shares ORDER BY share_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sharing.Share
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var share sharing.Share
		if err := json.Unmarshal([]byte(body), &share); err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, rows.Err()
}

// PutRequest inserts or replaces an inbound share request.
func (s *SQLite) PutRequest(ctx context.Context, req sharing.PendingShareRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO share_requests (share_id, body) VALUES (?, ?)
		ON CONFLICT(share_id) DO UPDATE SET body = excluded.body
	`, req.ShareID, string(body))
	return err
}

// GetRequest returns one inbound share request.
func (s *SQLite) GetRequest(ctx context.Context, shareID string) (sharing.PendingShareRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM share_requests WHERE share_id = ?`, shareID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return sharing.PendingShareRequest{}, fmt.Errorf("%w: %s", sharing.ErrRequestNotFound, shareID)
	}
	if err != nil {
		return sharing.PendingShareRequest{}, err
	}
	var req sharing.PendingShareRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return sharing.PendingShareRequest{}, err
	}
	return req, nil
}

// DeleteRequest removes an inbound share request.
func (s *SQLite) DeleteRequest(ctx context.Context, shareID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_requests WHERE share_id = ?`, shareID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", sharing.ErrRequestNotFound, shareID)
	}
	return nil
}

// ListRequests returns every inbound share request.
func (s *SQLite) ListRequests(ctx context.Context) ([]sharing.PendingShareRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM share_requests ORDER BY share_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sharing.PendingShareRequest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var req sharing.PendingShareRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Cursor returns the named sync position, or "" when unset.
func (s *SQLite) Cursor(ctx context.Context, name string) (string, error) {
	var position string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM cursors WHERE name = ?`, name).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return position, err
}

// SetCursor stores the named sync position.
func (s *SQLite) SetCursor(ctx context.Context, name, position string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, position) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET position = excluded.position
	`, name, position)
	return err
}

// storedTimeLayout is fixed width so stored times sort lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", value, err)
	}
	return t.UTC(), nil
}
