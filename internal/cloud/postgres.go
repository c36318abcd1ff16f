package cloud

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Migrate applies the schema migrations in name order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Repository provides Postgres-backed persistence for records and shares.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// inSpace runs fn in a transaction scoped to space for row level security.
func (r *Repository) inSpace(ctx context.Context, space string, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.space_id', $1, true)", space); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PutRecord applies last-write-wins against the stored version inside one
// transaction holding the row lock.
func (r *Repository) PutRecord(ctx context.Context, space string, rec record.Record) (PutResult, error) {
	rec = normalize(rec)
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return PutResult{}, err
	}

	var result PutResult
	err = r.inSpace(ctx, space, func(tx pgx.Tx) error {
		const query = `SELECT modified_at, modified_by, fields FROM records
            WHERE space_id=$1 AND record_type=$2 AND record_id=$3 FOR UPDATE`

		var (
			stored    *record.Record
			current   = record.New(rec.Type, rec.ID)
			rawFields []byte
		)
		err := tx.QueryRow(ctx, query, space, string(rec.Type), rec.ID).Scan(&current.ModifiedAt, &current.ModifiedBy, &rawFields)
		switch {
		case err == nil:
			if err := json.Unmarshal(rawFields, &current.Fields); err != nil {
				return fmt.Errorf("stored record %s: %w", rec.Key(), err)
			}
			current.ModifiedAt = current.ModifiedAt.UTC()
			stored = &current
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		result.Outcome = decide(stored, rec)
		if result.Outcome != OutcomeStored {
			result.Record = *stored
			return nil
		}

		const upsert = `INSERT INTO records (space_id, record_type, record_id, modified_at, modified_by, fields, stored_at)
            VALUES ($1,$2,$3,$4,$5,$6,clock_timestamp())
            ON CONFLICT (space_id, record_type, record_id) DO UPDATE SET
                modified_at = excluded.modified_at,
                modified_by = excluded.modified_by,
                fields = excluded.fields,
                stored_at = excluded.stored_at`
		if _, err := tx.Exec(ctx, upsert, space, string(rec.Type), rec.ID, rec.ModifiedAt, rec.ModifiedBy, fields); err != nil {
			return err
		}
		result.Record = rec
		return nil
	})
	if err != nil {
		return PutResult{}, err
	}
	return result, nil
}

// Changes pages through records of the space in store order.
func (r *Repository) Changes(ctx context.Context, space string, after *Cursor, limit int) ([]Change, error) {
	args := []interface{}{space, limit}
	query := `SELECT record_type, record_id, modified_at, modified_by, fields, stored_at
        FROM records WHERE space_id=$1`
	if after != nil {
		query += ` AND (stored_at, record_type, record_id) > ($3, $4, $5)`
		args = append(args, after.StoredAt, string(after.Type), after.ID)
	}
	query += ` ORDER BY stored_at, record_type, record_id LIMIT $2`

	var out []Change
	err := r.inSpace(ctx, space, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c         Change
				rawFields []byte
				recType   string
			)
			if err := rows.Scan(&recType, &c.Record.ID, &c.Record.ModifiedAt, &c.Record.ModifiedBy, &rawFields, &c.StoredAt); err != nil {
				return err
			}
			c.Record.Type = record.Type(recType)
			c.Record.ModifiedAt = c.Record.ModifiedAt.UTC()
			c.StoredAt = c.StoredAt.UTC()
			if err := json.Unmarshal(rawFields, &c.Record.Fields); err != nil {
				return fmt.Errorf("stored record %s: %w", c.Record.Key(), err)
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// CreateShare registers a share. Creating an existing id returns it unchanged.
func (r *Repository) CreateShare(ctx context.Context, space string, share sharing.Share) (sharing.Share, error) {
	if share.ID == "" {
		share.ID = uuid.NewString()
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO shares (share_id, space_id, relationship_id, owner_id, recipient_id, category, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (share_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, stmt, share.ID, space, share.RelationshipID, share.OwnerID, share.RecipientID, share.Category, share.CreatedAt, share.ExpiresAt)
	if err != nil {
		return sharing.Share{}, err
	}
	if tag.RowsAffected() == 0 {
		existing, owner, err := r.getShare(ctx, share.ID)
		if err != nil {
			return sharing.Share{}, err
		}
		if owner != space {
			return sharing.Share{}, fmt.Errorf("share %s belongs to another space", share.ID)
		}
		return existing, nil
	}
	return share, nil
}

func (r *Repository) getShare(ctx context.Context, id string) (sharing.Share, string, error) {
	const query = `SELECT share_id, space_id, relationship_id, owner_id, recipient_id, category, created_at, expires_at, accepted_at
        FROM shares WHERE share_id=$1`
	var (
		s     sharing.Share
		space string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &space, &s.RelationshipID, &s.OwnerID, &s.RecipientID, &s.Category, &s.CreatedAt, &s.ExpiresAt, &s.AcceptedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sharing.Share{}, "", fmt.Errorf("%w: share %s", ErrNotFound, id)
	}
	return s, space, err
}

// RevokeShare marks a share revoked.
func (r *Repository) RevokeShare(ctx context.Context, space, id string) error {
	const stmt = `UPDATE shares SET revoked_at = now() WHERE share_id=$1 AND space_id=$2 AND revoked_at IS NULL`
	tag, err := r.pool.Exec(ctx, stmt, id, space)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: share %s", ErrNotFound, id)
	}
	return nil
}

// AcceptShare records that the recipient accepted a share.
func (r *Repository) AcceptShare(ctx context.Context, recipient, id string, at time.Time) error {
	const stmt = `UPDATE shares SET accepted_at = COALESCE(accepted_at, $3)
        WHERE share_id=$1 AND recipient_id=$2 AND revoked_at IS NULL`
	tag, err := r.pool.Exec(ctx, stmt, id, recipient, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: share %s", ErrNotFound, id)
	}
	return nil
}

// IncomingShares lists live shares offered to recipient and not yet accepted.
func (r *Repository) IncomingShares(ctx context.Context, recipient string) ([]sharing.Share, error) {
	const query = `SELECT share_id, relationship_id, owner_id, recipient_id, category, created_at, expires_at, accepted_at
        FROM shares
        WHERE recipient_id=$1 AND revoked_at IS NULL AND accepted_at IS NULL
          AND (expires_at IS NULL OR expires_at > now())
        ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]sharing.Share, 0)
	for rows.Next() {
		var s sharing.Share
		if err := rows.Scan(&s.ID, &s.RelationshipID, &s.OwnerID, &s.RecipientID, &s.Category, &s.CreatedAt, &s.ExpiresAt, &s.AcceptedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
