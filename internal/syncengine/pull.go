package syncengine

import (
	"context"
	"errors"
	"fmt"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

// PullResult summarises one pull.
type PullResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Invalid   int
}

// Applied reports whether the pull changed the local store.
func (r PullResult) Applied() bool {
	return r.Created > 0 || r.Updated > 0 || r.Deleted > 0
}

// Pull reads the cloud changes feed from the stored cursor. Absent entities
// are created synced; synced entities are overwritten by a newer remote
// version, or removed by a newer tombstone; pending, syncing, failed and
// conflicting entities are never touched. The cursor is saved after every
// applied page.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	var result PullResult
	cursor, err := e.cursors.Cursor(ctx, recordsCursor)
	if err != nil {
		return result, fmt.Errorf("load cursor: %w", err)
	}

	for {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		page, err := e.remote.Changes(callCtx, cursor, e.pageSize)
		cancel()
		if err != nil {
			return result, err
		}

		for _, rec := range page.Records {
			outcome, err := e.apply(ctx, rec)
			if err != nil {
				// The page is retried from the saved cursor; applying is idempotent.
				return result, fmt.Errorf("apply %s: %w", rec.Key(), err)
			}
			pulledTotal.WithLabelValues(string(outcome)).Inc()
			switch outcome {
			case pullCreated:
				result.Created++
			case pullUpdated:
				result.Updated++
			case pullDeleted:
				result.Deleted++
			case pullInvalid:
				result.Invalid++
			default:
				result.Unchanged++
			}
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			return result, nil
		}
		if err := e.cursors.SetCursor(ctx, recordsCursor, page.NextCursor); err != nil {
			return result, fmt.Errorf("save cursor: %w", err)
		}
		cursor = page.NextCursor
		if len(page.Records) < e.pageSize {
			return result, nil
		}
	}
}

type pullOutcome string

const (
	pullCreated   pullOutcome = "created"
	pullUpdated   pullOutcome = "updated"
	pullDeleted   pullOutcome = "deleted"
	pullUnchanged pullOutcome = "unchanged"
	pullInvalid   pullOutcome = "invalid"
)

func (e *Engine) apply(ctx context.Context, rec record.Record) (pullOutcome, error) {
	if rec.IsTombstone() {
		return e.applyTombstone(ctx, rec)
	}
	validate, ok := e.validators[rec.Type]
	if !ok {
		e.logger.Printf("skipping pulled %s: no decoder for type", rec.Key())
		return pullInvalid, nil
	}
	if err := validate(rec); err != nil {
		e.logger.Printf("skipping pulled %s: %v", rec.Key(), err)
		return pullInvalid, nil
	}

	unlock := e.locks.Lock(rec.Key())
	defer unlock()

	entry, err := e.store.Get(ctx, rec.Key())
	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		next := domain.Entry{Record: rec.Clone(), State: domain.NewSyncedState(rec)}
		if err := e.store.Put(ctx, next); err != nil {
			return "", err
		}
		return pullCreated, nil
	case err != nil:
		return "", err
	}

	if entry.State.Status != domain.SyncSynced {
		return pullUnchanged, nil
	}
	if !rec.Stamp().After(entry.State.Stamp()) {
		return pullUnchanged, nil
	}
	next := domain.Entry{Record: rec.Clone(), State: domain.NewSyncedState(rec)}
	if err := e.store.Put(ctx, next); err != nil {
		return "", err
	}
	return pullUpdated, nil
}

// applyTombstone removes a synced local entity the cloud records as deleted.
// Nothing is created for a tombstone of an unknown entity.
func (e *Engine) applyTombstone(ctx context.Context, rec record.Record) (pullOutcome, error) {
	unlock := e.locks.Lock(rec.Key())
	defer unlock()

	entry, err := e.store.Get(ctx, rec.Key())
	if errors.Is(err, domain.ErrEntityNotFound) {
		return pullUnchanged, nil
	}
	if err != nil {
		return "", err
	}
	if entry.State.Status != domain.SyncSynced || !rec.Stamp().After(entry.State.Stamp()) {
		return pullUnchanged, nil
	}
	if err := e.store.Delete(ctx, rec.Key()); err != nil {
		return "", err
	}
	return pullDeleted, nil
}
