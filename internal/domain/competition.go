package domain

import (
	"errors"
	"fmt"
	"time"

	"example.com/ridesync/internal/record"
)

// OwnershipMode decides which actors may edit a dual-writer entity.
type OwnershipMode string

const (
	OwnershipParentPrimary OwnershipMode = "parentPrimary"
	OwnershipChildPrimary  OwnershipMode = "childPrimary"
	OwnershipShared        OwnershipMode = "shared"
)

// ParseOwnershipMode validates an ownership mode.
func ParseOwnershipMode(value string) (OwnershipMode, error) {
	switch m := OwnershipMode(value); m {
	case OwnershipParentPrimary, OwnershipChildPrimary, OwnershipShared:
		return m, nil
	default:
		return "", fmt.Errorf("unknown ownership mode %q", value)
	}
}

// CanEdit reports whether actor may edit an entity held under mode. Under
// shared ownership anyone in the family space may write and last write wins.
func CanEdit(mode OwnershipMode, primaryOwnerID, actor string) bool {
	if mode == OwnershipShared {
		return true
	}
	return actor != "" && actor == primaryOwnerID
}

// Competition is a planned or completed competition entry.
type Competition struct {
	ID             string
	Name           string
	Discipline     Discipline
	Date           time.Time
	Venue          string
	Ownership      OwnershipMode
	PrimaryOwnerID string
	Score          *float64
	Notes          string
	Sync           SyncState
}

// CanEdit reports whether actor may edit the competition.
func (c Competition) CanEdit(actor string) bool {
	return CanEdit(c.Ownership, c.PrimaryOwnerID, actor)
}

// EncodeCompetition maps a competition onto its cloud record.
func EncodeCompetition(c Competition) record.Record {
	rec := record.New(record.TypeCompetition, c.ID)
	rec.ModifiedAt = c.Sync.ModifiedAt
	rec.ModifiedBy = c.Sync.ModifiedBy
	rec.Fields["name"] = record.String(c.Name)
	rec.Fields["discipline"] = record.String(string(c.Discipline))
	rec.Fields["date"] = record.Time(c.Date)
	rec.Fields["venue"] = record.String(c.Venue)
	rec.Fields["ownership"] = record.String(string(c.Ownership))
	rec.Fields["primary_owner_id"] = record.String(c.PrimaryOwnerID)
	rec.Fields["notes"] = record.String(c.Notes)
	if c.Score != nil {
		rec.Fields["score"] = record.Float(*c.Score)
	}
	return rec
}

// DecodeCompetition maps a cloud record back onto a competition.
func DecodeCompetition(rec record.Record) (Competition, error) {
	if rec.Type != record.TypeCompetition {
		return Competition{}, DecodeError(rec.Key(), errWrongType(rec.Type, record.TypeCompetition))
	}

	var (
		c         = Competition{ID: rec.ID}
		errs      []error
		err       error
		disc      string
		ownership string
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	c.Name, err = rec.String("name")
	collect(err)
	disc, err = rec.String("discipline")
	collect(err)
	c.Date, err = rec.Time("date")
	collect(err)
	c.Venue, err = rec.String("venue")
	collect(err)
	ownership, err = rec.String("ownership")
	collect(err)
	c.PrimaryOwnerID, err = rec.String("primary_owner_id")
	collect(err)
	c.Notes, err = rec.String("notes")
	collect(err)
	c.Score, err = rec.OptionalFloat("score")
	collect(err)

	if len(errs) == 0 {
		c.Discipline, err = ParseDiscipline(disc)
		collect(err)
		c.Ownership, err = ParseOwnershipMode(ownership)
		collect(err)
	}
	if len(errs) > 0 {
		return Competition{}, DecodeError(rec.Key(), errors.Join(errs...))
	}
	return c, nil
}
