package sharing

import (
	"errors"
	"fmt"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

// Encode maps a relationship onto its cloud record.
func Encode(r Relationship) record.Record {
	rec := record.New(record.TypeRelationship, r.ID)
	rec.ModifiedAt = r.Sync.ModifiedAt
	rec.ModifiedBy = r.Sync.ModifiedBy
	c := r.Capabilities
	rec.Fields["owner_id"] = record.String(r.OwnerID)
	rec.Fields["contact_id"] = record.String(r.ContactID)
	rec.Fields["name"] = record.String(r.Name)
	rec.Fields["relationship_type"] = record.String(string(r.Type))
	rec.Fields["can_view_live_riding"] = record.Bool(c.CanViewLiveRiding)
	rec.Fields["can_view_training_summaries"] = record.Bool(c.CanViewTrainingSummaries)
	rec.Fields["can_view_competitions"] = record.Bool(c.CanViewCompetitions)
	rec.Fields["receive_completion_alerts"] = record.Bool(c.ReceiveCompletionAlerts)
	rec.Fields["receive_competition_alerts"] = record.Bool(c.ReceiveCompetitionAlerts)
	rec.Fields["is_emergency_contact"] = record.Bool(c.IsEmergencyContact)
	visibility := make([]string, 0, len(r.Visibility))
	for _, d := range r.Visibility {
		visibility = append(visibility, string(d))
	}
	rec.Fields["visibility"] = record.Strings(visibility)
	rec.Fields["quiet_hours_enabled"] = record.Bool(r.QuietHours.Enabled)
	rec.Fields["quiet_hours_start"] = record.Int(int64(r.QuietHours.StartHour))
	rec.Fields["quiet_hours_end"] = record.Int(int64(r.QuietHours.EndHour))
	rec.Fields["quiet_hours_location"] = record.String(r.QuietHours.Location)
	rec.Fields["invite_state"] = record.String(string(r.Invite))
	rec.Fields["active_shares"] = record.Strings(r.ActiveShares)
	rec.Fields["created_at"] = record.Time(r.CreatedAt)
	if r.Deleted {
		return rec.Tombstone()
	}
	return rec
}

// Decode maps a cloud record back onto a relationship. It fails as a whole if
// any field is missing or mistyped.
func Decode(rec record.Record) (Relationship, error) {
	if rec.Type != record.TypeRelationship {
		return Relationship{}, domain.DecodeError(rec.Key(), fmt.Errorf("record type %q", rec.Type))
	}

	var (
		r          = Relationship{ID: rec.ID, Deleted: rec.IsTombstone()}
		errs       []error
		err        error
		relType    string
		invite     string
		visibility []string
		start, end int64
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	c := &r.Capabilities

	r.OwnerID, err = rec.String("owner_id")
	collect(err)
	r.ContactID, err = rec.String("contact_id")
	collect(err)
	r.Name, err = rec.String("name")
	collect(err)
	relType, err = rec.String("relationship_type")
	collect(err)
	c.CanViewLiveRiding, err = rec.Bool("can_view_live_riding")
	collect(err)
	c.CanViewTrainingSummaries, err = rec.Bool("can_view_training_summaries")
	collect(err)
	c.CanViewCompetitions, err = rec.Bool("can_view_competitions")
	collect(err)
	c.ReceiveCompletionAlerts, err = rec.Bool("receive_completion_alerts")
	collect(err)
	c.ReceiveCompetitionAlerts, err = rec.Bool("receive_competition_alerts")
	collect(err)
	c.IsEmergencyContact, err = rec.Bool("is_emergency_contact")
	collect(err)
	visibility, err = rec.Strings("visibility")
	collect(err)
	r.QuietHours.Enabled, err = rec.Bool("quiet_hours_enabled")
	collect(err)
	start, err = rec.Int("quiet_hours_start")
	collect(err)
	end, err = rec.Int("quiet_hours_end")
	collect(err)
	r.QuietHours.Location, err = rec.String("quiet_hours_location")
	collect(err)
	invite, err = rec.String("invite_state")
	collect(err)
	r.ActiveShares, err = rec.Strings("active_shares")
	collect(err)
	r.CreatedAt, err = rec.Time("created_at")
	collect(err)

	if len(errs) == 0 {
		r.Type, err = ParseRelationshipType(relType)
		collect(err)
		r.Invite, err = parseInviteState(invite)
		collect(err)
		r.QuietHours.StartHour, r.QuietHours.EndHour = int(start), int(end)
		collect(r.QuietHours.Validate())
		for _, v := range visibility {
			d, err := domain.ParseDiscipline(v)
			collect(err)
			r.Visibility = append(r.Visibility, d)
		}
	}
	if len(errs) > 0 {
		return Relationship{}, domain.DecodeError(rec.Key(), errors.Join(errs...))
	}
	r.Visibility = NormalizeVisibility(r.Visibility)
	return r, nil
}

// Validate reports whether rec decodes into a relationship.
func Validate(rec record.Record) error {
	_, err := Decode(rec)
	return err
}

// Entry builds the stored form of a relationship.
func Entry(r Relationship) domain.Entry {
	return domain.Entry{Record: Encode(r), State: r.Sync}
}

// FromEntry decodes a stored relationship.
func FromEntry(e domain.Entry) (Relationship, error) {
	r, err := Decode(e.Record)
	if err != nil {
		return Relationship{}, err
	}
	r.Sync = e.State
	return r, nil
}
