// Package record defines the cloud record format exchanged between the primary
// device and the cloud record store.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingField is returned when a required record field is absent.
	ErrMissingField = errors.New("record field missing")
	// ErrFieldKind is returned when a record field holds a different kind than requested.
	ErrFieldKind = errors.New("record field has unexpected kind")
)

// Type names a syncable entity type in the cloud store.
type Type string

const (
	TypeTrainingArtifact Type = "TrainingArtifact"
	TypeCompetition      Type = "Competition"
	TypeRelationship     Type = "SharingRelationship"
)

// Key identifies one record.
type Key struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// Record is the flat, named-field representation of an entity in the cloud store.
type Record struct {
	Type       Type             `json:"type"`
	ID         string           `json:"id"`
	ModifiedAt time.Time        `json:"modified_at"`
	ModifiedBy string           `json:"modified_by"`
	Fields     map[string]Value `json:"fields"`
}

// New returns an empty record for the given key.
func New(t Type, id string) Record {
	return Record{Type: t, ID: id, Fields: make(map[string]Value)}
}

// Key returns the record key.
func (r Record) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// Stamp returns the last-write-wins ordering stamp of the record.
func (r Record) Stamp() Stamp {
	return Stamp{At: r.ModifiedAt, By: r.ModifiedBy}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]Value, len(r.Fields))
	for name, v := range r.Fields {
		out.Fields[name] = Value{Kind: v.Kind, Raw: append(json.RawMessage(nil), v.Raw...)}
	}
	return out
}

// Stamp orders concurrent writes. A later time wins; equal times are broken by
// the lexically larger actor id so every replica picks the same winner.
type Stamp struct {
	At time.Time
	By string
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if !s.At.Equal(o.At) {
		return s.At.After(o.At)
	}
	return s.By > o.By
}

func (r Record) field(name string, kind Kind) (Value, error) {
	v, ok := r.Fields[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrMissingField, r.Type, name)
	}
	if v.Kind != kind {
		return Value{}, fmt.Errorf("%w: %s.%s is %s, want %s", ErrFieldKind, r.Type, name, v.Kind, kind)
	}
	return v, nil
}

func (r Record) decode(name string, kind Kind, dst any) error {
	v, err := r.field(name, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Raw, dst); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrFieldKind, r.Type, name, err)
	}
	return nil
}

// FieldDeleted marks a record as a deletion tombstone.
const FieldDeleted = "deleted"

// Tombstone returns a copy of the record marked deleted.
func (r Record) Tombstone() Record {
	out := r.Clone()
	out.Fields[FieldDeleted] = Bool(true)
	return out
}

// IsTombstone reports whether the record marks a deletion.
func (r Record) IsTombstone() bool {
	deleted, err := r.Bool(FieldDeleted)
	return err == nil && deleted
}

// Has reports whether the named field is present.
func (r Record) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// String reads a required string field.
func (r Record) String(name string) (string, error) {
	var out string
	err := r.decode(name, KindString, &out)
	return out, err
}

// Int reads a required integer field.
func (r Record) Int(name string) (int64, error) {
	var out int64
	err := r.decode(name, KindInt, &out)
	return out, err
}

// Float reads a required float field.
func (r Record) Float(name string) (float64, error) {
	var out float64
	err := r.decode(name, KindFloat, &out)
	return out, err
}

// Bool reads a required boolean field.
func (r Record) Bool(name string) (bool, error) {
	var out bool
	err := r.decode(name, KindBool, &out)
	return out, err
}

// Time reads a required timestamp field.
func (r Record) Time(name string) (time.Time, error) {
	var out time.Time
	err := r.decode(name, KindTime, &out)
	return out.UTC(), err
}

// Bytes reads a required byte field.
func (r Record) Bytes(name string) ([]byte, error) {
	var out []byte
	err := r.decode(name, KindBytes, &out)
	return out, err
}

// Strings reads a required string list field.
func (r Record) Strings(name string) ([]string, error) {
	var out []string
	err := r.decode(name, KindStrings, &out)
	return out, err
}

// OptionalFloat reads a float field that may be absent.
func (r Record) OptionalFloat(name string) (*float64, error) {
	if !r.Has(name) {
		return nil, nil
	}
	v, err := r.Float(name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// OptionalTime reads a timestamp field that may be absent.
func (r Record) OptionalTime(name string) (*time.Time, error) {
	if !r.Has(name) {
		return nil, nil
	}
	v, err := r.Time(name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
