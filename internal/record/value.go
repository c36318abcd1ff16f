package record

import (
	"encoding/json"
	"time"
)

// Kind is the type tag of a record field.
type Kind string

const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindBool    Kind = "bool"
	KindTime    Kind = "time"
	KindBytes   Kind = "bytes"
	KindStrings Kind = "strings"
)

// Value is one typed record field.
type Value struct {
	Kind Kind            `json:"kind"`
	Raw  json.RawMessage `json:"value"`
}

func newValue(kind Kind, v any) Value {
	// Marshalling the scalar and slice types below cannot fail.
	raw, _ := json.Marshal(v)
	return Value{Kind: kind, Raw: raw}
}

// String builds a string field.
func String(v string) Value { return newValue(KindString, v) }

// Int builds an integer field.
func Int(v int64) Value { return newValue(KindInt, v) }

// Float builds a float field.
func Float(v float64) Value { return newValue(KindFloat, v) }

// Bool builds a boolean field.
func Bool(v bool) Value { return newValue(KindBool, v) }

// Time builds a timestamp field, normalised to UTC.
func Time(v time.Time) Value { return newValue(KindTime, v.UTC()) }

// Bytes builds an opaque byte field.
func Bytes(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return newValue(KindBytes, v)
}

// Strings builds a string list field.
func Strings(v []string) Value {
	if v == nil {
		v = []string{}
	}
	return newValue(KindStrings, v)
}
