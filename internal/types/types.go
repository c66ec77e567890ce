// Package types holds the record representation shared by the local store,
// the remote table service and the sync engine.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Field names with meaning on the wire. The system properties are maintained
// by the table service and requested explicitly during pulls.
const (
	FieldID        = "id"
	FieldCreatedAt = "__createdAt"
	FieldUpdatedAt = "__updatedAt"
	FieldVersion   = "__version"
	FieldDeleted   = "__deleted"
)

// SystemProperties lists every system property in the order they are
// requested via __systemproperties.
var SystemProperties = []string{FieldCreatedAt, FieldUpdatedAt, FieldVersion, FieldDeleted}

// TimeLayout is the fixed-width UTC layout used for every timestamp written
// to a record. Fixed width keeps lexical and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Record is a single table row as a JSON object.
type Record map[string]any

// ID returns the record's string id, or "" when absent or not a string.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	id, _ := r[FieldID].(string)
	return id
}

// HasNonStringID reports whether the record carries an id that is not a string.
func (r Record) HasNonStringID() bool {
	v, ok := r[FieldID]
	if !ok || v == nil {
		return false
	}
	_, isString := v.(string)
	return !isString
}

// Version returns the __version system property, or "".
func (r Record) Version() string {
	v, _ := r[FieldVersion].(string)
	return v
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	switch v := r[FieldDeleted].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	case json.Number:
		return v.String() == "1"
	}
	return false
}

// UpdatedAt returns the parsed __updatedAt system property.
func (r Record) UpdatedAt() (time.Time, bool) {
	switch v := r[FieldUpdatedAt].(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		t, err := ParseTime(v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// WithoutSystemProperties returns a copy without any __ prefixed field.
func (r Record) WithoutSystemProperties() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge returns a copy of r overlaid with the fields of other.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// DecodeRecord parses a JSON object, preserving numbers as json.Number.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// DecodeRecords parses a JSON array of objects.
func DecodeRecords(data []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rs []Record
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return rs, nil
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
