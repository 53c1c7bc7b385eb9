// Package record defines the data model exchanged with the Records API:
// events, profiles, engage update operations, and the bounded batches the
// import pipeline ships them in.
package record

import (
	"encoding/json"
	"sort"

	"github.com/teranos/ferry/errors"
)

// Props is a property map carried by events and profiles. Values are scalars,
// arrays, or nested objects as produced by encoding/json.
type Props map[string]any

// Clone returns a shallow copy one level deep, enough to mutate top-level
// properties without aliasing the source map.
func (p Props) Clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SortedKeys returns the property names in lexical order.
func (p Props) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Record is one unit of data exchanged with the remote service. Every record
// must carry an actor id before leaving the import or mutation pipelines.
type Record interface {
	// Actor returns the distinct id, or "" when the record has none.
	Actor() string
}

// Event is a named, timestamped record tied to an actor. The distinct id and
// Unix timestamp live inside the property map, matching the wire format.
type Event struct {
	Name       string `json:"event"`
	Properties Props  `json:"properties"`
}

// Actor returns the event's distinct id.
func (e Event) Actor() string {
	id, _ := e.Properties["distinct_id"].(string)
	return id
}

// Time returns the event's Unix timestamp in seconds.
func (e Event) Time() (int64, bool) {
	return asInt64(e.Properties["time"])
}

// SetTime replaces the event timestamp.
func (e Event) SetTime(ts int64) {
	e.Properties["time"] = ts
}

// ShiftTime subtracts a timezone offset (hours) from the event timestamp,
// converting project-local time to UTC. Events without a numeric time are
// left untouched.
func (e Event) ShiftTime(offsetHours float64) {
	if ts, ok := e.Time(); ok {
		e.SetTime(ts - int64(offsetHours*3600))
	}
}

// Valid reports whether the event satisfies the import invariants: a
// distinct id and a timestamp.
func (e Event) Valid() bool {
	if e.Actor() == "" {
		return false
	}
	_, ok := e.Time()
	return ok
}

// Profile is an actor's property map with update semantics.
type Profile struct {
	DistinctID string `json:"$distinct_id"`
	Properties Props  `json:"$properties"`
}

// Actor returns the profile's distinct id.
func (p Profile) Actor() string {
	return p.DistinctID
}

// asInt64 coerces json-decoded numbers (float64, json.Number) and ints.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}

// Validate returns an error when a record is missing its actor id.
func Validate(r Record) error {
	if r.Actor() == "" {
		return errors.Wrapf(errors.ErrMissingDistinctID, "record %T", r)
	}
	return nil
}
