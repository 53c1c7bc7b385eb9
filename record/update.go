package record

import (
	"encoding/json"
)

// Op is an engage update operation semantic.
type Op string

// Engage operations supported by the mutation engine.
const (
	OpSet     Op = "$set"
	OpSetOnce Op = "$set_once"
	OpUnset   Op = "$unset"
	OpAdd     Op = "$add"
	OpAppend  Op = "$append"
	OpUnion   Op = "$union"
	OpRemove  Op = "$remove"
	OpDelete  Op = "$delete"
)

// Update is one per-profile engage operation, the unit the mutation engine
// batches. Applied operations must be idempotent-safe to retry.
type Update struct {
	Token       string
	DistinctID  string
	Op          Op
	Value       any
	IgnoreAlias bool
}

// Actor returns the update's target distinct id.
func (u Update) Actor() string {
	return u.DistinctID
}

// MarshalJSON produces the engage wire shape:
//
//	{"$token":..,"$distinct_id":..,"$ignore_time":true,"$ip":0,"$ignore_alias":..,"$set":value}
//
// $ignore_time and $ip:0 keep bulk maintenance writes from clobbering
// last-seen and geolocation data on the remote profile.
func (u Update) MarshalJSON() ([]byte, error) {
	payload := map[string]any{
		"$token":        u.Token,
		"$distinct_id":  u.DistinctID,
		"$ignore_time":  true,
		"$ip":           0,
		"$ignore_alias": u.IgnoreAlias,
		string(u.Op):    u.Value,
	}
	return json.Marshal(payload)
}

// ValueProvider produces the operation value for one profile. Static values
// and per-record functions both satisfy it.
type ValueProvider interface {
	Value(p Profile) (any, error)
}

// ValueFunc adapts a plain function to a ValueProvider.
type ValueFunc func(p Profile) (any, error)

// Value implements ValueProvider.
func (f ValueFunc) Value(p Profile) (any, error) {
	return f(p)
}

type staticValue struct {
	v any
}

func (s staticValue) Value(Profile) (any, error) {
	return s.v, nil
}

// Static returns a ValueProvider that yields the same value for every
// profile.
func Static(v any) ValueProvider {
	return staticValue{v: v}
}
