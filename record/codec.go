package record

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/teranos/ferry/errors"
)

// Format selects an on-disk encoding for sources and sinks.
type Format string

// Supported file encodings.
const (
	FormatJSON Format = "json" // newline-delimited JSON objects
	FormatCSV  Format = "csv"
)

// EncodeJSON encodes one record as a single JSON object.
func EncodeJSON(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// CSV flattening convention
//
// Events flatten to a header of "event" followed by the sorted union of
// property names across the file; profiles flatten to "$distinct_id"
// followed by the sorted union of property names. Scalar cells hold the
// value's string form; array and nested-object cells hold the value's
// compact JSON encoding. Reading applies the inverse: each cell is first
// parsed as JSON, and kept as a plain string when that fails. Empty cells
// mean the property is absent. This keeps arrays and nested objects
// lossless through a CSV round trip.

// eventColumns returns the CSV header for a set of events.
func eventColumns(events []Event) []string {
	union := Props{}
	for _, e := range events {
		for k := range e.Properties {
			union[k] = nil
		}
	}
	return append([]string{"event"}, union.SortedKeys()...)
}

// profileColumns returns the CSV header for a set of profiles.
func profileColumns(profiles []Profile) []string {
	union := Props{}
	for _, p := range profiles {
		for k := range p.Properties {
			union[k] = nil
		}
	}
	return append([]string{"$distinct_id"}, union.SortedKeys()...)
}

// flattenCell renders one property value as a CSV cell per the convention
// above.
func flattenCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		return val.String(), nil
	default:
		// Arrays and nested objects are JSON-encoded in the cell
		enc, err := json.Marshal(val)
		if err != nil {
			return "", errors.Wrapf(err, "failed to flatten value %v", v)
		}
		return string(enc), nil
	}
}

// parseCell inverts flattenCell: JSON when it parses, raw string otherwise.
func parseCell(cell string) any {
	var v any
	if err := json.Unmarshal([]byte(cell), &v); err == nil {
		return v
	}
	return cell
}

// eventRow renders one event against the given header.
func eventRow(e Event, header []string) ([]string, error) {
	row := make([]string, 0, len(header))
	row = append(row, e.Name)
	for _, col := range header[1:] {
		v, ok := e.Properties[col]
		if !ok {
			row = append(row, "")
			continue
		}
		cell, err := flattenCell(v)
		if err != nil {
			return nil, err
		}
		row = append(row, cell)
	}
	return row, nil
}

// profileRow renders one profile against the given header.
func profileRow(p Profile, header []string) ([]string, error) {
	row := make([]string, 0, len(header))
	row = append(row, p.DistinctID)
	for _, col := range header[1:] {
		v, ok := p.Properties[col]
		if !ok {
			row = append(row, "")
			continue
		}
		cell, err := flattenCell(v)
		if err != nil {
			return nil, err
		}
		row = append(row, cell)
	}
	return row, nil
}

// propsFromRow converts a CSV row into a property map, skipping ignored
// columns and empty cells.
func propsFromRow(row, header []string, ignored map[string]bool) Props {
	props := Props{}
	for i, col := range header {
		// Guard against rows longer or shorter than the header
		if i >= len(row) {
			break
		}
		if row[i] == "" || ignored[col] {
			continue
		}
		props[col] = parseCell(row[i])
	}
	return props
}

// EventFromRow converts a CSV row into an Event. The header must contain
// "event", "distinct_id" and "time" columns.
func EventFromRow(row, header []string) (Event, error) {
	idx := map[string]int{}
	for i, col := range header {
		idx[col] = i
	}
	for _, required := range []string{"event", "distinct_id", "time"} {
		if _, ok := idx[required]; !ok {
			return Event{}, errors.Newf("CSV header missing %q column", required)
		}
	}
	if len(row) <= idx["time"] || len(row) <= idx["distinct_id"] || len(row) <= idx["event"] {
		return Event{}, errors.Newf("CSV row shorter than header: %v", row)
	}

	ts, err := strconv.ParseInt(row[idx["time"]], 10, 64)
	if err != nil {
		return Event{}, errors.Wrapf(err, "invalid time value %q", row[idx["time"]])
	}

	props := propsFromRow(row, header, map[string]bool{"event": true, "distinct_id": true, "time": true})
	props["distinct_id"] = row[idx["distinct_id"]]
	props["time"] = ts

	return Event{Name: row[idx["event"]], Properties: props}, nil
}

// ProfileFromRow converts a CSV row into a Profile. The header must contain
// a "$distinct_id" column.
func ProfileFromRow(row, header []string) (Profile, error) {
	idIdx := -1
	for i, col := range header {
		if col == "$distinct_id" {
			idIdx = i
			break
		}
	}
	if idIdx == -1 {
		return Profile{}, errors.New(`CSV header missing "$distinct_id" column`)
	}
	if len(row) <= idIdx {
		return Profile{}, errors.Newf("CSV row shorter than header: %v", row)
	}

	props := propsFromRow(row, header, map[string]bool{"$distinct_id": true})
	return Profile{
		DistinctID: row[idIdx],
		Properties: props,
	}, nil
}

// decodeItem decodes one raw JSON object into an Event or Profile based on
// its keys.
func decodeItem(raw json.RawMessage) (Record, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to decode record")
	}
	if _, ok := probe["$distinct_id"]; ok {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "failed to decode profile")
		}
		if p.Properties == nil {
			p.Properties = Props{}
		}
		return p, nil
	}
	if _, ok := probe["event"]; ok {
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrap(err, "failed to decode event")
		}
		if e.Properties == nil {
			e.Properties = Props{}
		}
		return e, nil
	}
	return nil, errors.Newf("record is neither an event nor a profile: %s", truncate(raw, 120))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
