package mutate

import (
	"context"
	"encoding/json"

	"github.com/teranos/ferry/record"
)

// SumTransactions totals each profile's $transactions amounts and writes the
// result back as the named property ("Revenue" when empty). Profiles without
// transactions get an explicit zero so downstream reports stay comparable.
func (e *Engine) SumTransactions(ctx context.Context, property string, targets record.Source, opts Options) (*Result, error) {
	if property == "" {
		property = "Revenue"
	}
	value := record.ValueFunc(func(p record.Profile) (any, error) {
		return record.Props{property: transactionTotal(p)}, nil
	})
	return e.Apply(ctx, record.OpSet, value, targets, opts)
}

func transactionTotal(p record.Profile) float64 {
	txns, ok := p.Properties["$transactions"].([]any)
	if !ok {
		return 0
	}
	var total float64
	for _, t := range txns {
		txn, ok := t.(map[string]any)
		if !ok {
			continue
		}
		total += asFloat(txn["$amount"])
	}
	return total
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
