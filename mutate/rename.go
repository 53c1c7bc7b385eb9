package mutate

import (
	"context"

	"github.com/teranos/ferry/record"
)

// Rename moves property values to new names on every target: the values are
// written under the new names first, and the old names are unset only on
// profiles whose write was accepted, so a failed write never strands a
// profile with neither name.
func (e *Engine) Rename(ctx context.Context, names map[string]string, targets record.Source, opts Options) (*Result, error) {
	result := &Result{}
	profiles, err := resolveTargets(targets, result)
	if err != nil {
		return result, err
	}

	// Phase one: $set the new names, remembering which old names each
	// profile still needs removed.
	type pending struct {
		id       string
		oldNames []string
	}
	var queue []pending

	d := e.im.Updates(ctx, opts.BatchSize)
	for _, p := range profiles {
		moved := record.Props{}
		var oldNames []string
		for oldName, newName := range names {
			if v, ok := p.Properties[oldName]; ok {
				moved[newName] = v
				oldNames = append(oldNames, oldName)
			}
		}
		if len(moved) == 0 {
			result.skip(p.DistinctID, "no renamed properties present")
			continue
		}

		id, ok := e.prepare(ctx, p, opts, result)
		if !ok {
			continue
		}

		if err := d.Push(record.Update{
			Token:       e.token,
			DistinctID:  id,
			Op:          record.OpSet,
			Value:       moved,
			IgnoreAlias: opts.IgnoreAlias,
		}); err != nil {
			result.skip(id, "dispatch failed: "+err.Error())
			continue
		}
		queue = append(queue, pending{id: id, oldNames: oldNames})
	}

	setResult := d.Wait()
	result.fold(setResult)

	// Phase two: unset the old names, skipping profiles whose set was
	// rejected or lost to a batch failure.
	failed := map[string]bool{}
	for _, rej := range setResult.Rejected {
		failed[rej.DistinctID] = true
	}
	if len(setResult.BatchErrors) > 0 {
		// Batch failures do not say which profiles were written; leave every
		// old name in place rather than guess.
		e.logResult(record.OpSet, result)
		return result, nil
	}

	unset := e.im.Updates(ctx, opts.BatchSize)
	for _, p := range queue {
		if failed[p.id] {
			result.skip(p.id, "old names kept: new-name write was rejected")
			continue
		}
		if err := unset.Push(record.Update{
			Token:       e.token,
			DistinctID:  p.id,
			Op:          record.OpUnset,
			Value:       p.oldNames,
			IgnoreAlias: opts.IgnoreAlias,
		}); err != nil {
			result.skip(p.id, "dispatch failed: "+err.Error())
		}
	}
	result.fold(unset.Wait())

	e.logResult(record.OpSet, result)
	return result, nil
}
