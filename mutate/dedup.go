package mutate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/ferry/record"
)

// lastSeenLayout is the remote service's $last_seen timestamp format.
const lastSeenLayout = "2006-01-02T15:04:05"

// DedupOptions selects duplicate-collapsing behavior.
type DedupOptions struct {
	Options
	// Key is the property duplicates are grouped by. Defaults to "$email".
	Key string
	// CaseSensitive compares key values exactly; the default folds case, so
	// "User@x" and "user@x" land in one group.
	CaseSensitive bool
	// Merge copies properties the survivor lacks from the deleted
	// duplicates onto it.
	Merge bool
}

// Deduplicate collapses profiles sharing the same Key value down to one
// survivor per group: the profile with the latest $last_seen. The other group
// members are deleted (by their literal ids, never through aliases), and with
// Merge the survivor inherits any property it was missing. Profiles without
// the key, and groups of one, are left alone.
func (e *Engine) Deduplicate(ctx context.Context, targets record.Source, opts DedupOptions) (*Result, error) {
	if opts.Key == "" {
		opts.Key = "$email"
	}
	result := &Result{}

	// Grouping requires the full target set; dedup runs are bounded by the
	// selector, not the whole profile space.
	profiles, err := resolveTargets(targets, result)
	if err != nil {
		return result, err
	}

	groups := map[string][]record.Profile{}
	var order []string
	total := len(profiles)
	for _, p := range profiles {
		raw, ok := p.Properties[opts.Key]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%v", raw)
		if !opts.CaseSensitive {
			key = strings.ToLower(key)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}

	deletes := e.im.Updates(ctx, opts.BatchSize)
	merges := e.im.Updates(ctx, opts.BatchSize)
	groupCount := 0

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		groupCount++

		survivor := pickSurvivor(group)

		// Snapshot every member before touching the group.
		if opts.Backup != nil {
			ok := true
			for _, p := range group {
				if err := opts.Backup.Append(p); err != nil {
					result.skip(survivor.DistinctID, "backup write failed: "+err.Error())
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}

		merged := record.Props{}
		for _, p := range group {
			if p.DistinctID == survivor.DistinctID {
				continue
			}
			if opts.Merge {
				for k, v := range p.Properties {
					if k == "$last_seen" {
						continue
					}
					if _, has := survivor.Properties[k]; has {
						continue
					}
					if _, has := merged[k]; has {
						continue
					}
					merged[k] = v
				}
			}
			if err := deletes.Push(record.Update{
				Token:       e.token,
				DistinctID:  p.DistinctID,
				Op:          record.OpDelete,
				Value:       "",
				IgnoreAlias: true,
			}); err != nil {
				result.skip(p.DistinctID, "dispatch failed: "+err.Error())
			}
		}

		if opts.Merge && len(merged) > 0 {
			if err := merges.Push(record.Update{
				Token:       e.token,
				DistinctID:  survivor.DistinctID,
				Op:          record.OpSet,
				Value:       merged,
				IgnoreAlias: true,
			}); err != nil {
				result.skip(survivor.DistinctID, "dispatch failed: "+err.Error())
			}
		}
	}

	result.fold(deletes.Wait())
	result.fold(merges.Wait())

	e.log.Infow("Deduplication finished",
		"key", opts.Key,
		"targets", total,
		"duplicate_groups", groupCount,
		"applied", result.Applied,
		"rejected", result.Rejected,
		"skipped", result.Skipped)
	return result, nil
}

// pickSurvivor returns the group member with the latest parseable $last_seen.
// Members without one sort earliest; ties keep the first encountered.
func pickSurvivor(group []record.Profile) record.Profile {
	survivor := group[0]
	best := lastSeen(group[0])
	for _, p := range group[1:] {
		if ts := lastSeen(p); ts.After(best) {
			survivor, best = p, ts
		}
	}
	return survivor
}

func lastSeen(p record.Profile) time.Time {
	s, _ := p.Properties["$last_seen"].(string)
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(lastSeenLayout, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
