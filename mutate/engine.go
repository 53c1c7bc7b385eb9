// Package mutate applies bulk property operations to profiles: set, unset,
// arithmetic, list edits, renames, deletions, and duplicate collapsing.
// Every engine run resolves its full target list before the first mutation is
// dispatched, snapshots each profile before touching it, and reports a
// per-profile outcome.
package mutate

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/teranos/ferry/backup"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/importer"
	"github.com/teranos/ferry/record"
)

// aliasResolver canonicalizes actor ids before mutation.
type aliasResolver interface {
	ResolveAlias(ctx context.Context, distinctID string) (string, error)
}

// Engine drives profile mutations through the bounded update dispatcher.
type Engine struct {
	resolver aliasResolver
	im       *importer.Importer
	token    string
	log      *zap.SugaredLogger
}

// New creates a mutation engine. token is the project token stamped on every
// update operation.
func New(resolver aliasResolver, im *importer.Importer, token string, log *zap.SugaredLogger) *Engine {
	return &Engine{resolver: resolver, im: im, token: token, log: log}
}

// Options selects per-run mutation behavior.
type Options struct {
	// IgnoreAlias applies the operation to the literal distinct id instead
	// of resolving it to the canonical identity first.
	IgnoreAlias bool
	// Backup receives a snapshot of each profile before its mutation is
	// dispatched. A profile whose snapshot cannot be written is skipped, not
	// mutated. Nil disables snapshots.
	Backup *backup.Writer
	// BatchSize bounds one update request; zero uses the dispatcher default.
	BatchSize int
}

// Outcome classifies what happened to one targeted profile.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
)

// ProfileOutcome is the per-profile verdict of a mutation run.
type ProfileOutcome struct {
	DistinctID string
	Outcome    Outcome
	Reason     string
}

// Result aggregates one mutation run.
type Result struct {
	Applied  int
	Rejected int
	Skipped  int
	// Outcomes lists every non-applied profile with its reason.
	Outcomes    []ProfileOutcome
	BatchErrors []error
}

func (r *Result) skip(id, reason string) {
	r.Skipped++
	r.Outcomes = append(r.Outcomes, ProfileOutcome{DistinctID: id, Outcome: OutcomeSkipped, Reason: reason})
}

// fold merges the dispatcher's aggregate into the per-profile view. Applied
// counts operations the remote service accepted.
func (r *Result) fold(d *importer.Result) {
	r.Applied += d.Accepted
	r.Rejected += len(d.Rejected)
	for _, rej := range d.Rejected {
		r.Outcomes = append(r.Outcomes, ProfileOutcome{
			DistinctID: rej.DistinctID,
			Outcome:    OutcomeRejected,
			Reason:     rej.Message,
		})
	}
	r.BatchErrors = append(r.BatchErrors, d.BatchErrors...)
}

// prepare resolves the canonical id and snapshots the profile. A false return
// means the profile was skipped and recorded in the result.
func (e *Engine) prepare(ctx context.Context, p record.Profile, opts Options, result *Result) (string, bool) {
	if p.DistinctID == "" {
		result.skip("", "missing distinct id")
		return "", false
	}

	id := p.DistinctID
	if !opts.IgnoreAlias {
		resolved, err := e.resolver.ResolveAlias(ctx, id)
		if err != nil {
			result.skip(id, "alias resolution failed: "+err.Error())
			return "", false
		}
		id = resolved
	}

	if opts.Backup != nil {
		if err := opts.Backup.Append(p); err != nil {
			// No snapshot, no mutation.
			result.skip(id, "backup write failed: "+err.Error())
			return "", false
		}
	}
	return id, true
}

// resolveTargets drains the target source to completion. Query-backed sources
// page through the remote service, so the full list is captured before any
// mutation is dispatched: backup and mutation then operate against one
// consistent snapshot, and no mutation can shift the pages still being read.
func resolveTargets(targets record.Source, result *Result) ([]record.Profile, error) {
	var profiles []record.Profile
	for {
		rec, err := targets.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return profiles, nil
			}
			return nil, errors.Wrap(err, "failed to read mutation targets")
		}
		p, ok := rec.(record.Profile)
		if !ok {
			result.skip(rec.Actor(), "target is not a profile")
			continue
		}
		profiles = append(profiles, p)
	}
}

// Apply resolves the full target list, then dispatches one operation per
// profile. The operation value is computed per profile by the provider.
func (e *Engine) Apply(ctx context.Context, op record.Op, value record.ValueProvider, targets record.Source, opts Options) (*Result, error) {
	result := &Result{}
	profiles, err := resolveTargets(targets, result)
	if err != nil {
		return result, err
	}

	d := e.im.Updates(ctx, opts.BatchSize)
	for _, p := range profiles {
		id, ok := e.prepare(ctx, p, opts, result)
		if !ok {
			continue
		}

		v, err := value.Value(p)
		if err != nil {
			result.skip(id, "value computation failed: "+err.Error())
			continue
		}

		if err := d.Push(record.Update{
			Token:       e.token,
			DistinctID:  id,
			Op:          op,
			Value:       v,
			IgnoreAlias: opts.IgnoreAlias,
		}); err != nil {
			result.skip(id, "dispatch failed: "+err.Error())
		}
	}

	result.fold(d.Wait())
	e.logResult(op, result)
	return result, nil
}

func (e *Engine) logResult(op record.Op, result *Result) {
	e.log.Infow("Mutation finished",
		"op", string(op),
		"applied", result.Applied,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"batch_errors", len(result.BatchErrors))
}

// Set overwrites properties on every target.
func (e *Engine) Set(ctx context.Context, props record.Props, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpSet, record.Static(props), targets, opts)
}

// SetOnce writes properties only where the profile does not have them yet.
func (e *Engine) SetOnce(ctx context.Context, props record.Props, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpSetOnce, record.Static(props), targets, opts)
}

// Unset removes the named properties from every target.
func (e *Engine) Unset(ctx context.Context, names []string, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpUnset, record.Static(names), targets, opts)
}

// Add increments numeric properties by the given deltas.
func (e *Engine) Add(ctx context.Context, deltas map[string]float64, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpAdd, record.Static(deltas), targets, opts)
}

// Append pushes values onto list properties.
func (e *Engine) Append(ctx context.Context, values record.Props, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpAppend, record.Static(values), targets, opts)
}

// Union merges values into list properties without duplicates.
func (e *Engine) Union(ctx context.Context, values record.Props, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpUnion, record.Static(values), targets, opts)
}

// Remove deletes values from list properties.
func (e *Engine) Remove(ctx context.Context, values record.Props, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpRemove, record.Static(values), targets, opts)
}

// Delete removes every targeted profile outright.
func (e *Engine) Delete(ctx context.Context, targets record.Source, opts Options) (*Result, error) {
	return e.Apply(ctx, record.OpDelete, record.Static(""), targets, opts)
}

// TargetsFromIDs builds a target source from bare distinct ids.
func TargetsFromIDs(ids []string) record.Source {
	profiles := make([]record.Profile, len(ids))
	for i, id := range ids {
		profiles[i] = record.Profile{DistinctID: id, Properties: record.Props{}}
	}
	return record.Profiles(profiles)
}
