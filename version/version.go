// Package version models the lifecycle of a versioned import target:
// writable → ready → readable. Transitions only occur remotely; the machine
// polls and never infers transitions locally.
package version

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ferry/errors"
)

// State is one resource version's lifecycle flags, each with the timestamp
// of its last change.
type State struct {
	ID string `json:"id"`

	Writable   bool      `json:"writable"`
	WritableAt time.Time `json:"writable_at"`

	Ready   bool      `json:"ready"`
	ReadyAt time.Time `json:"ready_at"`

	Readable   bool      `json:"readable"`
	ReadableAt time.Time `json:"readable_at"`

	IsLive bool `json:"is_live"`
}

// Service is the remote resource-version surface the machine polls.
type Service interface {
	GetVersion(ctx context.Context, id string) (*State, error)
	UpdateVersion(ctx context.Context, state *State) (*State, error)
	DeleteVersion(ctx context.Context, id string) error
}

// Machine polls a Service for version state. Every wait is cancellable.
type Machine struct {
	svc          Service
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

// NewMachine creates a version state machine polling at the given interval
// (60s when zero).
func NewMachine(svc Service, pollInterval time.Duration, log *zap.SugaredLogger) *Machine {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	return &Machine{svc: svc, pollInterval: pollInterval, log: log}
}

// Get fetches the current remote state.
func (m *Machine) Get(ctx context.Context, id string) (*State, error) {
	return m.svc.GetVersion(ctx, id)
}

// CheckWritable fails with ErrVersionNotWritable unless the version accepts
// writes right now.
func (m *Machine) CheckWritable(ctx context.Context, id string) error {
	state, err := m.svc.GetVersion(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch version %s", id)
	}
	if !state.Writable {
		return errors.Wrapf(errors.ErrVersionNotWritable, "version %s", id)
	}
	return nil
}

// WaitUntilReady polls until the version is ready and live, or the context
// deadline elapses, in which case it fails with ErrTimeout. The first check
// happens immediately; subsequent checks wait one poll interval.
func (m *Machine) WaitUntilReady(ctx context.Context, id string) (*State, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		state, err := m.svc.GetVersion(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to poll version %s", id)
		}
		if state.Ready && state.IsLive {
			return state, nil
		}

		m.log.Debugw("Version not ready, continuing to poll",
			"version_id", id,
			"ready", state.Ready,
			"is_live", state.IsLive,
			"interval", m.pollInterval)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Wrapf(errors.Join(errors.ErrTimeout, ctx.Err()),
				"version %s not ready before deadline", id)
		}
	}
}
