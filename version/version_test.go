package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/ferry/errors"
)

// fakeService scripts a sequence of poll responses.
type fakeService struct {
	states []State
	errs   []error
	calls  int
}

func (f *fakeService) GetVersion(ctx context.Context, id string) (*State, error) {
	i := f.calls
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	s := f.states[i]
	return &s, nil
}

func (f *fakeService) UpdateVersion(ctx context.Context, state *State) (*State, error) {
	return state, nil
}

func (f *fakeService) DeleteVersion(ctx context.Context, id string) error {
	return nil
}

func TestWaitUntilReadyImmediate(t *testing.T) {
	svc := &fakeService{states: []State{{ID: "v1", Ready: true, IsLive: true}}}
	m := NewMachine(svc, time.Hour, zap.NewNop().Sugar())

	state, err := m.WaitUntilReady(context.Background(), "v1")
	require.NoError(t, err)
	assert.True(t, state.Ready)
	assert.Equal(t, 1, svc.calls, "ready version should not poll twice")
}

func TestWaitUntilReadyPollsUntilReady(t *testing.T) {
	svc := &fakeService{states: []State{
		{ID: "v1"},
		{ID: "v1", Ready: true}, // ready but not yet live
		{ID: "v1", Ready: true, IsLive: true},
	}}
	m := NewMachine(svc, 5*time.Millisecond, zap.NewNop().Sugar())

	state, err := m.WaitUntilReady(context.Background(), "v1")
	require.NoError(t, err)
	assert.True(t, state.IsLive)
	assert.Equal(t, 3, svc.calls)
}

func TestWaitUntilReadyTimeout(t *testing.T) {
	svc := &fakeService{states: []State{{ID: "v1"}}}
	m := NewMachine(svc, 5*time.Millisecond, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	_, err := m.WaitUntilReady(ctx, "v1")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.GreaterOrEqual(t, svc.calls, 1)
}

func TestWaitUntilReadyCancel(t *testing.T) {
	svc := &fakeService{states: []State{{ID: "v1"}}}
	m := NewMachine(svc, time.Hour, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.WaitUntilReady(ctx, "v1")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsTimeout(err))
	case <-time.After(time.Second):
		t.Fatal("WaitUntilReady did not return after cancellation")
	}
}

func TestWaitUntilReadyPollError(t *testing.T) {
	svc := &fakeService{
		states: []State{{}},
		errs:   []error{errors.New("boom")},
	}
	m := NewMachine(svc, time.Hour, zap.NewNop().Sugar())

	_, err := m.WaitUntilReady(context.Background(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCheckWritable(t *testing.T) {
	svc := &fakeService{states: []State{
		{ID: "v1", Writable: true},
		{ID: "v1", Writable: false},
	}}
	m := NewMachine(svc, time.Hour, zap.NewNop().Sugar())

	require.NoError(t, m.CheckWritable(context.Background(), "v1"))

	err := m.CheckWritable(context.Background(), "v1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrVersionNotWritable))
}
