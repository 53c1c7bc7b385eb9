package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/ferry/errors"
)

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	return NewPool(cfg, zap.NewNop().Sugar())
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 2})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c1.Client)
	assert.NotNil(t, c2.Client)

	p.Release(c1)
	p.Release(c2)
	assert.Equal(t, 2, p.Size())
}

func TestPoolExhaustedImmediatelyWithZeroTimeout(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPoolExhausted))
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"zero acquire timeout fails immediately instead of blocking")

	p.Release(c)
}

func TestPoolExhaustedAfterTimeout(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 1, AcquireTimeout: 30 * time.Millisecond})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPoolExhausted),
		"a full pool surfaces exhaustion, never deadlock")

	p.Release(c)
}

func TestPoolAcquireCancellation(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 1, AcquireTimeout: time.Minute})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, errors.ErrPoolExhausted),
		"caller cancellation is not pool exhaustion")

	p.Release(c)
}

func TestPoolReleaseUnblocksWaiter(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 1, AcquireTimeout: time.Second})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		got, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(got)
		}
		acquired <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(c)

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never unblocked")
	}
}

func TestPoolDiscardReplacesConnection(t *testing.T) {
	p := newTestPool(t, PoolConfig{Size: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Discard(c)

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c, fresh, "discarded connections are replaced, not reused")
	p.Release(fresh)
}
