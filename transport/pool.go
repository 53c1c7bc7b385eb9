// Package transport provides the rate-limited connection pools and the
// retrying request executor that every remote call in ferry goes through.
package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/internal/httpclient"
)

// Conn is one reusable outbound connection. Failed connections are discarded
// and replaced rather than reused.
type Conn struct {
	Client *httpclient.SaferClient
}

// PoolConfig sizes one connection pool.
type PoolConfig struct {
	// Size bounds concurrent outbound requests through this pool.
	Size int
	// RequestsPerMinute is the global request-rate ceiling; zero disables
	// rate limiting.
	RequestsPerMinute int
	// AcquireTimeout bounds how long Acquire blocks for a free connection.
	// Zero means fail immediately when the pool is empty.
	AcquireTimeout time.Duration
	// RequestTimeout is the total HTTP timeout configured on each
	// connection's client.
	RequestTimeout time.Duration
	// NewClient overrides connection construction, used by tests to point
	// the pool at httptest servers.
	NewClient func(timeout time.Duration) *httpclient.SaferClient
}

// Pool is a bounded set of reusable outbound connections with a shared
// request-rate ceiling. Read (export/query) and write (import/mutation)
// traffic get separate pools since the two have different remote-side
// ceilings. There is no fairness guarantee between waiting acquirers;
// starvation resolves via the acquire timeout, never deadlock.
type Pool struct {
	conns          chan *Conn
	limiter        *rate.Limiter
	acquireTimeout time.Duration
	newConn        func() *Conn
	log            *zap.SugaredLogger
}

// NewPool creates a connection pool of cfg.Size connections.
func NewPool(cfg PoolConfig, log *zap.SugaredLogger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	newClient := cfg.NewClient
	if newClient == nil {
		newClient = httpclient.New
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Size)
	}

	p := &Pool{
		conns:          make(chan *Conn, cfg.Size),
		limiter:        limiter,
		acquireTimeout: cfg.AcquireTimeout,
		newConn: func() *Conn {
			return &Conn{Client: newClient(cfg.RequestTimeout)}
		},
		log: log,
	}
	for i := 0; i < cfg.Size; i++ {
		p.conns <- p.newConn()
	}
	return p
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return cap(p.conns)
}

// Acquire returns a usable connection, blocking until one is free or the
// acquire timeout elapses, in which case it fails with ErrPoolExhausted.
// Cancellation of ctx surfaces as the context's error.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var conn *Conn

	if p.acquireTimeout <= 0 {
		// No timeout budget: fail immediately rather than block
		select {
		case conn = <-p.conns:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "acquire cancelled")
		default:
			return nil, errors.Wrap(errors.ErrPoolExhausted, "no connection available")
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
		select {
		case conn = <-p.conns:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "acquire cancelled")
			}
			return nil, errors.Wrapf(errors.ErrPoolExhausted,
				"no connection became free within %s", p.acquireTimeout)
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Hand the connection back before surfacing the failure
			p.conns <- conn
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "rate wait cancelled")
			}
			return nil, errors.Wrap(err, "rate limiter rejected request")
		}
	}

	return conn, nil
}

// Release returns a healthy connection to the pool.
func (p *Pool) Release(conn *Conn) {
	p.conns <- conn
}

// Discard drops a failed connection and replaces it with a fresh one.
func (p *Pool) Discard(conn *Conn) {
	if p.log != nil {
		p.log.Debugw("Discarding failed connection")
	}
	p.conns <- p.newConn()
}
