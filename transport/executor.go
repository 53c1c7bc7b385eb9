package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ferry/errors"
)

// Request describes one logical call: an export page, an import batch, or a
// mutation call. The executor has no knowledge of payload semantics; it only
// knows retryable or not.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   []byte
	Header http.Header
	// BasicUser/BasicPass set HTTP basic auth when BasicUser is non-empty.
	BasicUser string
	BasicPass string
	// Timeout overrides the executor's default per-call deadline. Retry
	// scheduling respects the deadline rather than retrying past it.
	Timeout time.Duration
}

// Response is a fully buffered reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// ExecutorConfig bounds retry behavior.
type ExecutorConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay seeds the exponential backoff; MaxDelay caps it.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// DefaultTimeout is the overall per-call deadline when the request does
	// not carry its own.
	DefaultTimeout time.Duration
}

// Executor wraps a single logical call with bounded retry and backoff,
// classifying failures as transient (timeout, 5xx, connection reset,
// rate-limit response) or terminal (other 4xx, malformed request). Transient
// failures that survive MaxRetries surface as ErrRetriesExhausted carrying
// the last underlying cause.
type Executor struct {
	pool *Pool
	cfg  ExecutorConfig
	log  *zap.SugaredLogger
}

// NewExecutor creates a retrying executor on top of a connection pool.
func NewExecutor(pool *Pool, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Executor{pool: pool, cfg: cfg, log: log}
}

// Pool exposes the executor's connection pool, which doubles as the
// concurrency bound for pipelines dispatching through it.
func (e *Executor) Pool() *Pool {
	return e.pool
}

// Do executes the request, retrying transient failures with exponential
// backoff and jitter, and returns the buffered response.
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := e.DoStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to read response body")
	}

	status := http.StatusOK
	if pb, ok := body.(*pooledBody); ok {
		status = pb.status
	}
	return &Response{StatusCode: status, Body: data}, nil
}

// DoStream executes the request and returns the (possibly gzip-decoded)
// response body as a stream. Retry covers establishing the response; the
// returned reader must be closed to release the connection back to the pool.
func (e *Executor) DoStream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		// The stream wrapper owns the cancel so the body stays readable
		// after DoStream returns.
		return e.doStreamWithDeadline(ctx, cancel, req)
	}
	return e.doStreamWithDeadline(ctx, nil, req)
}

func (e *Executor) doStreamWithDeadline(ctx context.Context, cancel context.CancelFunc, req *Request) (io.ReadCloser, error) {
	release := func() {
		if cancel != nil {
			cancel()
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt, lastErr); err != nil {
				release()
				return nil, err
			}
		}

		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			release()
			return nil, err
		}

		stream, err := e.attempt(ctx, conn, req, release)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		if errors.IsTerminal(err) {
			e.pool.Release(conn)
			release()
			return nil, err
		}

		// Transport-level failure: replace the connection
		if isConnFailure(err) {
			e.pool.Discard(conn)
		} else {
			e.pool.Release(conn)
		}

		e.log.Warnw("Transient request failure",
			"method", req.Method,
			"url", req.URL,
			"attempt", attempt+1,
			"max_retries", e.cfg.MaxRetries,
			"error", err)
	}

	release()
	return nil, errors.Wrapf(errors.Join(errors.ErrRetriesExhausted, lastErr),
		"%s %s failed after %d attempts", req.Method, req.URL, e.cfg.MaxRetries+1)
}

// attempt issues one HTTP request. On success it returns a reader that
// releases the connection (and the call deadline) when closed.
func (e *Executor) attempt(ctx context.Context, conn *Conn, req *Request, release func()) (io.ReadCloser, error) {
	reqURL := req.URL
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, bodyReader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTerminalRequest, err.Error())
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.BasicUser != "" {
		httpReq.SetBasicAuth(req.BasicUser, req.BasicPass)
	}

	resp, err := conn.Client.Do(httpReq)
	if err != nil {
		return nil, errors.WrapTransient(err, "request failed")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body := resp.Body
		// Manual Accept-Encoding disables Go's transparent decompression
		if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, errors.WrapTransient(err, "failed to open gzip response")
			}
			body = gz
		}
		return &pooledBody{body: body, status: resp.StatusCode, conn: conn, pool: e.pool, release: release}, nil
	}

	// Failure: drain a snippet for diagnostics, then classify
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	if transientStatus(resp.StatusCode) {
		return nil, errors.Wrapf(errors.ErrTransientTransport,
			"HTTP %d: %s", resp.StatusCode, snippet)
	}
	return nil, errors.Wrapf(errors.ErrTerminalRequest,
		"HTTP %d: %s", resp.StatusCode, snippet)
}

// backoff sleeps for an exponentially increasing, jittered delay, honoring
// the call deadline: a deadline that would elapse mid-backoff fails now with
// ErrTimeout instead of retrying past it.
func (e *Executor) backoff(ctx context.Context, attempt int, lastErr error) error {
	delay := e.cfg.BaseDelay << (attempt - 1)
	if delay > e.cfg.MaxDelay || delay <= 0 {
		delay = e.cfg.MaxDelay
	}
	// Full jitter prevents synchronized retry storms across workers
	delay = time.Duration(rand.Int63n(int64(delay)) + 1)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return errors.Wrapf(errors.Join(errors.ErrTimeout, lastErr),
			"deadline elapsed during retry backoff (attempt %d)", attempt)
	}
}

// transientStatus reports whether an HTTP status warrants a retry.
func transientStatus(code int) bool {
	return code >= 500 ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// isConnFailure reports whether the error indicates the connection itself is
// unhealthy and should be replaced.
func isConnFailure(err error) bool {
	if !errors.IsTransient(err) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "Client.Timeout")
}

// pooledBody releases the connection and the call deadline when the caller
// finishes reading.
type pooledBody struct {
	body    io.ReadCloser
	status  int
	conn    *Conn
	pool    *Pool
	release func()
	closed  bool
}

func (p *pooledBody) Read(b []byte) (int, error) {
	return p.body.Read(b)
}

func (p *pooledBody) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.body.Close()
	p.pool.Release(p.conn)
	p.release()
	return err
}
