// Package api implements the Records API client: raw event export, engage
// profile queries, batch import, engage updates, alias lookup, and resource
// version state. All calls go through the retrying executors, reads on the
// read pool and writes on the write pool.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ferry/config"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
	"github.com/teranos/ferry/transport"
)

// apiVersion is the path component for the formatted query API.
const apiVersion = "2.0"

// Client talks to the Records API.
type Client struct {
	read  *transport.Executor
	write *transport.Executor

	rawURL    string
	importURL string
	queryURL  string

	creds         config.APIConfig
	exportTimeout time.Duration

	log *zap.SugaredLogger
}

// NewClient builds a Records API client from configuration and the two
// traffic-class executors.
func NewClient(cfg *config.Config, read, write *transport.Executor, log *zap.SugaredLogger) *Client {
	return &Client{
		read:          read,
		write:         write,
		rawURL:        cfg.API.RawExportURL(),
		importURL:     cfg.API.ImportURL(),
		queryURL:      cfg.API.QueryURL(),
		creds:         cfg.API,
		exportTimeout: cfg.API.ExportTimeout(),
		log:           log,
	}
}

// basicAuth returns the basic-auth pair: service-account user and secret, or
// the bare API secret as the username.
func (c *Client) basicAuth() (user, pass string) {
	if c.creds.ServiceAccountUsername != "" {
		return c.creds.ServiceAccountUsername, c.creds.Secret
	}
	return c.creds.Secret, ""
}

// withProject appends the project id for service-account authentication.
func (c *Client) withProject(q url.Values) url.Values {
	if c.creds.ServiceAccountUsername != "" {
		q.Set("project_id", strconv.FormatInt(c.creds.ProjectID, 10))
	}
	return q
}

func (c *Client) newRequest(method, base string, parts ...string) *transport.Request {
	u := base
	for _, p := range parts {
		u += "/" + p
	}
	user, pass := c.basicAuth()
	return &transport.Request{
		Method:    method,
		URL:       u,
		Query:     url.Values{},
		Header:    http.Header{},
		BasicUser: user,
		BasicPass: pass,
	}
}

// ExportParams selects events for one raw export request.
type ExportParams struct {
	FromDate string // YYYY-MM-DD, inclusive
	ToDate   string // YYYY-MM-DD, inclusive
	Events   []string
	Where    string
	// AcceptGzip asks the server for a gzip-framed response; the executor
	// decodes it transparently.
	AcceptGzip bool
}

// ExportRaw streams one date range of events as newline-delimited JSON.
// Raw export requests can run far past the default per-call deadline, so
// they carry the configured export timeout.
func (c *Client) ExportRaw(ctx context.Context, p ExportParams) (io.ReadCloser, error) {
	req := c.newRequest(http.MethodGet, c.rawURL, apiVersion, "export")
	req.Timeout = c.exportTimeout
	req.Query.Set("from_date", p.FromDate)
	req.Query.Set("to_date", p.ToDate)
	if len(p.Events) > 0 {
		enc, err := json.Marshal(p.Events)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode event selector")
		}
		req.Query.Set("event", string(enc))
	}
	if p.Where != "" {
		req.Query.Set("where", p.Where)
	}
	c.withProject(req.Query)
	if p.AcceptGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	return c.read.DoStream(ctx, req)
}

// EngagePage is one page of a profile query. The first page establishes the
// pagination session; later pages repeat the query with the session id and a
// page number.
type EngagePage struct {
	Results   []record.Profile `json:"results"`
	SessionID string           `json:"session_id"`
	Page      int              `json:"page"`
	PageSize  int              `json:"page_size"`
	Total     int              `json:"total"`
}

// RemainingPages returns the page numbers after this one.
func (p *EngagePage) RemainingPages() (first, last int) {
	if p.PageSize == 0 {
		return 0, -1
	}
	numPages := (p.Total + p.PageSize - 1) / p.PageSize
	return p.Page + 1, numPages - 1
}

// QueryProfiles fetches one engage page. The caller owns the query
// parameters, including session_id and page for continuation requests.
func (c *Client) QueryProfiles(ctx context.Context, params url.Values) (*EngagePage, error) {
	req := c.newRequest(http.MethodGet, c.queryURL, apiVersion, "engage")
	for k, vs := range params {
		for _, v := range vs {
			req.Query.Add(k, v)
		}
	}
	c.withProject(req.Query)

	resp, err := c.read.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var page EngagePage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, errors.Wrap(err, "invalid engage response")
	}
	return &page, nil
}

// RejectedRecord is one record the remote service refused inside an
// otherwise accepted batch. Data-level rejections are never retried.
type RejectedRecord struct {
	Index      int    `json:"index"`
	DistinctID string `json:"distinct_id,omitempty"`
	Message    string `json:"message"`
}

// BatchResult reports per-record acceptance for one import or update batch.
type BatchResult struct {
	Accepted int              `json:"accepted"`
	Rejected []RejectedRecord `json:"rejected"`
}

// ImportBatch posts one JSON array of event records to the import endpoint.
// A non-empty versionID targets a specific resource version.
func (c *Client) ImportBatch(ctx context.Context, payload []byte, versionID string) (*BatchResult, error) {
	req := c.newRequest(http.MethodPost, c.importURL, "import")
	req.Body = payload
	req.Header.Set("Content-Type", "application/json")
	req.Query.Set("strict", "1")
	if versionID != "" {
		req.Query.Set("version_id", versionID)
	}
	c.withProject(req.Query)

	resp, err := c.write.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseBatchResult(resp.Body)
}

// SendUpdates posts one base64-framed JSON array of engage update operations.
func (c *Client) SendUpdates(ctx context.Context, payload []byte) (*BatchResult, error) {
	req := c.newRequest(http.MethodPost, c.importURL, "engage")
	form := url.Values{}
	form.Set("data", base64.StdEncoding.EncodeToString(payload))
	req.Body = []byte(form.Encode())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Query.Set("verbose", "1")
	c.withProject(req.Query)

	resp, err := c.write.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseBatchResult(resp.Body)
}

func parseBatchResult(body []byte) (*BatchResult, error) {
	var result BatchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "invalid batch result")
	}
	return &result, nil
}

// ResolveAlias returns the canonical id for an actor id. Unknown ids resolve
// to themselves.
func (c *Client) ResolveAlias(ctx context.Context, distinctID string) (string, error) {
	req := c.newRequest(http.MethodGet, c.queryURL, apiVersion, "aliases")
	req.Query.Set("distinct_id", distinctID)
	c.withProject(req.Query)

	resp, err := c.read.Do(ctx, req)
	if err != nil {
		return "", err
	}

	var out struct {
		CanonicalID string `json:"canonical_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", errors.Wrap(err, "invalid alias response")
	}
	if out.CanonicalID == "" {
		return distinctID, nil
	}
	return out.CanonicalID, nil
}
