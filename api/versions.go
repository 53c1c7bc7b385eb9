package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/version"
)

// CreateVersion asks the remote service to create a fresh resource version.
// New versions start writable and not ready.
func (c *Client) CreateVersion(ctx context.Context) (*version.State, error) {
	req := c.newRequest(http.MethodPost, c.importURL, "versions")
	c.withProject(req.Query)

	resp, err := c.write.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseVersionState(resp.Body)
}

// GetVersion implements version.Service.
func (c *Client) GetVersion(ctx context.Context, id string) (*version.State, error) {
	req := c.newRequest(http.MethodGet, c.importURL, "versions", id)
	c.withProject(req.Query)

	resp, err := c.read.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseVersionState(resp.Body)
}

// UpdateVersion implements version.Service: a PUT of the desired state, with
// the remote service owning the actual transition.
func (c *Client) UpdateVersion(ctx context.Context, state *version.State) (*version.State, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode version state")
	}

	req := c.newRequest(http.MethodPut, c.importURL, "versions", state.ID)
	req.Body = body
	req.Header.Set("Content-Type", "application/json")
	c.withProject(req.Query)

	resp, err := c.write.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseVersionState(resp.Body)
}

// DeleteVersion implements version.Service.
func (c *Client) DeleteVersion(ctx context.Context, id string) error {
	req := c.newRequest(http.MethodDelete, c.importURL, "versions", id)
	c.withProject(req.Query)

	_, err := c.write.Do(ctx, req)
	return err
}

func parseVersionState(body []byte) (*version.State, error) {
	var state version.State
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, errors.Wrap(err, "invalid version state")
	}
	return &state, nil
}

var _ version.Service = (*Client)(nil)
