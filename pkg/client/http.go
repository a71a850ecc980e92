// Package client talks to the control plane of a running harvester.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// ErrNotFound is returned for work items the harvester does not know.
var ErrNotFound = errors.New("work item not found")

// Client represents a client to interact with the harvester.
type Client struct {
	BaseURL string
	options *Options
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create options: %w", err)
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), options: options}, nil
}

// HTTPClient exposes the configured http client
func (c *Client) HTTPClient() *http.Client {
	return c.options.HttpClient
}

// SubmitTargets queues seeds. An empty label lets the harvester classify
// each seed by its shape.
func (c *Client) SubmitTargets(label types.Label, seeds ...string) (*types.TargetsResponse, error) {
	body, err := json.Marshal(types.TargetsRequest{Seeds: seeds, Label: label})
	if err != nil {
		return nil, fmt.Errorf("error marshaling targets: %w", err)
	}

	var resp types.TargetsResponse
	if err := c.do(http.MethodPost, "/targets", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetItemStatus returns the status of a work item, or ErrNotFound.
func (c *Client) GetItemStatus(id string) (*types.ItemStatus, error) {
	var status types.ItemStatus
	if err := c.do(http.MethodGet, "/items/"+url.PathEscape(id), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForItem polls a work item until it is done or failed.
func (c *Client) WaitForItem(id string, maxRetries int, delay time.Duration) (*types.ItemStatus, error) {
	r := &ItemResult{ID: id, client: c, maxRetries: maxRetries, delay: delay}
	return r.Get()
}

// Checkpoint asks the harvester to flush its output and save the ledger.
func (c *Client) Checkpoint() error {
	var resp types.CheckpointResponse
	return c.do(http.MethodPost, "/checkpoint", nil, &resp)
}

// QueueStats returns the raw queue statistics document.
func (c *Client) QueueStats() (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(http.MethodGet, "/queue/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("error creating %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.options.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	}

	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("error sending %s request to %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/items/") {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := types.APIError{}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("error: received status code %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("error: received status code %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}
