package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/follow.pilot/internal/httputil"
)

// Client talks to a running follow service.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the service at base, e.g.
// "http://localhost:8080". A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("follow api: %d %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

func (c *Client) mutate(ctx context.Context, path string) (ModeResponse, error) {
	var resp ModeResponse
	err := c.do(ctx, http.MethodPost, path, &resp)
	return resp, err
}

func (c *Client) Enable(ctx context.Context) (ModeResponse, error) {
	return c.mutate(ctx, "/enable")
}

func (c *Client) Disable(ctx context.Context) (ModeResponse, error) {
	return c.mutate(ctx, "/disable")
}

func (c *Client) Toggle(ctx context.Context) (ModeResponse, error) {
	return c.mutate(ctx, "/toggle")
}

// Manual starts or refreshes a manual override from the HTTP source.
func (c *Client) Manual(ctx context.Context) (ModeResponse, error) {
	return c.mutate(ctx, "/manual")
}

func (c *Client) ClearManual(ctx context.Context) (ModeResponse, error) {
	return c.mutate(ctx, "/manual/clear")
}

// CommandStats fetches the rollup of the current session.
func (c *Client) CommandStats(ctx context.Context) (CommandStatsResponse, error) {
	var resp CommandStatsResponse
	err := c.do(ctx, http.MethodGet, "/api/commands/stats", &resp)
	return resp, err
}
