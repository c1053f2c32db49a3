package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the daemon does not know the requested service.
var ErrNotFound = errors.New("not found")

// Client talks to a tierd daemon's operator API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7420/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new tierd API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", &h)
	return h, err
}

// Status returns every service's status in declaration order.
func (c *Client) Status(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// StatusOf returns one service's status. Unknown ids yield ErrNotFound.
func (c *Client) StatusOf(ctx context.Context, id string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), &out)
	return out, err
}

// Tiers returns the start-up plan.
func (c *Client) Tiers(ctx context.Context) ([]Tier, error) {
	var out []Tier
	err := c.do(ctx, http.MethodGet, "/tiers", &out)
	return out, err
}

// Resources returns the latest resource samples keyed by service id.
func (c *Client) Resources(ctx context.Context) (map[string]ResourceUsage, error) {
	out := make(map[string]ResourceUsage)
	err := c.do(ctx, http.MethodGet, "/resources", &out)
	return out, err
}

// Resync resets failed services and re-runs the tiered start-up. With wait the
// call returns once start-up has settled.
func (c *Client) Resync(ctx context.Context, wait bool) error {
	path := "/resync"
	if wait {
		path += "?wait=true"
	}
	c.logger.Debug("requesting resync", "wait", wait)
	return c.do(ctx, http.MethodPost, path, nil)
}

// Stop asks the daemon to shut down its services and exit.
func (c *Client) Stop(ctx context.Context) error {
	c.logger.Debug("requesting shutdown")
	return c.do(ctx, http.MethodPost, "/stop", nil)
}

// do performs the request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("failed to decode error response", "status", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
