// Package client talks to the daemon's control socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dghilardi/port-plumber/internal/api"
)

// ErrNotFound is returned by Resolve when no suffix matches the name.
var ErrNotFound = errors.New("name not found")

// Client issues control requests over a unix socket.
type Client struct {
	http *http.Client
}

// New returns a client for the socket at path.
func New(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{http: &http.Client{Transport: transport, Timeout: 30 * time.Second}}
}

// List returns the routing table.
func (c *Client) List(ctx context.Context) ([]api.Route, error) {
	var routes []api.Route
	if err := c.get(ctx, "/list", &routes); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return routes, nil
}

// Resolve asks the daemon for the source address of name, creating the
// route on first use.
func (c *Client) Resolve(ctx context.Context, name string) (net.IP, error) {
	var ep api.Endpoint
	if err := c.get(ctx, "/resolve/"+url.PathEscape(name), &ep); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	ip := net.ParseIP(ep.IP)
	if ip == nil {
		return nil, fmt.Errorf("resolve %s: invalid address %q", name, ep.IP)
	}
	return ip, nil
}

// Health returns the health of every route with a started resource.
func (c *Client) Health(ctx context.Context) (*api.HealthReport, error) {
	var report api.HealthReport
	if err := c.get(ctx, "/health", &report); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &report, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	// the host is ignored by the unix dialer
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://port-plumber"+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e api.ErrorResponse
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
