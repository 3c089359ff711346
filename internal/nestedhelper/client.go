package nestedhelper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to a running aiva-nestedhelperd over the loopback port the
// nested VM provider forwards out of the guest.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client pointed at a guest-local daemon reachable at
// baseURL (e.g. "http://127.0.0.1:9700" after Lima/WSL port forwarding).
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Upsert registers a forward on the daemon, mirroring Manager.Upsert.
func (c *Client) Upsert(ctx context.Context, proto string, hostPort uint16, cid uint32, guestPort uint16) error {
	body, err := json.Marshal(forwardRequest{Proto: proto, HostPort: hostPort, CID: cid, GuestPort: guestPort})
	if err != nil {
		return fmt.Errorf("nestedhelper client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/forwards", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("nestedhelper client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("nestedhelper client: post forward: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("nestedhelper client: upsert forward: unexpected status %s", resp.Status)
	}
	return nil
}

// Healthy reports whether the daemon answers on its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
