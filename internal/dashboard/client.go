package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"backup-telemetry/internal/services"
)

var ErrUnauthorized = errors.New("invalid admin password")

// Client reads the public and admin views of the telemetry endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{endpoint: strings.TrimRight(endpoint, "?"), http: httpClient}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) FetchPublic(ctx context.Context) (*services.PublicStats, error) {
	var stats services.PublicStats
	if err := c.get(ctx, url.Values{"type": {"public"}}, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// FetchAdmin returns ErrUnauthorized when the server rejects password.
func (c *Client) FetchAdmin(ctx context.Context, password string) ([]services.AdminUser, error) {
	var users []services.AdminUser
	if err := c.get(ctx, url.Values{"type": {"admin"}, "password": {password}}, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) get(ctx context.Context, query url.Values, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error includes the full URL, which may hold the password.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("request %s failed: %w", query.Get("type"), urlErr.Err)
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return json.Unmarshal(env.Data, target)
}
