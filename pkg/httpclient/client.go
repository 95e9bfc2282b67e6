// Package httpclient is the shared client for downstream HTTP
// collaborators (entity services, signing authority, renderer, mail
// transport). Every call carries the service-to-service bearer credential
// and a bounded timeout, and responses are mapped onto the failure
// taxonomy: transport faults and 5xx are transient, 4xx are business
// rejections carrying the server's message.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hvilchis/facturaq/pkg/jobs"
)

// Client wraps one collaborator base URL.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a client for a collaborator. A zero timeout defaults to 15s.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// DoJSON performs an HTTP call with a JSON body (nil for none) and decodes
// the JSON response into out (nil to discard).
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return jobs.Validationf("marshal request for %s: %v", path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return jobs.Transient(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return jobs.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobs.Transient(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return jobs.Transient(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return jobs.Businessf("%s %s: not found", method, path)
	case resp.StatusCode >= 400:
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		msg := ae.Message
		if msg == "" {
			msg = ae.Error
		}
		if msg == "" {
			msg = string(raw)
		}
		return jobs.Businessf("%s %s: %s", method, path, msg)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return jobs.Transient(fmt.Errorf("decode response from %s: %w", path, err))
		}
	}
	return nil
}

// Get is DoJSON with GET and no body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// Post is DoJSON with POST.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, body, out)
}

// Put is DoJSON with PUT.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, http.MethodPut, path, body, out)
}
