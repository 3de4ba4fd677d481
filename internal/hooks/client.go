package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ehrlich-b/agentisland/internal/session"
)

// AgentInfo is one row of GET /agents.
type AgentInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Icon    string `json:"icon"`
	Enabled bool   `json:"enabled"`
	Custom  bool   `json:"custom"`
}

// Client talks to a Server over its unix socket.
type Client struct {
	socketPath   string
	http         *http.Client
	buildBackoff func() backoff.BackOff
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		},
	}
}

// WithBackoff replaces the retry policy used while the socket is not up.
func (c *Client) WithBackoff(factory func() backoff.BackOff) *Client {
	c.buildBackoff = factory
	return c
}

// Deliver posts a hook payload for agentID and returns the response body.
// Dial failures are retried with backoff; HTTP errors are not.
func (c *Client) Deliver(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
	var out []byte
	op := func() error {
		resp, err := c.post(ctx, "/hooks/"+url.PathEscape(agentID), payload)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return backoff.Permanent(err)
		}
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.buildBackoff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Sessions(ctx context.Context) ([]session.State, error) {
	var out []session.State
	if err := c.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var out []AgentInfo
	if err := c.getJSON(ctx, "/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Permit sends an allow/deny decision for a pending permission request.
func (c *Client) Permit(ctx context.Context, key session.Key, requestID string, allow bool, reason string) error {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	body, err := json.Marshal(permissionRequest{Decision: decision, Reason: reason})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/permissions/%s/%s/%s",
		url.PathEscape(key.AgentID), url.PathEscape(key.SessionID), url.PathEscape(requestID))
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

// SetAgentEnabled asks the daemon to enable or disable an agent.
func (c *Client) SetAgentEnabled(ctx context.Context, agentID string, enable bool) error {
	action := "disable"
	if enable {
		action = "enable"
	}
	resp, err := c.post(ctx, "/agents/"+url.PathEscape(agentID)+"/"+action, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

// HTTP helpers

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://island"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://island"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// StatusError is a non-2xx reply from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: string(body)}
}
