package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/agentisland/internal/logger"
)

// Event names accepted in the events list.
const (
	EventAttention = "attention"
	EventExit      = "exit"
)

// Client sends push notifications via ntfy.sh (or a self-hosted ntfy server).
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	events map[string]bool
	http   *http.Client
	log    *slog.Logger
}

// New creates a new ntfy client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL (https://ntfy.example.com/mytopic).
// Events is a comma-separated list of event types to send (e.g. "attention,exit").
func New(topic, token, events string) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	return &Client{
		url:    url,
		token:  token,
		events: evMap,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    logger.For("ntfy"),
	}
}

// Wants reports whether event is in the client's events list.
func (c *Client) Wants(event string) bool { return c.events[event] }

// SendAttention announces a tool waiting for approval.
func (c *Client) SendAttention(ctx context.Context, agent, cwd, tool string) error {
	if !c.events[EventAttention] {
		return nil
	}
	if agent == "" {
		agent = "Agent"
	}
	title := fmt.Sprintf("%s needs approval", agent)
	body := fmt.Sprintf("%s in %s", tool, cwd)
	if tool == "" {
		body = fmt.Sprintf("session in %s", cwd)
	}
	return c.post(ctx, title, body, "high", "bell")
}

// SendExit announces a session that ended. Reason "process_exit" or empty is
// treated as a normal finish.
func (c *Client) SendExit(ctx context.Context, agent, cwd, reason string) error {
	if !c.events[EventExit] {
		return nil
	}
	if agent == "" {
		agent = "Agent"
	}
	title := fmt.Sprintf("%s finished", agent)
	priority, tags := "default", "white_check_mark"
	if reason != "" && reason != "process_exit" && reason != "other" {
		title = fmt.Sprintf("%s ended (%s)", agent, reason)
	}
	return c.post(ctx, title, fmt.Sprintf("session in %s", cwd), priority, tags)
}

// SendTest sends a test notification and returns any error.
func (c *Client) SendTest(ctx context.Context) error {
	return c.post(ctx, "agentisland test", "Push notifications are working!", "default", "test_tube")
}

func (c *Client) post(ctx context.Context, title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("post failed", "err", err)
		return fmt.Errorf("ntfy: post: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.log.Warn("post rejected", "status", resp.StatusCode)
		return fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
	}
	return nil
}
