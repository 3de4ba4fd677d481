package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/session"
)

type permitCall struct {
	key       session.Key
	requestID string
	allow     bool
	reason    string
}

type fixture struct {
	srv    *Server
	client *Client
	store  *session.Store
	sock   string

	mu      sync.Mutex
	permits []permitCall
	toggles []string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{store: session.NewStore(session.WithLogger(logger.Nop()))}
	t.Cleanup(f.store.Close)

	// keep the socket path short: unix sockets cap it near 100 bytes
	dir, err := os.MkdirTemp("", "isl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	f.sock = filepath.Join(dir, "s.sock")

	f.srv = NewServer(f.sock,
		WithLogger(logger.Nop()),
		WithSessions(f.store),
		WithAgents(func() any {
			return []AgentInfo{{ID: "claude", Name: "Claude Code", Enabled: true}}
		}),
		WithPermissions(func(_ context.Context, key session.Key, requestID string, allow bool, reason string) error {
			if key.AgentID == "ghost" {
				return ErrNotFound
			}
			f.mu.Lock()
			f.permits = append(f.permits, permitCall{key, requestID, allow, reason})
			f.mu.Unlock()
			return nil
		}),
		WithAgentControl(func(_ context.Context, id string, enable bool) error {
			if id == "ghost" {
				return ErrNotFound
			}
			f.mu.Lock()
			f.toggles = append(f.toggles, fmt.Sprintf("%s=%v", id, enable))
			f.mu.Unlock()
			return nil
		}),
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("island_up 1\n"))
		})),
	)

	ln, err := f.srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go f.srv.Serve(ctx, ln)
	t.Cleanup(cancel)

	f.client = NewClient(f.sock)
	return f
}

func TestHookDeliveryRoundTrip(t *testing.T) {
	f := setup(t)
	var got []byte
	f.srv.Handle("claude", func(_ context.Context, body []byte) ([]byte, error) {
		got = body
		return []byte(`{"ok":true}`), nil
	})

	out, err := f.client.Deliver(context.Background(), "claude", []byte(`{"hook_event_name":"Stop"}`))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(got) != `{"hook_event_name":"Stop"}` {
		t.Errorf("handler body = %s", got)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("response = %s", out)
	}
}

func TestHookUnknownAgent(t *testing.T) {
	f := setup(t)
	_, err := f.client.Deliver(context.Background(), "nobody", []byte(`{}`))
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want 404", err)
	}

	f.srv.Handle("gone", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	f.srv.Remove("gone")
	if _, err := f.client.Deliver(context.Background(), "gone", nil); !IsNotFound(err) {
		t.Errorf("removed handler err = %v", err)
	}
}

func TestHeldHookReleasedByDecision(t *testing.T) {
	f := setup(t)
	release := make(chan string)
	f.srv.Handle("claude", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case d := <-release:
			return []byte(d), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	done := make(chan []byte, 1)
	go func() {
		out, err := f.client.Deliver(context.Background(), "claude", []byte(`{}`))
		if err != nil {
			t.Errorf("deliver: %v", err)
		}
		done <- out
	}()

	select {
	case <-done:
		t.Fatal("hook returned before a decision")
	case <-time.After(50 * time.Millisecond):
	}
	release <- "allow"
	select {
	case out := <-done:
		if string(out) != "allow" {
			t.Errorf("out = %s", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook never returned")
	}
}

func TestSessionsAndAgents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.Apply(ctx, session.Mutation{Key: session.Key{AgentID: "claude", SessionID: "s1"}, Op: session.OpStart{CWD: "/w"}})

	sessions, err := f.client.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s1" || sessions[0].Phase != session.PhaseWaitingForInput {
		t.Errorf("sessions = %+v", sessions)
	}

	agents, err := f.client.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "claude" || !agents[0].Enabled {
		t.Errorf("agents = %+v", agents)
	}
}

func TestPermitEndpoint(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	key := session.Key{AgentID: "claude", SessionID: "s/1"}

	if err := f.client.Permit(ctx, key, "req-1", false, "not now"); err != nil {
		t.Fatalf("permit: %v", err)
	}
	f.mu.Lock()
	calls := append([]permitCall(nil), f.permits...)
	f.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	c := calls[0]
	if c.key != key || c.requestID != "req-1" || c.allow || c.reason != "not now" {
		t.Errorf("call = %+v", c)
	}

	if err := f.client.Permit(ctx, session.Key{AgentID: "ghost", SessionID: "x"}, "r", true, ""); !IsNotFound(err) {
		t.Errorf("ghost err = %v, want 404", err)
	}
}

func TestAgentControl(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.client.SetAgentEnabled(ctx, "codex", false); err != nil {
		t.Fatal(err)
	}
	if err := f.client.SetAgentEnabled(ctx, "aider", true); err != nil {
		t.Fatal(err)
	}
	if err := f.client.SetAgentEnabled(ctx, "ghost", true); !IsNotFound(err) {
		t.Errorf("ghost err = %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Join(f.toggles, ",") != "codex=false,aider=true" {
		t.Errorf("toggles = %v", f.toggles)
	}
}

func TestPermitRejectsBadDecision(t *testing.T) {
	f := setup(t)
	resp, err := f.client.post(context.Background(), "/permissions/claude/s/r", []byte(`{"decision":"maybe"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := setup(t)
	req, _ := http.NewRequest(http.MethodGet, "http://island/metrics", nil)
	resp, err := f.client.http.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestEventsFeed(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://island/events", &websocket.DialOptions{
		HTTPClient: f.client.http,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() []session.State {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var states []session.State
		if err := json.Unmarshal(data, &states); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return states
	}

	if initial := read(); len(initial) != 0 {
		t.Fatalf("initial snapshot = %+v", initial)
	}
	f.store.Apply(ctx, session.Mutation{Key: session.Key{AgentID: "codex", SessionID: "c"}, Op: session.OpProcessing{}})
	next := read()
	if len(next) != 1 || next[0].Phase != session.PhaseProcessing {
		t.Errorf("after change = %+v", next)
	}
}

func TestServerWithoutObserversOnlyServesHooks(t *testing.T) {
	dir, err := os.MkdirTemp("", "isl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	srv := NewServer(filepath.Join(dir, "c.sock"), WithLogger(logger.Nop()))
	ts := srv.Routes()

	for _, path := range []string{"/sessions", "/agents", "/metrics"} {
		rec := &recorder{header: http.Header{}}
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		ts.ServeHTTP(rec, req)
		if rec.code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.code)
		}
	}
}

func TestClientRetriesUntilSocketIsUp(t *testing.T) {
	dir, err := os.MkdirTemp("", "isl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "late.sock")

	srv := NewServer(sock, WithLogger(logger.Nop()))
	srv.Handle("claude", func(context.Context, []byte) ([]byte, error) { return []byte("late"), nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		srv.ListenAndServe(ctx)
	}()

	c := NewClient(sock).WithBackoff(func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 20 * time.Millisecond
		b.MaxElapsedTime = 3 * time.Second
		return b
	})
	out, err := c.Deliver(context.Background(), "claude", []byte(`{}`))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(out) != "late" {
		t.Errorf("out = %s", out)
	}
}

func TestClientGivesUpWhenDaemonIsDown(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "none.sock")).WithBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})
	_, err := c.Deliver(context.Background(), "claude", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) && !strings.Contains(err.Error(), "connect") {
		t.Errorf("err = %v", err)
	}
}

type recorder struct {
	header http.Header
	code   int
}

func (r *recorder) Header() http.Header { return r.header }
func (r *recorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return len(b), nil
}
func (r *recorder) WriteHeader(code int) { r.code = code }
