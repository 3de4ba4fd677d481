// Package monitor discovers agent processes, follows their session log files,
// and reports when they exit.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/agentisland/internal/async"
	"github.com/ehrlich-b/agentisland/internal/logger"
)

const (
	DefaultScanInterval     = 3 * time.Second
	DefaultLivenessInterval = 2 * time.Second
	DefaultTailInterval     = 750 * time.Millisecond
)

// Session is an attached process together with the file being tailed.
type Session struct {
	AgentID   string
	SessionID string
	PID       int
	CWD       string
	Path      string
}

// Location is what a Locator knows about a process's session file.
type Location struct {
	Path      string
	SessionID string // empty when the file name doesn't carry one
	HeaderCWD string // cwd recorded in the file's header, if any
}

// LocateRequest describes the process being located. Claimed reports whether
// another tracked process already owns a path.
type LocateRequest struct {
	Process Process
	CWD     string
	Claimed func(path string) bool
}

// Locator finds the live session file for a process. ok is false while the
// file does not exist yet; the monitor asks again on the next scan.
type Locator interface {
	Locate(ctx context.Context, req LocateRequest) (loc Location, ok bool)
}

// Handler receives a process's lifecycle. Calls for one process are
// sequential: Attached, then Line for each record, then Exited.
type Handler interface {
	Attached(ctx context.Context, s Session)
	Line(ctx context.Context, s Session, line []byte)
	Exited(ctx context.Context, s Session)
}

// Config wires a Monitor. Zero intervals and nil collaborators get defaults.
type Config struct {
	AgentID string
	Prefix  string
	Locator Locator
	Handler Handler

	ScanInterval     time.Duration
	LivenessInterval time.Duration
	TailInterval     time.Duration

	Lister Lister
	CWD    CWDResolver
	Alive  func(pid int) bool
	Home   string
	Logger *slog.Logger
}

type tracked struct {
	session Session
	cancel  context.CancelFunc
}

// Monitor runs one scan loop plus a liveness loop and a tail loop per
// attached process.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	tracked map[int]*tracked
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	warn rate.Sometimes
}

func New(cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.TailInterval <= 0 {
		cfg.TailInterval = DefaultTailInterval
	}
	if cfg.Lister == nil {
		cfg.Lister = NewPSLister()
	}
	if cfg.CWD == nil {
		cfg.CWD = NewProcCWD()
	}
	if cfg.Alive == nil {
		cfg.Alive = Alive
	}
	if cfg.Home == "" {
		cfg.Home, _ = os.UserHomeDir()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For("monitor")
	}
	return &Monitor{
		cfg:     cfg,
		log:     log.With("agent", cfg.AgentID),
		tracked: make(map[int]*tracked),
		warn:    rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Start launches the scan loop. A second Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	async.Go(m.log, "monitor.scan", func() {
		defer m.wg.Done()
		m.scanLoop(ctx)
	})
}

// Stop cancels every loop, waits for them, and clears tracking. Safe before
// Start and safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	for _, t := range m.tracked {
		t.cancel()
	}
	m.tracked = make(map[int]*tracked)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Tracked returns the attached sessions.
func (m *Monitor) Tracked() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.tracked))
	for _, t := range m.tracked {
		out = append(out, t.session)
	}
	return out
}

func (m *Monitor) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		m.Scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan runs one discovery pass. Exported for tests.
func (m *Monitor) Scan(ctx context.Context) {
	procs, err := m.cfg.Lister.List(ctx)
	if err != nil {
		m.warnf("process scan failed", "err", err)
		return
	}
	for _, p := range procs {
		if ctx.Err() != nil {
			return
		}
		if !strings.HasPrefix(p.Name(), m.cfg.Prefix) || m.isTracked(p.PID) {
			continue
		}
		m.consider(ctx, p)
	}
}

func (m *Monitor) consider(ctx context.Context, p Process) {
	cwd, err := m.cfg.CWD.CWD(ctx, p.PID)
	if err != nil {
		m.warnf("cwd lookup failed", "pid", p.PID, "err", err)
		cwd = ""
	}
	loc, ok := m.cfg.Locator.Locate(ctx, LocateRequest{Process: p, CWD: cwd, Claimed: m.claimed})
	if !ok {
		return
	}

	s := Session{
		AgentID:   m.cfg.AgentID,
		SessionID: loc.SessionID,
		PID:       p.PID,
		CWD:       cwd,
		Path:      loc.Path,
	}
	if s.SessionID == "" {
		s.SessionID = m.cfg.AgentID + "-" + strconv.Itoa(p.PID)
	}
	if s.CWD == "" {
		s.CWD = loc.HeaderCWD
	}
	if s.CWD == "" {
		s.CWD = m.cfg.Home
	}

	m.mu.Lock()
	if m.cancel == nil || m.tracked[p.PID] != nil {
		m.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	m.tracked[p.PID] = &tracked{session: s, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("attached", "pid", s.PID, "session", s.SessionID, "path", s.Path)
	m.cfg.Handler.Attached(pctx, s)

	async.Go(m.log, "monitor.process", func() {
		defer m.wg.Done()
		m.follow(pctx, s)
	})
}

// follow owns one process: it starts the tail loop and runs the liveness
// loop. On exit the tail is stopped and drained before Exited is reported.
func (m *Monitor) follow(ctx context.Context, s Session) {
	tailer := NewTailer(s.Path)
	tailCtx, stopTail := context.WithCancel(ctx)
	tailDone := make(chan struct{})
	async.Go(m.log, "monitor.tail", func() {
		defer close(tailDone)
		m.tailLoop(tailCtx, s, tailer)
	})

	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopTail()
			<-tailDone
			return
		case <-ticker.C:
		}
		if m.cfg.Alive(s.PID) {
			continue
		}

		stopTail()
		<-tailDone
		m.drain(ctx, s, tailer)
		m.log.Info("process exited", "pid", s.PID, "session", s.SessionID)
		m.cfg.Handler.Exited(ctx, s)
		m.release(s.PID)
		return
	}
}

func (m *Monitor) tailLoop(ctx context.Context, s Session, t *Tailer) {
	ticker := time.NewTicker(m.cfg.TailInterval)
	defer ticker.Stop()
	for {
		m.readOnce(ctx, s, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) readOnce(ctx context.Context, s Session, t *Tailer) {
	lines, err := t.Read()
	if err != nil {
		m.warnf("tail read failed", "pid", s.PID, "path", s.Path, "err", err)
	}
	for _, line := range lines {
		m.cfg.Handler.Line(ctx, s, line)
	}
}

func (m *Monitor) drain(ctx context.Context, s Session, t *Tailer) {
	m.readOnce(ctx, s, t)
	if rest := t.Flush(); rest != nil {
		m.cfg.Handler.Line(ctx, s, rest)
	}
}

func (m *Monitor) release(pid int) {
	m.mu.Lock()
	t, ok := m.tracked[pid]
	if ok {
		delete(m.tracked, pid)
	}
	m.mu.Unlock()
	if ok {
		t.cancel()
	}
	m.cfg.CWD.Forget(pid)
}

func (m *Monitor) isTracked(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[pid]
	return ok
}

func (m *Monitor) claimed(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracked {
		if t.session.Path == path {
			return true
		}
	}
	return false
}

// warnf logs the first few failures at Warn and then once a minute; the
// rest go to Debug.
func (m *Monitor) warnf(msg string, args ...any) {
	logged := false
	m.warn.Do(func() {
		logged = true
		m.log.Warn(msg, args...)
	})
	if !logged {
		m.log.Debug(msg, args...)
	}
}

func (s Session) String() string {
	return fmt.Sprintf("%s/%s pid=%d", s.AgentID, s.SessionID, s.PID)
}
