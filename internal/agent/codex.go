package agent

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/monitor"
)

// CodexID is the built-in id of the Codex adapter.
const CodexID = "codex"

// CodexOptions configures the Codex adapter. Monitor carries intervals and
// optional collaborators; its AgentID, Prefix, Locator and Handler are set by
// the adapter.
type CodexOptions struct {
	SessionsDir string
	Monitor     monitor.Config
	Logger      *slog.Logger
}

// CodexSessionsDir is ~/.codex/sessions.
func CodexSessionsDir(home string) string {
	return filepath.Join(home, ".codex", "sessions")
}

// Codex follows running codex processes through their rollout files.
// Codex has no reply channel, so permission decisions are not delivered.
type Codex struct {
	opts   CodexOptions
	log    *slog.Logger
	stream *Stream
	parser *CodexParser

	mu      sync.Mutex
	mon     *monitor.Monitor
	monStop context.CancelFunc
}

func NewCodex(opts CodexOptions) *Codex {
	if opts.SessionsDir == "" {
		home, _ := os.UserHomeDir()
		opts.SessionsDir = CodexSessionsDir(home)
	}
	log := opts.Logger
	if log == nil {
		log = logger.For("agent")
	}
	return &Codex{
		opts:   opts,
		log:    log.With("agent", CodexID),
		stream: NewStream(0),
		parser: NewCodexParser(),
	}
}

func (c *Codex) ID() string { return CodexID }

func (c *Codex) Meta() Meta {
	return Meta{ID: CodexID, Name: "Codex", Color: "#10a37f", Icon: "terminal"}
}

func (c *Codex) Events() <-chan Event { return c.stream.Events() }

// Install starts the process monitor. The monitor outlives ctx's
// cancellation; Uninstall stops it.
func (c *Codex) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon != nil {
		return nil
	}
	cfg := c.opts.Monitor
	cfg.AgentID = CodexID
	cfg.Prefix = "codex"
	cfg.Locator = &rolloutLocator{dir: c.opts.SessionsDir}
	cfg.Handler = c
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mon = monitor.New(cfg)
	c.monStop = cancel
	c.mon.Start(mctx)
	c.log.Info("monitor started", "dir", c.opts.SessionsDir)
	return nil
}

func (c *Codex) Uninstall(ctx context.Context) error {
	c.mu.Lock()
	mon, stop := c.mon, c.monStop
	c.mon, c.monStop = nil, nil
	c.mu.Unlock()
	if mon == nil {
		return nil
	}
	stop()
	mon.Stop()
	c.log.Info("monitor stopped")
	return nil
}

// Stop is Uninstall: the adapter changes nothing outside the process.
func (c *Codex) Stop(ctx context.Context) error { return c.Uninstall(ctx) }

// ResolvePermission is a no-op: a rollout log can't carry an answer back.
func (c *Codex) ResolvePermission(ctx context.Context, requestID string, d Decision) error {
	c.log.Debug("permission decision not deliverable", "request", requestID, "decision", d.String())
	return nil
}

// monitor.Handler

func (c *Codex) Attached(ctx context.Context, s monitor.Session) {
	ev := NewEvent(CodexID, s.SessionID, SessionStart{CWD: s.CWD})
	c.stream.Send(ctx, ev.With(s.CWD, s.PID, s.Path))
}

func (c *Codex) Line(ctx context.Context, s monitor.Session, line []byte) {
	ev, ok := c.parser.Parse(ParseContext{AgentID: CodexID, SessionID: s.SessionID}, line)
	if !ok {
		return
	}
	c.stream.Send(ctx, ev.With("", s.PID, s.Path))
}

func (c *Codex) Exited(ctx context.Context, s monitor.Session) {
	ev := NewEvent(CodexID, s.SessionID, SessionEnd{Reason: "process_exit"})
	c.stream.Send(ctx, ev.With("", s.PID, ""))
}

var rolloutName = regexp.MustCompile(`^rollout-.*-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\.jsonl$`)

// rolloutFreshness bounds how old an unmatched rollout file may be when the
// process cwd is unknown.
const rolloutFreshness = 10 * time.Minute

// rolloutLocator maps a codex process to its rollout file: the newest
// unclaimed file whose header cwd equals the process cwd, or, without a cwd,
// the newest recently written unclaimed file.
type rolloutLocator struct {
	dir string
	now func() time.Time

	// session_meta is written once, so headers are cached by path.
	once    sync.Once
	headers *lru.Cache[string, CodexSessionMeta]
	read    func(path string) (CodexSessionMeta, bool)
}

const rolloutHeaderCacheSize = 512

func (l *rolloutLocator) header(path string) CodexSessionMeta {
	l.once.Do(func() {
		l.headers, _ = lru.New[string, CodexSessionMeta](rolloutHeaderCacheSize)
		if l.read == nil {
			l.read = readRolloutHeader
		}
	})
	if meta, ok := l.headers.Get(path); ok {
		return meta
	}
	meta, ok := l.read(path)
	if ok {
		l.headers.Add(path, meta)
	}
	return meta
}

type rolloutCandidate struct {
	path    string
	modTime time.Time
}

func (l *rolloutLocator) Locate(ctx context.Context, req monitor.LocateRequest) (monitor.Location, bool) {
	var files []rolloutCandidate
	filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "rollout-") || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		if req.Claimed != nil && req.Claimed(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, rolloutCandidate{path: path, modTime: info.ModTime()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	now := time.Now
	if l.now != nil {
		now = l.now
	}
	for _, f := range files {
		if req.CWD == "" {
			// newest first, so nothing after this one is fresh either
			if now().Sub(f.modTime) > rolloutFreshness {
				break
			}
			return rolloutLocation(f.path, l.header(f.path)), true
		}
		if meta := l.header(f.path); meta.CWD != "" && sameDir(meta.CWD, req.CWD) {
			return rolloutLocation(f.path, meta), true
		}
	}
	return monitor.Location{}, false
}

func rolloutLocation(path string, meta CodexSessionMeta) monitor.Location {
	loc := monitor.Location{Path: path, HeaderCWD: meta.CWD}
	if m := rolloutName.FindStringSubmatch(filepath.Base(path)); m != nil {
		loc.SessionID = strings.ToLower(m[1])
	} else {
		loc.SessionID = meta.ID
	}
	return loc
}

// readRolloutHeader decodes the session_meta record on the first line.
func readRolloutHeader(path string) (CodexSessionMeta, bool) {
	f, err := os.Open(path)
	if err != nil {
		return CodexSessionMeta{}, false
	}
	defer f.Close()
	// session_meta embeds the base instructions and can be large.
	r := bufio.NewReader(io.LimitReader(f, 4<<20))
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return CodexSessionMeta{}, false
	}
	return ParseCodexSessionMeta(line)
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
