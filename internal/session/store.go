package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/transcript"
)

// DefaultEndGrace is how long an ended session stays visible.
const DefaultEndGrace = 10 * time.Second

// Archive persists what must outlive the process: stable ids and a log of
// ended sessions. Implemented by internal/store.
type Archive interface {
	StableID(ctx context.Context, agentID, sessionID string) (string, bool, error)
	PutStableID(ctx context.Context, agentID, sessionID, stableID string) error
	RecordEnded(ctx context.Context, s State) error
}

// ChatSyncer keeps chat items in step with transcript files.
type ChatSyncer interface {
	Watch(key Key, path string)
	Trigger(key Key, path string)
	Forget(key Key)
}

type entry struct {
	mu       sync.Mutex
	state    State
	removed  bool
	purge    *time.Timer
	purgeGen uint64
}

type endedRef struct {
	stableID string
	pid      int
	cwd      string
}

// Store owns every SessionState. Lock order is always entry then map: the
// map lock is never held while waiting on an existing entry's lock.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*entry
	ended    map[Key]endedRef
	syncer   ChatSyncer

	archive  Archive
	grace    time.Duration
	maxItems int
	log      *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

type Option func(*Store)

func WithArchive(a Archive) Option { return func(s *Store) { s.archive = a } }

func WithEndGrace(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithMaxChatItems(n int) Option { return func(s *Store) { s.maxItems = n } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[Key]*entry),
		ended:    make(map[Key]endedRef),
		grace:    DefaultEndGrace,
		maxItems: transcript.DefaultMaxItems,
		subs:     make(map[int]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.For("session")
	}
	return s
}

// SetSyncer attaches the transcript syncer. The syncer usually needs the
// store itself, so it is wired after construction.
func (s *Store) SetSyncer(sy ChatSyncer) {
	s.mu.Lock()
	s.syncer = sy
	s.mu.Unlock()
}

func (s *Store) chatSyncer() ChatSyncer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncer
}

// Apply runs one mutation against its session and returns the resulting
// state. changed is false when the mutation was a no-op (unknown session for
// End/Resolve, unmatched correlation, or anything but Start on an ended
// session).
func (s *Store) Apply(ctx context.Context, m Mutation) (State, bool) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	for {
		e, created := s.lockEntry(m)
		if e == nil {
			return State{}, false
		}
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if created {
			s.assignStableID(ctx, e, m)
		}

		r := s.apply(e, m)
		if r.ended {
			s.scheduleEnd(e)
		}
		snap := e.state.clone()
		e.mu.Unlock()

		s.after(ctx, m, snap, r)
		return snap, r.changed || created
	}
}

type applyResult struct {
	changed    bool
	ended      bool
	revived    bool
	newPath    bool
	wantResync bool
}

func createsSession(op Op) bool {
	switch op := op.(type) {
	case OpEnd, OpResolve:
		return false
	case OpCustom:
		return op.Name != EventPermissionAbandoned
	}
	return true
}

// lockEntry returns the entry for m.Key with its lock held, creating it when
// the op may start a session.
func (s *Store) lockEntry(m Mutation) (*entry, bool) {
	s.mu.Lock()
	e, ok := s.sessions[m.Key]
	if !ok {
		if !createsSession(m.Op) {
			s.mu.Unlock()
			return nil, false
		}
		e = &entry{state: State{
			AgentID:      m.Key.AgentID,
			SessionID:    m.Key.SessionID,
			Phase:        PhaseWaitingForInput,
			StartedAt:    m.At,
			LastActivity: m.At,
		}}
		e.mu.Lock()
		s.sessions[m.Key] = e
		s.mu.Unlock()
		s.log.Debug("session created", "agent", m.Key.AgentID, "session", m.Key.SessionID)
		return e, true
	}
	s.mu.Unlock()
	e.mu.Lock()
	return e, false
}

func (s *Store) assignStableID(ctx context.Context, e *entry, m Mutation) {
	key := e.state.Key()
	if s.archive != nil {
		id, ok, err := s.archive.StableID(ctx, key.AgentID, key.SessionID)
		if err != nil {
			s.log.Warn("stable id lookup failed", "agent", key.AgentID, "session", key.SessionID, "err", err)
		}
		if ok {
			e.state.StableID = id
			return
		}
	}

	cwd := m.CWD
	if start, ok := m.Op.(OpStart); ok && start.CWD != "" {
		cwd = start.CWD
	}
	id := s.inheritStableID(key.AgentID, m.PID, cwd)
	if id == "" {
		id = uuid.NewString()
	}
	e.state.StableID = id
	if s.archive != nil {
		if err := s.archive.PutStableID(ctx, key.AgentID, key.SessionID, id); err != nil {
			s.log.Warn("stable id save failed", "agent", key.AgentID, "session", key.SessionID, "err", err)
		}
	}
}

// inheritStableID claims the stable id of an ended, unpurged session of the
// same agent that ran under the same pid or in the same directory.
func (s *Store) inheritStableID(agentID string, pid int, cwd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best   Key
		found  bool
		byPID  bool
		stable string
	)
	for k, ref := range s.ended {
		if k.AgentID != agentID {
			continue
		}
		pidMatch := pid != 0 && ref.pid == pid
		cwdMatch := cwd != "" && ref.cwd == cwd
		if !pidMatch && !cwdMatch {
			continue
		}
		// a pid match beats a cwd match
		if !found || (pidMatch && !byPID) {
			best, found, byPID, stable = k, true, pidMatch, ref.stableID
		}
	}
	if !found {
		return ""
	}
	delete(s.ended, best)
	return stable
}

func (s *Store) apply(e *entry, m Mutation) applyResult {
	var r applyResult
	st := &e.state

	if st.Phase == PhaseEnded {
		if _, ok := m.Op.(OpStart); !ok {
			return r
		}
		s.revive(e)
		r.revived = true
	}
	if !applies(st, m.Op) {
		return r
	}
	r.changed = true

	if m.CWD != "" {
		st.CWD = m.CWD
	}
	if m.PID != 0 {
		st.PID = m.PID
	}
	if m.TranscriptPath != "" && m.TranscriptPath != st.TranscriptPath {
		st.TranscriptPath = m.TranscriptPath
		r.newPath = true
	}
	st.LastActivity = m.At

	switch op := m.Op.(type) {
	case OpStart:
		if op.CWD != "" {
			st.CWD = op.CWD
		}
		if op.Model != "" {
			st.Model = op.Model
		}

	case OpEnd:
		st.Phase = PhaseEnded
		at := m.At
		st.EndedAt = &at
		st.EndReason = op.Reason
		st.PendingTools = nil
		st.PendingPermissions = nil
		r.ended = true

	case OpProcessing:
		if st.Phase != PhaseWaitingForApproval {
			st.Phase = PhaseProcessing
		}

	case OpToolStart:
		// a tool starting under a pending request id means it was approved elsewhere
		if i := st.findPermission(op.ToolUseID); i >= 0 {
			st.PendingPermissions = slices.Delete(st.PendingPermissions, i, i+1)
		}
		if st.findTool(op.ToolUseID) < 0 {
			st.PendingTools = append(st.PendingTools, PendingTool{ToolUseID: op.ToolUseID, ToolName: op.ToolName, StartedAt: m.At})
		}
		if len(st.PendingPermissions) == 0 {
			st.Phase = PhaseRunningTool
		}

	case OpToolEnd:
		if i := matchToolEnd(st, op); i >= 0 {
			st.PendingTools = slices.Delete(st.PendingTools, i, i+1)
		}
		if i := st.findPermission(op.ToolUseID); i >= 0 {
			st.PendingPermissions = slices.Delete(st.PendingPermissions, i, i+1)
			st.settle()
		} else if len(st.PendingTools) == 0 && st.Phase == PhaseRunningTool {
			st.Phase = PhaseProcessing
		}

	case OpPermissionRequest:
		if st.findPermission(op.RequestID) < 0 {
			st.PendingPermissions = append(st.PendingPermissions, PendingPermission{
				RequestID:   op.RequestID,
				ToolName:    op.ToolName,
				ToolInput:   op.ToolInput,
				SessionID:   st.SessionID,
				RequestedAt: m.At,
			})
		}
		st.Phase = PhaseWaitingForApproval

	case OpResolve:
		i := st.findPermission(op.RequestID)
		perm := st.PendingPermissions[i]
		st.PendingPermissions = slices.Delete(st.PendingPermissions, i, i+1)
		if !op.Allow {
			if j := st.newestToolNamed(perm.ToolName); j >= 0 {
				st.PendingTools = slices.Delete(st.PendingTools, j, j+1)
			}
		}
		st.settle()

	case OpNotify:
		if op.Message != "" {
			st.LastNotification = op.Message
		}
		if op.NotificationType == "idle_prompt" {
			st.Phase = PhaseWaitingForInput
		}

	case OpStop:
		st.Phase = PhaseWaitingForInput
		st.PendingTools = nil
		st.PendingPermissions = nil
		if op.LastMessage != "" {
			st.LastMessage = op.LastMessage
			st.LastMessageRole = transcript.RoleAssistant
		}
		r.wantResync = true

	case OpCompacting:
		st.Phase = PhaseCompacting

	case OpCustom:
		s.applyCustom(st, op, m.At)
	}
	return r
}

// applies filters the mutations that are defined as no-ops.
func applies(st *State, op Op) bool {
	switch op := op.(type) {
	case OpResolve:
		return st.findPermission(op.RequestID) >= 0
	case OpToolEnd:
		return matchToolEnd(st, op) >= 0 || st.findPermission(op.ToolUseID) >= 0
	case OpCustom:
		if op.Name == EventPermissionAbandoned {
			return st.findPermission(op.Payload["request_id"]) >= 0
		}
	}
	return true
}

// matchToolEnd correlates by tool-use id; records without an id fall back to
// the newest pending tool of the same name.
func matchToolEnd(st *State, op OpToolEnd) int {
	if op.ToolUseID != "" {
		return st.findTool(op.ToolUseID)
	}
	if op.ToolName != "" {
		return st.newestToolNamed(op.ToolName)
	}
	return -1
}

func (s *Store) applyCustom(st *State, op OpCustom, at time.Time) {
	switch op.Name {
	case "user_message", "agent_message":
		text := op.Payload["message"]
		if text == "" {
			return
		}
		role := transcript.RoleUser
		if op.Name == "agent_message" {
			role = transcript.RoleAssistant
		}
		st.ChatItems = append(st.ChatItems, transcript.Item{Role: role, Text: text, Timestamp: at})
		if n := len(st.ChatItems) - s.maxItems; s.maxItems > 0 && n > 0 {
			st.ChatItems = slices.Delete(st.ChatItems, 0, n)
		}
		st.LastMessage = text
		st.LastMessageRole = role
	case "turn_context":
		if model := op.Payload["model"]; model != "" {
			st.Model = model
		}
	case EventPermissionAbandoned:
		i := st.findPermission(op.Payload["request_id"])
		st.PendingPermissions = slices.Delete(st.PendingPermissions, i, i+1)
		st.settle()
	}
}

func (s *Store) revive(e *entry) {
	st := &e.state
	st.Phase = PhaseWaitingForInput
	st.EndedAt = nil
	st.EndReason = ""
	e.purgeGen++
	if e.purge != nil {
		e.purge.Stop()
		e.purge = nil
	}
	s.mu.Lock()
	delete(s.ended, st.Key())
	s.mu.Unlock()
	s.log.Info("session revived", "agent", st.AgentID, "session", st.SessionID)
}

// scheduleEnd is called with e locked right after the session ended.
func (s *Store) scheduleEnd(e *entry) {
	key := e.state.Key()
	s.mu.Lock()
	s.ended[key] = endedRef{stableID: e.state.StableID, pid: e.state.PID, cwd: e.state.CWD}
	s.mu.Unlock()

	e.purgeGen++
	gen := e.purgeGen
	e.purge = time.AfterFunc(s.grace, func() { s.purge(key, e, gen) })
}

func (s *Store) purge(key Key, e *entry, gen uint64) {
	e.mu.Lock()
	if e.purgeGen != gen || e.state.Phase != PhaseEnded || e.removed {
		e.mu.Unlock()
		return
	}
	e.removed = true
	e.mu.Unlock()

	s.mu.Lock()
	if s.sessions[key] == e {
		delete(s.sessions, key)
	}
	delete(s.ended, key)
	sy := s.syncer
	s.mu.Unlock()

	if sy != nil {
		sy.Forget(key)
	}
	s.log.Debug("session purged", "agent", key.AgentID, "session", key.SessionID)
	s.notify()
}

func (s *Store) after(ctx context.Context, m Mutation, snap State, r applyResult) {
	key := snap.Key()
	if r.ended {
		s.log.Info("session ended", "agent", key.AgentID, "session", key.SessionID, "reason", snap.EndReason)
		if s.archive != nil {
			if err := s.archive.RecordEnded(ctx, snap); err != nil {
				s.log.Warn("archive ended session failed", "agent", key.AgentID, "session", key.SessionID, "err", err)
			}
		}
	}
	if sy := s.chatSyncer(); sy != nil && snap.TranscriptPath != "" {
		if r.newPath {
			sy.Watch(key, snap.TranscriptPath)
		}
		if r.wantResync || r.newPath {
			sy.Trigger(key, snap.TranscriptPath)
		}
	}
	if r.changed || r.revived {
		s.notify()
	}
}

// SetChat replaces a session's chat items, typically from a transcript
// re-read. Unknown or purged sessions are ignored.
func (s *Store) SetChat(key Key, items []transcript.Item) {
	s.mu.Lock()
	e, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	st := &e.state
	st.ChatItems = slices.Clone(items)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role == transcript.RoleTool {
			continue
		}
		st.LastMessage = items[i].Text
		st.LastMessageRole = items[i].Role
		break
	}
	e.mu.Unlock()
	s.notify()
}

// Get returns a copy of one session.
func (s *Store) Get(key Key) (State, bool) {
	s.mu.Lock()
	e, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return State{}, false
	}
	return e.state.clone(), true
}

// Snapshot returns copies of every session, most recently active first.
func (s *Store) Snapshot() []State {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.state.clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b State) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out
}

// Subscribe returns a channel that receives a signal after changes. Signals
// coalesce: a slow reader sees one pending signal, then reads Snapshot.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops pending purge timers.
func (s *Store) Close() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.purge != nil {
			e.purge.Stop()
		}
		e.mu.Unlock()
	}
}
