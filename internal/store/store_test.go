package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/agentisland/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "island.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("migrations applied = %d, want 1", n)
	}
}

func TestStableIDRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.StableID(ctx, "claude", "abc"); err != nil || ok {
		t.Fatalf("missing id: ok=%v err=%v", ok, err)
	}
	if err := s.PutStableID(ctx, "claude", "abc", "st-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutStableID(ctx, "codex", "abc", "st-2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	id, ok, err := s.StableID(ctx, "claude", "abc")
	if err != nil || !ok || id != "st-1" {
		t.Errorf("claude/abc = %q %v %v", id, ok, err)
	}
	id, _, _ = s.StableID(ctx, "codex", "abc")
	if id != "st-2" {
		t.Errorf("codex/abc = %q, want st-2", id)
	}

	if err := s.PutStableID(ctx, "claude", "abc", "st-3"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if id, _, _ := s.StableID(ctx, "claude", "abc"); id != "st-3" {
		t.Errorf("after overwrite = %q", id)
	}
}

func TestRecordAndListEnded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, agent := range []string{"claude", "codex", "claude"} {
		ended := base.Add(time.Duration(i) * time.Minute)
		st := session.State{
			AgentID:     agent,
			SessionID:   "s" + string(rune('a'+i)),
			StableID:    "stable",
			CWD:         "/w",
			StartedAt:   ended.Add(-time.Hour),
			EndedAt:     &ended,
			EndReason:   "exit",
			LastMessage: "bye",
		}
		if err := s.RecordEnded(ctx, st); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := s.RecentSessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].SessionID != "sc" {
		t.Errorf("newest = %s, want sc", all[0].SessionID)
	}
	if d := all[0].Duration(); d != time.Hour {
		t.Errorf("duration = %v", d)
	}

	claude, err := s.RecentSessions(ctx, "claude", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(claude) != 1 || claude[0].AgentID != "claude" {
		t.Errorf("claude = %+v", claude)
	}

	n, err := s.PruneHistory(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestArchiveBacksSessionStore(t *testing.T) {
	s := openTestStore(t)
	ss := session.NewStore(session.WithArchive(s), session.WithEndGrace(time.Hour))
	defer ss.Close()
	ctx := context.Background()

	key := session.Key{AgentID: "claude", SessionID: "x"}
	st, _ := ss.Apply(ctx, session.Mutation{Key: key, Op: session.OpStart{CWD: "/tmp"}})
	ss.Apply(ctx, session.Mutation{Key: key, Op: session.OpEnd{Reason: "logout"}})

	id, ok, err := s.StableID(ctx, "claude", "x")
	if err != nil || !ok || id != st.StableID {
		t.Errorf("stable id = %q %v %v, want %q", id, ok, err, st.StableID)
	}
	hist, err := s.RecentSessions(ctx, "", 5)
	if err != nil || len(hist) != 1 || hist[0].EndReason != "logout" {
		t.Errorf("history = %+v, %v", hist, err)
	}
}
