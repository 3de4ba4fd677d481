package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/agentisland/internal/session"
)

// EndedSession is one row of the session history.
type EndedSession struct {
	ID          int64
	AgentID     string
	SessionID   string
	StableID    string
	CWD         string
	Model       string
	StartedAt   time.Time
	EndedAt     time.Time
	EndReason   string
	LastMessage string
}

// Duration is how long the session ran.
func (e *EndedSession) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

func (s *Store) StableID(ctx context.Context, agentID, sessionID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT stable_id FROM stable_ids WHERE agent_id = ? AND session_id = ?",
		agentID, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get stable id: %w", err)
	}
	return id, true, nil
}

func (s *Store) PutStableID(ctx context.Context, agentID, sessionID, stableID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stable_ids (agent_id, session_id, stable_id)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, session_id) DO UPDATE SET stable_id = excluded.stable_id`,
		agentID, sessionID, stableID)
	if err != nil {
		return fmt.Errorf("put stable id: %w", err)
	}
	return nil
}

// RecordEnded appends an ended session to the history.
func (s *Store) RecordEnded(ctx context.Context, st session.State) error {
	ended := time.Now().UTC()
	if st.EndedAt != nil {
		ended = st.EndedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_log
		(agent_id, session_id, stable_id, cwd, model, started_at, ended_at, end_reason, last_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AgentID, st.SessionID, st.StableID, st.CWD, st.Model,
		st.StartedAt.UTC(), ended, st.EndReason, st.LastMessage)
	if err != nil {
		return fmt.Errorf("record ended session: %w", err)
	}
	return nil
}

// RecentSessions returns the newest ended sessions, optionally for one agent.
func (s *Store) RecentSessions(ctx context.Context, agentID string, limit int) ([]*EndedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, agent_id, session_id, stable_id, cwd, model, started_at, ended_at, end_reason, last_message
		FROM session_log`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY ended_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*EndedSession
	for rows.Next() {
		e := &EndedSession{}
		if err := rows.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.StableID, &e.CWD, &e.Model,
			&e.StartedAt, &e.EndedAt, &e.EndReason, &e.LastMessage); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory deletes history rows that ended before cutoff.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_log WHERE ended_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

var _ session.Archive = (*Store)(nil)
