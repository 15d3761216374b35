package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Counts summarizes the materialized model for status reporting.
type Counts struct {
	Sessions    int64 `json:"sessions"`
	ActiveRuns  int64 `json:"active_runs"`
	Runs        int64 `json:"runs"`
	Events      int64 `json:"events"`
	RunningExec int64 `json:"running_execs"`
	Execs       int64 `json:"execs"`
}

// TokenTotals aggregates token usage over every run of a session.
type TokenTotals struct {
	SessionKey   string `json:"session_key"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ListSessions returns all sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, agent_id, channel, status, last_activity_at, COALESCE(spawned_by, '')
		FROM sessions
		ORDER BY last_activity_at DESC, session_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var lastActivity sql.NullTime
		if err := rows.Scan(&sess.Key, &sess.AgentID, &sess.Channel, &sess.Status, &lastActivity, &sess.SpawnedBy); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if lastActivity.Valid {
			t := lastActivity.Time
			sess.LastActivityAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListRuns returns the runs of one session, newest first. An empty
// sessionKey returns runs across all sessions.
func (s *Store) ListRuns(ctx context.Context, sessionKey string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, session_key, state, started_at, ended_at, COALESCE(error, ''),
		       last_seq, COALESCE(input_tokens, 0), COALESCE(output_tokens, 0)
		FROM runs
		WHERE (? = '' OR session_key = ?)
		ORDER BY started_at DESC, run_id ASC`, sessionKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var started, ended sql.NullTime
		var lastSeq sql.NullInt64
		if err := rows.Scan(&run.RunID, &run.SessionKey, &run.State, &started, &ended,
			&run.Error, &lastSeq, &run.InputTokens, &run.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if started.Valid {
			t := started.Time
			run.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			run.EndedAt = &t
		}
		if lastSeq.Valid {
			v := lastSeq.Int64
			run.LastSeq = &v
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListEvents returns up to limit events of one run in sequence order.
// limit <= 0 means no cap.
func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, session_key, kind,
		       COALESCE(stream, ''), COALESCE(phase, ''), COALESCE(tool_name, ''), COALESCE(state, ''),
		       seq, ts, COALESCE(payload, '')
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC, ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var seq sql.NullInt64
		var ts sql.NullTime
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.SessionKey, &ev.Kind,
			&ev.Stream, &ev.Phase, &ev.ToolName, &ev.State, &seq, &ts, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if seq.Valid {
			v := seq.Int64
			ev.Seq = &v
		}
		if ts.Valid {
			ev.TS = ts.Time
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListExecs returns exec snapshots for one session, most recent first. An
// empty sessionKey returns execs across all sessions.
func (s *Store) ListExecs(ctx context.Context, sessionKey string) ([]ExecRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exec_id, run_id, session_key, command, status, exit_code, output_preview, updated_at
		FROM execs
		WHERE (? = '' OR session_key = ?)
		ORDER BY updated_at DESC, exec_id ASC`, sessionKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list execs: %w", err)
	}
	defer rows.Close()

	var out []ExecRecord
	for rows.Next() {
		var ex ExecRecord
		var exitCode sql.NullInt64
		var updated sql.NullTime
		if err := rows.Scan(&ex.ExecID, &ex.RunID, &ex.SessionKey, &ex.Command, &ex.Status,
			&exitCode, &ex.OutputPreview, &updated); err != nil {
			return nil, fmt.Errorf("scan exec: %w", err)
		}
		if exitCode.Valid {
			v := exitCode.Int64
			ex.ExitCode = &v
		}
		if updated.Valid {
			ex.UpdatedAt = updated.Time
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SessionTokenTotals sums token usage over all runs of a session.
func (s *Store) SessionTokenTotals(ctx context.Context, sessionKey string) (TokenTotals, error) {
	totals := TokenTotals{SessionKey: sessionKey}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM runs WHERE session_key = ?`, sessionKey).
		Scan(&totals.InputTokens, &totals.OutputTokens)
	if err != nil {
		return totals, fmt.Errorf("sum session tokens: %w", err)
	}
	return totals, nil
}

// Snapshot returns row counts for status reporting.
func (s *Store) Snapshot(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM runs),
			(SELECT COUNT(*) FROM runs WHERE state = 'running'),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM execs),
			(SELECT COUNT(*) FROM execs WHERE status = 'running')`).
		Scan(&c.Sessions, &c.Runs, &c.ActiveRuns, &c.Events, &c.Execs, &c.RunningExec)
	if err != nil {
		return c, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
