package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"time"

	"github.com/basket/clawdeck/internal/normalize"
)

// nullTime maps the zero time to NULL so COALESCE merges skip it.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Apply materializes every delta in env within a single transaction, so
// partial failures never leave a frame half-applied.
func (s *Store) Apply(ctx context.Context, env *normalize.Envelope) error {
	if env == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	if env.Session != nil {
		if err := applySession(ctx, tx, env.Session); err != nil {
			return err
		}
	}
	if env.Run != nil {
		if err := applyRun(ctx, tx, env.Run); err != nil {
			return err
		}
	}
	if env.Event != nil {
		if err := applyEvent(ctx, tx, env.Event); err != nil {
			return err
		}
	}
	if env.Exec != nil {
		if err := applyExec(ctx, tx, env.Exec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// applySession merges a partial session onto the existing row. Deltas are
// order-tolerant: each field keeps the most informative value, and
// spawned_by is first-writer-wins so a later delta without a parent never
// clears an earlier inference.
func applySession(ctx context.Context, tx *sql.Tx, d *normalize.SessionDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_key, agent_id, channel, status, last_activity_at, spawned_by)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(session_key) DO UPDATE SET
			agent_id         = excluded.agent_id,
			channel          = excluded.channel,
			status           = excluded.status,
			last_activity_at = COALESCE(excluded.last_activity_at, sessions.last_activity_at),
			spawned_by       = COALESCE(sessions.spawned_by, excluded.spawned_by);
	`, d.Key, d.AgentID, d.Channel, d.Status, nullTime(d.LastActivityAt), d.SpawnedBy)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", d.Key, err)
	}
	return nil
}

// applyRun upserts a run. Runs only move forward: once a terminal state
// is recorded, state, ended_at and error are sticky.
func applyRun(ctx context.Context, tx *sql.Tx, d *normalize.RunDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_key, state, started_at, ended_at, error, last_seq, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			session_key = CASE WHEN runs.session_key = '' THEN excluded.session_key ELSE runs.session_key END,
			state = CASE
				WHEN runs.state IN ('final', 'error', 'aborted') THEN runs.state
				ELSE excluded.state
			END,
			started_at = COALESCE(runs.started_at, excluded.started_at),
			ended_at = CASE
				WHEN runs.state IN ('final', 'error', 'aborted') THEN runs.ended_at
				ELSE COALESCE(excluded.ended_at, runs.ended_at)
			END,
			error = CASE
				WHEN runs.state IN ('final', 'error', 'aborted') THEN runs.error
				ELSE COALESCE(excluded.error, runs.error)
			END,
			last_seq      = COALESCE(excluded.last_seq, runs.last_seq),
			input_tokens  = COALESCE(excluded.input_tokens, runs.input_tokens),
			output_tokens = COALESCE(excluded.output_tokens, runs.output_tokens);
	`, d.RunID, d.SessionKey, d.State, nullTime(d.StartedAt), d.EndedAt, d.Error, d.LastSeq, d.InputTokens, d.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", d.RunID, err)
	}
	return nil
}

// applyEvent appends an event. Event ids are deterministic from the frame,
// so re-delivery overwrites the same row instead of duplicating it.
func applyEvent(ctx context.Context, tx *sql.Tx, e *normalize.Event) error {
	payload := ""
	if e.Payload != nil {
		if data, err := json.Marshal(e.Payload); err == nil {
			payload = string(data)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, session_key, kind, stream, phase, tool_name, state, seq, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			payload = excluded.payload,
			state   = excluded.state;
	`, e.EventID, e.RunID, e.SessionKey, e.Kind, e.Stream, e.Phase, e.ToolName, e.State, e.Seq, e.TS, payload)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.EventID, err)
	}
	return nil
}

// applyExec upserts an exec snapshot. Status never regresses from a
// terminal state back to running.
func applyExec(ctx context.Context, tx *sql.Tx, x *normalize.Exec) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execs (exec_id, run_id, session_key, command, status, exit_code, output_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exec_id) DO UPDATE SET
			run_id      = CASE WHEN execs.run_id = '' THEN excluded.run_id ELSE execs.run_id END,
			session_key = CASE WHEN execs.session_key = '' THEN excluded.session_key ELSE execs.session_key END,
			command     = CASE WHEN excluded.command != '' THEN excluded.command ELSE execs.command END,
			status = CASE
				WHEN execs.status IN ('completed', 'failed') THEN execs.status
				ELSE excluded.status
			END,
			exit_code      = COALESCE(excluded.exit_code, execs.exit_code),
			output_preview = CASE WHEN excluded.output_preview != '' THEN excluded.output_preview ELSE execs.output_preview END,
			updated_at     = excluded.updated_at;
	`, x.ExecID, x.RunID, x.SessionKey, x.Command, x.Status, x.ExitCode, x.OutputPreview, x.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert exec %s: %w", x.ExecID, err)
	}
	return nil
}
