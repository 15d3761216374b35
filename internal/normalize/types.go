// Package normalize turns raw gateway frames into typed domain deltas:
// partial sessions, partial runs, append-only events, and exec snapshots.
// The transformation is pure except for process-lifetime state used for
// run→session lookup and parent spawn inference.
package normalize

import "time"

// Session statuses.
const (
	SessionIdle     = "idle"
	SessionActive   = "active"
	SessionThinking = "thinking"
)

// Run states. Running is the only non-terminal state; once a run reaches
// a terminal state its end time and error are sticky.
const (
	RunRunning = "running"
	RunFinal   = "final"
	RunError   = "error"
	RunAborted = "aborted"
)

// Exec statuses. Status only moves forward: running → completed|failed.
const (
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Event kinds.
const (
	KindChat   = "chat"
	KindAgent  = "agent"
	KindExec   = "exec"
	KindSystem = "system"
)

// SessionDelta is a partial update for a session, merged onto whatever
// the store already holds for the same key.
type SessionDelta struct {
	Key            string
	AgentID        string
	Channel        string
	Status         string
	LastActivityAt time.Time
	// SpawnedBy is set at most once per subagent session; a later delta
	// without a parent never clears an earlier inference.
	SpawnedBy string
}

// RunDelta is a partial update for a run.
type RunDelta struct {
	RunID      string
	SessionKey string
	State      string
	StartedAt  time.Time
	EndedAt    *time.Time
	Error      string
	LastSeq    *int64

	// Optional token usage carried on chat frames.
	InputTokens  *int64
	OutputTokens *int64
}

// Event is one append-only record derived from a frame. EventID is
// deterministic from the frame contents so re-delivery upserts instead
// of duplicating.
type Event struct {
	EventID    string
	RunID      string
	SessionKey string
	Kind       string
	Stream     string
	Phase      string
	ToolName   string
	State      string
	Seq        *int64
	TS         time.Time
	Payload    map[string]any
}

// Exec is a snapshot of one observed process.
type Exec struct {
	ExecID        string
	RunID         string
	SessionKey    string
	Command       string
	Status        string
	ExitCode      *int64
	OutputPreview string
	UpdatedAt     time.Time
}

// Envelope carries zero or more deltas produced from a single frame.
type Envelope struct {
	Session *SessionDelta
	Run     *RunDelta
	Event   *Event
	Exec    *Exec
}
