package bus

import (
	"time"

	"github.com/basket/clawdeck/internal/normalize"
)

// Gateway connection topics.
const (
	TopicConnStatus = "conn.status"
)

// Domain delta topics, published as the active host's stream is
// materialized.
const (
	TopicSessionUpdated = "session.updated"
	TopicRunUpdated     = "run.updated"
	TopicEventAppended  = "event.appended"
	TopicExecUpdated    = "exec.updated"
)

// ConnStatusEvent is published when a host's connection changes state.
type ConnStatusEvent struct {
	HostID string // Host identifier from config
	Status string // disconnected, connecting, or connected
	At     time.Time
}

// SessionUpdatedEvent carries a session delta from the active host.
type SessionUpdatedEvent struct {
	HostID  string
	Session *normalize.SessionDelta
}

// RunUpdatedEvent carries a run delta from the active host.
type RunUpdatedEvent struct {
	HostID string
	Run    *normalize.RunDelta
}

// EventAppendedEvent carries one appended event from the active host.
type EventAppendedEvent struct {
	HostID string
	Event  *normalize.Event
}

// ExecUpdatedEvent carries an exec snapshot from the active host.
type ExecUpdatedEvent struct {
	HostID string
	Exec   *normalize.Exec
}
