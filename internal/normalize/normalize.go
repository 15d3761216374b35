package normalize

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/basket/clawdeck/internal/protocol"
)

const outputPreviewLimit = 240

// Normalizer converts raw (kind, payload, seq) tuples into Envelopes.
// It is not safe for concurrent use; each connection drains into its own
// instance.
type Normalizer struct {
	state *State
	now   func() time.Time
}

// New returns a Normalizer with fresh process-lifetime state.
func New() *Normalizer {
	return &Normalizer{state: NewState(), now: time.Now}
}

// State exposes the normalizer's memory for inspection in tests and
// diagnostics.
func (n *Normalizer) State() *State { return n.state }

// Normalize produces the deltas for one frame. A nil envelope with a nil
// error means the kind is unrecognized and deliberately ignored; a non-nil
// error means the payload was parseable JSON but malformed for its kind.
func (n *Normalizer) Normalize(kind string, payload map[string]any, seq *int64) (*Envelope, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	switch kind {
	case KindChat:
		return n.normalizeChat(payload, seq)
	case KindAgent:
		return n.normalizeAgent(payload, seq)
	case KindExec:
		return n.normalizeExec(payload, seq)
	default:
		// Unknown frame kinds are ignored for forward compatibility.
		return nil, nil
	}
}

func (n *Normalizer) normalizeChat(payload map[string]any, seq *int64) (*Envelope, error) {
	runID := protocol.StringField(payload, "runId", "run_id")
	sessionKey := protocol.StringField(payload, "sessionKey", "session_key", "sessionId", "session_id")
	if runID == "" {
		return nil, fmt.Errorf("chat frame missing runId")
	}
	if sessionKey == "" {
		return nil, fmt.Errorf("chat frame missing sessionKey")
	}

	ts, tsFromFrame := n.frameTime(payload)
	state := protocol.StringField(payload, "state")
	if state == "" {
		state = "delta"
	}

	agentID, channel := splitSessionKey(sessionKey)
	n.state.MapRun(runID, sessionKey)

	sess := &SessionDelta{
		Key:            sessionKey,
		AgentID:        agentID,
		Channel:        channel,
		Status:         SessionActive,
		LastActivityAt: ts,
	}
	if state == "delta" {
		sess.Status = SessionThinking
	}
	if IsSubagentKey(sessionKey) {
		sess.SpawnedBy = n.state.InferParent(sessionKey, ts)
	} else {
		n.state.RecordActivity(sessionKey, ts)
	}

	run := &RunDelta{
		RunID:      runID,
		SessionKey: sessionKey,
		State:      chatRunState(state),
		StartedAt:  ts,
		LastSeq:    seq,
	}
	if run.State != RunRunning {
		ended := ts
		run.EndedAt = &ended
	}
	if run.State == RunError {
		run.Error = protocol.StringField(payload, "error", "errorMessage", "message")
	}
	if usage := protocol.MapField(payload, "usage", "tokens"); usage != nil {
		if in, ok := protocol.IntField(usage, "input", "inputTokens", "input_tokens", "prompt"); ok {
			run.InputTokens = &in
		}
		if out, ok := protocol.IntField(usage, "output", "outputTokens", "output_tokens", "completion"); ok {
			run.OutputTokens = &out
		}
	}

	stream := protocol.StringField(payload, "stream")
	if stream == "" {
		stream = KindChat
	}
	evt := &Event{
		EventID:    eventID(runID, stream, seq, ts, tsFromFrame),
		RunID:      runID,
		SessionKey: sessionKey,
		Kind:       KindChat,
		Stream:     stream,
		State:      state,
		Seq:        seq,
		TS:         ts,
		Payload:    payload,
	}
	return &Envelope{Session: sess, Run: run, Event: evt}, nil
}

func (n *Normalizer) normalizeAgent(payload map[string]any, seq *int64) (*Envelope, error) {
	runID := protocol.StringField(payload, "runId", "run_id")
	if runID == "" {
		return nil, fmt.Errorf("agent frame missing runId")
	}
	sessionKey := protocol.StringField(payload, "sessionKey", "session_key", "sessionId", "session_id")
	if sessionKey == "" {
		sessionKey = n.state.SessionForRun(runID)
	}
	if sessionKey == "" {
		sessionKey = protocol.StringField(payload, "stream")
	}
	if sessionKey == "" {
		return nil, fmt.Errorf("agent frame for run %s: no session key resolved", runID)
	}

	ts, tsFromFrame := n.frameTime(payload)
	phase := protocol.NestedString(payload, []string{"data", "payload"}, "phase")
	toolName := protocol.NestedString(payload, []string{"data", "payload"}, "toolName", "tool_name", "tool")

	run := &RunDelta{
		RunID:      runID,
		SessionKey: sessionKey,
		State:      phaseRunState(phase),
		StartedAt:  ts,
		LastSeq:    seq,
	}
	if run.State != RunRunning {
		ended := ts
		run.EndedAt = &ended
	}
	if run.State == RunError {
		run.Error = protocol.StringField(payload, "error", "errorMessage", "message")
	}

	stream := protocol.StringField(payload, "stream")
	if stream == "" {
		stream = KindAgent
	}
	evt := &Event{
		EventID:    eventID(runID, stream, seq, ts, tsFromFrame),
		RunID:      runID,
		SessionKey: sessionKey,
		Kind:       KindAgent,
		Stream:     stream,
		Phase:      phase,
		ToolName:   toolName,
		Seq:        seq,
		TS:         ts,
		Payload:    payload,
	}
	return &Envelope{Run: run, Event: evt}, nil
}

func (n *Normalizer) normalizeExec(payload map[string]any, seq *int64) (*Envelope, error) {
	pid, ok := protocol.IntField(payload, "pid", "processId", "process_id")
	if !ok {
		return nil, fmt.Errorf("exec frame missing pid")
	}
	runID := protocol.StringField(payload, "runId", "run_id")
	sessionKey := protocol.StringField(payload, "sessionKey", "session_key")
	if sessionKey == "" && runID != "" {
		sessionKey = n.state.SessionForRun(runID)
	}

	phase := protocol.StringField(payload, "phase", "action", "status")
	if phase == "finished" { // legacy name
		phase = "completed"
	}

	ts, tsFromFrame := n.frameTime(payload)
	ex := &Exec{
		ExecID:     execID(runID, pid),
		RunID:      runID,
		SessionKey: sessionKey,
		Command:    protocol.StringField(payload, "command", "cmd"),
		UpdatedAt:  ts,
	}

	exitCode, hasExit := protocol.IntField(payload, "exitCode", "exit_code", "code")
	switch {
	case hasExit && exitCode != 0:
		code := exitCode
		ex.ExitCode = &code
		ex.Status = ExecFailed
	case phase == "completed":
		if hasExit {
			code := exitCode
			ex.ExitCode = &code
		}
		ex.Status = ExecCompleted
	default:
		ex.Status = ExecRunning
	}

	if out := protocol.StringField(payload, "output", "chunk", "preview"); out != "" {
		ex.OutputPreview = truncate(out, outputPreviewLimit)
	}

	stream := protocol.StringField(payload, "stream")
	if stream == "" {
		stream = KindExec
	}
	evt := &Event{
		EventID:    eventID(execRunKey(runID, pid), stream, seq, ts, tsFromFrame),
		RunID:      runID,
		SessionKey: sessionKey,
		Kind:       KindExec,
		Stream:     stream,
		Phase:      phase,
		State:      ex.Status,
		Seq:        seq,
		TS:         ts,
		Payload:    payload,
	}
	return &Envelope{Exec: ex, Event: evt}, nil
}

// frameTime extracts the frame's own timestamp. The boolean is false
// when the frame carried none and the arrival time is substituted.
func (n *Normalizer) frameTime(payload map[string]any) (time.Time, bool) {
	if ms, ok := protocol.IntField(payload, "ts", "timestamp", "at"); ok && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return n.now(), false
}

func chatRunState(state string) string {
	switch state {
	case "final":
		return RunFinal
	case "error":
		return RunError
	case "aborted":
		return RunAborted
	default:
		return RunRunning
	}
}

func phaseRunState(phase string) string {
	switch phase {
	case "error":
		return RunError
	case "end":
		return RunFinal
	default:
		return RunRunning
	}
}

func splitSessionKey(key string) (agentID, channel string) {
	agentID, channel = "main", "unknown"
	parts := strings.Split(key, ":")
	if len(parts) > 1 && parts[1] != "" {
		agentID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		channel = parts[2]
	}
	return agentID, channel
}

// eventID is deterministic from the identifying frame fields so that
// re-delivery of the same frame yields the same id. When the frame
// carried no timestamp of its own, the substituted arrival time is left
// out of the hash if a sequence number can identify the frame instead;
// a frame with neither field has nothing stable to hash and gets an
// arrival-time id.
func eventID(runID, stream string, seq *int64, ts time.Time, tsFromFrame bool) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|", runID, stream)
	if seq != nil {
		fmt.Fprintf(h, "%d|", *seq)
	} else {
		fmt.Fprint(h, "-|")
	}
	if tsFromFrame || seq == nil {
		fmt.Fprintf(h, "%d", ts.UnixMilli())
	} else {
		fmt.Fprint(h, "-")
	}
	return fmt.Sprintf("%s-%016x", shortRun(runID), h.Sum64())
}

func execID(runID string, pid int64) string {
	if runID == "" {
		return fmt.Sprintf("exec-%d", pid)
	}
	return fmt.Sprintf("%s-%d", runID, pid)
}

func execRunKey(runID string, pid int64) string {
	if runID == "" {
		return fmt.Sprintf("pid-%d", pid)
	}
	return runID
}

func shortRun(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	if runID == "" {
		return "anon"
	}
	return runID
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
