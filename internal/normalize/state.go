package normalize

import (
	"strings"
	"time"
)

const (
	// parentHistoryCap bounds the per-parent activity history consulted
	// by spawn inference. Tunable, not load-bearing.
	parentHistoryCap = 10

	// spawnWindow is how far back a parent's activity may be for it to
	// be considered the spawner of a newly observed subagent.
	spawnWindow = 10 * time.Second
)

// State is the process-lifetime memory of one Normalizer: run→session
// lookup, parent activity histories, and cached spawn inferences. One
// State per gateway connection; never shared across connections.
type State struct {
	runSession     map[string]string
	parentActivity map[string][]time.Time

	// inferred caches the spawn-inference result per subagent key,
	// including negative results, so a key is only ever inferred once.
	inferred map[string]string
}

// NewState returns an empty normalizer state.
func NewState() *State {
	return &State{
		runSession:     make(map[string]string),
		parentActivity: make(map[string][]time.Time),
		inferred:       make(map[string]string),
	}
}

// IsSubagentKey reports whether a session key encodes the subagent marker.
func IsSubagentKey(key string) bool {
	return strings.Contains(key, "subagent")
}

// isLifecycleKey reports whether a session key is the reserved lifecycle
// channel, which never participates in spawn inference.
func isLifecycleKey(key string) bool {
	return strings.Contains(key, "lifecycle")
}

// MapRun remembers which session a run belongs to, for frames that carry
// only a run id.
func (s *State) MapRun(runID, sessionKey string) {
	s.runSession[runID] = sessionKey
}

// SessionForRun returns the session key previously observed for runID.
func (s *State) SessionForRun(runID string) string {
	return s.runSession[runID]
}

// RecordActivity appends an activity timestamp to a parent candidate's
// history. Subagent and lifecycle keys are never candidates.
func (s *State) RecordActivity(sessionKey string, at time.Time) {
	if IsSubagentKey(sessionKey) || isLifecycleKey(sessionKey) {
		return
	}
	hist := append(s.parentActivity[sessionKey], at)
	if len(hist) > parentHistoryCap {
		hist = hist[len(hist)-parentHistoryCap:]
	}
	s.parentActivity[sessionKey] = hist
}

// InferParent resolves the spawning session for a subagent key first seen
// at t. The most recently active parent within the lookback window wins;
// the result, including "no parent", is cached for the process lifetime.
// Best effort only: concurrent parents inside the window are
// indistinguishable and recency breaks the tie.
func (s *State) InferParent(subagentKey string, t time.Time) string {
	if parent, done := s.inferred[subagentKey]; done {
		return parent
	}

	var best string
	var bestAt time.Time
	for key, hist := range s.parentActivity {
		for _, at := range hist {
			if at.After(t) {
				continue
			}
			if t.Sub(at) > spawnWindow {
				continue
			}
			if best == "" || at.After(bestAt) {
				best = key
				bestAt = at
			}
		}
	}
	s.inferred[subagentKey] = best
	return best
}
