package normalize

import (
	"testing"
	"time"
)

func TestRecordActivityCapsHistory(t *testing.T) {
	s := NewState()
	base := time.UnixMilli(100000)
	for i := 0; i < parentHistoryCap+5; i++ {
		s.RecordActivity("agent:main:cli", base.Add(time.Duration(i)*time.Second))
	}
	if got := len(s.parentActivity["agent:main:cli"]); got != parentHistoryCap {
		t.Errorf("history length = %d, want %d", got, parentHistoryCap)
	}
	// The oldest entries are evicted, not the newest.
	hist := s.parentActivity["agent:main:cli"]
	if hist[len(hist)-1] != base.Add(time.Duration(parentHistoryCap+4)*time.Second) {
		t.Error("newest activity should be retained")
	}
}

func TestRecordActivitySkipsNonCandidates(t *testing.T) {
	s := NewState()
	at := time.UnixMilli(100000)
	s.RecordActivity("agent:main:subagent:x", at)
	s.RecordActivity("agent:main:lifecycle", at)
	if len(s.parentActivity) != 0 {
		t.Errorf("non-candidate keys recorded: %v", s.parentActivity)
	}
}

func TestInferParentPicksMostRecent(t *testing.T) {
	s := NewState()
	base := time.UnixMilli(100000)
	s.RecordActivity("agent:main:cli", base)
	s.RecordActivity("agent:other:cli", base.Add(3*time.Second))

	got := s.InferParent("agent:main:subagent:x", base.Add(5*time.Second))
	if got != "agent:other:cli" {
		t.Errorf("inferred parent = %q, want the most recently active one", got)
	}
}

func TestInferParentIgnoresFutureActivity(t *testing.T) {
	s := NewState()
	base := time.UnixMilli(100000)
	s.RecordActivity("agent:main:cli", base.Add(2*time.Second))

	if got := s.InferParent("agent:main:subagent:x", base); got != "" {
		t.Errorf("inferred parent = %q, want none from future-only activity", got)
	}
}

func TestInferParentCachesResult(t *testing.T) {
	s := NewState()
	base := time.UnixMilli(100000)

	// First inference finds nothing and must stick, even after a parent
	// becomes visible later.
	if got := s.InferParent("agent:main:subagent:x", base); got != "" {
		t.Fatalf("unexpected parent %q", got)
	}
	s.RecordActivity("agent:main:cli", base)
	if got := s.InferParent("agent:main:subagent:x", base.Add(time.Second)); got != "" {
		t.Errorf("cached negative result overwritten with %q", got)
	}
}

func TestMapRunLookup(t *testing.T) {
	s := NewState()
	s.MapRun("run-1", "agent:main:cli")
	if got := s.SessionForRun("run-1"); got != "agent:main:cli" {
		t.Errorf("SessionForRun = %q", got)
	}
	if got := s.SessionForRun("run-2"); got != "" {
		t.Errorf("unknown run resolved to %q", got)
	}
}
