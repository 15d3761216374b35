package ingest

import (
	"fmt"
	"testing"

	"github.com/basket/clawdeck/internal/normalize"
)

func seqPtr(v int64) *int64 { return &v }

func chatPayload(run string, seq int64) map[string]any {
	return map[string]any{
		"runId":      run,
		"sessionKey": "agent:main:cli",
		"state":      "delta",
		"ts":         float64(100000 + seq),
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	var got []string
	q := New(normalize.New(), func(env *normalize.Envelope) {
		got = append(got, env.Run.RunID)
	})

	for i := int64(1); i <= 3; i++ {
		q.Enqueue(normalize.KindChat, chatPayload(fmt.Sprintf("run-%d", i), i), seqPtr(i))
	}

	if len(got) != 3 {
		t.Fatalf("delivered %d envelopes, want 3", len(got))
	}
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if got[i] != id {
			t.Errorf("delivery %d = %q, want %q", i, got[i], id)
		}
	}
	if depth := q.Stats().Depth; depth != 0 {
		t.Errorf("depth after drain = %d, want 0", depth)
	}
}

func TestQueueCountsSequenceGaps(t *testing.T) {
	cases := []struct {
		name     string
		seqs     []int64
		wantGaps int64
	}{
		{"contiguous", []int64{1, 2, 3}, 0},
		{"single gap", []int64{1, 2, 4}, 1},
		{"regression counts too", []int64{3, 2}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var observed int
			q := New(normalize.New(), nil,
				WithGapObserver(func(kind string, expected, got int64) { observed++ }))
			for _, s := range tc.seqs {
				q.Enqueue(normalize.KindChat, chatPayload("run-1", s), seqPtr(s))
			}
			if gaps := q.Stats().StreamGaps; gaps != tc.wantGaps {
				t.Errorf("stream gaps = %d, want %d", gaps, tc.wantGaps)
			}
			if int64(observed) != tc.wantGaps {
				t.Errorf("observer fired %d times, want %d", observed, tc.wantGaps)
			}
		})
	}
}

func TestQueueTracksSequencePerKind(t *testing.T) {
	q := New(normalize.New(), nil)
	q.Enqueue(normalize.KindChat, chatPayload("run-1", 1), seqPtr(1))
	q.Enqueue(normalize.KindExec, map[string]any{"pid": float64(9)}, seqPtr(1))
	q.Enqueue(normalize.KindChat, chatPayload("run-1", 2), seqPtr(2))
	if gaps := q.Stats().StreamGaps; gaps != 0 {
		t.Errorf("interleaved kinds produced %d gaps, want 0", gaps)
	}
}

func TestQueueCountsParserErrors(t *testing.T) {
	q := New(normalize.New(), nil)
	q.Enqueue(normalize.KindChat, map[string]any{"state": "delta"}, nil) // no runId
	q.Enqueue(normalize.KindExec, map[string]any{"command": "ls"}, nil)  // no pid
	if errs := q.Stats().ParserErrors; errs != 2 {
		t.Errorf("parser errors = %d, want 2", errs)
	}
}

func TestQueueIgnoresUnknownKinds(t *testing.T) {
	delivered := 0
	q := New(normalize.New(), func(*normalize.Envelope) { delivered++ })
	q.Enqueue("presence", map[string]any{"x": 1}, nil)
	if delivered != 0 {
		t.Errorf("unknown kind delivered %d envelopes", delivered)
	}
	if errs := q.Stats().ParserErrors; errs != 0 {
		t.Errorf("unknown kind counted as parser error")
	}
}

func TestQueueDropsNoisyAtCapacity(t *testing.T) {
	var dropped []string
	q := New(normalize.New(), nil,
		WithCapacity(2),
		WithDropObserver(func(kind string) { dropped = append(dropped, kind) }))

	// Hold the drain so items accumulate the way they would under a slow
	// normalizer.
	q.draining = true
	q.Enqueue(normalize.KindChat, chatPayload("run-1", 1), seqPtr(1))
	q.Enqueue(normalize.KindChat, chatPayload("run-2", 2), seqPtr(2))

	// At capacity: a noisy delta is discarded outright.
	q.Enqueue(normalize.KindChat, chatPayload("run-3", 3), seqPtr(3))
	if got := q.Stats().DroppedNoisy; got != 1 {
		t.Fatalf("dropped noisy = %d, want 1", got)
	}
	if len(dropped) != 1 || dropped[0] != normalize.KindChat {
		t.Errorf("drop observer saw %v", dropped)
	}
	if depth := q.Stats().Depth; depth != 2 {
		t.Errorf("depth = %d, want 2 after drop", depth)
	}

	// A non-noisy frame evicts the oldest entry instead.
	final := chatPayload("run-4", 4)
	final["state"] = "final"
	q.Enqueue(normalize.KindChat, final, seqPtr(4))
	if depth := q.Stats().Depth; depth != 2 {
		t.Errorf("depth = %d, want 2 after eviction", depth)
	}
	if q.items[0].payload["runId"] != "run-2" {
		t.Errorf("oldest item not evicted, head is %v", q.items[0].payload["runId"])
	}
	if q.items[1].payload["runId"] != "run-4" {
		t.Errorf("newest item missing, tail is %v", q.items[1].payload["runId"])
	}
}

func TestIsNoisy(t *testing.T) {
	cases := []struct {
		kind    string
		payload map[string]any
		want    bool
	}{
		{normalize.KindChat, map[string]any{"state": "delta"}, true},
		{normalize.KindChat, map[string]any{}, true},
		{normalize.KindChat, map[string]any{"state": "final"}, false},
		{normalize.KindExec, map[string]any{"state": "delta"}, false},
	}
	for _, tc := range cases {
		if got := isNoisy(tc.kind, tc.payload); got != tc.want {
			t.Errorf("isNoisy(%q, %v) = %v, want %v", tc.kind, tc.payload, got, tc.want)
		}
	}
}
