// Package ingest provides the bounded buffer between a gateway connection
// and the event normalizer. It enforces backpressure on noisy streaming
// frames, checks per-kind sequence continuity, and drains single-flight.
package ingest

import (
	"log/slog"
	"sync"

	"github.com/basket/clawdeck/internal/normalize"
	"github.com/basket/clawdeck/internal/protocol"
)

// DefaultCapacity bounds the queue when no explicit capacity is configured.
const DefaultCapacity = 5000

// Sink receives normalized envelopes in arrival order.
type Sink func(*normalize.Envelope)

type item struct {
	kind    string
	payload map[string]any
	seq     *int64
}

// Stats is a snapshot of the queue's diagnostic counters.
type Stats struct {
	Depth        int
	ParserErrors int64
	StreamGaps   int64
	DroppedNoisy int64
}

// Queue is a bounded FIFO ahead of one Normalizer. All methods are safe
// for concurrent use; the drain pass itself is single-flight.
type Queue struct {
	mu       sync.Mutex
	items    []item
	capacity int
	draining bool

	lastSeq map[string]int64
	norm    *normalize.Normalizer
	sink    Sink
	log     *slog.Logger

	parserErrors int64
	streamGaps   int64
	droppedNoisy int64

	// onGap, when set, observes detected gaps (metrics hook).
	onGap     func(kind string, expected, got int64)
	onDropped func(kind string)
	onError   func(kind string)
}

// Option tweaks queue construction.
type Option func(*Queue)

// WithCapacity overrides the default queue bound.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithGapObserver registers a callback invoked on every detected
// sequence discontinuity.
func WithGapObserver(fn func(kind string, expected, got int64)) Option {
	return func(q *Queue) { q.onGap = fn }
}

// WithDropObserver registers a callback invoked on every dropped noisy frame.
func WithDropObserver(fn func(kind string)) Option {
	return func(q *Queue) { q.onDropped = fn }
}

// WithErrorObserver registers a callback invoked on every frame the
// normalizer rejects.
func WithErrorObserver(fn func(kind string)) Option {
	return func(q *Queue) { q.onError = fn }
}

// New builds a queue draining into norm and delivering envelopes to sink.
func New(norm *normalize.Normalizer, sink Sink, opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		lastSeq:  make(map[string]int64),
		norm:     norm,
		sink:     sink,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a frame and drains the queue unless a drain pass is
// already running; items enqueued mid-drain are picked up by that pass.
//
// At capacity, a noisy chat streaming delta is dropped outright; any
// other frame evicts the oldest queued entry to make room.
func (q *Queue) Enqueue(kind string, payload map[string]any, seq *int64) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		if isNoisy(kind, payload) {
			q.droppedNoisy++
			if q.onDropped != nil {
				q.onDropped(kind)
			}
			q.mu.Unlock()
			return
		}
		q.items = q.items[1:]
	}
	q.items = append(q.items, item{kind: kind, payload: payload, seq: seq})

	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.checkSeq(it.kind, it.seq)

		env, err := q.norm.Normalize(it.kind, it.payload, it.seq)
		if err != nil {
			q.mu.Lock()
			q.parserErrors++
			q.mu.Unlock()
			if q.onError != nil {
				q.onError(it.kind)
			}
			q.log.Debug("ingest: frame skipped", "kind", it.kind, "error", err)
			continue
		}
		if env != nil && q.sink != nil {
			q.sink(env)
		}
	}
}

// checkSeq verifies per-kind sequence continuity. Gaps and regressions
// are diagnosed but never block processing.
func (q *Queue) checkSeq(kind string, seq *int64) {
	if seq == nil {
		return
	}
	q.mu.Lock()
	last, seen := q.lastSeq[kind]
	q.lastSeq[kind] = *seq
	q.mu.Unlock()

	if !seen {
		return
	}
	expected := last + 1
	if *seq != expected {
		q.mu.Lock()
		q.streamGaps++
		q.mu.Unlock()
		if q.onGap != nil {
			q.onGap(kind, expected, *seq)
		}
		q.log.Warn("ingest: sequence discontinuity", "kind", kind, "expected", expected, "received", *seq)
	}
}

// Stats returns a snapshot of the diagnostic counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:        len(q.items),
		ParserErrors: q.parserErrors,
		StreamGaps:   q.streamGaps,
		DroppedNoisy: q.droppedNoisy,
	}
}

// isNoisy reports whether a frame is a high-frequency chat streaming
// delta, eligible for dropping under backpressure.
func isNoisy(kind string, payload map[string]any) bool {
	if kind != normalize.KindChat {
		return false
	}
	state := protocol.StringField(payload, "state")
	return state == "" || state == "delta"
}
