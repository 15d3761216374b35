// Package hosts manages named gateway endpoints, each with its own
// connection and ingestion queue, and routes deltas from only the active
// endpoint to the rest of the process.
package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/client"
	"github.com/basket/clawdeck/internal/ingest"
	"github.com/basket/clawdeck/internal/normalize"
	"github.com/basket/clawdeck/internal/protocol"
)

// EnvelopeHandler observes envelopes routed from the active host.
type EnvelopeHandler func(hostID string, env *normalize.Envelope)

// Host pairs one gateway connection with its ingestion queue.
type Host struct {
	ID    string
	Conn  *client.Conn
	Queue *ingest.Queue

	unsubEvent  func()
	unsubStatus func()
}

// Registry owns zero or more hosts and the active selection. Selection is
// user-driven; last writer wins.
type Registry struct {
	log *slog.Logger
	bus *bus.Bus

	mu       sync.Mutex
	hosts    map[string]*Host
	activeID string

	subMu     sync.Mutex
	handlers  map[int]EnvelopeHandler
	nextSubID int
}

// NewRegistry builds an empty registry publishing routed deltas on b.
// b may be nil when no bus fan-out is wanted.
func NewRegistry(b *bus.Bus, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		bus:      b,
		hosts:    make(map[string]*Host),
		handlers: make(map[int]EnvelopeHandler),
	}
}

// Add registers a host and wires its connection stream through the
// ingestion queue into the registry's routing. The first host added
// becomes the active selection.
func (r *Registry) Add(id string, conn *client.Conn, norm *normalize.Normalizer, opts ...ingest.Option) (*Host, error) {
	r.mu.Lock()
	if _, exists := r.hosts[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("host %q already registered", id)
	}
	queue := ingest.New(norm, func(env *normalize.Envelope) {
		r.route(id, env)
	}, opts...)

	h := &Host{ID: id, Conn: conn, Queue: queue}
	r.hosts[id] = h
	if r.activeID == "" {
		r.activeID = id
	}
	r.mu.Unlock()

	h.unsubEvent = conn.OnEvent(func(frame protocol.Frame) {
		var payload map[string]any
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				r.log.Debug("hosts: undecodable event payload", "host", id, "event", frame.Event)
				return
			}
		}
		queue.Enqueue(frame.Event, payload, frame.Seq)
	})
	h.unsubStatus = conn.OnStatusChange(func(s client.Status) {
		if r.bus != nil {
			r.bus.Publish(bus.TopicConnStatus, bus.ConnStatusEvent{
				HostID: id,
				Status: string(s),
				At:     time.Now(),
			})
		}
	})
	return h, nil
}

// Remove disconnects and drops a host. Removing the active host leaves
// no active selection.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	h, ok := r.hosts[id]
	if ok {
		delete(r.hosts, id)
		if r.activeID == id {
			r.activeID = ""
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if h.unsubEvent != nil {
		h.unsubEvent()
	}
	if h.unsubStatus != nil {
		h.unsubStatus()
	}
	h.Conn.Disconnect()
}

// SetActive selects which host's stream reaches listeners.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[id]; !ok {
		return fmt.Errorf("unknown host %q", id)
	}
	r.activeID = id
	return nil
}

// ActiveID returns the currently selected host id, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Get returns a registered host by id.
func (r *Registry) Get(id string) (*Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[id]
	return h, ok
}

// List returns all registered host ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	return ids
}

// ConnectAll brings up every registered host connection.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.Lock()
	conns := make([]*client.Conn, 0, len(r.hosts))
	for _, h := range r.hosts {
		conns = append(conns, h.Conn)
	}
	r.mu.Unlock()
	for _, c := range conns {
		if err := c.Connect(ctx); err != nil {
			r.log.Warn("hosts: initial connect failed, retrying in background", "error", err)
		}
	}
}

// DisconnectAll tears down every host connection without retries.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*client.Conn, 0, len(r.hosts))
	for _, h := range r.hosts {
		conns = append(conns, h.Conn)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// OnEnvelope registers a listener for routed envelopes and returns its
// unsubscribe func.
func (r *Registry) OnEnvelope(fn EnvelopeHandler) func() {
	r.subMu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.handlers[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.handlers, id)
		r.subMu.Unlock()
	}
}

// route delivers an envelope to listeners and the bus. Only the active
// host's stream is forwarded; the rest are ingested and discarded.
func (r *Registry) route(hostID string, env *normalize.Envelope) {
	r.mu.Lock()
	active := r.activeID == hostID
	r.mu.Unlock()
	if !active {
		return
	}

	r.subMu.Lock()
	handlers := make([]EnvelopeHandler, 0, len(r.handlers))
	for _, fn := range r.handlers {
		handlers = append(handlers, fn)
	}
	r.subMu.Unlock()
	for _, fn := range handlers {
		fn(hostID, env)
	}

	if r.bus == nil {
		return
	}
	if env.Session != nil {
		r.bus.Publish(bus.TopicSessionUpdated, bus.SessionUpdatedEvent{HostID: hostID, Session: env.Session})
	}
	if env.Run != nil {
		r.bus.Publish(bus.TopicRunUpdated, bus.RunUpdatedEvent{HostID: hostID, Run: env.Run})
	}
	if env.Event != nil {
		r.bus.Publish(bus.TopicEventAppended, bus.EventAppendedEvent{HostID: hostID, Event: env.Event})
	}
	if env.Exec != nil {
		r.bus.Publish(bus.TopicExecUpdated, bus.ExecUpdatedEvent{HostID: hostID, Exec: env.Exec})
	}
}
