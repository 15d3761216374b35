package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawdeck/internal/protocol"
)

// Request sends a tagged request over the connected channel and waits for
// the correlated response. It fails fast when the session is not
// connected; a response that never arrives surfaces as ErrRequestTimeout.
// Requests are never retried here — retry policy belongs to the caller.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	pr := &pendingRequest{ch: make(chan protocol.Frame, 1)}
	c.pending[id] = pr
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}

	frame := protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
	if err := c.writeFrame(ctx, frame); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-pr.ch:
		if res.Succeeded() {
			return res.Payload, nil
		}
		if res.Error != nil {
			if res.Error.Message == ErrConnectionClosed.Error() {
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("%s failed: %s (code %d)", method, res.Error.Message, res.Error.Code)
		}
		return nil, fmt.Errorf("%s failed", method)
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// resolveRequest completes a pending request. At most one response per id
// is honored; late or duplicate responses find no pending entry and are
// ignored.
func (c *Conn) resolveRequest(frame protocol.Frame) {
	c.mu.Lock()
	pr, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.ch <- frame
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
