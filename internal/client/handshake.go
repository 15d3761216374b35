package client

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawdeck/internal/protocol"
)

// Protocol version bounds advertised in the connect request.
const (
	minProtocolVersion = 1
	maxProtocolVersion = 2
)

// payloadVersionPlain and payloadVersionNonce version the canonical signed
// string; the nonce form is v2.
const (
	payloadVersionPlain = "v1"
	payloadVersionNonce = "v2"
)

var defaultCaps = []string{"events", "requests"}

// signedPayload builds the pipe-delimited canonical string covered by the
// device signature. Field order is part of the wire contract.
func signedPayload(version, deviceID, clientID, clientMode, role string, scopes []string, signedAt int64, token, nonce string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	parts := []string{
		version,
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(sorted, ","),
		strconv.FormatInt(signedAt, 10),
		token,
	}
	if nonce != "" {
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}

// sendHandshake signs and sends the connect request. The guard flag keeps
// the debounce path and the challenge path from both sending; it is reset
// only when a new connect attempt begins.
func (c *Conn) sendHandshake(nonce string) {
	c.mu.Lock()
	if c.handshakeSent || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.handshakeSent = true
	id := uuid.NewString()
	c.handshakeID = id
	c.mu.Unlock()

	ident := c.opts.Identity
	token := c.opts.AuthToken
	if token == "" && ident != nil {
		if cached := ident.LoadToken(c.opts.Role); cached != nil {
			token = cached.Token
		}
	}

	version := payloadVersionPlain
	if nonce != "" {
		version = payloadVersionNonce
	}
	signedAt := time.Now().UnixMilli()

	params := protocol.ConnectParams{
		MinProtocol: minProtocolVersion,
		MaxProtocol: maxProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.Version,
			Platform: runtime.GOOS,
			Mode:     c.opts.ClientMode,
		},
		Caps:      defaultCaps,
		Role:      c.opts.Role,
		Scopes:    c.opts.Scopes,
		Locale:    "en",
		UserAgent: c.opts.ClientID + "/" + c.opts.Version,
	}
	if token != "" {
		params.Auth = &protocol.AuthInfo{Token: token}
	}
	if ident != nil {
		canonical := signedPayload(version, ident.DeviceID, c.opts.ClientID, c.opts.ClientMode,
			c.opts.Role, c.opts.Scopes, signedAt, token, nonce)
		params.Device = protocol.DeviceInfo{
			ID:        ident.DeviceID,
			PublicKey: ident.PublicKeyBase64(),
			Signature: ident.Sign(canonical),
			SignedAt:  signedAt,
			Nonce:     nonce,
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		c.failAttempt(fmt.Errorf("encode connect params: %w", err))
		return
	}
	frame := protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: "connect",
		Params: raw,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.writeFrame(ctx, frame); err != nil {
		c.log.Warn("client: handshake send failed", "error", err)
	}
}

// handleHandshakeResponse accepts hello-ok delivered as the payload of a
// correlated response frame.
func (c *Conn) handleHandshakeResponse(frame protocol.Frame) {
	if !frame.Succeeded() {
		msg := "handshake rejected"
		if frame.Error != nil && frame.Error.Message != "" {
			msg = frame.Error.Message
		}
		c.failAttempt(fmt.Errorf("handshake rejected by gateway: %s", msg))
		return
	}
	var payload protocol.HelloPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.failAttempt(fmt.Errorf("malformed hello payload: %w", err))
			return
		}
	}
	if payload.Type != "" && payload.Type != protocol.TypeHelloOK {
		c.failAttempt(fmt.Errorf("unexpected handshake payload type %q", payload.Type))
		return
	}
	c.completeHandshake(payload)
}

// finishHandshake accepts a standalone hello-ok frame.
func (c *Conn) finishHandshake(raw json.RawMessage) {
	var payload protocol.HelloPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.log.Warn("client: malformed hello-ok payload", "error", err)
		}
	}
	c.completeHandshake(payload)
}

func (c *Conn) completeHandshake(payload protocol.HelloPayload) {
	if payload.Auth != nil && payload.Auth.DeviceToken != "" && c.opts.Identity != nil {
		role := payload.Auth.Role
		if role == "" {
			role = c.opts.Role
		}
		c.opts.Identity.StoreToken(role, payload.Auth.DeviceToken, payload.Auth.Scopes)
	}

	c.mu.Lock()
	c.reconnectAttempts = 0
	c.lastError = nil
	c.setStatusLocked(StatusConnected)
	c.deliverConnectLocked(nil)
	c.mu.Unlock()
	c.log.Info("client: connected", "role", c.opts.Role)
}
