// Package protocol defines the JSON wire format spoken between clawdeck
// and a claw gateway: one frame object per WebSocket message, with four
// frame shapes discriminated by the "type" field.
package protocol

import "encoding/json"

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
	TypeHelloOK  = "hello-ok"
)

// EventChallenge is the event name carrying a one-time handshake nonce.
const EventChallenge = "connect.challenge"

// Frame is the envelope for every wire message. Only the fields belonging
// to the frame's Type are populated; the rest stay at their zero values
// and are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// event; Payload is shared with res frames, Seq is nil when the
	// gateway did not number the frame
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`

	// hello-ok
	Protocol int `json:"protocol,omitempty"`
}

// FrameError carries a failure response body.
type FrameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Succeeded reports whether a response frame carries an explicit success flag.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// ChallengePayload is the body of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ClientInfo describes the connecting client in a connect request.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// DeviceInfo is the signed device identity block of a connect request.
type DeviceInfo struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// AuthInfo carries an optional bearer token on a connect request.
type AuthInfo struct {
	Token string `json:"token"`
}

// ConnectParams is the body of the connect request sent during the handshake.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Device      DeviceInfo `json:"device"`
	Locale      string     `json:"locale,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`
}

// HelloAuth is the nested auth block of a hello-ok payload. A non-empty
// DeviceToken means the gateway minted a fresh per-role token for this device.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// HelloPayload is the hello-ok body, whether delivered as a standalone
// hello-ok frame or nested inside a response payload.
type HelloPayload struct {
	Type string     `json:"type,omitempty"`
	Auth *HelloAuth `json:"auth,omitempty"`
}
