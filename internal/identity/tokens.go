package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RoleToken is a cached per-role session token minted by a gateway for
// this device. One entry per (device, role) pair.
type RoleToken struct {
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Token cache failures are deliberately non-fatal: the handshake can
// always request a fresh token from the gateway, so a broken cache file
// degrades to "no cached token" instead of propagating.

// LoadToken returns the cached token for role, or nil if none is cached
// or the cache entry is unreadable.
func (i *Identity) LoadToken(role string) *RoleToken {
	data, err := os.ReadFile(i.tokenPath(role))
	if err != nil {
		return nil
	}
	var tok RoleToken
	if err := json.Unmarshal(data, &tok); err != nil {
		slog.Warn("identity: token cache entry unreadable", "role", role, "error", err)
		return nil
	}
	if tok.Token == "" {
		return nil
	}
	return &tok
}

// StoreToken caches a freshly minted token for role.
func (i *Identity) StoreToken(role, token string, scopes []string) {
	tok := RoleToken{Token: token, Scopes: scopes, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Join(i.dir, "tokens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("identity: cannot create token cache dir", "error", err)
		return
	}
	if err := os.WriteFile(i.tokenPath(role), data, 0o600); err != nil {
		slog.Warn("identity: cannot persist token", "role", role, "error", err)
	}
}

// ClearToken drops the cached token for role. Called when the gateway
// reports the token no longer matches its records.
func (i *Identity) ClearToken(role string) {
	if err := os.Remove(i.tokenPath(role)); err != nil && !os.IsNotExist(err) {
		slog.Warn("identity: cannot clear token", "role", role, "error", err)
	}
}

func (i *Identity) tokenPath(role string) string {
	name := fmt.Sprintf("%s.%s.json", shortID(i.DeviceID), sanitizeRole(role))
	return filepath.Join(i.dir, "tokens", name)
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func sanitizeRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, role)
}
