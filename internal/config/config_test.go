package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAWDECK_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Client.ID != "clawdeck" || cfg.Client.Mode != "backend" {
		t.Errorf("client defaults = %+v", cfg.Client)
	}
	if cfg.Queue.Capacity != 5000 {
		t.Errorf("queue capacity = %d, want 5000", cfg.Queue.Capacity)
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("hosts = %v, want none", cfg.Hosts)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWDECK_HOME", home)
	yaml := `
log_level: debug
active_host: lab
hosts:
  - id: lab
    url: wss://lab.example.com/ws
    scopes: [sessions.read]
  - url: ws://127.0.0.1:18789/ws
queue:
  capacity: 100
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.ActiveHost != "lab" {
		t.Errorf("active host = %q", cfg.ActiveHost)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(cfg.Hosts))
	}
	if cfg.Hosts[0].Role != "operator" {
		t.Errorf("role default = %q, want operator", cfg.Hosts[0].Role)
	}
	if cfg.Hosts[1].ID != "127.0.0.1-18789" {
		t.Errorf("derived host id = %q", cfg.Hosts[1].ID)
	}
	if cfg.Queue.Capacity != 100 {
		t.Errorf("queue capacity = %d", cfg.Queue.Capacity)
	}
}

func TestLoadRejectsBadHosts(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWDECK_HOME", home)

	cases := []struct {
		name string
		yaml string
	}{
		{"missing url", "hosts:\n  - id: a\n"},
		{"duplicate ids", "hosts:\n  - id: a\n    url: ws://one\n  - id: a\n    url: ws://two\n"},
		{"unknown active", "active_host: nope\nhosts:\n  - id: a\n    url: ws://one\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGatewayURLOverride(t *testing.T) {
	t.Setenv("CLAWDECK_HOME", t.TempDir())
	t.Setenv("CLAWDECK_GATEWAY_URL", "wss://gw.example.com/ws")
	t.Setenv("CLAWDECK_TOKEN", "tok-1")
	t.Setenv("CLAWDECK_ROLE", "viewer")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Hosts) != 1 {
		t.Fatalf("hosts = %d, want 1", len(cfg.Hosts))
	}
	h := cfg.Hosts[0]
	if h.URL != "wss://gw.example.com/ws" || h.Token != "tok-1" || h.Role != "viewer" {
		t.Errorf("override host = %+v", h)
	}
	if cfg.ActiveHost != h.ID {
		t.Errorf("active host = %q, want %q", cfg.ActiveHost, h.ID)
	}
}

func TestHostIDFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"wss://gw.example.com/ws", "gw.example.com"},
		{"ws://127.0.0.1:18789/ws", "127.0.0.1-18789"},
		{"ws://host?x=1", "host"},
		{"", "host-3"},
	}
	for _, tc := range cases {
		if got := hostIDFromURL(tc.url, 3); got != tc.want {
			t.Errorf("hostIDFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestFingerprintTracksHosts(t *testing.T) {
	a := Config{LogLevel: "info", Hosts: []HostConfig{{ID: "a", URL: "ws://one", Role: "operator"}}}
	b := a
	b.Hosts = []HostConfig{{ID: "a", URL: "ws://two", Role: "operator"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change when a host URL changes")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Error("fingerprint should be stable for the same config")
	}
}
