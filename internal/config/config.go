package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawdeck/internal/otel"
)

// HostConfig describes one gateway endpoint the deck can attach to.
type HostConfig struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
	// Token is a pre-shared auth token. When empty the device relies on
	// its cached role token or pairing approval on the gateway side.
	Token string `yaml:"token"`
}

// ClientConfig identifies this deck instance to gateways.
type ClientConfig struct {
	ID      string `yaml:"id"`
	Mode    string `yaml:"mode"`
	Version string `yaml:"version"`
}

// QueueConfig tunes the ingestion queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// ActiveHost selects which configured host materializes into the
	// local store. Empty means the first host listed.
	ActiveHost string `yaml:"active_host"`

	Hosts  []HostConfig `yaml:"hosts"`
	Client ClientConfig `yaml:"client"`
	Queue  QueueConfig  `yaml:"queue"`
	OTel   otel.Config  `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Client: ClientConfig{
			ID:   "clawdeck",
			Mode: "backend",
		},
		Queue: QueueConfig{Capacity: 5000},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawdeck")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the path of the materialized SQLite database.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "deck.db")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateHosts(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Client.ID == "" {
		cfg.Client.ID = "clawdeck"
	}
	if cfg.Client.Mode == "" {
		cfg.Client.Mode = "backend"
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 5000
	}
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		if h.Role == "" {
			h.Role = "operator"
		}
		if h.ID == "" {
			h.ID = hostIDFromURL(h.URL, i)
		}
	}
	if cfg.ActiveHost == "" && len(cfg.Hosts) > 0 {
		cfg.ActiveHost = cfg.Hosts[0].ID
	}
}

func validateHosts(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h.URL == "" {
			return fmt.Errorf("host %q has no url", h.ID)
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
	}
	if cfg.ActiveHost != "" && len(cfg.Hosts) > 0 && !seen[cfg.ActiveHost] {
		return fmt.Errorf("active_host %q is not a configured host", cfg.ActiveHost)
	}
	return nil
}

// hostIDFromURL derives a usable id from the endpoint when none is given.
func hostIDFromURL(url string, idx int) string {
	trimmed := url
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.ReplaceAll(trimmed, ":", "-")
	if trimmed == "" {
		return fmt.Sprintf("host-%d", idx)
	}
	return trimmed
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWDECK_ACTIVE_HOST"); raw != "" {
		cfg.ActiveHost = raw
	}
	if raw := os.Getenv("CLAWDECK_QUEUE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Capacity = v
		}
	}
	if raw := os.Getenv("CLAWDECK_GATEWAY_URL"); raw != "" {
		// A bare URL override replaces the host list with a single host,
		// keeping quickstart setups config-free.
		cfg.Hosts = []HostConfig{{
			ID:    hostIDFromURL(raw, 0),
			URL:   raw,
			Role:  envOr("CLAWDECK_ROLE", "operator"),
			Token: os.Getenv("CLAWDECK_TOKEN"),
		}}
		cfg.ActiveHost = cfg.Hosts[0].ID
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|active=%s|queue=%d|hosts=%d", c.LogLevel, c.ActiveHost, c.Queue.Capacity, len(c.Hosts))
	for _, host := range c.Hosts {
		fmt.Fprintf(h, "|%s=%s:%s", host.ID, host.URL, host.Role)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
