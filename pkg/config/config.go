package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the resolved tunnel options. Values come from Default()
// (env fallbacks), then the optional YAML config file, then flag
// overrides applied by the caller.
type Config struct {
	HostID        string        `yaml:"host_id"`
	RegistryRoot  string        `yaml:"registry_root"`
	OverlayAddr   string        `yaml:"overlay_addr"`
	OverlayDB     int           `yaml:"overlay_db"`
	OverlayPrefix string        `yaml:"overlay_prefix"`
	AnnounceTTL   time.Duration `yaml:"announce_ttl"`
	Interval      time.Duration `yaml:"interval"`
	MaxPerCycle   int           `yaml:"max_per_cycle"`
	Hysteresis    int           `yaml:"hysteresis"`
	BridgeAll     bool          `yaml:"bridge_all"`
	Allow         []string      `yaml:"allow"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	LogLevel      string        `yaml:"log_level"`
}

type fileConfig struct {
	Tunnel Config `yaml:"tunnel"`
}

func Default() Config {
	host := envOr("SHMTUNNEL_HOST_ID", "")
	if host == "" {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "host"
		}
		host = name + "-" + uuid.NewString()[:8]
	}
	return Config{
		HostID:        host,
		RegistryRoot:  envOr("SHMTUNNEL_REGISTRY_ROOT", "/tmp/shmtunnel"),
		OverlayAddr:   envOr("SHMTUNNEL_OVERLAY_ADDR", "127.0.0.1:6379"),
		OverlayDB:     envInt("SHMTUNNEL_OVERLAY_DB", 0),
		OverlayPrefix: envOr("SHMTUNNEL_OVERLAY_PREFIX", "shmtunnel"),
		AnnounceTTL:   envDuration("SHMTUNNEL_ANNOUNCE_TTL_SEC", 10*time.Second),
		Interval:      envDuration("SHMTUNNEL_INTERVAL_MS", 500*time.Millisecond),
		MaxPerCycle:   envInt("SHMTUNNEL_MAX_PER_CYCLE", 64),
		Hysteresis:    envInt("SHMTUNNEL_HYSTERESIS", 3),
		BridgeAll:     os.Getenv("SHMTUNNEL_BRIDGE_ALL") == "1",
		MetricsAddr:   envOr("SHMTUNNEL_METRICS_ADDR", ""),
		LogLevel:      envOr("SHMTUNNEL_LOG_LEVEL", "info"),
	}
}

// Load reads the YAML config file at path on top of the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	fc := fileConfig{Tunnel: cfg}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc.Tunnel, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HostID) == "" {
		return fmt.Errorf("host_id must not be empty")
	}
	if strings.TrimSpace(c.RegistryRoot) == "" {
		return fmt.Errorf("registry_root must not be empty")
	}
	if strings.TrimSpace(c.OverlayAddr) == "" {
		return fmt.Errorf("overlay_addr must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.AnnounceTTL < c.Interval {
		return fmt.Errorf("announce_ttl %s must not be shorter than interval %s", c.AnnounceTTL, c.Interval)
	}
	if c.MaxPerCycle <= 0 {
		return fmt.Errorf("max_per_cycle must be positive, got %d", c.MaxPerCycle)
	}
	if c.Hysteresis <= 0 {
		return fmt.Errorf("hysteresis must be positive, got %d", c.Hysteresis)
	}
	for _, pattern := range c.Allow {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("allow pattern %q: %w", pattern, err)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	return nil
}

// Allows reports whether an egress bridge may be created for the named
// service under the configured admission policy.
func (c Config) Allows(name string) bool {
	if c.BridgeAll {
		return true
	}
	for _, pattern := range c.Allow {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Render returns the config as the YAML document `config show` prints.
func (c Config) Render() (string, error) {
	out, err := yaml.Marshal(fileConfig{Tunnel: c})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return fallback
	}
	if strings.HasSuffix(key, "_MS") {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(v) * time.Second
}
