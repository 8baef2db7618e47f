package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/peerchat/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Peer     Peer     `json:"peer"`
	Timing   Timing   `json:"timing"`
}

type Identity struct {
	// Opaque id issued by the external identity provider.
	UserID string `json:"user_id"`
}

type Relay struct {
	// Bind address for the relay server. Default "127.0.0.1".
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// "sqlite" or "memory".
	Store string `json:"store"`

	// SQLite file, relative to the working directory.
	DBPath string `json:"db_path"`

	SignalTTLSec       int `json:"signal_ttl_seconds"`
	MessageTTLHours    int `json:"message_ttl_hours"`
	OnlineThresholdSec int `json:"online_threshold_seconds"`

	// Password for /logs.json (HTTP Basic Auth, user: "admin").
	// Empty disables admin endpoints.
	AdminPassword string `json:"admin_password"`

	// Per-IP POST budget per minute.
	RateLimitPerMin int `json:"rate_limit_per_minute"`
}

type Peer struct {
	RelayURL string `json:"relay_url"`

	// "poll" or "stream".
	SignalMode     string `json:"signal_mode"`
	PollIntervalMs int    `json:"poll_interval_ms"`

	ICEServers []string `json:"ice_servers"`

	// Gather loopback candidates (same-host testing).
	IncludeLoopback bool `json:"include_loopback"`

	HistorySize  int    `json:"history_size"`
	PionLogLevel string `json:"pion_log_level"`
}

type Timing struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `json:"heartbeat_timeout_ms"`
	AckTimeoutMs        int `json:"ack_timeout_ms"`
	ICERestartBackoffMs int `json:"ice_restart_backoff_ms"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Bind:               "127.0.0.1",
			Port:               8787,
			Store:              "sqlite",
			DBPath:             "data/relay.db",
			SignalTTLSec:       300,
			MessageTTLHours:    24,
			OnlineThresholdSec: 30,
			RateLimitPerMin:    600,
		},
		Peer: Peer{
			RelayURL:       "http://127.0.0.1:8787",
			SignalMode:     "poll",
			PollIntervalMs: 1000,
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			HistorySize:  200,
			PionLogLevel: "warn",
		},
		Timing: Timing{
			HeartbeatIntervalMs: 1000,
			HeartbeatTimeoutMs:  3000,
			AckTimeoutMs:        3000,
			ICERestartBackoffMs: 5000,
		},
	}
}

// ValidateRelay checks the sections used by the relay server.
func (c *Config) ValidateRelay() error {
	r := c.Relay
	if r.Port <= 0 || r.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if r.Bind != "" && net.ParseIP(r.Bind) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	switch r.Store {
	case "sqlite":
		if strings.TrimSpace(r.DBPath) == "" {
			return errors.New("relay.db_path is required when relay.store is sqlite")
		}
	case "memory":
	default:
		return errors.New(`relay.store must be "sqlite" or "memory"`)
	}
	if r.SignalTTLSec <= 0 {
		return errors.New("relay.signal_ttl_seconds must be > 0")
	}
	if r.MessageTTLHours <= 0 {
		return errors.New("relay.message_ttl_hours must be > 0")
	}
	if r.OnlineThresholdSec <= 0 {
		return errors.New("relay.online_threshold_seconds must be > 0")
	}
	if r.RateLimitPerMin <= 0 {
		return errors.New("relay.rate_limit_per_minute must be > 0")
	}
	return nil
}

// ValidatePeer checks the sections used by a chat peer.
func (c *Config) ValidatePeer() error {
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	p := c.Peer
	if err := validateRelayURL(p.RelayURL); err != nil {
		return fmt.Errorf("peer.relay_url: %w", err)
	}
	if p.SignalMode != "poll" && p.SignalMode != "stream" {
		return errors.New(`peer.signal_mode must be "poll" or "stream"`)
	}
	if p.PollIntervalMs < 100 {
		return errors.New("peer.poll_interval_ms must be >= 100")
	}
	if len(p.ICEServers) < 2 && !p.IncludeLoopback {
		return errors.New("peer.ice_servers needs at least two servers")
	}
	for _, s := range p.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("peer.ice_servers: unsupported url %q", s)
		}
	}
	if p.HistorySize <= 0 {
		return errors.New("peer.history_size must be > 0")
	}
	t := c.Timing
	if t.HeartbeatIntervalMs <= 0 {
		return errors.New("timing.heartbeat_interval_ms must be > 0")
	}
	if t.HeartbeatTimeoutMs <= t.HeartbeatIntervalMs {
		return errors.New("timing.heartbeat_timeout_ms must be > timing.heartbeat_interval_ms")
	}
	if t.AckTimeoutMs <= 0 {
		return errors.New("timing.ack_timeout_ms must be > 0")
	}
	if t.ICERestartBackoffMs <= 0 {
		return errors.New("timing.ice_restart_backoff_ms must be > 0")
	}
	return nil
}

// Validate checks every section. The relay and peer commands validate only
// the sections they use.
func (c *Config) Validate() error {
	if err := c.ValidateRelay(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return nil
	}
	return c.ValidatePeer()
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func (t Timing) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}

func (t Timing) HeartbeatTimeout() time.Duration {
	return time.Duration(t.HeartbeatTimeoutMs) * time.Millisecond
}

func (t Timing) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMs) * time.Millisecond
}

func (t Timing) ICERestartBackoff() time.Duration {
	return time.Duration(t.ICERestartBackoffMs) * time.Millisecond
}

func (r Relay) Addr() string {
	bind := r.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return net.JoinHostPort(bind, fmt.Sprint(r.Port))
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
