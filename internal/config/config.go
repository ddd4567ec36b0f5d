// Package config loads fixgated configuration using koanf/v2.
//
// Supports YAML files and environment variables, in the same
// defaults -> file -> env -> validate layering the teacher uses.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete fixgated configuration.
type Config struct {
	Admin    AdminConfig     `koanf:"admin"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Engine   EngineConfig    `koanf:"engine"`
	Sessions []SessionConfig `koanf:"sessions"`
}

// AdminConfig holds the admin RPC server configuration (spec.md §6).
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// EngineConfig holds engine-wide defaults shared by every session (spec.md
// §4.1-§4.4 storage layout, §4.5/§4.6 replay limiters).
type EngineConfig struct {
	// LogFileDir is the directory holding the sequence-number index, the
	// replay index files and the recording coordinator state (spec.md §6
	// "On-disk files (all under log_file_dir)").
	LogFileDir string `koanf:"log_file_dir"`

	// IndexFlushIntervalMs is the sequence-number index's flush-after-T-ms
	// policy (spec.md §4.1, default 200ms).
	IndexFlushIntervalMs int `koanf:"index_flush_interval_ms"`

	// IndexFlushRecords is the flush-after-N-records policy.
	IndexFlushRecords int `koanf:"index_flush_records"`

	// FIXReplayLimit bounds how many distinct (begin,end) RESEND_REQUEST
	// ranges a FIX session may be serving at once; a range is counted
	// only while it is being served, so it is not a lifetime total (spec.md
	// §9 Open Question: "the replay limiter's exact threshold is
	// configurable... treat it as a knob, not an invariant").
	FIXReplayLimit int `koanf:"fix_replay_limit"`

	// FIXPReplayLimit is the equivalent cap for FIXP RETRANSMIT_REQUEST,
	// named after fixPAcceptedSessionMaxRetransmissionRange.
	FIXPReplayLimit int `koanf:"fixp_replay_limit"`
}

// SessionConfig describes one declarative counterparty session from the
// configuration file. Each entry creates a session binding on daemon
// startup.
type SessionConfig struct {
	// Protocol selects "fix" or "fixp".
	Protocol string `koanf:"protocol"`

	// Role is "initiator" or "acceptor" (FIX only; FIXP sessions in this
	// engine are always acceptors, spec.md §4.6).
	Role string `koanf:"role"`

	// SenderCompID/TargetCompID identify a FIX session (spec.md §3).
	SenderCompID string `koanf:"sender_comp_id"`
	TargetCompID string `koanf:"target_comp_id"`
	Qualifier    string `koanf:"qualifier"`

	// FIXPSessionID identifies a FIXP session (spec.md §3).
	FIXPSessionID uint64 `koanf:"fixp_session_id"`

	// PeerAddr is the remote counterparty's host:port.
	PeerAddr string `koanf:"peer_addr"`

	// HeartbeatInterval is the FIX liveness interval (spec.md §4.5).
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// KeepAliveMin/KeepAliveMax bound the FIXP keep_alive_interval a
	// counterparty may request at ESTABLISH (spec.md §4.6).
	KeepAliveMin time.Duration `koanf:"keep_alive_min"`
	KeepAliveMax time.Duration `koanf:"keep_alive_max"`

	// NoLogonDisconnectTimeout bounds how long a FIXP connection may sit
	// ACCEPTED/NEGOTIATED without completing ESTABLISH (spec.md §4.6).
	NoLogonDisconnectTimeout time.Duration `koanf:"no_logon_disconnect_timeout"`

	// Precision names the sending_time precision: "seconds", "millis",
	// "micros", "nanos" (spec.md §4.5). It is copied into the FIX
	// session's config, but the FIX encoder does not apply it: SendingTime
	// is always written at millisecond precision.
	Precision string `koanf:"precision"`

	// SendWindow is loaded from the configuration but not passed to any
	// session: the engine leaves the FIX session's sending-time accuracy
	// window (fixsess.Config.SendWindow) at zero, which disables that
	// check, and no outbound in-flight limit exists.
	SendWindow int `koanf:"send_window"`
}

// SessionKey returns a unique identifier for the session, used for
// diffing sessions on reload and for duplicate detection in validation.
func (sc SessionConfig) SessionKey() string {
	if strings.EqualFold(sc.Protocol, "fixp") {
		return fmt.Sprintf("fixp|%d", sc.FIXPSessionID)
	}
	return fmt.Sprintf("fix|%s|%s|%s", sc.SenderCompID, sc.TargetCompID, sc.Qualifier)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			LogFileDir:           "./data",
			IndexFlushIntervalMs: 200,
			IndexFlushRecords:    1000,
			FIXReplayLimit:       1000,
			FIXPReplayLimit:      1000,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fixgated configuration.
// Variables are named FIXGATE_<section>_<key>, e.g., FIXGATE_ADMIN_ADDR.
const envPrefix = "FIXGATE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FIXGATE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FIXGATE_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                     defaults.Admin.Addr,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"engine.log_file_dir":            defaults.Engine.LogFileDir,
		"engine.index_flush_interval_ms": defaults.Engine.IndexFlushIntervalMs,
		"engine.index_flush_records":     defaults.Engine.IndexFlushRecords,
		"engine.fix_replay_limit":        defaults.Engine.FIXReplayLimit,
		"engine.fixp_replay_limit":       defaults.Engine.FIXPReplayLimit,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyAdminAddr         = errors.New("admin.addr must not be empty")
	ErrEmptyLogFileDir        = errors.New("engine.log_file_dir must not be empty")
	ErrInvalidReplayLimit     = errors.New("engine replay limit must be >= 1")
	ErrInvalidSessionProtocol = errors.New("session protocol must be fix or fixp")
	ErrInvalidSessionRole     = errors.New("fix session role must be initiator or acceptor")
	ErrMissingCompIDs         = errors.New("fix session requires sender_comp_id and target_comp_id")
	ErrMissingFIXPSessionID   = errors.New("fixp session requires a nonzero fixp_session_id")
	ErrInvalidKeepAliveRange  = errors.New("keep_alive_min must be <= keep_alive_max")
	ErrDuplicateSessionKey    = errors.New("duplicate session key")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}
	if cfg.Engine.LogFileDir == "" {
		return ErrEmptyLogFileDir
	}
	if cfg.Engine.FIXReplayLimit < 1 || cfg.Engine.FIXPReplayLimit < 1 {
		return ErrInvalidReplayLimit
	}
	return validateSessions(cfg.Sessions)
}

// validSessionProtocols lists the recognized protocol strings.
var validSessionProtocols = map[string]bool{
	"fix":  true,
	"fixp": true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		protocol := strings.ToLower(sc.Protocol)
		if !validSessionProtocols[protocol] {
			return fmt.Errorf("sessions[%d] protocol %q: %w", i, sc.Protocol, ErrInvalidSessionProtocol)
		}

		switch protocol {
		case "fix":
			if sc.Role != "initiator" && sc.Role != "acceptor" {
				return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidSessionRole)
			}
			if sc.SenderCompID == "" || sc.TargetCompID == "" {
				return fmt.Errorf("sessions[%d]: %w", i, ErrMissingCompIDs)
			}
		case "fixp":
			if sc.FIXPSessionID == 0 {
				return fmt.Errorf("sessions[%d]: %w", i, ErrMissingFIXPSessionID)
			}
			if sc.KeepAliveMin > 0 && sc.KeepAliveMax > 0 && sc.KeepAliveMin > sc.KeepAliveMax {
				return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidKeepAliveRange)
			}
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
