// Package config loads and validates the server configuration from YAML with
// environment-variable expansion, merged over built-in defaults.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string like "30s" or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the umbrella configuration object returned by Initialize and
// threaded through the constructed components. No process-wide singletons:
// every component receives the section it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityConfig  `yaml:"security"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Fabric    FabricConfig    `yaml:"fabric"`
	Retention RetentionConfig `yaml:"retention"`

	// masterSecret is resolved from the environment at load time and never
	// serialised.
	masterSecret []byte
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	LogFormat    string `yaml:"log_format"` // "text" or "json"
	LogLevel     string `yaml:"log_level"`  // debug, info, warn, error
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// StorageConfig holds event log and snapshot settings.
type StorageConfig struct {
	DataDir                string   `yaml:"data_dir"`
	SegmentMaxBytes        int64    `yaml:"segment_max_bytes"`
	Durability             string   `yaml:"durability"` // flush_per_append, flush_per_batch, flush_none
	FlushInterval          Duration `yaml:"flush_interval"`
	SnapshotIntervalEvents uint64   `yaml:"snapshot_interval_events"`

	// DisableSegmentCompression keeps rotated segments uncompressed. Phrased
	// as a disable flag so the zero value composes with the defaults merge.
	DisableSegmentCompression bool `yaml:"disable_segment_compression"`
}

// SecurityConfig holds rate limits, nonce retention inputs, and the master
// secret source.
type SecurityConfig struct {
	// MasterSecretEnv names the environment variable carrying the
	// process-wide master secret. The secret itself never appears in YAML.
	MasterSecretEnv string `yaml:"master_secret_env"`

	CreateRate    float64  `yaml:"create_rate"`  // per minute per agent
	RespondRate   float64  `yaml:"respond_rate"` // per minute per agent
	Burst         int      `yaml:"burst"`
	TimeoutCap    Duration `yaml:"timeout_cap"`
	SkewAllowance Duration `yaml:"skew_allowance"`
	NonceCapacity int      `yaml:"nonce_capacity"` // per agent
}

// NonceRetention is how long observed nonces must be held: the maximum
// elicitation lifetime plus the accepted clock skew.
func (s SecurityConfig) NonceRetention() time.Duration {
	return s.TimeoutCap.Std() + s.SkewAllowance.Std()
}

// SessionsConfig holds session lifecycle settings.
type SessionsConfig struct {
	IdleSessionTimeout  Duration `yaml:"idle_session_timeout"`
	MaxSessionsPerAgent int      `yaml:"max_sessions_per_agent"`
}

// FabricConfig holds notification fabric settings.
type FabricConfig struct {
	InboxCapacity int      `yaml:"inbox_capacity"`
	MaxWait       Duration `yaml:"max_wait"`
}

// RetentionConfig holds the retention service settings.
type RetentionConfig struct {
	// ArchiveRetention bounds how long terminal elicitations stay readable in
	// the projection archive. The event log keeps the full history.
	ArchiveRetention Duration `yaml:"archive_retention"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`
}

// MasterSecret returns the resolved master secret.
func (c *Config) MasterSecret() []byte {
	return c.masterSecret
}
