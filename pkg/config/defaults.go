package config

import "time"

// DefaultConfig returns the built-in defaults. User YAML overrides these
// field by field; absent fields keep the default.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:   ":8090",
			LogFormat:    "text",
			LogLevel:     "info",
			MaxBodyBytes: 256 * 1024,
		},
		Storage: StorageConfig{
			DataDir:                "./data",
			SegmentMaxBytes:        100 << 20,
			Durability:             "flush_per_append",
			FlushInterval:          Duration(100 * time.Millisecond),
			SnapshotIntervalEvents: 1000,
		},
		Security: SecurityConfig{
			MasterSecretEnv: "RELAY_MASTER_SECRET",
			CreateRate:      10,
			RespondRate:     20,
			Burst:           3,
			TimeoutCap:      Duration(5 * time.Minute),
			SkewAllowance:   Duration(30 * time.Second),
			NonceCapacity:   1024,
		},
		Sessions: SessionsConfig{
			IdleSessionTimeout:  Duration(time.Hour),
			MaxSessionsPerAgent: 3,
		},
		Fabric: FabricConfig{
			InboxCapacity: 256,
			MaxWait:       Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			ArchiveRetention: Duration(24 * time.Hour),
			CleanupInterval:  Duration(5 * time.Minute),
		},
	}
}
