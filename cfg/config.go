package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TapConfiguration holds the stream engine tunables. Every field here is
// mirrored by a hot-reloadable TapConfig at runtime.
type TapConfiguration struct {
	AckWindowSize          uint64  `toml:"ack_window_size"`
	AckInterval            uint64  `toml:"ack_interval"`
	AckGracePeriodSeconds  uint64  `toml:"ack_grace_period_seconds"`
	AckInitialSequence     uint64  `toml:"ack_initial_sequence_number"`
	BGMaxPending           uint64  `toml:"bg_max_pending"`
	BacklogLimit           uint64  `toml:"backlog_limit"`
	BackoffPeriodSeconds   float64 `toml:"backoff_period_seconds"`
	RequeueSleepSeconds    float64 `toml:"requeue_sleep_seconds"`
	BackfillResident       float64 `toml:"backfill_resident"`
	NoopIntervalSeconds    uint64  `toml:"noop_interval_seconds"`
	KeepaliveSeconds       uint64  `toml:"keepalive_seconds"`
	MaxMemoryOverheadBytes uint64  `toml:"max_memory_overhead"`
	TakeoverMaxAckLogSize  uint64  `toml:"takeover_max_ack_log_size"`
	BackfillNearCompletion uint64  `toml:"backfill_near_completion_items"`
}

// CheckpointConfiguration controls the in-memory checkpoint manager
type CheckpointConfiguration struct {
	MaxItems                    int  `toml:"max_items"`
	KeepClosed                  bool `toml:"keep_closed"`
	InconsistentSlaveCheckpoint bool `toml:"inconsistent_slave_checkpoint"`
}

// StoreConfiguration controls the bundled key/value store
type StoreConfiguration struct {
	NumVBuckets      int `toml:"num_vbuckets"`
	ResidentCapacity int `toml:"resident_capacity"` // Items kept in memory before eviction to disk
}

// DispatcherConfiguration controls background task runners
type DispatcherConfiguration struct {
	Workers         int `toml:"workers"`
	ReadOnlyWorkers int `toml:"read_only_workers"` // Background fetch and backfill scans
	SlowTaskMS      int `toml:"slow_task_ms"`
}

// AdminConfiguration for the admin HTTP surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// SinkConfiguration describes one broker the stream is published to
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "debezium" or "msgpack"
	Topic           string   `toml:"topic"`
	Brokers         []string `toml:"brokers"`  // Kafka only
	NatsURL         string   `toml:"nats_url"` // NATS only
	BatchSize       int      `toml:"batch_size"`
	FilterKeys      []string `toml:"filter_keys"` // Glob patterns, empty publishes every key
	VBuckets        []uint16 `toml:"vbuckets"`    // Empty streams every vbucket
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// PublisherConfiguration controls publishing the stream to external brokers
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Tap        TapConfiguration        `toml:"tap"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Store      StoreConfiguration      `toml:"store"`
	Dispatcher DispatcherConfiguration `toml:"dispatcher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// DefaultTapConfiguration returns the stream engine defaults
func DefaultTapConfiguration() TapConfiguration {
	return TapConfiguration{
		AckWindowSize:          10,
		AckInterval:            1000,
		AckGracePeriodSeconds:  300,
		AckInitialSequence:     1,
		BGMaxPending:           500,
		BacklogLimit:           5000,
		BackoffPeriodSeconds:   5.0,
		RequeueSleepSeconds:    0.1,
		BackfillResident:       0.9,
		NoopIntervalSeconds:    20,
		KeepaliveSeconds:       0,
		MaxMemoryOverheadBytes: 1 << 30,
		TakeoverMaxAckLogSize:  10,
		BackfillNearCompletion: 100,
	}
}

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./tapstream-data",

	Tap: DefaultTapConfiguration(),

	Checkpoint: CheckpointConfiguration{
		MaxItems:                    500,
		KeepClosed:                  false,
		InconsistentSlaveCheckpoint: false,
	},

	Store: StoreConfiguration{
		NumVBuckets:      1024,
		ResidentCapacity: 1_000_000,
	},

	Dispatcher: DispatcherConfiguration{
		Workers:         2,
		ReadOnlyWorkers: 4,
		SlowTaskMS:      500,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    11220,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// ReloadTap re-reads the [tap] section of configPath without touching the
// rest of the running configuration.
func ReloadTap(configPath string) (TapConfiguration, error) {
	fresh := struct {
		Tap TapConfiguration `toml:"tap"`
	}{Tap: Config.Tap}

	if _, err := toml.DecodeFile(configPath, &fresh); err != nil {
		return TapConfiguration{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validateTap(&fresh.Tap); err != nil {
		return TapConfiguration{}, err
	}

	Config.Tap = fresh.Tap
	return fresh.Tap, nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tapstream")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if err := validateTap(&Config.Tap); err != nil {
		return err
	}

	if Config.Checkpoint.MaxItems < 1 {
		return fmt.Errorf("checkpoint max items must be >= 1")
	}

	if Config.Store.NumVBuckets < 1 || Config.Store.NumVBuckets > 65536 {
		return fmt.Errorf("invalid vbucket count: %d", Config.Store.NumVBuckets)
	}

	if Config.Store.ResidentCapacity < 1 {
		return fmt.Errorf("store resident capacity must be >= 1")
	}

	if Config.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be >= 1")
	}

	if Config.Dispatcher.ReadOnlyWorkers < 1 {
		return fmt.Errorf("dispatcher read-only workers must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Publisher.Enabled {
		if err := validateSinks(Config.Publisher.Sinks); err != nil {
			return err
		}
	}

	return nil
}

func validateTap(t *TapConfiguration) error {
	if t.AckWindowSize < 1 {
		return fmt.Errorf("tap ack window size must be >= 1")
	}

	if t.AckInterval < 1 {
		return fmt.Errorf("tap ack interval must be >= 1")
	}

	if t.AckInitialSequence < 1 || t.AckInitialSequence > 0xFFFFFFFF {
		return fmt.Errorf("tap initial sequence number must be in [1, 2^32)")
	}

	if t.BackoffPeriodSeconds < 0 {
		return fmt.Errorf("tap backoff period must be >= 0")
	}

	if t.RequeueSleepSeconds < 0 {
		return fmt.Errorf("tap requeue sleep time must be >= 0")
	}

	if t.BackfillResident < 0 || t.BackfillResident > 1 {
		return fmt.Errorf("tap backfill resident threshold must be in [0, 1]")
	}

	return nil
}

func validateSinks(sinks []SinkConfiguration) error {
	seen := make(map[string]struct{}, len(sinks))
	for _, s := range sinks {
		if s.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate publisher sink name: %s", s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Type {
		case "kafka":
			if len(s.Brokers) == 0 {
				return fmt.Errorf("kafka sink %s requires brokers", s.Name)
			}
		case "nats":
			if s.NatsURL == "" {
				return fmt.Errorf("nats sink %s requires nats_url", s.Name)
			}
		default:
			return fmt.Errorf("unknown sink type for %s: %s", s.Name, s.Type)
		}

		if s.Format != "debezium" && s.Format != "msgpack" {
			return fmt.Errorf("unknown format for %s: %s", s.Name, s.Format)
		}
		for _, vb := range s.VBuckets {
			if int(vb) >= Config.Store.NumVBuckets {
				return fmt.Errorf("sink %s names vbucket %d beyond vbucket count", s.Name, vb)
			}
		}
	}
	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return GetAdminSecret() != ""
}

// GetAdminSecret returns the admin secret, checking the environment first
func GetAdminSecret() string {
	if secret := os.Getenv("TAPSTREAM_ADMIN_SECRET"); secret != "" {
		return secret
	}
	return Config.Admin.Secret
}

// GetCursorStorePath returns the directory of the registered client cursor store
func GetCursorStorePath() string {
	return path.Join(Config.DataDir, "cursors")
}
