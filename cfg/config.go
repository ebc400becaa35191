package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StateBackend selects where replication state is persisted
type StateBackend string

const (
	StateBackendPebble StateBackend = "pebble" // Local Pebble database under data_dir
	StateBackendEtcd   StateBackend = "etcd"   // etcd cluster (compare-and-swap updates)
	StateBackendMemory StateBackend = "memory" // Process memory, lost on restart
)

// BufferConfiguration controls the in-memory delivery buffer
type BufferConfiguration struct {
	Size          int `toml:"size"`            // Maximum queued batches
	GracePeriodMS int `toml:"grace_period_ms"` // Consumer shutdown grace period
}

// SinkConfiguration defines the downstream sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats"
	Format          string   `toml:"format"` // "msgpack", "debezium"
	Brokers         []string `toml:"brokers"`
	Topic           string   `toml:"topic"`
	NatsURL         string   `toml:"nats_url"`
	BatchSize       int      `toml:"batch_size"`
	Async           bool     `toml:"async"`    // Report delivery errors through listeners instead of Send
	Compress        bool     `toml:"compress"` // zstd-compress payloads
	FilterTables    []string `toml:"filter_tables"`
	FilterDatabases []string `toml:"filter_databases"`
}

// StateConfiguration controls the replication state store
type StateConfiguration struct {
	Backend       StateBackend `toml:"backend"`
	Path          string       `toml:"path"` // Document key, e.g. /tapline/state/<source>
	EtcdEndpoints []string     `toml:"etcd_endpoints"`
	DialTimeoutMS int          `toml:"dial_timeout_ms"`
	Codec         string       `toml:"codec"` // "msgpack" or "json"
	AllowRemove   bool         `toml:"allow_remove"`
}

// CheckpointConfiguration controls periodic position checkpoints
type CheckpointConfiguration struct {
	IntervalMS  int   `toml:"interval_ms"`
	LeaderEpoch int64 `toml:"leader_epoch"` // Static epoch when no election is wired in
}

// AdminConfiguration for the HTTP admin endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Required in X-Tapline-Secret or a bearer token when set
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	Source  string `toml:"source"` // Logical name of the change source being tapped
	DataDir string `toml:"data_dir"`

	Buffer     BufferConfiguration     `toml:"buffer"`
	Sink       SinkConfiguration       `toml:"sink"`
	State      StateConfiguration      `toml:"state"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default returns the built-in configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		Source:  "default",
		DataDir: "./tapline-data",

		Buffer: BufferConfiguration{
			Size:          1000,
			GracePeriodMS: 2000,
		},

		Sink: SinkConfiguration{
			Name:      "kafka",
			Type:      "kafka",
			Format:    "msgpack",
			Brokers:   []string{"localhost:9092"},
			Topic:     "tapline.mutations",
			BatchSize: 100,
		},

		State: StateConfiguration{
			Backend:       StateBackendPebble,
			DialTimeoutMS: 5000,
			Codec:         "msgpack",
		},

		Checkpoint: CheckpointConfiguration{
			IntervalMS:  1000,
			LeaderEpoch: 0,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8088,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
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

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tapline")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if strings.TrimSpace(Config.Source) == "" {
		return fmt.Errorf("source name is required")
	}

	if Config.Buffer.Size < 1 {
		return fmt.Errorf("buffer size must be >= 1")
	}

	if Config.Buffer.GracePeriodMS < 0 {
		return fmt.Errorf("buffer grace period must be >= 0")
	}

	switch Config.Sink.Type {
	case "kafka":
		if len(Config.Sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
		if Config.Sink.Topic == "" {
			return fmt.Errorf("kafka sink requires a topic")
		}
	case "nats":
		if Config.Sink.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
		if Config.Sink.Topic == "" {
			return fmt.Errorf("nats sink requires a topic")
		}
	default:
		return fmt.Errorf("unknown sink type: %q", Config.Sink.Type)
	}

	if Config.Sink.Name == "" {
		Config.Sink.Name = Config.Sink.Type
	}

	switch Config.State.Backend {
	case StateBackendPebble, StateBackendMemory:
	case StateBackendEtcd:
		if len(Config.State.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd state backend requires etcd_endpoints")
		}
		if Config.State.DialTimeoutMS < 1 {
			return fmt.Errorf("etcd dial timeout must be >= 1ms")
		}
	default:
		return fmt.Errorf("unknown state backend: %q", Config.State.Backend)
	}

	switch Config.State.Codec {
	case "", "msgpack", "json":
	default:
		return fmt.Errorf("unknown state codec: %q", Config.State.Codec)
	}

	if Config.State.Path == "" {
		Config.State.Path = StatePath(Config.Source)
	}

	if Config.Checkpoint.IntervalMS < 1 {
		return fmt.Errorf("checkpoint interval must be >= 1ms")
	}

	if Config.Checkpoint.LeaderEpoch < 0 {
		return fmt.Errorf("leader epoch must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// StatePath returns the default repository key for a source's state
func StatePath(source string) string {
	return "/tapline/" + source + "/state"
}

// PebblePath returns the on-disk location of the local state database
func PebblePath() string {
	return filepath.Join(Config.DataDir, "state")
}
