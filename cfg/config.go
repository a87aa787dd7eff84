package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// HTTPConfiguration controls the HTTP surface (state API, WebSocket replication, metrics)
type HTTPConfiguration struct {
	BindAddress       string   `toml:"bind_address"`
	Port              int      `toml:"port"`
	Secret            string   `toml:"secret"`          // Pre-shared key; empty disables auth
	AllowedOrigins    []string `toml:"allowed_origins"` // Glob patterns for WebSocket Origin; empty allows all
	StateCacheEntries int      `toml:"state_cache_entries"`
	ReadTimeoutMS     int      `toml:"read_timeout_ms"`
}

// StateConfiguration controls the state tree owner loop
type StateConfiguration struct {
	FlushIntervalMS int    `toml:"flush_interval_ms"`
	QueueSize       int    `toml:"queue_size"` // Pending closures before Submit blocks
	SeedFile        string `toml:"seed_file"`  // Optional JSON document loaded as initial state
}

// ReplicationConfiguration controls replication sessions
type ReplicationConfiguration struct {
	Encoding       string `toml:"encoding"`         // "json" or "msgpack"
	SendBuffer     int    `toml:"send_buffer"`      // Messages queued per session before it is dropped
	WriteTimeoutMS int    `toml:"write_timeout_ms"` // Per message write deadline
	PingIntervalMS int    `toml:"ping_interval_ms"`
}

// MirrorConfiguration describes one external sink receiving the replication stream
type MirrorConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats", "kafka" or "mock"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Topic           string   `toml:"topic"`
	NatsURL         string   `toml:"nats_url"`
	NatsJetStream   bool     `toml:"nats_jetstream"`
	Brokers         []string `toml:"brokers"`
	BatchSize       int      `toml:"batch_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// WatchConfiguration registers a logging synchronizer, handy to trace device traffic
type WatchConfiguration struct {
	Pattern  string `toml:"pattern"`
	Collapse bool   `toml:"collapse"`
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
	InstanceID uint64 `toml:"instance_id"`

	HTTP        HTTPConfiguration        `toml:"http"`
	State       StateConfiguration       `toml:"state"`
	Replication ReplicationConfiguration `toml:"replication"`
	Mirrors     []MirrorConfiguration    `toml:"mirror"`
	Watches     []WatchConfiguration     `toml:"watch"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "backoffice.toml", "Path to configuration file")
	PortFlag       = flag.Int("port", 0, "HTTP port (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	SeedFileFlag   = flag.String("seed", "", "Initial state JSON file (overrides config)")
)

// Default returns the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		InstanceID: 0, // Auto-generate
		HTTP: HTTPConfiguration{
			BindAddress:       "0.0.0.0",
			Port:              8080,
			AllowedOrigins:    []string{},
			StateCacheEntries: 16,
			ReadTimeoutMS:     10000,
		},
		State: StateConfiguration{
			FlushIntervalMS: 50,
			QueueSize:       256,
		},
		Replication: ReplicationConfiguration{
			Encoding:       "json",
			SendBuffer:     64,
			WriteTimeoutMS: 5000,
			PingIntervalMS: 20000,
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

// Config is the process wide configuration
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

	if *PortFlag != 0 {
		Config.HTTP.Port = *PortFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *SeedFileFlag != "" {
		Config.State.SeedFile = *SeedFileFlag
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// Decode reads path on top of the defaults without touching Config.
func Decode(path string) (*Configuration, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("backoffice")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

var validFormats = map[string]bool{"json": true, "msgpack": true}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}
	if Config.HTTP.StateCacheEntries < 1 {
		return fmt.Errorf("state cache entries must be >= 1")
	}

	if Config.State.FlushIntervalMS < 1 {
		return fmt.Errorf("flush interval must be >= 1ms")
	}
	if Config.State.QueueSize < 1 {
		return fmt.Errorf("state queue size must be >= 1")
	}

	if !validFormats[Config.Replication.Encoding] {
		return fmt.Errorf("invalid replication encoding: %s", Config.Replication.Encoding)
	}
	if Config.Replication.SendBuffer < 1 {
		return fmt.Errorf("replication send buffer must be >= 1")
	}
	if Config.Replication.WriteTimeoutMS < 1 {
		return fmt.Errorf("replication write timeout must be >= 1ms")
	}

	names := make(map[string]bool, len(Config.Mirrors))
	for i, m := range Config.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirror #%d: name is required", i)
		}
		if names[m.Name] {
			return fmt.Errorf("mirror %q: duplicate name", m.Name)
		}
		names[m.Name] = true
		if m.Topic == "" {
			return fmt.Errorf("mirror %q: topic is required", m.Name)
		}
		if m.Format == "" {
			Config.Mirrors[i].Format = "json"
		} else if !validFormats[m.Format] {
			return fmt.Errorf("mirror %q: invalid format: %s", m.Name, m.Format)
		}
		if m.RetryMultiplier < 0 {
			return fmt.Errorf("mirror %q: retry multiplier must be >= 0", m.Name)
		}
	}

	for i, w := range Config.Watches {
		if w.Pattern == "" {
			return fmt.Errorf("watch #%d: pattern is required", i)
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
