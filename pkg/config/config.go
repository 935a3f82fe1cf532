// Package config provides configuration management for the mesh runtime.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the mesh runtime.
type Config struct {
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Transport TransportConfig `mapstructure:"transport"`
	Partition PartitionConfig `mapstructure:"partition"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Log       LogConfig       `mapstructure:"log"`
}

// RuntimeConfig holds process-group-wide settings.
type RuntimeConfig struct {
	Version     string `mapstructure:"version"`
	MaxWorker   int    `mapstructure:"max_worker"`    // bound on host-side packing goroutines, see pkg/parallel
	NodeKeyType string `mapstructure:"node_key_type"` // informational only; the Graph's N is chosen at compile time
}

// TransportConfig chooses and configures the comm.Transport back end.
type TransportConfig struct {
	Backend   string   `mapstructure:"backend"` // "local" or "grpc"
	Addresses []string `mapstructure:"addresses"` // grpc back end: one address per rank, this process's rank indexes in
	Rank      int      `mapstructure:"rank"`
}

// PartitionConfig chooses and configures the partition.Partitioner back end.
type PartitionConfig struct {
	Backend            string    `mapstructure:"backend"` // "naive", "metis", "parmetis"
	NParts             int       `mapstructure:"n_parts"`
	NCon               int       `mapstructure:"n_con"` // number of vertex-weight constraints
	ImbalanceTolerance []float64 `mapstructure:"imbalance_tolerance"`
}

// ExchangeConfig chooses the default ExchangePattern variant a caller
// builds off a finalized graph.
type ExchangeConfig struct {
	Pattern string `mapstructure:"pattern"` // "two-sided" or "one-sided"
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"` // json or text
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshrt")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults")
		} else if os.IsNotExist(err) {
			fmt.Printf("Config file %s not found, using defaults\n", configPath)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from an io.Reader (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.version", "1.0.0")
	v.SetDefault("runtime.max_worker", 4)

	v.SetDefault("transport.backend", "local")
	v.SetDefault("transport.rank", 0)

	v.SetDefault("partition.backend", "naive")
	v.SetDefault("partition.n_con", 1)
	v.SetDefault("partition.imbalance_tolerance", []float64{1.05})

	v.SetDefault("exchange.pattern", "two-sided")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_path", "./logs")
	v.SetDefault("log.format", "text")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Transport.Backend {
	case "local", "grpc":
	default:
		return fmt.Errorf("unsupported transport backend: %s", c.Transport.Backend)
	}
	if c.Transport.Backend == "grpc" && len(c.Transport.Addresses) == 0 {
		return fmt.Errorf("grpc transport backend requires at least one address")
	}

	switch c.Partition.Backend {
	case "naive", "metis", "parmetis":
	default:
		return fmt.Errorf("unsupported partition backend: %s", c.Partition.Backend)
	}
	if c.Partition.NCon < 1 {
		return fmt.Errorf("partition n_con must be at least 1")
	}

	switch c.Exchange.Pattern {
	case "two-sided", "one-sided":
	default:
		return fmt.Errorf("unsupported exchange pattern: %s", c.Exchange.Pattern)
	}

	return nil
}
