package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/84hero/safe-indexer/pkg/chain"
	"github.com/84hero/safe-indexer/pkg/indexer"
	"github.com/84hero/safe-indexer/pkg/rpc"
	"github.com/84hero/safe-indexer/pkg/sink"
)

// EnvPrefix is prepended to every environment override, e.g.
// SAFEIDX_STORAGE_POSTGRES_URL.
const EnvPrefix = "SAFEIDX"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Project  string           `mapstructure:"project"`
	Log      LogConfig        `mapstructure:"log"`
	RPCNodes []rpc.NodeConfig `mapstructure:"rpc_nodes"`
	RPC      RPCConfig        `mapstructure:"rpc"`
	Indexer  IndexerConfig    `mapstructure:"indexer"`
	Streams  []StreamConfig   `mapstructure:"streams"`
	Storage  StorageConfig    `mapstructure:"storage"`
	Outputs  OutputsConfig    `mapstructure:"outputs"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type RPCConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	DisableBatch bool          `mapstructure:"disable_batch"`
	Workers      int           `mapstructure:"workers"`
	ChunkSize    int           `mapstructure:"chunk_size"`
}

type IndexerConfig struct {
	Chain    string        `mapstructure:"chain"`
	Interval time.Duration `mapstructure:"interval"`

	// ReorgSafetyBlocks: blocks below head - ReorgSafetyBlocks are final
	ReorgSafetyBlocks uint64 `mapstructure:"reorg_safety_blocks"`
	MaxBatchSize      uint64 `mapstructure:"max_batch_size"`
	MaxRewindDepth    uint64 `mapstructure:"max_rewind_depth"`
	AutoAdjustBatch   bool   `mapstructure:"auto_adjust_batch"`

	LockWait time.Duration `mapstructure:"lock_wait"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`

	// StartBlock applies to streams that do not set their own
	StartBlock uint64 `mapstructure:"start_block"`
}

type StreamConfig struct {
	ID         string   `mapstructure:"id"`
	Kind       string   `mapstructure:"kind"`
	Addresses  []string `mapstructure:"addresses"`
	StartBlock uint64   `mapstructure:"start_block"`
	// Confirmations overrides the range lag; unset means ReorgSafetyBlocks
	Confirmations *uint64 `mapstructure:"confirmations"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	PostgresURL   string `mapstructure:"postgres_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	// Prefix: table prefix for Postgres, key prefix for Redis
	Prefix string `mapstructure:"prefix"`
}

// OutputsConfig enables an output by its presence.
type OutputsConfig struct {
	Webhook  *sink.WebhookConfig  `mapstructure:"webhook"`
	File     *FileOutputConfig    `mapstructure:"file"`
	Console  *ConsoleOutputConfig `mapstructure:"console"`
	Redis    *sink.RedisConfig    `mapstructure:"redis"`
	Kafka    *sink.KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ *sink.RabbitMQConfig `mapstructure:"rabbitmq"`
}

type FileOutputConfig struct {
	Path string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Pretty bool `mapstructure:"pretty"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// envOnly are keys that may be supplied by the environment without being
// present in the file.
var envOnly = []string{
	"log.level",
	"log.format",
	"indexer.chain",
	"storage.driver",
	"storage.postgres_url",
	"storage.redis_addr",
	"storage.redis_password",
	"metrics.addr",
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnly {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values, first from the chain preset and then from
// the built-in defaults.
func (c *Config) ApplyDefaults() error {
	ix := &c.Indexer
	if ix.Chain != "" {
		p, ok := chain.Get(ix.Chain)
		if !ok {
			return fmt.Errorf("unknown chain preset %q (known: %s)", ix.Chain, strings.Join(chain.Names(), ", "))
		}
		if ix.ReorgSafetyBlocks == 0 {
			ix.ReorgSafetyBlocks = p.ReorgSafe
		}
		if ix.MaxBatchSize == 0 {
			ix.MaxBatchSize = p.BatchSize
		}
		if ix.MaxRewindDepth == 0 {
			ix.MaxRewindDepth = p.MaxRewindDepth
		}
		if ix.Interval == 0 {
			ix.Interval = p.BlockTime
		}
	}

	if ix.MaxBatchSize == 0 {
		ix.MaxBatchSize = 100
	}
	if ix.Interval == 0 {
		ix.Interval = 3 * time.Second
	}
	if ix.MaxRewindDepth == 0 {
		ix.MaxRewindDepth = 128
	}
	if ix.ReorgSafetyBlocks == 0 {
		ix.ReorgSafetyBlocks = 12
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Streams {
		if c.Streams[i].StartBlock == 0 {
			c.Streams[i].StartBlock = ix.StartBlock
		}
	}
	return nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if len(c.RPCNodes) == 0 {
		errs = append(errs, errors.New("rpc_nodes: at least one node is required"))
	}
	for i, n := range c.RPCNodes {
		if n.URL == "" {
			errs = append(errs, fmt.Errorf("rpc_nodes[%d]: url is required", i))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Streams {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("streams[%d]: id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true

		switch s.Kind {
		case indexer.KindInternalTxs, indexer.KindERC20Transfers:
		case indexer.KindSafeTxs:
			if len(s.Addresses) == 0 {
				errs = append(errs, fmt.Errorf("streams[%d]: %s needs at least one safe address", i, s.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("streams[%d]: unknown kind %q", i, s.Kind))
		}
		for _, a := range s.Addresses {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Errorf("streams[%d]: invalid address %q", i, a))
			}
		}
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage: postgres_url is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage: redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// ParsedAddresses parses the stream's monitored addresses. Validate has already
// rejected malformed entries.
func (s StreamConfig) ParsedAddresses() []common.Address {
	out := make([]common.Address, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

// IndexerLimits maps the loaded settings onto the indexer limits.
func (c *Config) IndexerLimits() indexer.Config {
	return indexer.Config{
		ReorgSafetyBlocks: c.Indexer.ReorgSafetyBlocks,
		MaxBatchSize:      c.Indexer.MaxBatchSize,
		MaxRewindDepth:    c.Indexer.MaxRewindDepth,
		AutoAdjustBatch:   c.Indexer.AutoAdjustBatch,
		FetchTimeout:      c.RPC.FetchTimeout,
		Workers:           c.RPC.Workers,
		ChunkSize:         c.RPC.ChunkSize,
		LockWait:          c.Indexer.LockWait,
		LockTTL:           c.Indexer.LockTTL,
	}
}
