package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	platformstrings "github.com/mySupply/phoss-smp/pkg/platform/strings"
)

// Backend names the persistence strategy. It is chosen once per process.
type Backend string

const (
	BackendSQL Backend = "sql"
	BackendXML Backend = "xml"
)

// Audit sinks.
const (
	AuditSinkNone     = "none"
	AuditSinkMemory   = "memory"
	AuditSinkPostgres = "postgres"
	AuditSinkKafka    = "kafka"
)

// Config is the full process configuration.
type Config struct {
	Backend  Backend        `yaml:"backend" validate:"required,oneof=sql xml"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Postgres PostgresConfig `yaml:"postgres"`
	WAL      WALConfig      `yaml:"wal"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig covers the ops HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// PostgresConfig is used when Backend is sql, and by the postgres audit sink.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int           `yaml:"max_idle_conns" validate:"gte=0"`
	TxTimeout    time.Duration `yaml:"tx_timeout" validate:"gt=0"`
	// Serializable raises the isolation level from repeatable read.
	Serializable bool `yaml:"serializable"`
	Migrate      bool `yaml:"migrate"`
}

// WALConfig is used when Backend is xml.
type WALConfig struct {
	Dir             string `yaml:"dir"`
	CheckpointEvery int    `yaml:"checkpoint_every" validate:"gte=0"`
}

// RedisConfig enables the read-through lookup cache when URL is set.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int           `yaml:"min_idle_conns" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl" validate:"gte=0"`
}

type AuditConfig struct {
	Sink        string   `yaml:"sink" validate:"oneof=none memory postgres kafka"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	AsyncBuffer int      `yaml:"async_buffer" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend: BackendXML,
		Server: ServerConfig{
			Addr:            ":8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Postgres: PostgresConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			TxTimeout:    5 * time.Second,
		},
		WAL: WALConfig{Dir: "data", CheckpointEvery: 64},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			TTL:          5 * time.Minute,
		},
		Audit: AuditConfig{Sink: AuditSinkMemory, Topic: "smp.audit", AsyncBuffer: 256},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// SMP_CONFIG_FILE (if any), then environment variables, and validates it.
func Load() (Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Default()

	if path := getenv("SMP_CONFIG_FILE"); path != "" {
		data, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks tags and the cross-field rules the tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Backend == BackendSQL && c.Postgres.DSN == "" {
		return fmt.Errorf("config validation failed: postgres dsn is required for the sql backend")
	}
	if c.Backend == BackendXML && c.WAL.Dir == "" {
		return fmt.Errorf("config validation failed: wal dir is required for the xml backend")
	}
	if c.Audit.Sink == AuditSinkPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("config validation failed: postgres dsn is required for the postgres audit sink")
	}
	if c.Audit.Sink == AuditSinkKafka && (len(c.Audit.Brokers) == 0 || c.Audit.Topic == "") {
		return fmt.Errorf("config validation failed: brokers and topic are required for the kafka audit sink")
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}

	if v := getenv("SMP_BACKEND"); v != "" {
		cfg.Backend = Backend(strings.ToLower(v))
	}
	str("SMP_ADDR", &cfg.Server.Addr)
	dur("SMP_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("SMP_LOG_LEVEL", &cfg.Log.Level)
	str("SMP_LOG_FORMAT", &cfg.Log.Format)

	str("SMP_DATABASE_URL", &cfg.Postgres.DSN)
	num("SMP_DB_MAX_OPEN_CONNS", &cfg.Postgres.MaxOpenConns)
	num("SMP_DB_MAX_IDLE_CONNS", &cfg.Postgres.MaxIdleConns)
	dur("SMP_DB_TX_TIMEOUT", &cfg.Postgres.TxTimeout)
	flag("SMP_DB_SERIALIZABLE", &cfg.Postgres.Serializable)
	flag("SMP_DB_MIGRATE", &cfg.Postgres.Migrate)

	str("SMP_WAL_DIR", &cfg.WAL.Dir)
	num("SMP_WAL_CHECKPOINT_EVERY", &cfg.WAL.CheckpointEvery)

	str("SMP_REDIS_URL", &cfg.Redis.URL)
	num("SMP_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	dur("SMP_REDIS_TTL", &cfg.Redis.TTL)

	str("SMP_AUDIT_SINK", &cfg.Audit.Sink)
	if v := getenv("SMP_AUDIT_BROKERS"); v != "" {
		cfg.Audit.Brokers = platformstrings.SplitList(v)
	}
	str("SMP_AUDIT_TOPIC", &cfg.Audit.Topic)
	num("SMP_AUDIT_ASYNC_BUFFER", &cfg.Audit.AsyncBuffer)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}
