package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.yaml.in/yaml/v4"
)

// EnvPrefix prefixes every environment override, e.g. PARCELSYNC_DATABASE_HOST.
const EnvPrefix = "PARCELSYNC"

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	Kafka      KafkaConfig      `yaml:"kafka" envconfig:"KAFKA"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"REDIS"`
	NSQ        NSQConfig        `yaml:"nsq" envconfig:"NSQ"`
	ParcelSync ParcelSyncConfig `yaml:"parcelsync" envconfig:"APP"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver" split_words:"true"` // "postgres" | "sqlite"
	Host       string `yaml:"host" split_words:"true"`
	Port       int    `yaml:"port" split_words:"true"`
	Username   string `yaml:"username" split_words:"true"`
	Password   string `yaml:"password" split_words:"true"`
	DBName     string `yaml:"name" split_words:"true"`
	SSLMode    string `yaml:"ssl_mode" split_words:"true"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host             string `yaml:"host" split_words:"true"`
	Port             int    `yaml:"port" split_words:"true"`
	RefreshTopicName string `yaml:"refresh_topic_name" split_words:"true"`
	ConsumerGroup    string `yaml:"consumer_group" split_words:"true"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{net.JoinHostPort(k.Host, strconv.Itoa(k.Port))}
}

type RedisConfig struct {
	Host string `yaml:"host" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type NSQConfig struct {
	NSQDAddr     string   `yaml:"nsqd_addr" split_words:"true"`
	LookupdAddrs []string `yaml:"lookupd_addrs" split_words:"true"`
	Topic        string   `yaml:"topic" split_words:"true"`
	Channel      string   `yaml:"channel" split_words:"true"`
}

type ParcelSyncConfig struct {
	HTTPAddr       string `yaml:"http_addr" split_words:"true"`
	WorkerHTTPAddr string `yaml:"worker_http_addr" split_words:"true"`
	WorkerGRPCAddr string `yaml:"worker_grpc_addr" split_words:"true"`

	LogLevel  string `yaml:"log_level" split_words:"true"`
	LogFormat string `yaml:"log_format" split_words:"true"` // "json" | "text"

	QueueBackend           string `yaml:"queue_backend" split_words:"true"` // "redis" | "kafka" | "nsq"
	QueueVisibilitySeconds int    `yaml:"queue_visibility_seconds" split_words:"true"`

	ProducerEnqueueTimeoutMillis int `yaml:"producer_enqueue_timeout_millis" split_words:"true"`

	WorkerConcurrency    int    `yaml:"worker_concurrency" split_words:"true"`
	RetryMaxAttempts     int    `yaml:"retry_max_attempts" split_words:"true"`
	RetryBaseMillis      int    `yaml:"retry_base_millis" split_words:"true"`
	RetryBackoff         string `yaml:"retry_backoff" split_words:"true"` // "fixed" | "exponential"
	RetryMaxDelaySeconds int    `yaml:"retry_max_delay_seconds" split_words:"true"`

	CarrierMode           string `yaml:"carrier_mode" split_words:"true"` // "mock" | "restapi" | "track24"
	CarrierBaseURL        string `yaml:"carrier_base_url" split_words:"true"`
	CarrierAPIKey         string `yaml:"carrier_api_key" split_words:"true"`
	CarrierDomain         string `yaml:"carrier_domain" split_words:"true"`
	CarrierTimeoutSeconds int    `yaml:"carrier_timeout_seconds" split_words:"true"`
	RateLimitPerMinute    int    `yaml:"rate_limit_per_minute" split_words:"true"`

	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds" split_words:"true"`

	SweeperSchedule  string `yaml:"sweeper_schedule" split_words:"true"`
	SweeperBatchSize int    `yaml:"sweeper_batch_size" split_words:"true"`
	SweeperDisabled  bool   `yaml:"sweeper_disabled" split_words:"true"`

	// Recheck cadence per status, in minutes. DELIVERED is never rechecked.
	RecheckPendingMinutes        int `yaml:"recheck_pending_minutes" split_words:"true"`
	RecheckAnomalyMinutes        int `yaml:"recheck_anomaly_minutes" split_words:"true"`
	RecheckInTransitMinMinutes   int `yaml:"recheck_in_transit_min_minutes" split_words:"true"`
	RecheckInTransitMaxMinutes   int `yaml:"recheck_in_transit_max_minutes" split_words:"true"`
	RecheckOutForDeliveryMinutes int `yaml:"recheck_out_for_delivery_minutes" split_words:"true"`
}

// LoadConfig reads the YAML file (if any), applies PARCELSYNC_* environment
// overrides, fills defaults and validates the result. A .env file in the
// working directory is loaded first when present.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setString(&c.Database.Driver, "postgres")
	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SQLitePath, "parcelsync.db")

	setInt(&c.Kafka.Port, 9092)
	setString(&c.Kafka.RefreshTopicName, "parcelsync.refresh")
	setString(&c.Kafka.ConsumerGroup, "parcelsync-worker")

	setInt(&c.Redis.Port, 6379)

	setString(&c.NSQ.Topic, "parcelsync_refresh")
	setString(&c.NSQ.Channel, "worker")

	p := &c.ParcelSync
	setString(&p.HTTPAddr, ":8080")
	setString(&p.WorkerHTTPAddr, ":8082")
	setString(&p.WorkerGRPCAddr, ":50052")
	setString(&p.LogLevel, "info")
	setString(&p.LogFormat, "json")
	setString(&p.QueueBackend, "redis")
	setInt(&p.QueueVisibilitySeconds, 300)
	setInt(&p.ProducerEnqueueTimeoutMillis, 2000)
	setInt(&p.WorkerConcurrency, 10)
	setInt(&p.RetryMaxAttempts, 3)
	setInt(&p.RetryBaseMillis, 5000)
	setString(&p.RetryBackoff, "fixed")
	setInt(&p.RetryMaxDelaySeconds, 60)
	setString(&p.CarrierMode, "mock")
	setInt(&p.CarrierTimeoutSeconds, 10)
	setInt(&p.CurrentStatusTTLSeconds, 600)
	setString(&p.SweeperSchedule, "*/15 * * * *")
	setInt(&p.SweeperBatchSize, 100)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("%w: database.host", ErrMissingRequired)
		}
		if c.Database.Username == "" {
			return fmt.Errorf("%w: database.username", ErrMissingRequired)
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("%w: database.name", ErrMissingRequired)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("%w: database.sqlite_path", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: database.driver %q", ErrInvalidValue, c.Database.Driver)
	}

	switch c.ParcelSync.QueueBackend {
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("%w: redis.host", ErrMissingRequired)
		}
	case "kafka":
		if c.Kafka.Host == "" {
			return fmt.Errorf("%w: kafka.host", ErrMissingRequired)
		}
	case "nsq":
		if c.NSQ.NSQDAddr == "" {
			return fmt.Errorf("%w: nsq.nsqd_addr", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: parcelsync.queue_backend %q", ErrInvalidValue, c.ParcelSync.QueueBackend)
	}

	switch c.ParcelSync.CarrierMode {
	case "mock":
	case "restapi", "track24":
		if c.ParcelSync.CarrierBaseURL == "" {
			return fmt.Errorf("%w: parcelsync.carrier_base_url", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: parcelsync.carrier_mode %q", ErrInvalidValue, c.ParcelSync.CarrierMode)
	}

	switch c.ParcelSync.RetryBackoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("%w: parcelsync.retry_backoff %q", ErrInvalidValue, c.ParcelSync.RetryBackoff)
	}
	if c.ParcelSync.RetryMaxAttempts < 1 {
		return fmt.Errorf("%w: parcelsync.retry_max_attempts must be >= 1", ErrInvalidValue)
	}
	return nil
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}
