package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

// EnvPrefix prefixes every environment override, e.g. TRACKSYNC_DB_HOST.
const EnvPrefix = "TRACKSYNC_"

type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DB_"`
	Kafka     KafkaConfig     `yaml:"kafka" envPrefix:"KAFKA_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	MySQL     MySQLConfig     `yaml:"mysql" envPrefix:"MYSQL_"`
	TrackSync TrackSyncConfig `yaml:"tracksync"`
	Carrier   CarrierConfig   `yaml:"carrier" envPrefix:"CARRIER_"`
	Polling   PollingConfig   `yaml:"polling" envPrefix:"POLLING_"`
	Processor ProcessorConfig `yaml:"processor" envPrefix:"PROCESSOR_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Health    HealthConfig    `yaml:"health" envPrefix:"HEALTH_"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
}

type KafkaConfig struct {
	Host                        string `yaml:"host" env:"HOST"`
	Port                        int    `yaml:"port" env:"PORT"`
	TrackingUpdatedTopicName    string `yaml:"tracking_updated_topic_name" env:"TRACKING_UPDATED_TOPIC"`
	ShipmentRegisteredTopicName string `yaml:"shipment_registered_topic_name" env:"SHIPMENT_REGISTERED_TOPIC"`
	ConsumerGroup               string `yaml:"consumer_group" env:"CONSUMER_GROUP"`
	// Disabled turns off both the publisher and the registration consumer.
	Disabled bool `yaml:"disabled" env:"DISABLED"`
}

type RedisConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// MySQLConfig points at the shop database when orders are read from MySQL.
type MySQLConfig struct {
	DSN   string `yaml:"dsn" env:"DSN"`
	Table string `yaml:"table" env:"TABLE"`
}

type TrackSyncConfig struct {
	HTTPAddr       string `yaml:"http_addr" env:"HTTP_ADDR"`
	WorkerHTTPAddr string `yaml:"worker_http_addr" env:"WORKER_HTTP_ADDR"`
	GRPCAddr       string `yaml:"grpc_addr" env:"GRPC_ADDR"`

	StorageDriver string `yaml:"storage_driver" env:"STORAGE_DRIVER"` // "postgres" | "memory"
	OrderSource   string `yaml:"order_source" env:"ORDER_SOURCE"`     // "postgres" | "mysql"

	GuestRateLimitPerMinute int64 `yaml:"guest_rate_limit_per_minute" env:"GUEST_RATE_LIMIT_PER_MINUTE"`

	Debug bool `yaml:"debug" env:"DEBUG"`
}

type CarrierConfig struct {
	Mode    string `yaml:"mode" env:"MODE"` // "fake" | "v1" | "track24"
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	Domain  string `yaml:"domain" env:"DOMAIN"`
}

// PollingConfig drives the update policy. Zero values fall back to the
// planner defaults.
type PollingConfig struct {
	PreShipmentMinutes       int `yaml:"pre_shipment_minutes" env:"PRE_SHIPMENT_MINUTES"`
	InTransitMinutes         int `yaml:"in_transit_minutes" env:"IN_TRANSIT_MINUTES"`
	OutForDeliveryMinutes    int `yaml:"out_for_delivery_minutes" env:"OUT_FOR_DELIVERY_MINUTES"`
	ExceptionHandlingMinutes int `yaml:"exception_handling_minutes" env:"EXCEPTION_HANDLING_MINUTES"`

	MinFrequencyMinutes   int `yaml:"min_frequency_minutes" env:"MIN_FREQUENCY_MINUTES"`
	MaxFrequencyMinutes   int `yaml:"max_frequency_minutes" env:"MAX_FREQUENCY_MINUTES"`
	DeliveryDayCapMinutes int `yaml:"delivery_day_cap_minutes" env:"DELIVERY_DAY_CAP_MINUTES"`

	OffHoursMultiplier float64 `yaml:"off_hours_multiplier" env:"OFF_HOURS_MULTIPLIER"`
	// Holidays: "2006-01-02" or recurring "01-02".
	Holidays []string `yaml:"holidays" env:"HOLIDAYS"`
	TimeZone string   `yaml:"time_zone" env:"TIME_ZONE"`
}

type ProcessorConfig struct {
	BatchSize          int `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" env:"MAX_CONCURRENT_CALLS"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" env:"CALL_TIMEOUT_SECONDS"`

	DailyAPIBudget   int64            `yaml:"daily_api_budget" env:"DAILY_API_BUDGET"`
	PerMinuteLimit   int64            `yaml:"per_minute_limit" env:"PER_MINUTE_LIMIT"`
	CourierPerMinute map[string]int64 `yaml:"courier_per_minute" env:"COURIER_PER_MINUTE"`

	CacheTTLMinutes        int   `yaml:"cache_ttl_minutes" env:"CACHE_TTL_MINUTES"`
	MaxEventHistory        int   `yaml:"max_event_history" env:"MAX_EVENT_HISTORY"`
	RetryDelaysSeconds     []int `yaml:"retry_delays_seconds" env:"RETRY_DELAYS_SECONDS"`
	MaxAttempts            int   `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	MaxConsecutiveFailures int   `yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
	JobRetentionDays       int   `yaml:"job_retention_days" env:"JOB_RETENTION_DAYS"`
}

type SchedulerConfig struct {
	UrgentIntervalMinutes      int `yaml:"urgent_interval_minutes" env:"URGENT_INTERVAL_MINUTES"`
	UpdateIntervalMinutes      int `yaml:"update_interval_minutes" env:"UPDATE_INTERVAL_MINUTES"`
	MaintenanceIntervalMinutes int `yaml:"maintenance_interval_minutes" env:"MAINTENANCE_INTERVAL_MINUTES"`
	DailyIntervalMinutes       int `yaml:"daily_interval_minutes" env:"DAILY_INTERVAL_MINUTES"`
	HealthIntervalMinutes      int `yaml:"health_interval_minutes" env:"HEALTH_INTERVAL_MINUTES"`
	DueLimit                   int `yaml:"due_limit" env:"DUE_LIMIT"`
	RetryLimit                 int `yaml:"retry_limit" env:"RETRY_LIMIT"`
}

type HealthConfig struct {
	MaxPendingJobs  int64   `yaml:"max_pending_jobs" env:"MAX_PENDING_JOBS"`
	MaxFailedCaches int64   `yaml:"max_failed_caches" env:"MAX_FAILED_CACHES"`
	MaxAttention    int64   `yaml:"max_attention" env:"MAX_ATTENTION"`
	MinSuccessRate  float64 `yaml:"min_success_rate" env:"MIN_SUCCESS_RATE"`
	WindowHours     int     `yaml:"window_hours" env:"WINDOW_HOURS"`
}

// LoadConfig reads the YAML file (skipped when filename is empty), then
// applies an optional .env file and TRACKSYNC_* environment overrides.
func LoadConfig(filename string) (*Config, error) {
	var config Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	// .env нужен только для локального запуска
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	config.SetDefaults()
	return &config, nil
}

// SetDefaults fills addresses, topics and mode selectors left empty.
func (c *Config) SetDefaults() {
	str := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	str(&c.Database.SSLMode, "disable")
	str(&c.Kafka.TrackingUpdatedTopicName, "tracking.updated")
	str(&c.Kafka.ShipmentRegisteredTopicName, "shipment.registered")
	str(&c.Kafka.ConsumerGroup, "track-worker")
	str(&c.MySQL.Table, "orders")
	str(&c.TrackSync.HTTPAddr, ":8080")
	str(&c.TrackSync.WorkerHTTPAddr, ":8082")
	str(&c.TrackSync.GRPCAddr, ":50051")
	str(&c.TrackSync.StorageDriver, StoragePostgres)
	str(&c.TrackSync.OrderSource, OrdersPostgres)
	str(&c.Carrier.Mode, CarrierFake)
	str(&c.Polling.TimeZone, "UTC")
	if c.TrackSync.GuestRateLimitPerMinute <= 0 {
		c.TrackSync.GuestRateLimitPerMinute = 60
	}
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	OrdersPostgres = "postgres"
	OrdersMySQL    = "mysql"

	CarrierFake    = "fake"
	CarrierV1      = "v1"
	CarrierTrack24 = "track24"
)

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.TrackSync.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		return apperr.Configuration("unknown storage driver", "storage_driver", c.TrackSync.StorageDriver)
	}

	switch c.TrackSync.OrderSource {
	case OrdersPostgres:
	case OrdersMySQL:
		if c.MySQL.DSN == "" {
			return apperr.Configuration("mysql order source requires mysql.dsn")
		}
	default:
		return apperr.Configuration("unknown order source", "order_source", c.TrackSync.OrderSource)
	}

	switch c.Carrier.Mode {
	case CarrierFake:
	case CarrierV1, CarrierTrack24:
		if c.Carrier.BaseURL == "" {
			return apperr.Configuration("carrier base_url is required", "mode", c.Carrier.Mode)
		}
	default:
		return apperr.Configuration("unknown carrier mode", "mode", c.Carrier.Mode)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	for _, h := range c.Polling.Holidays {
		h = strings.TrimSpace(h)
		_, errFull := time.Parse("2006-01-02", h)
		_, errYearly := time.Parse("01-02", h)
		if errFull != nil && errYearly != nil {
			return apperr.Configuration("holiday must be YYYY-MM-DD or MM-DD", "value", h)
		}
	}

	p := c.Polling
	if p.MinFrequencyMinutes > 0 && p.MaxFrequencyMinutes > 0 && p.MaxFrequencyMinutes < p.MinFrequencyMinutes {
		return apperr.Configuration("max polling frequency is below the minimum",
			"min_minutes", p.MinFrequencyMinutes, "max_minutes", p.MaxFrequencyMinutes)
	}
	if p.OffHoursMultiplier < 0 {
		return apperr.Configuration("off_hours_multiplier must not be negative")
	}

	pr := c.Processor
	for _, n := range []struct {
		name string
		v    int64
	}{
		{"batch_size", int64(pr.BatchSize)},
		{"max_concurrent_calls", int64(pr.MaxConcurrentCalls)},
		{"call_timeout_seconds", int64(pr.CallTimeoutSeconds)},
		{"daily_api_budget", pr.DailyAPIBudget},
		{"per_minute_limit", pr.PerMinuteLimit},
		{"max_attempts", int64(pr.MaxAttempts)},
		{"max_consecutive_failures", int64(pr.MaxConsecutiveFailures)},
		{"job_retention_days", int64(pr.JobRetentionDays)},
	} {
		if n.v < 0 {
			return apperr.Configuration("processor setting must not be negative", "field", n.name, "value", n.v)
		}
	}
	for courier, v := range pr.CourierPerMinute {
		if v < 0 {
			return apperr.Configuration("courier limit must not be negative", "courier", courier, "value", v)
		}
	}
	for _, d := range pr.RetryDelaysSeconds {
		if d <= 0 {
			return apperr.Configuration("retry delays must be positive", "value", d)
		}
	}
	if c.Health.MinSuccessRate < 0 || c.Health.MinSuccessRate > 1 {
		return apperr.Configuration("min_success_rate must be within [0, 1]", "value", c.Health.MinSuccessRate)
	}
	return nil
}

// Location is the time zone used for business hours, holidays and the
// daily budget boundary.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Polling.TimeZone)
	if err != nil {
		return nil, apperr.Configuration("unknown time zone", "time_zone", c.Polling.TimeZone)
	}
	return loc, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
