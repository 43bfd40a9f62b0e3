package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App         App         `yaml:"app"`
	HTTP        HTTP        `yaml:"http"`
	Log         Log         `yaml:"log"`
	Postgres    Postgres    `yaml:"postgres"`
	Redis       Redis       `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	Intake      Intake      `yaml:"intake"`
	Dispatch    Dispatch    `yaml:"dispatch"`
	Idempotency Idempotency `yaml:"idempotency"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	RefData     RefData     `yaml:"refdata"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"pms-validation"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"pms_validation"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers            []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	IncomingTopic      string   `yaml:"incoming_topic" env:"KAFKA_INCOMING_TOPIC" env-default:"ingestion-trades"`
	ValidTradesTopic   string   `yaml:"valid_trades_topic" env:"KAFKA_VALID_TRADES_TOPIC" env-default:"validated-trades"`
	InvalidTradesTopic string   `yaml:"invalid_trades_topic" env:"KAFKA_INVALID_TRADES_TOPIC" env-default:"rejected-trades"`
	GroupID            string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"validation-consumer-group"`
}

type Intake struct {
	// BufferCapacity is nominal, not a hard cap: Offer never rejects.
	BufferCapacity   int           `yaml:"buffer_capacity" env:"INTAKE_BUFFER_CAPACITY" env-default:"1000"`
	BatchSize        int           `yaml:"batch_size" env:"INTAKE_BATCH_SIZE" env-default:"200"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"INTAKE_FLUSH_INTERVAL" env-default:"200ms"`
	PollWindow       time.Duration `yaml:"poll_window" env:"INTAKE_POLL_WINDOW" env-default:"250ms"`
	PollMaxRecords   int           `yaml:"poll_max_records" env:"INTAKE_POLL_MAX_RECORDS" env-default:"100"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" env:"INTAKE_RECOVERY_INTERVAL" env-default:"10s"`
}

type Dispatch struct {
	SendTimeout  time.Duration `yaml:"send_timeout" env:"DISPATCH_SEND_TIMEOUT" env-default:"5s"`
	EmptySleep   time.Duration `yaml:"empty_sleep" env:"DISPATCH_EMPTY_SLEEP" env-default:"5s"`
	FailureSleep time.Duration `yaml:"failure_sleep" env:"DISPATCH_FAILURE_SLEEP" env-default:"2s"`
	PanicSleep   time.Duration `yaml:"panic_sleep" env:"DISPATCH_PANIC_SLEEP" env-default:"1s"`
}

type Idempotency struct {
	ProcessingTTL time.Duration `yaml:"processing_ttl" env:"IDEMPOTENCY_PROCESSING_TTL" env-default:"5m"`
	DoneTTL       time.Duration `yaml:"done_ttl" env:"IDEMPOTENCY_DONE_TTL" env-default:"168h"`
}

type Telemetry struct {
	Endpoint string        `yaml:"endpoint" env:"TELEMETRY_ENDPOINT" env-default:""`
	Timeout  time.Duration `yaml:"timeout" env:"TELEMETRY_TIMEOUT" env-default:"2s"`
}

type RefData struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFDATA_REFRESH_INTERVAL" env-default:"60s"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	return cfg, nil
}
