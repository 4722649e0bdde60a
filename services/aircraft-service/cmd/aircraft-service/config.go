package main

import (
	"time"

	otelx "github.com/md-rashed-zaman/airfleet/libs/otel"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/bus"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/outbox"
)

type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// StoreDriver is postgres or memory; memory keeps nothing across restarts.
	StoreDriver    string        `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxConns     int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns     int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`

	// BusDriver is kafka or log.
	BusDriver string          `env:"BUS_DRIVER" envDefault:"kafka"`
	Kafka     bus.KafkaConfig `envPrefix:"KAFKA_"`
	Outbox    outbox.Config   `envPrefix:"OUTBOX_"`
	OTel      otelx.Config

	RedisAddr          string `env:"REDIS_ADDR"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	OperatorJWTSecret  string `env:"OPERATOR_JWT_SECRET"`
}
