package outbox

import (
	"fmt"
	"time"
)

// NoRetries as Config.MaxRetries dead-letters an entry on its first failed
// send.
const NoRetries = -1

// maxJitterFraction is the largest jitter for which consecutive uncapped
// delays still strictly increase. The next delay is at least 2d(1-f) and
// the current one stays below d(1+f).
const maxJitterFraction = 1.0 / 3

type Config struct {
	Workers         int           `env:"WORKERS" envDefault:"2"`
	SendConcurrency int           `env:"SEND_CONCURRENCY" envDefault:"8"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"50"`
	LeaseTimeout    time.Duration `env:"LEASE_TIMEOUT" envDefault:"30s"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"8"` // 0 means default, NoRetries means none
	BaseDelay       time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxDelay        time.Duration `env:"MAX_DELAY" envDefault:"5m"`
	JitterFraction  float64       `env:"JITTER_FRACTION" envDefault:"0.25"`
	TopicPrefix     string        `env:"TOPIC_PREFIX" envDefault:"fleet"`
	Retention       time.Duration `env:"RETENTION" envDefault:"0"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`
}

func DefaultConfig() Config {
	return Config{
		Workers:         2,
		SendConcurrency: 8,
		PollInterval:    500 * time.Millisecond,
		BatchSize:       50,
		LeaseTimeout:    30 * time.Second,
		SendTimeout:     10 * time.Second,
		MaxRetries:      8,
		BaseDelay:       time.Second,
		MaxDelay:        5 * time.Minute,
		JitterFraction:  0.25,
		TopicPrefix:     "fleet",
		CleanupInterval: 10 * time.Minute,
	}
}

// normalize fills zero values from DefaultConfig and rejects combinations
// that would break lease safety.
func (c Config) normalize() (Config, error) {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = def.SendConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = def.MaxRetries
	case c.MaxRetries == NoRetries:
		c.MaxRetries = 0
	case c.MaxRetries < 0:
		return c, fmt.Errorf("outbox: max retries %d invalid, use NoRetries to disable retries", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.JitterFraction < 0 || c.JitterFraction > maxJitterFraction {
		return c, fmt.Errorf("outbox: jitter fraction %v outside [0, 1/3]", c.JitterFraction)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MaxDelay < c.BaseDelay {
		return c, fmt.Errorf("outbox: max delay %s below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.SendTimeout >= c.LeaseTimeout {
		return c, fmt.Errorf("outbox: send timeout %s must be shorter than lease timeout %s", c.SendTimeout, c.LeaseTimeout)
	}
	return c, nil
}
