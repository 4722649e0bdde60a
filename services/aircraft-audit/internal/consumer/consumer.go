package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/airfleet/libs/backoff"
	"github.com/md-rashed-zaman/airfleet/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler applies one message inside the inbox transaction.
type Handler func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error

type Inbox interface {
	Process(ctx context.Context, eventID, eventType string, fn func(ctx context.Context, tx pgx.Tx) error) (bool, error)
}

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Parker takes a message the handler gave up on, so its offset can be
// committed without losing it.
type Parker interface {
	Park(ctx context.Context, msg kafka.Message, cause error) error
}

type Config struct {
	Brokers     string        `env:"BROKERS"`
	GroupID     string        `env:"GROUP_ID" envDefault:"aircraft-audit"`
	Topics      []string      `env:"TOPICS" envSeparator:"," envDefault:"fleet.aircraft.created.v1,fleet.aircraft.updated.v1,fleet.aircraft.deleted.v1"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"200ms"`
	DLQSuffix   string        `env:"DLQ_SUFFIX" envDefault:".dlq"`
}

type Consumer struct {
	reader  Reader
	logger  *slog.Logger
	inbox   Inbox
	parker  Parker
	handler Handler
	retry   backoff.Policy
	tries   int
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
}

// New builds a consumer. With a nil parker, a message that exhausts its
// attempts stops Run with its offset uncommitted.
func New(logger *slog.Logger, reader Reader, inbox Inbox, parker Parker, cfg Config, handler Handler) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Consumer{
		reader:  reader,
		logger:  logger,
		inbox:   inbox,
		parker:  parker,
		handler: handler,
		retry:   backoff.Policy{Base: cfg.RetryBase, Max: 10 * time.Second, JitterFraction: 0.2},
		tries:   cfg.MaxAttempts,
	}
}

// Run consumes until ctx is cancelled. An offset is committed only after its
// message was applied, recognized as a duplicate, or parked. A message that
// can be neither applied nor parked ends Run with an error so the group
// redelivers it after restart.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka read error", "err", err)
			if backoff.SleepWithContext(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.park(ctx, msg, err); err != nil {
				return err
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

func (c *Consumer) park(ctx context.Context, msg kafka.Message, cause error) error {
	meta := kafkax.ExtractEventMeta(msg)
	if c.parker == nil {
		return fmt.Errorf("event %s at %s/%d not applied: %w", meta.EventID, msg.Topic, msg.Offset, cause)
	}
	if err := c.parker.Park(ctx, msg, cause); err != nil {
		c.logger.Error("parking event failed, stopping consumer", "err", err, "event_id", meta.EventID, "offset", msg.Offset)
		return fmt.Errorf("park event %s: %w", meta.EventID, err)
	}
	c.logger.Error("event parked after retries", "err", cause, "event_id", meta.EventID, "topic", msg.Topic, "offset", msg.Offset)
	return nil
}

// handle retries the inbox transaction until it succeeds, attempts run out
// or ctx ends, and returns the last error in the latter two cases.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	for attempt := 1; ; attempt++ {
		ok, err := c.inbox.Process(ctxSpan, meta.EventID, meta.EventType, func(ctx context.Context, tx pgx.Tx) error {
			return c.handler(ctx, tx, msg)
		})
		if err == nil {
			if !ok {
				c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
			}
			return nil
		}
		span.RecordError(err)
		if attempt >= c.tries || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("handler error, retrying", "err", err, "event_id", meta.EventID, "attempt", attempt)
		if err := backoff.SleepWithContext(ctx, c.retry.Delay(attempt)); err != nil {
			return err
		}
	}
}
