package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/airfleet/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaParker republishes exhausted messages to the source topic plus
// Config.DLQSuffix, keeping key, value and headers.
type KafkaParker struct {
	writer messageWriter
	closer func() error
	suffix string
	now    func() time.Time
}

func NewKafkaParker(cfg Config) *KafkaParker {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(cfg.Brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaParker{writer: w, closer: w.Close, suffix: dlqSuffix(cfg), now: time.Now}
}

func dlqSuffix(cfg Config) string {
	if cfg.DLQSuffix == "" {
		return ".dlq"
	}
	return cfg.DLQSuffix
}

func (p *KafkaParker) Park(ctx context.Context, msg kafka.Message, cause error) error {
	return p.writer.WriteMessages(ctx, p.deadLetter(msg, cause))
}

func (p *KafkaParker) deadLetter(msg kafka.Message, cause error) kafka.Message {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq_reason", Value: []byte(cause.Error())},
		kafka.Header{Key: "dlq_source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq_source_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq_source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq_failed_at", Value: []byte(p.now().UTC().Format(time.RFC3339))},
	)
	return kafka.Message{
		Topic:   msg.Topic + p.suffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}

func (p *KafkaParker) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
