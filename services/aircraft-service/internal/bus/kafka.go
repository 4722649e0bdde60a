package bus

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/airfleet/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers                string        `env:"BROKERS"`
	BatchTimeout           time.Duration `env:"BATCH_TIMEOUT" envDefault:"10ms"`
	WriteTimeout           time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	AllowAutoTopicCreation bool          `env:"ALLOW_AUTO_TOPIC_CREATION" envDefault:"false"`
}

type Kafka struct {
	writer *kafka.Writer
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// BrokerList splits the comma separated Brokers value.
func (c KafkaConfig) BrokerList() []string {
	return kafkax.SplitBrokers(c.Brokers)
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
		},
	}, nil
}

func (k *Kafka) Send(ctx context.Context, topic string, msg Message) error {
	return send(ctx, k.writer, topic, msg)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func send(ctx context.Context, w kafkaWriter, topic string, msg Message) error {
	return w.WriteMessages(ctx, toKafka(ctx, topic, msg))
}

func toKafka(ctx context.Context, topic string, msg Message) kafka.Message {
	meta := kafkax.EventMeta{
		EventID:       msg.EventID,
		EventType:     msg.EventType,
		SchemaVersion: msg.SchemaVersion,
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}
}
