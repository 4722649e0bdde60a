package bus

import (
	"context"
	"log/slog"
)

// Message is one event ready for the wire. Key selects the partition, so all
// events of one aircraft share a key.
type Message struct {
	Key           string
	Value         []byte
	EventID       string
	EventType     string
	SchemaVersion int
}

type Client interface {
	Send(ctx context.Context, topic string, msg Message) error
	Close() error
}

// Log is a Client that only logs messages. It serves local runs without a
// broker.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(ctx context.Context, topic string, msg Message) error {
	l.Logger.InfoContext(ctx, "event published",
		"topic", topic,
		"key", msg.Key,
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"bytes", len(msg.Value),
	)
	return nil
}

func (Log) Close() error { return nil }
