// Package kafka streams snapshot records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/hnsnap/internal/export"
	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Name is the exporter name of Producer.
const Name = "kafka"

const defaultBatch = 500

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the value written for each record.
type Message struct {
	RunID  string    `json:"run_id"`
	Space  hn.Space  `json:"space"`
	Record hn.Record `json:"record"`
}

// Producer writes one message per record, keyed "space:id" so every version
// of a record lands on the same partition.
type Producer struct {
	writer messageWriter
	topic  string
	batch  int
}

// NewProducer creates a producer for brokers and topic.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}, topic), nil
}

// NewProducerWithWriter builds a producer around a custom writer.
func NewProducerWithWriter(writer messageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic, batch: defaultBatch}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// Name implements export.Exporter.
func (p *Producer) Name() string { return Name }

// Export implements export.Exporter.
func (p *Producer) Export(ctx context.Context, snap export.Snapshot) (string, error) {
	msgs := make([]kafka.Message, 0, min(len(snap.Records), p.batch))
	for _, rec := range snap.Records {
		key := rec.Key()
		value, err := json.Marshal(Message{RunID: snap.Result.RunID, Space: key.Space, Record: rec})
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", key, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key.String()),
			Value: value,
			Time:  snap.Result.Finished,
		})
		if len(msgs) == p.batch {
			if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
				return "", fmt.Errorf("write messages: %w", err)
			}
			msgs = msgs[:0]
		}
	}
	if len(msgs) > 0 {
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			return "", fmt.Errorf("write messages: %w", err)
		}
	}
	return "kafka://" + p.topic, nil
}
