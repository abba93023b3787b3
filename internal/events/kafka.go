package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// KafkaOption configures a KafkaPublisher.
type KafkaOption func(*kafka.Writer)

// WithDeliveryErrors receives delivery failures. Writes are asynchronous, so
// Publish only reports errors it can see before a message is queued.
func WithDeliveryErrors(report func(count int, err error)) KafkaOption {
	return func(w *kafka.Writer) {
		w.Completion = func(messages []kafka.Message, err error) {
			if err != nil && report != nil {
				report(len(messages), err)
			}
		}
	}
}

// NewKafkaPublisher queues events on an async writer; Close flushes what is
// still pending.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
		Async:                  true,
	}
	for _, opt := range opts {
		opt(writer)
	}
	return &KafkaPublisher{writer: writer, timeout: 5 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	key := event.Key
	if key == "" {
		key = event.Topic
	}
	message := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-topic", Value: []byte(event.Topic)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("write %s event to kafka: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
