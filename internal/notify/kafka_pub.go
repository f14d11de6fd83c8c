package notify

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the queue uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaQueue struct {
	w messageWriter
}

func NewKafka(brokers []string, topic string) Queue {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if topic == "" {
		topic = "execgate.events"
	}
	// Hash on the request id keeps one request's events in one partition.
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, RequiredAcks: kafka.RequireOne, Balancer: &kafka.Hash{}, BatchTimeout: 50 * time.Millisecond}
	return &kafkaQueue{w: w}
}

func (q *kafkaQueue) Close() error { return q.w.Close() }

func (q *kafkaQueue) PublishEvent(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return q.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(m.Type)}},
	})
}
