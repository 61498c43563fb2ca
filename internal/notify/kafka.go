package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// deliverTimeout bounds one write so an unreachable broker delays the
// websocket fan-out by at most this much per event.
const deliverTimeout = 2 * time.Second

// KafkaSink mirrors every event to a Kafka topic so out-of-process
// consumers can follow stock changes.
type KafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink returns a sink writing to topic on brokers. Messages are
// hashed by key, so all events of one product land on one partition.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
	}}
}

// Name implements Sink.
func (k *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (k *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	return k.w.WriteMessages(ctx, msg)
}

// Close flushes pending writes and releases the writer.
func (k *KafkaSink) Close() error { return k.w.Close() }

func kafkaMessage(ev Event) (kafka.Message, error) {
	value, err := ev.Encode()
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Name)},
		},
	}, nil
}
