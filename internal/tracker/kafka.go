package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaTracker.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTracker publishes track requests to a topic, keyed by session id so
// one session's events stay ordered within a partition.
type KafkaTracker struct {
	writer messageWriter
}

// NewKafkaTracker creates a synchronous kafka writer.
func NewKafkaTracker(cfg KafkaConfig) (*KafkaTracker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &KafkaTracker{writer: writer}, nil
}

func (k *KafkaTracker) Name() string { return "kafka" }

// TrackRepository implements Tracker.
func (k *KafkaTracker) TrackRepository(ctx context.Context, req TrackRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(req.EventID)},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaTracker) Close() error {
	return k.writer.Close()
}
