// Package publish fans executed trade records out to downstream sinks.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// KafkaConfig configures the trade publisher.
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

// KafkaSink publishes each trade record as JSON keyed by its contract key,
// so all events for one series land on the same partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger logrus.FieldLogger
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger logrus.FieldLogger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
	}
	return newKafkaSink(w, cfg.Topic, logger), nil
}

func newKafkaSink(w messageWriter, topic string, logger logrus.FieldLogger) *KafkaSink {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logger.WithFields(logrus.Fields{"component": "kafka_sink", "topic": topic}),
	}
}

// Record publishes t.
func (k *KafkaSink) Record(ctx context.Context, t models.TradeRecord) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", t.ID, err)
	}
	key := t.Key.Normalize()
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s:%s", key.Ticker, key.Strike.StringFixed(2), key.OptionType)),
		Value: data,
		Time:  t.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(t.Action)},
			{Key: "message_id", Value: []byte(t.MessageID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.WithError(err).WithField("trade_id", t.ID).Error("Failed to publish trade")
		return fmt.Errorf("publish trade %s: %w", t.ID, err)
	}
	k.logger.WithField("trade_id", t.ID).Debug("Trade published")
	return nil
}

// Close flushes pending writes.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
