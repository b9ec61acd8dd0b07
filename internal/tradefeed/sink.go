// Package tradefeed hands executed trades to downstream consumers.
package tradefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
)

// Sink receives the trades of each processed order.
type Sink interface {
	Publish(ctx context.Context, trades []domain.Trade) error
	Close() error
}

// NopSink discards trades.
type NopSink struct{}

func (NopSink) Publish(context.Context, []domain.Trade) error { return nil }
func (NopSink) Close() error                                  { return nil }

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	Logger       *zap.Logger
}

// KafkaSink writes each trade as a JSON message keyed by symbol, so the
// trades of one symbol stay ordered within a partition. Writes are
// asynchronous; delivery failures are logged.
type KafkaSink struct {
	w      *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a sink. It does not connect until the first write.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: no topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	logger := logging.OrNop(cfg.Logger).With(zap.String("topic", cfg.Topic))
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("trade delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{w: w, logger: logger}, nil
}

// Publish queues trades for delivery.
func (s *KafkaSink) Publish(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs, err := messages(trades)
	if err != nil {
		return err
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write trades: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

func messages(trades []domain.Trade) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode trade %s: %w", t.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Symbol),
			Value: value,
			Time:  t.ExecutedAt,
			Headers: []kafka.Header{
				{Key: "trade_id", Value: []byte(t.ID)},
			},
		})
	}
	return msgs, nil
}
