// Package events publishes committed ledger changes to Kafka so the
// progress tracker and other consumers can react to them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/optionquest/trading-core/internal/model"
)

// DefaultTopic is the topic ledger changes are published to.
const DefaultTopic = "ledger-changes"

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per ledger change, keyed by account id
// so a consumer sees each account's changes in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *slog.Logger
}

// NewKafkaPublisher creates a publisher for brokers and topic. Writes are
// asynchronous so a slow or unreachable broker never holds up a trade
// response; delivery failures are logged from the completion callback.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)
	return newKafkaPublisher(newKafkaWriter(brokers, topic), topic)
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	log := slog.Default().With("topic", topic)
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("failed to deliver ledger events", "count", len(msgs), "err", err)
			}
		},
	}
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: slog.Default().With("topic", topic)}
}

// OnLedgerChange publishes ev. It satisfies trade.LedgerObserver.
func (p *KafkaPublisher) OnLedgerChange(ctx context.Context, ev model.LedgerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.AccountID, 10)),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("failed to publish ledger event", "account", ev.AccountID, "kind", ev.Kind, "err", err)
		return fmt.Errorf("publish ledger event: %w", err)
	}
	p.log.Debug("ledger event published", "account", ev.AccountID, "kind", ev.Kind)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
