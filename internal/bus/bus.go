package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Topic names. Partition key is always the owning user id.
const (
	TopicTaskEvents      = "task.events"
	TopicReminderDue     = "reminder.due"
	TopicNotifications   = "notification.send"
	TopicNotificationDLQ = "notification.dlq"
	TopicActivityLog     = "activity.log"
	TopicSyncEvents      = "sync.events"
)

// ErrUnavailable is returned when the broker cannot be reached within the
// configured retry budget.
var ErrUnavailable = errors.New("bus: broker unavailable")

// topicSpecs carries per-topic partition counts and retention windows.
type topicSpec struct {
	partitions int
	retention  time.Duration
}

var topicSpecs = map[string]topicSpec{
	TopicTaskEvents:      {partitions: 12, retention: 7 * 24 * time.Hour},
	TopicReminderDue:     {partitions: 6, retention: 24 * time.Hour},
	TopicNotifications:   {partitions: 6, retention: 24 * time.Hour},
	TopicNotificationDLQ: {partitions: 3, retention: 30 * 24 * time.Hour},
	TopicActivityLog:     {partitions: 12, retention: 30 * 24 * time.Hour},
	TopicSyncEvents:      {partitions: 12, retention: time.Hour},
}

// EnsureTopics creates all topics with their configured partition counts
// (idempotent). Call at startup; if it fails the app still runs and the
// broker's auto-create or an operator takes over.
func EnsureTopics(ctx context.Context) {
	cfg := config.Get()
	if len(cfg.KafkaBrokers) == 0 {
		return
	}
	conn, err := kafka.Dial("tcp", cfg.KafkaBrokers[0])
	if err != nil {
		logger.Debug(ctx, "Kafka dial for topic creation failed", "error", err)
		return
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		logger.Debug(ctx, "Kafka controller lookup failed", "error", err)
		return
	}
	ctrlConn, err := kafka.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		logger.Debug(ctx, "Kafka controller dial failed", "error", err)
		return
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topicSpecs))
	for topic, spec := range topicSpecs {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     spec.partitions,
			ReplicationFactor: 1,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: fmt.Sprintf("%d", spec.retention.Milliseconds())},
			},
		})
	}
	if err := ctrlConn.CreateTopics(configs...); err != nil {
		logger.Debug(ctx, "Kafka create topics failed (topics may already exist)", "error", err)
		return
	}
	logger.Info(ctx, "Kafka topics ensured", "count", len(configs))
}

// Publisher writes typed event envelopes to the bus. Messages are keyed by
// the event's partition key so per-user order is preserved.
type Publisher struct {
	writer     *kafka.Writer
	maxRetries int
}

var (
	pub     *Publisher
	pubOnce sync.Once
)

// DefaultPublisher returns the global publisher (initialized on first use).
func DefaultPublisher(ctx context.Context) *Publisher {
	pubOnce.Do(func() {
		cfg := config.Get()
		pub = &Publisher{
			writer: &kafka.Writer{
				Addr:         kafka.TCP(cfg.KafkaBrokers...),
				Balancer:     &kafka.Hash{},
				BatchTimeout: 10 * time.Millisecond,
				RequiredAcks: kafka.RequireOne,
			},
			maxRetries: cfg.BusPublishMaxRetries,
		}
		logger.Info(ctx, "Kafka publisher initialized", "brokers", cfg.KafkaBrokers)
	})
	return pub
}

// Publish writes one event to topic. At-least-once: once this returns nil the
// broker has acked the message. Returns ErrUnavailable after the retry budget.
func (p *Publisher) Publish(ctx context.Context, topic string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.PartitionKey),
		Value: payload,
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, topic, lastErr)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
