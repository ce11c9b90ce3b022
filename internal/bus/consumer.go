package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Handler processes one delivered event. Returning nil commits the message;
// a transient error is retried in place (keeping the partition blocked, which
// preserves per-user order); ErrDrop commits without further retries.
type Handler func(ctx context.Context, event models.Event) error

// ErrDrop marks an event as poison: it is committed and skipped instead of retried.
var ErrDrop = errors.New("bus: drop message")

var (
	handleMaxAttempts = 5
	handleBackoffBase = 500 * time.Millisecond
	handleBackoffCap  = 5 * time.Second
)

// Subscribe runs a consumer group on topic and blocks until ctx is cancelled.
// BUS_CONCURRENCY readers share the group; Kafka assigns each partition to at
// most one reader, so events with the same key are handled sequentially.
func Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	cfg := config.Get()
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info(ctx, "Consumer disabled (no Kafka brokers)", "topic", topic, "group", group)
		<-ctx.Done()
		return ctx.Err()
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.BusConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runReader(ctx, topic, group, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func runReader(ctx context.Context, topic, group string, handler Handler) {
	cfg := config.Get()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info(ctx, "Consumer started", "topic", topic, "group", group)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "Consumer fetch failed", "topic", topic, "error", err)
			continue
		}

		var event models.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Malformed envelope: commit to unblock the partition.
			logger.Error(ctx, "Consumer discarding malformed event", "topic", topic, "error", err, "payload", string(msg.Value))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		ectx := logger.WithEventID(ctx, event.ID)
		if err := handleWithRetry(ectx, topic, event, handler); err != nil {
			// In-place retries exhausted. Park the event on the DLQ before
			// committing; committing without it would lose the event. If the
			// DLQ is unreachable the partition stays blocked until it recovers.
			if !quarantine(ectx, topic, event, err) {
				return
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "Consumer commit failed", "topic", topic, "error", err)
		}
	}
}

// handleWithRetry invokes the handler with capped backoff. Returns nil once
// the handler succeeds (or asks to drop); returns the handler's error after
// handleMaxAttempts, or immediately on shutdown, so the caller decides what
// happens to the message.
func handleWithRetry(ctx context.Context, topic string, event models.Event, handler Handler) error {
	backoff := handleBackoffBase
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDrop) {
			logger.Warn(ctx, "Consumer dropping event", "topic", topic, "type", event.Type, "error", err)
			return nil
		}
		if attempt >= handleMaxAttempts {
			return err
		}
		logger.Warn(ctx, "Consumer handler failed, retrying", "topic", topic, "type", event.Type, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > handleBackoffCap {
			backoff = handleBackoffCap
		}
	}
}

// quarantine publishes the failed event to the dead-letter topic, retrying
// until the publish lands. Returns false when ctx ends first; the caller must
// then skip the commit so the consumer group redelivers after restart.
func quarantine(ctx context.Context, topic string, event models.Event, cause error) bool {
	dlq, err := models.NewEvent(event.Type, "/bus/dlq", event.PartitionKey, models.DeadLetterData{
		OriginalTopic: topic,
		Event:         event,
		Error:         cause.Error(),
		Attempts:      handleMaxAttempts,
	})
	if err != nil {
		logger.Error(ctx, "DLQ event build failed", "topic", topic, "error", err)
		return true
	}
	for {
		if err := DefaultPublisher(ctx).Publish(ctx, TopicNotificationDLQ, dlq); err == nil {
			logger.Error(ctx, "Consumer dead-lettered event", "topic", topic, "type", event.Type, "error", cause)
			return true
		} else if ctx.Err() == nil {
			logger.Error(ctx, "DLQ publish failed, retrying", "topic", topic, "error", err)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(handleBackoffCap):
		}
	}
}
