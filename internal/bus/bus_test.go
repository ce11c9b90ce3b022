package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpulse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventEnvelope(t *testing.T) {
	event, err := models.NewEvent(models.EventTaskCreated, "/tasks", "user-1", models.TaskEventData{
		TaskID: "task-1", UserID: "user-1", Title: "Buy milk",
	})
	require.NoError(t, err)

	assert.Equal(t, "1.0", event.SpecVersion)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, models.EventTaskCreated, event.Type)
	assert.Equal(t, "/tasks", event.Source)
	assert.Equal(t, "application/json", event.DataContentType)
	assert.Equal(t, "user-1", event.PartitionKey)
	assert.Equal(t, time.UTC, event.Time.Location())

	var data models.TaskEventData
	require.NoError(t, event.Decode(&data))
	assert.Equal(t, "Buy milk", data.Title)
}

func TestNewEventIDsAreUnique(t *testing.T) {
	a, err := models.NewEvent(models.EventTaskCreated, "/tasks", "user-1", nil)
	require.NoError(t, err)
	b, err := models.NewEvent(models.EventTaskCreated, "/tasks", "user-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTopicSpecsCoverAllTopics(t *testing.T) {
	for _, topic := range []string{
		TopicTaskEvents, TopicReminderDue, TopicNotifications,
		TopicNotificationDLQ, TopicActivityLog, TopicSyncEvents,
	} {
		spec, ok := topicSpecs[topic]
		require.True(t, ok, topic)
		assert.Greater(t, spec.partitions, 0, topic)
		assert.Greater(t, spec.retention, time.Duration(0), topic)
	}
}

func fastBackoff(t *testing.T) {
	t.Helper()
	base, limit := handleBackoffBase, handleBackoffCap
	handleBackoffBase, handleBackoffCap = time.Millisecond, time.Millisecond
	t.Cleanup(func() { handleBackoffBase, handleBackoffCap = base, limit })
}

func TestHandleWithRetrySuccess(t *testing.T) {
	calls := 0
	err := handleWithRetry(context.Background(), TopicTaskEvents, models.Event{}, func(context.Context, models.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestHandleWithRetryDropSkipsRetries(t *testing.T) {
	calls := 0
	err := handleWithRetry(context.Background(), TopicTaskEvents, models.Event{}, func(context.Context, models.Event) error {
		calls++
		return ErrDrop
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestHandleWithRetryRetriesTransientFailure(t *testing.T) {
	fastBackoff(t)
	calls := 0
	err := handleWithRetry(context.Background(), TopicTaskEvents, models.Event{}, func(context.Context, models.Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestHandleWithRetryReturnsErrorOnExhaustion(t *testing.T) {
	fastBackoff(t)
	sentinel := errors.New("store down")
	calls := 0
	err := handleWithRetry(context.Background(), TopicTaskEvents, models.Event{}, func(context.Context, models.Event) error {
		calls++
		return sentinel
	})
	// The caller dead-letters before committing; a nil here would mean the
	// event vanished with nothing but a log line.
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, handleMaxAttempts, calls)
}

func TestHandleWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := handleWithRetry(ctx, TopicTaskEvents, models.Event{}, func(context.Context, models.Event) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
