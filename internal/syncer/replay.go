package syncer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"taskpulse/internal/models"

	"github.com/redis/go-redis/v9"
)

// ReplayBuffer retains each user's recent events in a Redis sorted set scored
// by event time, trimmed to a bounded lookback window. It bridges brief
// disconnects; anything older forces a full resync through the task store.
type ReplayBuffer struct {
	rdb    *redis.Client
	window time.Duration
	Now    func() time.Time
}

// NewReplayBuffer builds a buffer with the given retention window.
func NewReplayBuffer(rdb *redis.Client, window time.Duration) *ReplayBuffer {
	return &ReplayBuffer{
		rdb:    rdb,
		window: window,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func bufferKey(userID string) string {
	return "sync:buf:" + userID
}

// Append stores one event and trims everything beyond the window.
func (b *ReplayBuffer) Append(ctx context.Context, event models.Event) error {
	if b.rdb == nil {
		return redis.ErrClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := bufferKey(event.PartitionKey)
	cutoff := b.Now().Add(-b.window).UnixNano()

	pipe := b.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Time.UnixNano()), Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, b.window)
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns the user's buffered events published after lastEventID, in
// order. ok is false when the checkpoint is no longer inside the retained
// window, meaning the client must perform a full resync. An empty checkpoint
// replays nothing (fresh session).
func (b *ReplayBuffer) Since(ctx context.Context, userID, lastEventID string) ([]models.Event, bool, error) {
	if lastEventID == "" {
		return nil, true, nil
	}
	if b.rdb == nil {
		return nil, false, redis.ErrClosed
	}
	raw, err := b.rdb.ZRangeByScore(ctx, bufferKey(userID), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, false, err
	}
	events, ok := eventsAfter(raw, lastEventID)
	return events, ok, nil
}

// eventsAfter decodes the buffered members in score order and returns the
// events past the checkpoint. ok is false when the checkpoint id is not among
// them (trimmed out of the window, or never buffered).
func eventsAfter(members []string, lastEventID string) ([]models.Event, bool) {
	events := make([]models.Event, 0, len(members))
	checkpoint := -1
	for _, member := range members {
		var event models.Event
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			continue
		}
		if event.ID == lastEventID {
			checkpoint = len(events)
		}
		events = append(events, event)
	}
	if checkpoint < 0 {
		return nil, false
	}
	return events[checkpoint+1:], true
}
