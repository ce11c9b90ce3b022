package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"taskpulse/internal/bus"
	"taskpulse/internal/config"
	"taskpulse/internal/dispatcher"
	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// consumerBase is the sync consumer's group name prefix. Each instance joins
// its own group (suffixed with the hostname) because every instance needs the
// full stream for its locally connected clients.
const consumerBase = "sync-broadcaster"

// replayStore is the buffer contract the broadcaster depends on.
type replayStore interface {
	Append(ctx context.Context, event models.Event) error
	Since(ctx context.Context, userID, lastEventID string) ([]models.Event, bool, error)
}

// Broadcaster fans task lifecycle and notification events out to every live
// connection of the owning user, in publish order, and feeds the replay
// buffer that bridges brief disconnects.
type Broadcaster struct {
	reg *registry
	buf replayStore
}

// NewBroadcaster builds a broadcaster over the given Redis client.
func NewBroadcaster(rdb *redis.Client) *Broadcaster {
	cfg := config.Get()
	return &Broadcaster{
		reg: newRegistry(cfg.SyncShards),
		buf: NewReplayBuffer(rdb, cfg.SyncReplayWindow),
	}
}

// Run subscribes to the broadcast inputs and blocks until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	ctx = logger.WithComponent(ctx, consumerBase)
	group := groupName()
	errCh := make(chan error, 2)
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicTaskEvents, group, b.HandleEvent) }()
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicNotifications, group+"-results", b.HandleEvent) }()
	return <-errCh
}

func groupName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return consumerBase + "-" + host
}

// HandleEvent buffers the event for replay and pushes it live. Events for one
// user arrive here sequentially (same partition key), so per-connection order
// matches publish order.
func (b *Broadcaster) HandleEvent(ctx context.Context, event models.Event) error {
	userID := event.PartitionKey
	if userID == "" {
		return fmt.Errorf("%w: event %s has no partition key", bus.ErrDrop, event.ID)
	}

	if err := b.buf.Append(ctx, event); err != nil {
		// Live push still works; only replay after reconnect is degraded.
		logger.Warn(ctx, "Replay buffer append failed", "user_id", userID, "error", err)
	}

	msg := ServerMessage{Type: string(event.Type), Data: event.Data}
	delivered := 0
	for _, conn := range b.reg.connections(userID) {
		if conn.pushEvent(event.ID, msg) {
			delivered++
			continue
		}
		// Slow or dead client: drop it rather than stall the partition.
		b.reg.remove(conn)
		logger.Warn(ctx, "Dropped unresponsive sync connection", "user_id", userID)
	}
	if delivered > 0 {
		logger.Debug(ctx, "Event broadcast", "user_id", userID, "type", string(event.Type), "connections", delivered)
	}
	return nil
}

// ConnectionCount reports the user's live connection count.
func (b *Broadcaster) ConnectionCount(userID string) int {
	return b.reg.count(userID)
}

// notificationPayload is the in-app notification message body.
type notificationPayload struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Channel        string            `json:"channel"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// PushNotification delivers an in-app notification to every live connection
// of the user. Returns the number of connections reached.
func (b *Broadcaster) PushNotification(userID string, n dispatcher.Notification) int {
	payload, err := json.Marshal(notificationPayload{
		NotificationID: n.NotificationID,
		Title:          n.Title,
		Body:           n.Body,
		Channel:        n.Channel,
		Metadata:       n.Metadata,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return 0
	}
	msg := ServerMessage{Type: "notification", Data: payload}

	delivered := 0
	for _, conn := range b.reg.connections(userID) {
		if conn.pushEvent(n.NotificationID, msg) {
			delivered++
		} else {
			b.reg.remove(conn)
		}
	}
	return delivered
}

// InAppChannel delivers notifications through the broadcaster's live
// connections. A user with no open connection is still a successful delivery:
// the notification.sent event lands in the activity log and the client picks
// it up on its next sync.
type InAppChannel struct {
	b *Broadcaster
}

// NewInAppChannel wraps a broadcaster as a dispatcher delivery channel.
func NewInAppChannel(b *Broadcaster) *InAppChannel {
	return &InAppChannel{b: b}
}

// Deliver implements dispatcher.Channel.
func (c *InAppChannel) Deliver(ctx context.Context, n dispatcher.Notification) error {
	c.b.PushNotification(n.UserID, n)
	return nil
}
