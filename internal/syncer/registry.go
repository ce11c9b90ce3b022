package syncer

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// ServerMessage is the wire shape of every server-to-client message: an event
// type (or protocol type like "connected"/"pong") plus its payload.
type ServerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const sendBuffer = 64

// queuedMessage pairs an outbound message with the event id it carries, so
// the sync gate can deduplicate replayed events against live arrivals.
type queuedMessage struct {
	eventID string
	msg     ServerMessage
}

// connection is one live client connection. Messages are queued on a buffered
// channel drained by a single writer goroutine; a full queue marks the
// connection dead (the client reconnects with its checkpoint and replays).
//
// A fresh connection is gated: event pushes accumulate on a backlog until the
// client's first sync_request replay completes, so replayed events always
// reach the socket before anything newer.
type connection struct {
	userID      string
	connectedAt time.Time
	send        chan ServerMessage

	mu       sync.Mutex
	live     bool
	backlog  []queuedMessage
	replayed map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(userID string) *connection {
	return &connection{
		userID:      userID,
		connectedAt: time.Now().UTC(),
		send:        make(chan ServerMessage, sendBuffer),
		done:        make(chan struct{}),
	}
}

// push queues a message. Returns false when the connection is dead or its
// queue is full; the caller drops the connection.
func (c *connection) push(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// pushEvent delivers an event message, honoring the sync gate: while gated
// the event joins the backlog, and an event the replay already delivered is
// absorbed instead of duplicated.
func (c *connection) pushEvent(eventID string, msg ServerMessage) bool {
	c.mu.Lock()
	if !c.live {
		if len(c.backlog) >= sendBuffer {
			c.mu.Unlock()
			return false
		}
		c.backlog = append(c.backlog, queuedMessage{eventID: eventID, msg: msg})
		c.mu.Unlock()
		return true
	}
	if _, ok := c.replayed[eventID]; ok {
		delete(c.replayed, eventID)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return c.push(msg)
}

// goLive flushes the replayed events followed by the gated backlog (minus
// events the replay already covered), then opens the connection for direct
// push. Returns false when the send queue overflows mid-flush.
func (c *connection) goLive(replay []queuedMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(replay))
	for _, q := range replay {
		seen[q.eventID] = struct{}{}
		if !c.push(q.msg) {
			return false
		}
	}
	for _, q := range c.backlog {
		if _, ok := seen[q.eventID]; ok {
			// Arrived live while gated and already replayed above.
			delete(seen, q.eventID)
			continue
		}
		if !c.push(q.msg) {
			return false
		}
	}
	c.backlog = nil
	// Whatever remains was replayed but not yet seen live; pushEvent absorbs
	// those arrivals instead of double-delivering.
	c.replayed = seen
	c.live = true
	return true
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// registry holds live connections per user, sharded so broadcast for one user
// never contends on a global lock. A user may hold several connections.
type registry struct {
	shards []*registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string][]*connection
}

func newRegistry(shardCount int) *registry {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*registryShard, shardCount)
	for i := range shards {
		shards[i] = &registryShard{conns: make(map[string][]*connection)}
	}
	return &registry{shards: shards}
}

func (r *registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *registry) add(c *connection) {
	s := r.shardFor(c.userID)
	s.mu.Lock()
	s.conns[c.userID] = append(s.conns[c.userID], c)
	s.mu.Unlock()
}

func (r *registry) remove(c *connection) {
	s := r.shardFor(c.userID)
	s.mu.Lock()
	list := s.conns[c.userID]
	for i, got := range list {
		if got == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.conns, c.userID)
	} else {
		s.conns[c.userID] = list
	}
	s.mu.Unlock()
	c.close()
}

// connections returns a snapshot of the user's live connections.
func (r *registry) connections(userID string) []*connection {
	s := r.shardFor(userID)
	s.mu.RLock()
	list := s.conns[userID]
	out := make([]*connection, len(list))
	copy(out, list)
	s.mu.RUnlock()
	return out
}

func (r *registry) count(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	n := len(s.conns[userID])
	s.mu.RUnlock()
	return n
}
