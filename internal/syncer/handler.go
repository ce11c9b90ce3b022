package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"taskpulse/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect from the app origin; token auth happens at handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the wire shape of client-to-server messages.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type syncRequest struct {
	LastEventID string `json:"last_event_id"`
}

// ServeWS upgrades an authenticated request to a websocket connection and
// serves it until the client goes away. The auth middleware has already
// verified the handshake token and set the user id.
func (b *Broadcaster) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := c.Get("user")
	uid, _ := userID.(string)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug(ctx, "Websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(uid)
	b.reg.add(conn)
	logger.Info(ctx, "Websocket connected", "user_id", uid, "connections", b.reg.count(uid))
	defer func() {
		b.reg.remove(conn)
		_ = ws.Close()
		logger.Info(ctx, "Websocket disconnected", "user_id", uid, "connections", b.reg.count(uid))
	}()

	go writeLoop(ws, conn)

	// Event delivery stays gated until the first sync_request replay
	// completes; protocol messages flow immediately.
	pushJSON(conn, "connected", gin.H{
		"message":   "Connected to real-time sync",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug(ctx, "Websocket read failed", "user_id", uid, "error", err)
			}
			return
		}
		switch msg.Type {
		case "ping":
			pushJSON(conn, "pong", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
		case "sync_request":
			var req syncRequest
			_ = json.Unmarshal(msg.Data, &req)
			b.replay(ctx, conn, req.LastEventID)
		default:
			logger.Debug(ctx, "Ignoring unknown client message", "user_id", uid, "type", msg.Type)
		}
	}
}

// replay streams the buffered events after the client's checkpoint, or tells
// the client to resync in full when the checkpoint fell out of the window.
// Either way the sync gate opens afterwards: replayed events land on the
// socket first, then the backlog accumulated while gated, then live push.
func (b *Broadcaster) replay(ctx context.Context, conn *connection, lastEventID string) {
	events, ok, err := b.buf.Since(ctx, conn.userID, lastEventID)
	if err != nil {
		logger.Warn(ctx, "Replay lookup failed", "user_id", conn.userID, "error", err)
		pushJSON(conn, "resync_required", gin.H{"reason": "replay unavailable"})
		if !conn.goLive(nil) {
			b.reg.remove(conn)
		}
		return
	}
	if !ok {
		pushJSON(conn, "resync_required", gin.H{"reason": "checkpoint outside replay window"})
		if !conn.goLive(nil) {
			b.reg.remove(conn)
		}
		return
	}
	replay := make([]queuedMessage, 0, len(events))
	for _, event := range events {
		replay = append(replay, queuedMessage{
			eventID: event.ID,
			msg:     ServerMessage{Type: string(event.Type), Data: event.Data},
		})
	}
	if !conn.goLive(replay) {
		b.reg.remove(conn)
		return
	}
	pushJSON(conn, "sync_complete", gin.H{"replayed": len(events)})
}

func pushJSON(conn *connection, msgType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	conn.push(ServerMessage{Type: msgType, Data: payload})
}

// writeLoop drains the connection's queue onto the socket. A write failure
// closes the connection; the reader notices and cleans up.
func writeLoop(ws *websocket.Conn, conn *connection) {
	for {
		select {
		case <-conn.done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteJSON(msg); err != nil {
				conn.close()
				return
			}
		}
	}
}
