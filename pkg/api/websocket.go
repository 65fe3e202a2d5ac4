package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// wsWriteTimeout bounds a single WebSocket send so one stalled client cannot
// pin its pump goroutine.
const wsWriteTimeout = 10 * time.Second

// wsDrainInterval is the fallback poll interval of the pump loop. The loop
// normally wakes immediately off the inbox signal; the interval only bounds
// how long a shutdown or dead connection lingers.
const wsDrainInterval = 30 * time.Second

// wsFrame is one server → client message on the notification stream. The
// items are exactly the inbox entries a long-poll drain would return;
// catchup reports an overflowed inbox, telling the client to reconcile via
// GET /api/v1/elicitation/{id}.
type wsFrame struct {
	Type         string        `json:"type"` // "notifications", "catchup.hint", "pong"
	Elicitations []PendingItem `json:"elicitations,omitempty"`
}

// wsClientMessage is the JSON structure for client → server messages.
type wsClientMessage struct {
	Action string `json:"action"` // "ping"
}

// servePump streams the agent's inbox over an accepted WebSocket until the
// connection or ctx closes. Enqueued items survive a disconnect during a
// wait: the wait is cancelled without consuming them. Items are drained
// before their frame is written, so a send failure after a drain loses that
// one frame, which the catch-up read path recovers.
func (s *Server) servePump(ctx context.Context, conn *websocket.Conn, token string) {
	for {
		items, truncated, err := s.engine.Poll(ctx, token, wsDrainInterval)
		if err != nil {
			// Session revoked or expired mid-stream.
			_ = conn.Close(websocket.StatusPolicyViolation, "session no longer valid")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(items) == 0 && !truncated {
			continue
		}

		frame := wsFrame{Type: "notifications"}
		if truncated {
			frame.Type = "catchup.hint"
		}
		for _, n := range items {
			frame.Elicitations = append(frame.Elicitations, pendingItem(n))
		}
		if err := writeFrame(ctx, conn, &frame); err != nil {
			slog.Warn("WebSocket send failed, dropping connection", "error", err)
			return
		}
	}
}

// serveReads processes client messages until the connection closes, then
// cancels the pump.
func serveReads(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "error", err)
			continue
		}
		if msg.Action == "ping" {
			if err := writeFrame(ctx, conn, &wsFrame{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame *wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
