package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/fleetboard/internal/bus"
)

// wsEnvelope is the shape pushed to every connected dashboard client,
// per spec §6.4.
type wsEnvelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// handleWebSocket accepts a connection and streams every bus event to it
// until the connection closes or a write fails. Grounded on the
// teacher's gateway.handleWS accept/subscribe/write shape, simplified
// from its JSON-RPC request/response loop to a push-only feed since the
// dashboard client never sends commands over this socket (spec §6.4).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORSOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.cfg.Bus.Subscribe("*", func(ev bus.Event) {
		payload := wsEnvelope{Event: ev.Topic, Data: ev.Payload, Timestamp: time.Now(), TraceID: ev.TraceID}
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer writeCancel()
		if err := wsjson.Write(writeCtx, conn, payload); err != nil {
			s.logger.Warn("ws: dropping client after write failure", "error", err)
			cancel()
		}
	})
	defer sub.Close()

	// Block until the client disconnects or a write fails; this
	// connection never reads commands, only pushes events.
	<-ctx.Done()
}
