package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"finalarm/internal/notify"
)

const heartbeatInterval = 30 * time.Second

// handleWebSocket registers the connection as an alert subscriber. Any text
// frame from the client is answered with "pong".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := s.cfg.Get().API.CORSOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket accept failed", "err", err)
		}
		return
	}
	ch := notify.NewWebSocketChannel(conn)
	sub := s.engine.Subscribe(ch)
	defer s.engine.Unsubscribe(sub)

	ctx := r.Context()
	for {
		typ, _, err := conn.Read(ctx)
		if err != nil {
			if s.logger != nil && websocket.CloseStatus(err) == -1 {
				s.logger.Debug("websocket read ended", "subscriber_id", sub.ID, "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := ch.Reply(ctx, "pong"); err != nil {
			return
		}
	}
}

// handleEvents streams alerts as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := notify.NewStreamChannel(s.cfg.Get().Engine.SubscriberBuffer)
	sub := s.engine.Subscribe(ch)
	defer s.engine.Unsubscribe(sub)

	writeEvent(w, map[string]any{"type": "connected", "subscriber_id": sub.ID})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case msg := <-ch.Messages():
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-heartbeat.C:
			writeEvent(w, map[string]any{"type": "heartbeat", "timestamp": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
