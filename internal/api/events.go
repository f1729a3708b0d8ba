package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/roundtable/internal/events"
)

const (
	eventBuffer  = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API has no browser UI of its own, so any origin may subscribe.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON websocket frames. The optional
// conversation_id query parameter restricts the stream to one
// conversation. Slow clients miss events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	convID := r.URL.Query().Get("conversation_id")

	// Subscribe before the handshake completes so a client never misses
	// events published right after it connects.
	ch := s.bus.Subscribe(eventBuffer, events.ForConversation(convID))
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("event stream opened", "remote", r.RemoteAddr, "conversation_id", convID)
	defer s.logger.Info("event stream closed", "remote", r.RemoteAddr)

	// The read pump only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
