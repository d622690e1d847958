package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// same-origin policy is handled upstream; the stream is read-only data
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPushInterval = 3 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// handleLeaderboardWS streams leaderboard snapshots. Clients get the current
// top list immediately and then on a fixed interval; the conn closes on the
// first write failure.
func (s *Server) handleLeaderboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	defer conn.Close()

	// drain control frames so pong/close handling works
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func() error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(map[string]any{
			"type":    "leaderboard",
			"entries": s.leaderboardView(s.topK),
		})
	}
	if err := push(); err != nil {
		return
	}

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		}
	}
}
