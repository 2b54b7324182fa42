// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsManager pushes the status aggregate to connected operator clients on
// a short cadence, so the dashboard updates without polling.
type wsManager struct {
	server   *Server
	upgrader websocket.Upgrader
	interval time.Duration
}

func newWSManager(server *Server) *wsManager {
	return &wsManager{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Session token already gates the upgrade; the facade is
			// not exposed to browsers from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		interval: 2 * time.Second,
	}
}

func (m *wsManager) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.server.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: the client never sends anything meaningful, but
	// reading is required to notice the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		status, err := m.server.currentStatus()
		if err != nil {
			m.server.logger.Warn("websocket status query failed", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
