package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/log"
	"github.com/lintsinghua/XCodeReviewer-sub001/internal/metrics"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

const streamPingInterval = 30 * time.Second

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamAudit upgrades to WebSocket and forwards the task's event stream.
// GET /api/v1/audits/{id}/stream?after_seq=N
// The connection closes after the terminal event is delivered.
func (s *Server) streamAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	afterSeq := parseInt64(r.URL.Query().Get("after_seq"), 0)

	events, err := s.svc.StreamEvents(r.Context(), id, afterSeq)
	if err != nil {
		if err == storage.ErrNotFound {
			respondError(w, http.StatusNotFound, "Audit not found")
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().Errorf("Stream upgrade for audit %s failed: %v", id, err)
		return
	}
	defer conn.Close()

	metrics.StreamConnectionsActive.Inc()
	defer metrics.StreamConnectionsActive.Dec()
	log.GetLogger().Infof("Stream connected for audit %s after seq %d", id, afterSeq)

	// Reader goroutine drains client frames so close messages are seen.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.GetLogger().Errorf("Stream write for audit %s failed: %v", id, err)
				return
			}
			if e.Kind == models.TaskTerminalEvent {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "audit finished"))
				return
			}
		}
	}
}
