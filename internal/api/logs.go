package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	logPollInterval = 2 * time.Second
	logTailLines    = 200
)

// LogMessage is one frame of the service log stream
type LogMessage struct {
	Type    string `json:"type"`
	Service string `json:"service,omitempty"`
	Data    string `json:"data,omitempty"`
}

// handleServiceLogs streams a service container's output over a
// websocket. The full tail is sent on connect, then only the suffix
// that appeared since the previous poll.
func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")
	service := chi.URLParam(r, "service")

	wld, err := s.coordinator.Status(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	if !wld.Status.IsRunning() {
		respondError(w, http.StatusConflict, "not_running", "world is not running")
		return
	}
	if _, ok := wld.Services[service]; !ok {
		respondError(w, http.StatusNotFound, "service_not_found", "no such service in this world")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("log stream connected", "event", eventName, "identity", identity, "service", service)

	// Reader goroutine: unblocks on client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg LogMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg) == nil
	}

	if !send(LogMessage{Type: "connected", Service: service}) {
		return
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	var lastSent string
	for {
		logs, err := s.coordinator.Logs(r.Context(), eventName, identity, service, logTailLines)
		if err != nil {
			send(LogMessage{Type: "error", Data: "log source unavailable"})
			return
		}

		if fresh := newSuffix(lastSent, logs); fresh != "" {
			if !send(LogMessage{Type: "output", Service: service, Data: fresh}) {
				return
			}
			lastSent = logs
		}

		select {
		case <-done:
			slog.Info("log stream closed", "event", eventName, "identity", identity, "service", service)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// newSuffix returns the part of cur not already covered by prev. When
// the tail window rotated past prev entirely, cur is returned whole.
func newSuffix(prev, cur string) string {
	if prev == "" {
		return cur
	}
	if cur == prev {
		return ""
	}
	if len(cur) > len(prev) && cur[:len(prev)] == prev {
		return cur[len(prev):]
	}
	return cur
}
