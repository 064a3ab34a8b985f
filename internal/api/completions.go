package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soochol/exectrack/internal/exectrack"
)

const (
	streamBuffer  = 64
	wsWriteWait   = 10 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsPongTimeout = 90 * time.Second
)

func (s *Server) listCompletions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.GetCompletionHistory())
}

func (s *Server) getCompletionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.GetCompletionStats())
}

// streamCompletions streams every completion signal published after the
// client connects, as SSE "completion" events.
func (s *Server) streamCompletions(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sigs := s.channel.Stream(r.Context(), streamBuffer)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for sig := range sigs {
		if writeSSEEvent(w, sig) {
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single signal as an SSE frame. A signal that can't
// be encoded is logged and skipped.
func writeSSEEvent(w io.Writer, sig exectrack.CompletionSignal) bool {
	data, err := json.Marshal(sig)
	if err != nil {
		slog.Warn("api: dropping unencodable completion event", "id", sig.ExecutionID, "err", err)
		return false
	}
	fmt.Fprintf(w, "event: completion\ndata: %s\n\n", data)
	return true
}

// streamCompletionsWS is the websocket equivalent of streamCompletions. Each
// signal is sent as one JSON text message.
func (s *Server) streamCompletionsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	// The client sends nothing we use; reading keeps control frames
	// flowing and notices when it goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("api: websocket read error", "err", err)
				}
				return
			}
		}
	}()

	sigs := s.channel.Stream(ctx, streamBuffer)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(sig); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
