package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/service"
)

const (
	streamPollInterval = time.Second
	streamWriteWait    = 10 * time.Second
)

// StreamTaskLogs handles GET /api/v1/tasks/{task_id}/logs/stream: a
// websocket that pushes new log entries as the flusher lands them and
// closes once the task reaches a terminal state. Each frame is the same
// page shape as the polling endpoint, so clients can fall back to polling
// with the last cursor they saw.
func (h *Handlers) StreamTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	// Resolve the task before upgrading so unknown ids still get a plain
	// HTTP error instead of a handshake followed by a close frame.
	st, err := h.svc.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.log.Debug().Err(err).Str("task_id", taskID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends data frames; reading is how we notice it
	// going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cursor := r.URL.Query().Get("last_log_id")
	terminal := taskTerminal(st)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		page, err := h.svc.GetTaskLogs(r.Context(), taskID, cursor)
		if err != nil {
			h.log.Warn().Err(err).Str("task_id", taskID).Msg("log stream read failed")
			h.closeStream(conn, websocket.CloseInternalServerErr, "log read failed")
			return
		}
		if len(page.Logs) > 0 {
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(page); err != nil {
				return
			}
			cursor = page.LastLogID
		}

		// One final drain runs after the terminal state is observed, so
		// the failure log written during teardown still reaches clients.
		if terminal {
			h.closeStream(conn, websocket.CloseNormalClosure, "task finished")
			return
		}
		if st, err := h.svc.GetTaskStatus(r.Context(), taskID); err == nil && taskTerminal(st) {
			terminal = true
			continue
		}

		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handlers) closeStream(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(streamWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func taskTerminal(st *service.TaskStatus) bool {
	return st.Status != persistence.TaskRunning || st.ProcessStatus == persistence.ProcessFailed
}
