package streamapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"aifixd/internal/corelog"
	"aifixd/internal/model"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// frame is one WebSocket message pushed to a /ws/tasks/{taskId} subscriber.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func rawFrame(kind, data string) frame {
	return frame{Type: kind, Data: json.RawMessage(mustQuote(data)), Timestamp: time.Now()}
}

func mustQuote(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}

// handleTaskWebSocket upgrades the connection and multiplexes the task's
// log, diff and state pub/sub channels onto a single stream of typed frames.
func (s *Server) handleTaskWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		corelog.Error("task ws upgrade failed for %s: %v", taskID, err)
		return
	}
	defer conn.Close()

	logSub := s.store.SubscribeLog(r.Context(), taskID)
	diffSub := s.store.SubscribeDiff(r.Context(), taskID)
	stateSub := s.store.SubscribeState(r.Context(), taskID)
	defer logSub.Close()
	defer diffSub.Close()
	defer stateSub.Close()

	if ts, err := s.store.GetTask(r.Context(), taskID); err == nil {
		if data, err := json.Marshal(ts); err == nil {
			_ = s.writeFrame(conn, frame{Type: "state", Data: data, Timestamp: time.Now()})
		}
		if ts.State.IsTerminal() {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					corelog.Error("task ws read error for %s: %v", taskID, err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	logCh := logSub.Channel()
	diffCh := diffSub.Channel()
	stateCh := stateSub.Channel()

	for {
		select {
		case msg, ok := <-logCh:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, rawFrame("log", msg.Payload)); err != nil {
				return
			}
		case msg, ok := <-diffCh:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, rawFrame("diff", msg.Payload)); err != nil {
				return
			}
		case msg, ok := <-stateCh:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, frame{Type: "state", Data: json.RawMessage(msg.Payload), Timestamp: time.Now()}); err != nil {
				return
			}
			var st struct {
				State model.TaskStateKind `json:"state"`
			}
			if json.Unmarshal([]byte(msg.Payload), &st) == nil && st.State.IsTerminal() {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}
