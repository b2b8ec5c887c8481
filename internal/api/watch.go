package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/walker/internal/model"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = (watchPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWatchJob streams job snapshots over a websocket: the current one
// first, then one per state change. The stream ends once the executor's
// result is stored. A timed_out snapshot does not end it, since the executor
// may still complete the job.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := identity(r)

	// Ownership is checked before the upgrade so errors stay plain HTTP.
	j, err := s.svc.GetJob(r.Context(), caller, id)
	if err != nil {
		s.writeServiceError(w, err, "get job")
		return
	}

	events, unsub := s.notifier.Subscribe(id)
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", "job_id", id, "error", err)
		return
	}
	defer conn.Close()
	watchStreams.Inc()
	defer watchStreams.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	send := func(j *model.Job) bool {
		conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		if err := conn.WriteJSON(j); err != nil {
			s.logger.Debug("websocket write", "job_id", id, "error", err)
			return false
		}
		return true
	}

	if !send(j) {
		return
	}
	last := j.State

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()

	for !watchDone(last) {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}

		cur, err := s.svc.GetJob(ctx, caller, id)
		if err != nil {
			s.logger.Error("watch job", "job_id", id, "error", err)
			return
		}
		if cur.State == last {
			continue
		}
		if !send(cur) {
			return
		}
		last = cur.State
	}

	conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// watchDone reports whether no further state change can follow.
func watchDone(st model.State) bool {
	return st == model.StateCompleted || st == model.StateSetupFailed
}

// readPump drains client frames so control messages are processed, and
// cancels the watch when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
