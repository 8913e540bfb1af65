package wsgateway

import (
	"log/slog"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"github.com/ocx/imgforge/internal/progressbus"
)

// NewSocketIOServer builds the Socket.IO-compatible `/socket.io/` endpoint
// (spec §6.2), offering the same join_queue/leave_queue/request_progress/
// cancel_batch/get_queue_status/get_active_queues vocabulary as named
// socket.io events instead of a raw JSON envelope.
func (g *Gateway) NewSocketIOServer() *socketio.Server {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(newSocketState())
		return nil
	})

	server.OnEvent("/", "join_queue", func(s socketio.Conn, jobID string) {
		state := socketState(s)
		state.mu.Lock()
		if _, already := state.subs[jobID]; already {
			state.mu.Unlock()
			return
		}
		sub := g.bus.Subscribe(jobID)
		state.subs[jobID] = sub
		state.mu.Unlock()

		go g.relaySocketIO(s, state, sub)
		g.emitProgress(s, jobID)
	})

	server.OnEvent("/", "leave_queue", func(s socketio.Conn, jobID string) {
		state := socketState(s)
		state.mu.Lock()
		sub, ok := state.subs[jobID]
		if ok {
			delete(state.subs, jobID)
		}
		state.mu.Unlock()
		if ok {
			sub.Unsubscribe()
		}
	})

	server.OnEvent("/", "request_progress", func(s socketio.Conn, jobID string) {
		g.emitProgress(s, jobID)
	})

	server.OnEvent("/", "cancel_batch", func(s socketio.Conn, jobID string) {
		if err := g.scheduler.Cancel(jobID); err != nil {
			s.Emit("error", map[string]string{"job_id": jobID, "error": err.Error()})
			return
		}
		s.Emit("cancel_accepted", map[string]string{"job_id": jobID})
	})

	server.OnEvent("/", "get_queue_status", func(s socketio.Conn, jobID string) {
		s.Emit("queue_status", map[string]interface{}{
			"job_id":      jobID,
			"subscribers": g.bus.RoomSize(jobID),
		})
	})

	server.OnEvent("/", "get_active_queues", func(s socketio.Conn) {
		s.Emit("active_queues", map[string]interface{}{"job_ids": g.bus.ActiveRooms()})
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		state := socketState(s)
		state.mu.Lock()
		for _, sub := range state.subs {
			sub.Unsubscribe()
		}
		state.mu.Unlock()
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		slog.Warn("wsgateway: socket.io error", "error", err)
	})

	return server
}

type socketIOState struct {
	mu   sync.Mutex
	subs map[string]*progressbus.Subscription
}

func newSocketState() *socketIOState {
	return &socketIOState{subs: make(map[string]*progressbus.Subscription)}
}

func socketState(s socketio.Conn) *socketIOState {
	return s.Context().(*socketIOState)
}

func (g *Gateway) relaySocketIO(s socketio.Conn, state *socketIOState, sub *progressbus.Subscription) {
	for {
		sub.Wait(30 * time.Second)

		state.mu.Lock()
		_, stillJoined := state.subs[sub.JobID]
		state.mu.Unlock()
		if !stillJoined {
			return
		}

		events, lost := sub.Drain()
		for _, ev := range events {
			payload := map[string]interface{}{"job_id": ev.JobID, "data": ev.Data}
			if lost {
				payload["events_lost"] = true
				lost = false
			}
			s.Emit(string(ev.Type), payload)
		}
	}
}

func (g *Gateway) emitProgress(s socketio.Conn, jobID string) {
	snap, err := g.scheduler.Progress(jobID)
	if err != nil {
		s.Emit("error", map[string]string{"job_id": jobID, "error": err.Error()})
		return
	}
	s.Emit("batch_progress", snap.View())
}
