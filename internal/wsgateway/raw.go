// Package wsgateway is the WebSocket/Socket.IO edge adapter (spec §4.8,
// §6.2): a thin relay between client control messages and the Scheduler /
// Progress Bus. It holds no domain state of its own.
//
// The connection hub shape (register/unregister/broadcast channels behind
// an upgrader with a permissive CheckOrigin) is grounded on the teacher's
// websocket.DAGStreamer; here it's narrowed to one read loop per
// connection plus one relay goroutine per joined job, each relaying a
// per-job progressbus.Subscription instead of a
// single global broadcast channel, since fan-out already happens inside
// the Progress Bus.
package wsgateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/imgforge/internal/progressbus"
	"github.com/ocx/imgforge/internal/scheduler"
)

// clientMessage is the fixed vocabulary of spec §6.2 client->server actions.
type clientMessage struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`
}

type serverMessage struct {
	Event string      `json:"event"`
	JobID string      `json:"job_id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Gateway bridges raw WebSocket connections to the Scheduler and Progress
// Bus.
type Gateway struct {
	scheduler *scheduler.Scheduler
	bus       *progressbus.Bus
	upgrader  websocket.Upgrader
}

// New returns a Gateway whose upgrader accepts every origin (spec
// Non-goals: no auth/authz at this layer).
func New(s *scheduler.Scheduler, bus *progressbus.Bus) *Gateway {
	return &Gateway{
		scheduler: s,
		bus:       bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// connection holds per-socket state: the live subscriptions it has joined
// and a write mutex, since gorilla/websocket forbids concurrent writers.
type connection struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	subs  map[string]*progressbus.Subscription
	subMu sync.Mutex
}

func (c *connection) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsgateway: upgrade failed", "error", err)
		return
	}
	c := &connection{conn: conn, subs: make(map[string]*progressbus.Subscription)}
	defer g.closeConn(c)

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		g.dispatch(c, msg)
	}
}

func (g *Gateway) closeConn(c *connection) {
	c.subMu.Lock()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subMu.Unlock()
	c.conn.Close()
}

func (g *Gateway) dispatch(c *connection, msg clientMessage) {
	switch msg.Action {
	case "join_queue":
		g.joinQueue(c, msg.JobID)
	case "leave_queue":
		g.leaveQueue(c, msg.JobID)
	case "request_progress":
		g.sendProgress(c, msg.JobID)
	case "cancel_batch":
		g.cancelBatch(c, msg.JobID)
	case "get_queue_status":
		g.sendQueueStatus(c, msg.JobID)
	case "get_active_queues":
		g.sendActiveQueues(c)
	default:
		c.writeJSON(serverMessage{Event: "error", Error: "unknown action: " + msg.Action})
	}
}

func (g *Gateway) joinQueue(c *connection, jobID string) {
	c.subMu.Lock()
	if _, already := c.subs[jobID]; already {
		c.subMu.Unlock()
		return
	}
	sub := g.bus.Subscribe(jobID)
	c.subs[jobID] = sub
	c.subMu.Unlock()

	go g.relay(c, sub)
	g.sendProgress(c, jobID)
}

func (g *Gateway) leaveQueue(c *connection, jobID string) {
	c.subMu.Lock()
	sub, ok := c.subs[jobID]
	if ok {
		delete(c.subs, jobID)
	}
	c.subMu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// relay pumps buffered events from a Subscription to the socket until it is
// unsubscribed (the buffer push loop is the Progress Bus's; this pump only
// drains and forwards).
func (g *Gateway) relay(c *connection, sub *progressbus.Subscription) {
	for {
		sub.Wait(30 * time.Second)

		c.subMu.Lock()
		_, stillJoined := c.subs[sub.JobID]
		c.subMu.Unlock()
		if !stillJoined {
			return
		}

		events, lost := sub.Drain()
		for _, ev := range events {
			payload := map[string]interface{}{"data": ev.Data}
			if lost {
				payload["events_lost"] = true
				lost = false
			}
			if err := c.writeJSON(serverMessage{Event: string(ev.Type), JobID: ev.JobID, Data: payload}); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendProgress(c *connection, jobID string) {
	snap, err := g.scheduler.Progress(jobID)
	if err != nil {
		c.writeJSON(serverMessage{Event: "error", JobID: jobID, Error: err.Error()})
		return
	}
	c.writeJSON(serverMessage{Event: "batch_progress", JobID: jobID, Data: snap.View()})
}

func (g *Gateway) cancelBatch(c *connection, jobID string) {
	if err := g.scheduler.Cancel(jobID); err != nil {
		c.writeJSON(serverMessage{Event: "error", JobID: jobID, Error: err.Error()})
		return
	}
	c.writeJSON(serverMessage{Event: "cancel_accepted", JobID: jobID})
}

func (g *Gateway) sendQueueStatus(c *connection, jobID string) {
	c.writeJSON(serverMessage{
		Event: "queue_status",
		JobID: jobID,
		Data:  map[string]interface{}{"subscribers": g.bus.RoomSize(jobID)},
	})
}

func (g *Gateway) sendActiveQueues(c *connection) {
	c.writeJSON(serverMessage{
		Event: "active_queues",
		Data:  map[string]interface{}{"job_ids": g.bus.ActiveRooms()},
	})
}

