// Package dashboard streams live run progress to browsers over websockets.
//
// A Hub fans events out to every connected client. It observes the
// scheduler (run_started, run_finished) and receives the final report as a
// report sink, so a test invocation can be watched while it runs.
package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Event types.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"
	EventReport      = "report"
)

// historySize bounds the events replayed to a client that connects late.
const historySize = 512

// Event is one message sent to clients.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Hub holds the set of connected clients. All client bookkeeping happens on
// the Run goroutine.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	count      chan chan int
	done       chan struct{}
	logger     *slog.Logger
	now        func() time.Time

	clients map[*client]bool
	history [][]byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{hub: h, conn: conn, send: make(chan []byte, historySize+256)}
}

// NewHub returns a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		logger:     logger,
		now:        time.Now,
	}
}

// Run delivers events until ctx is cancelled, then disconnects every client.
// New clients first receive the recent history.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			for _, msg := range h.history {
				c.send <- msg
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case msg := <-h.broadcast:
			h.history = append(h.history, msg)
			if len(h.history) > historySize {
				h.history = h.history[len(h.history)-historySize:]
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Drop slow clients.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Clients returns the number of connected clients, or 0 once Run has returned.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// BroadcastJSON wraps payload in an Event and sends it to every client.
// Events sent after Run returns are dropped.
func (h *Hub) BroadcastJSON(eventType string, payload any) {
	b, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Warn("dashboard event not encodable", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}
