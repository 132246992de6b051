package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/sim"
)

//go:embed index.html
var indexHTML []byte

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// RunEvent is the payload of run_started and run_finished events.
type RunEvent struct {
	RunID     string        `json:"run_id"`
	Scenario  string        `json:"scenario"`
	Trial     int           `json:"trial"`
	Status    sim.RunStatus `json:"status"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	ToolCalls int           `json:"tool_calls,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Server serves the dashboard page and its websocket feed. It is a
// sim.Observer and a report.Sink.
type Server struct {
	Router *http.ServeMux
	hub    *Hub
	logger *slog.Logger

	mu     sync.Mutex
	latest *report.Report
}

// NewServer wires the HTTP routes for hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	s := &Server{Router: http.NewServeMux(), hub: hub, logger: hub.logger}
	if logger != nil {
		s.logger = logger
	}
	s.Router.HandleFunc("/", s.handleIndex)
	s.Router.HandleFunc("/healthz", s.handleHealth)
	s.Router.HandleFunc("/ws", s.handleWS)
	s.Router.HandleFunc("/api/report", s.handleReport)
	return s
}

// OnRunStart implements sim.Observer.
func (s *Server) OnRunStart(run sim.RunResult) {
	s.hub.BroadcastJSON(EventRunStarted, runEvent(run))
}

// OnRunEnd implements sim.Observer.
func (s *Server) OnRunEnd(run sim.RunResult) {
	s.hub.BroadcastJSON(EventRunFinished, runEvent(run))
}

// Publish implements report.Sink.
func (s *Server) Publish(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	s.latest = r
	s.mu.Unlock()
	s.hub.BroadcastJSON(EventReport, r)
	return nil
}

func runEvent(run sim.RunResult) RunEvent {
	ev := RunEvent{
		RunID:    run.RunID,
		Scenario: run.Scenario.ID,
		Trial:    run.Trial,
		Status:   run.Status,
		Duration: run.Duration(),
	}
	if run.Trace != nil {
		ev.ToolCalls = len(run.Trace.Calls())
	}
	if run.Err != nil {
		ev.Error = run.Err.Error()
	}
	return ev
}

// ListenAndServe serves on addr until ctx is cancelled. started receives
// the dashboard URL once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, addr string, started func(url string)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	srv := &http.Server{Handler: s.Router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/"
	s.logger.Info("dashboard listening", "url", url)
	if started != nil {
		started(url)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	if latest == nil {
		http.Error(w, "no report yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(latest)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := newClient(s.hub, conn)
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// writePump sends queued events until the hub closes the client.
func (c *client) writePump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
	}()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards client messages and notices disconnects.
func (c *client) readPump() {
	defer c.hub.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
