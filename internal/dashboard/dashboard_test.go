package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/testutil"
)

func startServer(t *testing.T) (*Server, *Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	hub.now = func() time.Time { return testutil.Epoch }
	go hub.Run(ctx)

	s := NewServer(hub, nil)
	ts := httptest.NewServer(s.Router)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, hub, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func sampleRun(status sim.RunStatus) sim.RunResult {
	return sim.RunResult{
		RunID:    "run-0001",
		Scenario: scenario.Scenario{ID: "scenario-001", Text: "Book a seat"},
		Trial:    1,
		Status:   status,
		Started:  testutil.Epoch,
		Ended:    testutil.Epoch.Add(time.Second),
	}
}

func TestServer_StreamsRunEvents(t *testing.T) {
	s, hub, ts := startServer(t)
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	s.OnRunStart(sampleRun(sim.StatusRunning))
	s.OnRunEnd(sampleRun(sim.StatusSucceeded))

	started := readEvent(t, conn)
	assert.Equal(t, EventRunStarted, started["type"])
	assert.Equal(t, "2025-01-01T00:00:00Z", started["timestamp"])
	payload := started["payload"].(map[string]any)
	assert.Equal(t, "run-0001", payload["run_id"])
	assert.Equal(t, "running", payload["status"])

	finished := readEvent(t, conn)
	assert.Equal(t, EventRunFinished, finished["type"])
	payload = finished["payload"].(map[string]any)
	assert.Equal(t, "succeeded", payload["status"])
	assert.Equal(t, float64(time.Second), payload["duration_ns"])
}

func TestServer_LateClientGetsHistory(t *testing.T) {
	s, hub, ts := startServer(t)
	s.OnRunEnd(sampleRun(sim.StatusFailed))

	conn := dial(t, ts)
	ev := readEvent(t, conn)
	assert.Equal(t, EventRunFinished, ev["type"])
	assert.Equal(t, "failed", ev["payload"].(map[string]any)["status"])
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_PublishReport(t *testing.T) {
	s, _, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/api/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var sink report.Sink = s
	r := &report.Report{ID: "rpt-1", Suite: "flights", PassRate: 75, Threshold: 80, Total: 4, Succeeded: 3}
	require.NoError(t, sink.Publish(context.Background(), r))

	resp, err = http.Get(ts.URL + "/api/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got report.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "rpt-1", got.ID)
	assert.Equal(t, 75, got.PassRate)

	conn := dial(t, ts)
	ev := readEvent(t, conn)
	assert.Equal(t, EventReport, ev["type"])
}

func TestServer_IndexAndHealth(t *testing.T) {
	_, _, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<title>worldsim</title>")

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, hub.Clients())
	// Must not block once the hub is gone.
	hub.BroadcastJSON(EventReport, map[string]any{"id": "late"})
}

func TestListenAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)
	s := NewServer(hub, nil)

	urls := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0", func(url string) { urls <- url }) }()

	url := <-urls
	resp, err := http.Get(url + "healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
