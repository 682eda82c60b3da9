package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pnl-indexer/internal/domain"
)

func newTestServer(t *testing.T) (*Tracker, *httptest.Server) {
	t.Helper()
	tr := NewTracker(Options{})
	srv := httptest.NewServer(NewServer(tr, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return tr, srv
}

func TestServer_StatusAndLogs(t *testing.T) {
	tr, srv := newTestServer(t)
	tr.StartRun("run-7", []domain.TrackedToken{tokenA})
	tr.Log("info", "first")
	tr.Log("info", "second")

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "run-7", snap.RunID)
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, PhasePending, snap.Tokens[0].Phase)

	resp2, err := http.Get(srv.URL + "/logs?limit=1")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var logs []LogLine
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "second", logs[0].Message)

	bad, err := http.Get(srv.URL + "/logs?limit=abc")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocketStream(t *testing.T) {
	tr, srv := newTestServer(t)
	tr.StartRun("run-ws", []domain.TrackedToken{tokenA})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventProgress, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, "run-ws", first.Snapshot.RunID)

	// Wait for the handler to subscribe before publishing.
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	tr.Log("info", "streamed")

	for {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == EventLog {
			assert.Equal(t, "streamed", ev.Log.Message)
			break
		}
	}
}
