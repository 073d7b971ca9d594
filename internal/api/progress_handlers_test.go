package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

func dialJob(t *testing.T, srv *httptest.Server, jobID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/" + jobID + "/ws"
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func readSnapshot(t *testing.T, conn *websocket.Conn) crawler.Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap crawler.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	return snap
}

func TestStreamJobSendsInitialSnapshotThenUpdates(t *testing.T) {
	t.Parallel()

	fj := newFakeJobs()
	fj.put(crawler.Snapshot{JobID: "job-a", Status: crawler.StateScraping, Progress: 1, Total: 10})
	srv := httptest.NewServer(NewServer(Deps{Jobs: fj}, Config{}, zap.NewNop()).Handler())
	defer srv.Close()

	conn, _, err := dialJob(t, srv, "job-a")
	require.NoError(t, err)
	defer conn.Close()

	first := readSnapshot(t, conn)
	require.Equal(t, crawler.StateScraping, first.Status)
	require.Equal(t, 1, first.Progress)

	fj.put(crawler.Snapshot{JobID: "job-a", Status: crawler.StateScraping, Progress: 2, Total: 10})
	require.Equal(t, 2, readSnapshot(t, conn).Progress)

	fj.put(crawler.Snapshot{JobID: "job-a", Status: crawler.StateCompleted, Progress: 2, Total: 2})
	require.Equal(t, crawler.StateCompleted, readSnapshot(t, conn).Status)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamJobClosesWhenJobDeleted(t *testing.T) {
	t.Parallel()

	fj := newFakeJobs()
	fj.put(crawler.Snapshot{JobID: "job-a", Status: crawler.StateQueued})
	srv := httptest.NewServer(NewServer(Deps{Jobs: fj}, Config{}, zap.NewNop()).Handler())
	defer srv.Close()

	conn, _, err := dialJob(t, srv, "job-a")
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, crawler.StateQueued, readSnapshot(t, conn).Status)

	require.NoError(t, fj.Delete(t.Context(), "job-a"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Equal(t, "job deleted", closeErr.Text)
}

func TestStreamJobUnknownJob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewServer(Deps{Jobs: newFakeJobs()}, Config{}, zap.NewNop()).Handler())
	defer srv.Close()

	_, resp, err := dialJob(t, srv, "missing")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamJobPings(t *testing.T) {
	t.Parallel()

	fj := newFakeJobs()
	fj.put(crawler.Snapshot{JobID: "job-a", Status: crawler.StateScraping})
	srv := httptest.NewServer(NewServer(Deps{Jobs: fj}, Config{PingInterval: 20 * time.Millisecond}, zap.NewNop()).Handler())
	defer srv.Close()

	conn, _, err := dialJob(t, srv, "job-a")
	require.NoError(t, err)
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	readSnapshot(t, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping from the server")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	state, err := parseStatus(" Analyzing ")
	require.NoError(t, err)
	require.Equal(t, crawler.StateAnalyzing, state)

	_, err = parseStatus("paused")
	require.Error(t, err)
}
