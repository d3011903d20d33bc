package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdsink/internal/auth"
	"github.com/mattjoyce/cmdsink/internal/events"
	"github.com/mattjoyce/cmdsink/internal/ledger"
	"github.com/mattjoyce/cmdsink/internal/sink"
	"github.com/mattjoyce/cmdsink/internal/storage"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ledger.New(db)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, runs RunStore, hub *events.Hub) *Server {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(10)
	}
	return New(cfg, runs, hub, discardLogger())
}

func doRequest(t *testing.T, h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{}, newTestLedger(t), nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		_, err := l.BeginRun(ctx, ledger.BeginRequest{Command: "cat", Tasks: 1})
		require.NoError(t, err)
	}
	s := newTestServer(t, Config{}, l, nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RunListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)

	rr = doRequest(t, s.Handler(), http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	s := newTestServer(t, Config{}, newTestLedger(t), nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"runs":[]}`, rr.Body.String())
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	id, err := l.BeginRun(ctx, ledger.BeginRequest{Command: "cat > out.$SEQID", Tasks: 1})
	require.NoError(t, err)
	info := sink.FileInfo{TaskIndex: 0, SeqID: 0, PID: 42, StartedAt: time.Now()}
	require.NoError(t, l.RecordFileStart(ctx, id, info))
	require.NoError(t, l.RecordFileFinish(ctx, id, sink.FileResult{FileInfo: info, Bytes: 7}))
	require.NoError(t, l.FinishRun(ctx, id, ledger.Summary{Files: 1, Bytes: 7}))

	s := newTestServer(t, Config{}, l, nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, id, resp.Run.ID)
	assert.Equal(t, ledger.StatusSucceeded, resp.Run.Status)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, 42, resp.Files[0].PID)
	assert.Equal(t, int64(7), resp.Files[0].Bytes)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t, Config{}, newTestLedger(t), nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "run not found")
}

type failingStore struct{}

func (failingStore) GetRun(context.Context, string) (*ledger.Run, error) {
	return nil, errors.New("db gone")
}
func (failingStore) ListFiles(context.Context, string) ([]ledger.File, error) {
	return nil, errors.New("db gone")
}
func (failingStore) RecentRuns(context.Context, int) ([]ledger.Run, error) {
	return nil, errors.New("db gone")
}

func TestStoreErrors(t *testing.T) {
	s := newTestServer(t, Config{}, failingStore{}, nil)

	assert.Equal(t, http.StatusInternalServerError, doRequest(t, s.Handler(), http.MethodGet, "/runs", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, doRequest(t, s.Handler(), http.MethodGet, "/runs/x", nil).Code)
}

func TestAuth(t *testing.T) {
	cfg := Config{Tokens: []auth.TokenConfig{
		{Token: "runs-only", Scopes: []string{auth.ScopeRunsRead}},
		{Token: "admin", Scopes: []string{auth.ScopeAll}},
	}}
	s := newTestServer(t, cfg, newTestLedger(t), nil)
	h := s.Handler()

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"healthz is open", "/healthz", nil, http.StatusOK},
		{"missing token", "/runs", nil, http.StatusUnauthorized},
		{"wrong token", "/runs", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"scoped token", "/runs", map[string]string{"Authorization": "Bearer runs-only"}, http.StatusOK},
		{"scope denied", "/events", map[string]string{"Authorization": "Bearer runs-only"}, http.StatusForbidden},
		{"admin", "/runs/missing", map[string]string{"Authorization": "Bearer admin"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodGet, tt.path, tt.header)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestOpenAPI(t *testing.T) {
	s := newTestServer(t, Config{}, newTestLedger(t), nil)

	rr := doRequest(t, s.Handler(), http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/healthz", "/runs", "/runs/{runID}", "/events"} {
		assert.Contains(t, paths, p)
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}

// readSSEIDs reads n complete frames and returns their ids and event types.
func readSSEIDs(t *testing.T, r *bufio.Reader, n int) ([]string, []string) {
	t.Helper()
	var ids, types []string
	inFrame := false
	for len(ids) < n || inFrame {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
			inFrame = true
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case line == "":
			inFrame = false
		}
	}
	return ids, types
}

func TestEvents_ReplayAndLive(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.TypeRunStarted, map[string]string{"run_id": "r1"})
	hub.Publish(events.TypeUnitOpened, map[string]int{"task_index": 0})

	s := newTestServer(t, Config{}, newTestLedger(t), hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ids, types := readSSEIDs(t, r, 1)
	assert.Equal(t, []string{"2"}, ids)
	assert.Equal(t, []string{events.TypeUnitOpened}, types)

	hub.Publish(events.TypeRunFinished, nil)
	ids, types = readSSEIDs(t, r, 1)
	assert.Equal(t, []string{"3"}, ids)
	assert.Equal(t, []string{events.TypeRunFinished}, types)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newTestServer(t, Config{}, newTestLedger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestEvents_RunFilterEndsAfterRunFinished(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.TypeRunStarted, map[string]string{"run_id": "r1"})
	hub.Publish(events.TypeRunStarted, map[string]string{"run_id": "r2"})
	hub.Publish(events.TypeRunFinished, map[string]string{"run_id": "r1"})

	s := newTestServer(t, Config{}, newTestLedger(t), hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?run_id=r1")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "id: 1\n")
	assert.NotContains(t, string(body), "id: 2\n")
	assert.Contains(t, string(body), "id: 3\nevent: run.finished\n")
}

func TestEvents_QueryToken(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.TypeRunFinished, map[string]string{"run_id": "r1"})
	cfg := Config{Tokens: []auth.TokenConfig{{Token: "watch", Scopes: []string{auth.ScopeEventsRead}}}}
	s := newTestServer(t, cfg, newTestLedger(t), hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?run_id=r1&access_token=watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
