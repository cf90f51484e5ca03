package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"homebgp/internal/bgp"
	"homebgp/internal/storage"
	"homebgp/pkg/logx"
)

func newTestServer(t *testing.T, store storage.Store) (*Server, *bgp.Supervisor) {
	t.Helper()
	sup := bgp.New(bgp.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	noop := bgp.WorkFunc(func(context.Context) error { return nil })
	if _, err := sup.Register("ping-check", bgp.Every(time.Hour), noop, bgp.Options{Description: "Ping"}); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Register("internal", bgp.Every(time.Hour), noop, bgp.Options{HideOnUI: true}); err != nil {
		t.Fatal(err)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) })
	return New(sup, store, metrics, logx.Nop()), sup
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestListHidesHiddenTasks(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/bgp", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decode[[]bgp.Snapshot](t, rec)
	if len(list) != 1 || list[0].ID != "ping-check" || list[0].State != bgp.StateScheduled {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].PeriodSeconds != 3600 {
		t.Fatalf("period_seconds = %d", list[0].PeriodSeconds)
	}
}

func TestGetStatusCodes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	cases := []struct {
		path string
		want int
	}{
		{"/api/bgp/ping-check", http.StatusOK},
		{"/api/bgp/internal", http.StatusOK},
		{"/api/bgp/missing", http.StatusNotFound},
		{"/api/runtime", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range cases {
		if got := do(t, srv.Handler(), http.MethodGet, tc.path, "").Code; got != tc.want {
			t.Fatalf("GET %s = %d, want %d", tc.path, got, tc.want)
		}
	}
}

func TestStopRestartWithToken(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	srv.tok.Store("secret")
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/bgp/ping-check/stop", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stop without token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/bgp/ping-check/stop", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stop with wrong token = %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/bgp/ping-check/stop", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", rec.Code, rec.Body.String())
	}
	if snap := decode[bgp.Snapshot](t, rec); snap.State != bgp.StateStopped {
		t.Fatalf("state after stop = %s", snap.State)
	}

	rec = do(t, h, http.MethodPost, "/api/bgp/ping-check/restart", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("restart = %d %s", rec.Code, rec.Body.String())
	}
	if snap := decode[bgp.Snapshot](t, rec); snap.State != bgp.StateScheduled {
		t.Fatalf("state after restart = %s", snap.State)
	}

	// Scheduled tasks cannot be restarted.
	if rec := do(t, h, http.MethodPost, "/api/bgp/ping-check/restart", "secret"); rec.Code != http.StatusConflict {
		t.Fatalf("restart of scheduled task = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/bgp/nope/stop", "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("stop unknown = %d", rec.Code)
	}
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	if rec := do(t, srv.Handler(), http.MethodGet, "/api/bgp/ping-check/runs", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("runs without store = %d", rec.Code)
	}

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		run := storage.RunRecord{TaskID: "ping-check", StartedAt: time.Now().Add(time.Duration(i) * time.Second), OK: i != 1}
		if _, err := store.AppendRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	srv, _ = newTestServer(t, store)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/bgp/ping-check/runs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("runs = %d %s", rec.Code, rec.Body.String())
	}
	runs := decode[[]storage.RunRecord](t, rec)
	if len(runs) != 2 || runs[0].RunID == "" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if rec := do(t, srv.Handler(), http.MethodGet, "/api/bgp/ping-check/runs?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}

func TestWebsocketSendsListOnConnect(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Hub().Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bgp"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type    string         `json:"type"`
		Payload []bgp.Snapshot `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != msgTasks || len(msg.Payload) != 1 || msg.Payload[0].ID != "ping-check" {
		t.Fatalf("unexpected first frame: %+v", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for srv.Hub().Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Hub().Broadcast(msgTasks, []bgp.Snapshot{})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if len(msg.Payload) != 0 {
		t.Fatalf("broadcast payload = %+v", msg.Payload)
	}
}

func TestApplyRegistersPushTask(t *testing.T) {
	t.Parallel()
	srv, sup := newTestServer(t, nil)
	ctx := context.Background()

	if err := srv.Apply(ctx, true, Config{Addr: "127.0.0.1:0", PushInterval: 2 * time.Second}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("expected a listen address")
	}
	snap, err := sup.Get(PushTaskID)
	if err != nil {
		t.Fatalf("push task: %v", err)
	}
	if !snap.Hidden || snap.Period != 2*time.Second {
		t.Fatalf("unexpected push task: %+v", snap)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()

	if err := srv.Apply(ctx, true, Config{Addr: "127.0.0.1:0", PushInterval: 5 * time.Second}); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if snap, _ := sup.Get(PushTaskID); snap.Period != 5*time.Second {
		t.Fatalf("period after re-apply = %s", snap.Period)
	}

	if err := srv.Apply(ctx, false, Config{}); err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "" {
		t.Fatal("listener still running")
	}
	if _, err := sup.Get(PushTaskID); err == nil {
		t.Fatal("push task still registered")
	}
}

func TestPprofGatedAndAuthenticated(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	srv.tok.Store("secret")
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off = %d", rec.Code)
	}
	srv.pprof.Store(true)
	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof with token = %d", rec.Code)
	}
}

func TestReadRoutesRequireToken(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	srv.tok.Store("secret")
	h := srv.Handler()

	cases := []struct {
		path   string
		open   int
		authed int
	}{
		{"/healthz", http.StatusOK, http.StatusOK},
		{"/api/bgp", http.StatusUnauthorized, http.StatusOK},
		{"/api/bgp/ping-check", http.StatusUnauthorized, http.StatusOK},
		{"/api/bgp/ping-check/runs", http.StatusUnauthorized, http.StatusNotFound},
		{"/api/runtime", http.StatusUnauthorized, http.StatusOK},
		{"/metrics", http.StatusUnauthorized, http.StatusOK},
		{"/ws/bgp", http.StatusUnauthorized, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := do(t, h, http.MethodGet, tc.path, "").Code; got != tc.open {
			t.Fatalf("GET %s without token = %d, want %d", tc.path, got, tc.open)
		}
		if got := do(t, h, http.MethodGet, tc.path, "secret").Code; got != tc.authed {
			t.Fatalf("GET %s with token = %d, want %d", tc.path, got, tc.authed)
		}
	}
}

func TestWebsocketTokenInQuery(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	srv.tok.Store("secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Hub().Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bgp"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token=secret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	_ = conn.Close()
}
