package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/remotectl/internal/auth"
	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/log"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
	"github.com/mattjoyce/remotectl/internal/storage"
)

const (
	adminKey   = "test-key-123"
	agentToken = "agent-token"
	roToken    = "ro-token"
)

// fixedPolicies gives every kind the same short policy.
type fixedPolicies struct{ p poll.Policy }

func (f fixedPolicies) For(command.Kind) poll.Policy { return f.p }

// mockDispatcher implements Dispatcher for testing
type mockDispatcher struct {
	dispatchFunc func(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error) {
	return m.dispatchFunc(ctx, req)
}

// mockAwaiter implements Awaiter for testing
type mockAwaiter struct {
	awaitFunc func(ctx context.Context, w correlate.Window, p poll.Policy) (correlate.Result, error)
}

func (m *mockAwaiter) Await(ctx context.Context, w correlate.Window, p poll.Policy) (correlate.Result, error) {
	return m.awaitFunc(ctx, w, p)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *records.Store
	hub    *events.Hub
}

func testConfig() Config {
	return Config{
		Listen: "localhost:0",
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: agentToken, Scopes: []string{auth.ScopeAgent}},
			{Token: roToken, Scopes: []string{auth.ScopeCommandsRO}},
		},
		MaxConcurrentWaits: 4,
		MaxWaitTimeout:     5 * time.Second,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := log.Discard()
	store := records.New(db, storage.DialectSQLite)
	hub := events.NewHub(32)
	disp := dispatch.New(store, hub, dispatch.Config{}, logger)
	sched := poll.New(correlate.New(store, correlate.Options{Logger: logger}), hub, logger)
	t.Cleanup(sched.Close)

	policies := fixedPolicies{p: poll.Policy{Interval: 10 * time.Millisecond, MaxAttempts: 100}}
	srv := New(testConfig(), store, disp, sched, policies, hub, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) dispatch(t *testing.T, deviceID string, body any) DispatchResponse {
	t.Helper()
	code, raw := e.do(t, http.MethodPost, "/devices/"+deviceID+"/commands", adminKey, body)
	require.Equal(t, http.StatusAccepted, code, string(raw))
	var resp DispatchResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	code, raw := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/commands/x", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/commands/x", "nope", http.StatusUnauthorized},
		{"agent on operator route", http.MethodGet, "/commands/x", agentToken, http.StatusForbidden},
		{"read-only cannot dispatch", http.MethodPost, "/devices/d/commands", roToken, http.StatusForbidden},
		{"operator on agent route", http.MethodGet, "/agent/devices/d/commands", roToken, http.StatusForbidden},
		{"read-only can read", http.MethodGet, "/commands/x", roToken, http.StatusNotFound},
		{"agent reads its queue", http.MethodGet, "/agent/devices/d/commands", agentToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := env.do(t, tt.method, tt.path, tt.token, `{"kind":"lock_pc"}`)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestDispatchAndGetCommand(t *testing.T) {
	env := newTestEnv(t)

	d := env.dispatch(t, "dev-1", map[string]any{"kind": "set_volume", "payload": 50})
	assert.Equal(t, "pending", d.Status)
	assert.Equal(t, command.KindSetVolume, d.Kind)
	assert.NotEmpty(t, d.CommandID)

	code, raw := env.do(t, http.MethodGet, "/commands/"+d.CommandID, roToken, nil)
	require.Equal(t, http.StatusOK, code)

	var row CommandResponse
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.Equal(t, "dev-1", row.DeviceID)
	assert.Equal(t, command.StatusPending, row.Status)
	assert.JSONEq(t, `{"payload":"50"}`, string(row.Payload))
	assert.Equal(t, dispatch.AnonymousIssuer, row.IssuerID)
}

func TestDispatchValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"kind":`},
		{"unknown kind", `{"kind":"format_disk"}`},
		{"volume out of range", `{"kind":"set_volume","payload":150}`},
		{"missing required payload", `{"kind":"get_file"}`},
		{"protected process", `{"kind":"kill_process","payload":"lsass.exe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, raw := env.do(t, http.MethodPost, "/devices/dev-1/commands", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, code, string(raw))
		})
	}

	code, raw := env.do(t, http.MethodGet, "/devices/dev-1/commands", adminKey, nil)
	require.Equal(t, http.StatusOK, code)
	var list CommandListResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Empty(t, list.Commands, "rejected requests must not be recorded")
}

func TestResultViaStatus(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatch(t, "dev-1", map[string]any{"kind": "get_open_windows"})

	code, raw := env.do(t, http.MethodPost, "/agent/commands/"+d.CommandID+"/status", agentToken,
		map[string]any{"status": "completed", "result": map[string]any{"windows": []any{}}})
	require.Equal(t, http.StatusOK, code, string(raw))

	code, raw = env.do(t, http.MethodGet, "/commands/"+d.CommandID+"/result", roToken, nil)
	require.Equal(t, http.StatusOK, code, string(raw))

	var res ResultResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, command.ReplyStatus, res.Source)
	assert.JSONEq(t, `{"windows":[]}`, res.Content)
}

func TestResultViaEvent(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatch(t, "dev-1", map[string]any{"kind": "screenshot"})

	code, raw := env.do(t, http.MethodPost, "/agent/devices/dev-1/events", agentToken, map[string]any{
		"kind":     "screenshot",
		"content":  "aGVsbG8=",
		"metadata": map[string]any{"correlation_id": d.CommandID},
	})
	require.Equal(t, http.StatusCreated, code, string(raw))

	code, raw = env.do(t, http.MethodGet, "/commands/"+d.CommandID+"/result", roToken, nil)
	require.Equal(t, http.StatusOK, code, string(raw))

	var res ResultResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "aGVsbG8=", res.Content)
	assert.Equal(t, d.CommandID, res.CommandID)
	assert.NotEmpty(t, res.EventID)
}

func TestResultIgnoresEventForOtherCommand(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatch(t, "dev-1", map[string]any{"kind": "screenshot"})

	code, _ := env.do(t, http.MethodPost, "/agent/devices/dev-1/events", agentToken, map[string]any{
		"kind":     "screenshot",
		"content":  "b3RoZXI=",
		"metadata": map[string]any{"correlation_id": "someone-else"},
	})
	require.Equal(t, http.StatusCreated, code)

	code, raw := env.do(t, http.MethodGet, "/commands/"+d.CommandID+"/result?timeout=50ms", roToken, nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))
}

func TestResultTimeout(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatch(t, "dev-1", map[string]any{"kind": "lock_pc"})

	start := time.Now()
	code, raw := env.do(t, http.MethodGet, "/commands/"+d.CommandID+"/result?timeout=40ms", roToken, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Less(t, time.Since(start), 2*time.Second)

	var resp TimeoutResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "timed_out", resp.Status)
	assert.True(t, resp.TimeoutExceeded)
	assert.Equal(t, d.CommandID, resp.CommandID)
}

func TestResultFailed(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatch(t, "dev-1", map[string]any{"kind": "delete_file", "payload": `C:\tmp\x.txt`})

	code, _ := env.do(t, http.MethodPost, "/agent/commands/"+d.CommandID+"/status", agentToken,
		map[string]any{"status": "failed", "error_message": "access denied"})
	require.Equal(t, http.StatusOK, code)

	code, raw := env.do(t, http.MethodGet, "/commands/"+d.CommandID+"/result", roToken, nil)
	require.Equal(t, http.StatusOK, code, string(raw))

	var res ResultResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "access denied", res.Error)
}

func TestResultBadTimeout(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodGet, "/commands/abc/result?timeout=soon", roToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestResultUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodGet, "/commands/does-not-exist/result", roToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDispatchWait(t *testing.T) {
	env := newTestEnv(t)

	// Play the agent: pick up the pending command and answer it.
	agentDone := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			rows, err := env.store.ListCommands(context.Background(), records.CommandFilter{
				DeviceID: "dev-1",
				Statuses: []command.Status{command.StatusPending},
			})
			if err != nil {
				agentDone <- err
				return
			}
			if len(rows) == 1 {
				_, err := env.store.UpdateCommandStatus(context.Background(), rows[0].ID, records.StatusUpdate{Status: command.StatusCompleted})
				agentDone <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		agentDone <- errors.New("command never appeared")
	}()

	code, raw := env.do(t, http.MethodPost, "/devices/dev-1/commands?wait=true", adminKey,
		map[string]any{"kind": "send_message", "payload": "hello"})
	require.NoError(t, <-agentDone)
	require.Equal(t, http.StatusOK, code, string(raw))

	var res ResultResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, command.KindSendMessage, res.Kind)
}

func TestAgentPendingAndStatus(t *testing.T) {
	env := newTestEnv(t)
	first := env.dispatch(t, "dev-1", map[string]any{"kind": "lock_pc"})
	second := env.dispatch(t, "dev-1", map[string]any{"kind": "restart"})
	env.dispatch(t, "dev-2", map[string]any{"kind": "shutdown"})

	code, raw := env.do(t, http.MethodGet, "/agent/devices/dev-1/commands", agentToken, nil)
	require.Equal(t, http.StatusOK, code)
	var list CommandListResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Commands, 2)
	assert.Equal(t, first.CommandID, list.Commands[0].ID, "oldest first")
	assert.Equal(t, second.CommandID, list.Commands[1].ID)

	path := "/agent/commands/" + first.CommandID + "/status"
	code, _ = env.do(t, http.MethodPost, path, agentToken, map[string]any{"status": "executing"})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, path, agentToken, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, code)

	code, raw = env.do(t, http.MethodPost, path, agentToken, map[string]any{"status": "executing"})
	assert.Equal(t, http.StatusConflict, code, string(raw))

	code, _ = env.do(t, http.MethodPost, path, agentToken, map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/agent/commands/missing/status", agentToken, map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, code)

	code, raw = env.do(t, http.MethodGet, "/agent/devices/dev-1/commands", agentToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Commands, 1)
	assert.Equal(t, second.CommandID, list.Commands[0].ID)
}

func TestAgentEventValidation(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/agent/devices/dev-1/events", agentToken, map[string]any{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/agent/devices/dev-1/events", agentToken,
		`{"kind":"info","content":"x","metadata":[1,2]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)

	code, raw := env.do(t, http.MethodGet, "/devices/dev-1", roToken, nil)
	require.Equal(t, http.StatusOK, code)
	var dev DeviceResponse
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.False(t, dev.Online)
	assert.Nil(t, dev.LastEventAt)

	code, _ = env.do(t, http.MethodPost, "/agent/devices/dev-1/events", agentToken, map[string]any{"kind": "info", "content": "{}"})
	require.Equal(t, http.StatusCreated, code)

	code, raw = env.do(t, http.MethodGet, "/devices/dev-1", roToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.True(t, dev.Online)
	require.NotNil(t, dev.LastEventAt)

	env.server.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	code, raw = env.do(t, http.MethodGet, "/devices/dev-1", roToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.False(t, dev.Online)
}

func TestListCommandsFilters(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.dispatch(t, "dev-1", map[string]any{"kind": "lock_pc"})
	}

	code, raw := env.do(t, http.MethodGet, "/devices/dev-1/commands?limit=2&status=pending", roToken, nil)
	require.Equal(t, http.StatusOK, code)
	var list CommandListResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list.Commands, 2)

	code, _ = env.do(t, http.MethodGet, "/devices/dev-1/commands?limit=zero", roToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/devices/dev-1/commands?status=lost", roToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDispatchStoreFailure(t *testing.T) {
	disp := &mockDispatcher{dispatchFunc: func(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error) {
		return dispatch.Dispatched{}, &dispatch.DispatchError{DeviceID: req.DeviceID, Kind: req.Kind, Err: errors.New("disk full")}
	}}
	srv := New(testConfig(), nil, disp, nil, fixedPolicies{}, nil, log.Discard())

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/commands", strings.NewReader(`{"kind":"lock_pc"}`))
	req.Header.Set("Authorization", "Bearer "+adminKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestWaitSlotsExhausted(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	awaiter := &mockAwaiter{awaitFunc: func(ctx context.Context, w correlate.Window, p poll.Policy) (correlate.Result, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return correlate.Result{CommandID: w.CommandID}, nil
	}}
	disp := &mockDispatcher{dispatchFunc: func(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error) {
		w, err := correlate.NewWindow("cmd-1", req.DeviceID, req.Kind, time.Now())
		return dispatch.Dispatched{CommandID: "cmd-1", DeviceID: req.DeviceID, Kind: req.Kind, Window: w}, err
	}}
	cfg := testConfig()
	cfg.MaxConcurrentWaits = 1
	srv := New(cfg, nil, disp, awaiter, fixedPolicies{p: poll.Policy{Interval: time.Second, MaxAttempts: 1}}, nil, log.Discard())
	handler := srv.Handler()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/commands?wait=true", strings.NewReader(`{"kind":"lock_pc"}`))
		req.Header.Set("Authorization", "Bearer "+adminKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- send() }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, send().Code)

	close(release)
	assert.Equal(t, http.StatusOK, (<-firstDone).Code)
}

func TestClampPolicy(t *testing.T) {
	p := poll.Policy{Interval: time.Second, MaxAttempts: 30}

	assert.Equal(t, p, clampPolicy(p, 0))
	assert.Equal(t, p, clampPolicy(p, time.Minute))
	assert.Equal(t, 10, clampPolicy(p, 10*time.Second).MaxAttempts)
	assert.Equal(t, 1, clampPolicy(p, 100*time.Millisecond).MaxAttempts)
}

func TestEventsStreamReplaysAndFilters(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Publish(events.CommandDispatched, "dev-2", map[string]any{"command_id": "other"})
	env.hub.Publish(events.CommandDispatched, "dev-1", map[string]any{"command_id": "mine"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/events?device_id=dev-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 2", lines[0])
	assert.Equal(t, "event: command.dispatched", lines[1])
	assert.Contains(t, lines[2], `"mine"`)
}

func TestOpenAPIListsKinds(t *testing.T) {
	env := newTestEnv(t)
	code, raw := env.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"get_running_processes"`)
	assert.Contains(t, string(raw), `"/commands/{commandID}/result"`)
}
