package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/plural-web/chat"
	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/manager"
	"github.com/zhubert/plural-web/metrics"
	"github.com/zhubert/plural-web/protocol"
)

const assistantMsg = `{"type":"assistant","message":{"content":[{"type":"text","text":"Available commands"}]}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	engine   *claude.MockEngine
	registry *manager.RequestRegistry
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T, engine *claude.MockEngine, mutate func(*Config)) *testServer {
	t.Helper()
	reg := manager.NewRequestRegistry()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	runner := chat.NewRunner(engine, reg, testLogger(), chat.WithMetrics(m))

	cfg := Config{Runner: runner, Metrics: m, Gatherer: promReg, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: engine, registry: reg, metrics: m}
}

func postChat(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestChat_HelpCommandStreamsTwoLines(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(assistantMsg), nil)

	resp := postChat(t, ts.URL, `{"message":"/help","requestId":"r1"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	lines := readLines(t, resp.Body)
	require.Len(t, lines, 2)
	assert.Equal(t, `{"type":"claude_json","data":`+assistantMsg+`}`, lines[0])
	assert.Equal(t, `{"type":"done"}`, lines[1])

	calls := ts.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "help", calls[0].Prompt.Text)
	assert.Equal(t, 0, ts.registry.Len())
}

func TestChat_UnsetPermissionModeNeverReachesEngine(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(), nil)

	resp := postChat(t, ts.URL, `{"message":"hi","requestId":"r1","sessionId":"s1"}`)
	readLines(t, resp.Body)

	data, err := json.Marshal(ts.engine.Calls()[0].Options)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "permissionMode")
	assert.JSONEq(t, `{"resume":"s1"}`, string(data))
}

func TestChat_ToolResultRoundTrip(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(), nil)

	resp := postChat(t, ts.URL, `{"message":"","requestId":"r2","sessionId":"s1","toolResult":{"tool_use_id":"toolu_9","content":"{\"Pick\":\"A\"}"}}`)
	readLines(t, resp.Body)

	prompt := ts.engine.Calls()[0].Prompt
	require.True(t, prompt.IsStructured())
	assert.Equal(t, "s1", prompt.Message.SessionID)
	assert.Equal(t, "toolu_9", prompt.Message.Message.Content[0].ToolUseID)
}

func TestChat_BadBodyIsSingleErrorLine(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"message":`, "invalid request body"},
		{"missing request id", `{"message":"hi"}`, "requestId is required"},
		{"bad permission mode", `{"message":"hi","requestId":"r","permissionMode":"yolo"}`, "invalid permission mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, claude.NewMockEngine(), nil)
			resp := postChat(t, ts.URL, tt.body)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			lines := readLines(t, resp.Body)
			require.Len(t, lines, 1)

			ev, err := protocol.ParseEvent([]byte(lines[0]))
			require.NoError(t, err)
			assert.Equal(t, protocol.EventError, ev.Type)
			assert.Contains(t, ev.Error, tt.want)
			assert.Empty(t, ts.engine.Calls())
		})
	}
}

func TestChat_ContextOverflow(t *testing.T) {
	engine := claude.NewMockEngine().FailWith(errors.New("API Error: exceed context limit: 150000 + 8096 > 128000"))
	ts := newTestServer(t, engine, nil)

	lines := readLines(t, postChat(t, ts.URL, `{"message":"more","requestId":"r1"}`).Body)
	require.Len(t, lines, 1)
	ev, err := protocol.ParseEvent([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.EventContextOverflow, ev.Type)
	assert.Equal(t, chat.ContextOverflowMessage, ev.Error)
}

func TestAbort_CancelsInFlightTurn(t *testing.T) {
	engine := claude.NewMockEngine(assistantMsg).BlockUntilCancelled()
	ts := newTestServer(t, engine, nil)

	resp := postChat(t, ts.URL, `{"message":"long task","requestId":"r-abort"}`)
	reader := bufio.NewReader(resp.Body)

	first, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, first, "claude_json")

	abortResp, err := http.Post(ts.URL+"/api/abort/r-abort", "application/json", nil)
	require.NoError(t, err)
	defer abortResp.Body.Close()
	assert.Equal(t, http.StatusOK, abortResp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(abortResp.Body).Decode(&body))
	assert.True(t, body["aborted"])

	rest := readLines(t, reader)
	require.Len(t, rest, 1)
	assert.Equal(t, `{"type":"aborted"}`, rest[0])

	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Aborts.WithLabelValues("true")))
}

func TestAbort_UnknownRequest(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(), nil)

	resp, err := http.Post(ts.URL+"/api/abort/nope", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body["aborted"])
}

func TestChat_DuplicateRequestID(t *testing.T) {
	engine := claude.NewMockEngine().BlockUntilCancelled()
	ts := newTestServer(t, engine, nil)

	first := postChat(t, ts.URL, `{"message":"a","requestId":"same"}`)
	<-engine.Started

	lines := readLines(t, postChat(t, ts.URL, `{"message":"b","requestId":"same"}`).Body)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "already in flight")

	ts.registry.Cancel("same")
	readLines(t, first.Body)
}

func TestClientDisconnectReleasesRequest(t *testing.T) {
	engine := claude.NewMockEngine().BlockUntilCancelled()
	ts := newTestServer(t, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/chat", strings.NewReader(`{"message":"x","requestId":"gone"}`))
	require.NoError(t, err)

	go func() {
		<-engine.Started
		cancel()
	}()
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRequestsEndpoint(t *testing.T) {
	engine := claude.NewMockEngine().BlockUntilCancelled()
	ts := newTestServer(t, engine, nil)

	first := postChat(t, ts.URL, `{"message":"a","requestId":"listed"}`)
	<-engine.Started

	resp, err := http.Get(ts.URL + "/api/requests")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Requests []manager.InFlight `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Requests, 1)
	assert.Equal(t, "listed", body.Requests[0].RequestID)

	ts.registry.Cancel("listed")
	readLines(t, first.Body)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(assistantMsg), nil)
	readLines(t, postChat(t, ts.URL, `{"message":"hi","requestId":"r1"}`).Body)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `plural_web_turns_total{outcome="done"} 1`)
	assert.Contains(t, string(body), `plural_web_http_requests_total{code="200",route="chat"} 1`)
}

type fakeCollaborators struct {
	projects []Project
	history  *ConversationHistory
	paths    []string
	err      error
}

func (f *fakeCollaborators) ListProjects(ctx context.Context) ([]Project, error) {
	return f.projects, f.err
}

func (f *fakeCollaborators) LoadHistory(ctx context.Context, project, sessionID string) (*ConversationHistory, error) {
	if f.history == nil || f.history.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return f.history, nil
}

func (f *fakeCollaborators) CompletePaths(ctx context.Context, cwd, prefix string) ([]string, error) {
	return f.paths, f.err
}

func TestCollaboratorRoutes(t *testing.T) {
	fake := &fakeCollaborators{
		projects: []Project{{Path: "/src/app", EncodedName: "-src-app"}},
		history:  &ConversationHistory{SessionID: "s1", Messages: []json.RawMessage{json.RawMessage(`{"type":"user"}`)}},
		paths:    []string{"main.go", "internal/"},
	}
	ts := newTestServer(t, claude.NewMockEngine(), func(c *Config) {
		c.Projects = fake
		c.Histories = fake
		c.Completions = fake
	})

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/api/projects")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["projects"], 1)

	code, body = get("/api/projects/-src-app/histories/s1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s1", body["sessionId"])

	code, _ = get("/api/projects/-src-app/histories/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get("/api/completions?cwd=/src/app&prefix=ma")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"main.go", "internal/"}, body["paths"])

	code, _ = get("/api/completions")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCollaboratorRoutesAbsentWhenUnset(t *testing.T) {
	ts := newTestServer(t, claude.NewMockEngine(), nil)

	resp, err := http.Get(ts.URL + "/api/projects")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	engine := claude.NewMockEngine()
	reg := manager.NewRequestRegistry()
	srv := New(Config{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: time.Second,
		Runner:          chat.NewRunner(engine, reg, testLogger()),
		Gatherer:        prometheus.NewRegistry(),
		Logger:          testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
