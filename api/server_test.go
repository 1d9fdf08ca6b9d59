package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btcopilot/config"
	"btcopilot/copilot"
	"btcopilot/library"
	"btcopilot/llm"
	"btcopilot/prompt"
	"btcopilot/runner"
)

type stubRunner struct {
	err error
}

func (s stubRunner) Run(ctx context.Context, script string) (runner.Result, error) {
	if s.err != nil {
		return runner.Result{Script: script, ExitCode: 1, Stderr: "boom"}, s.err
	}
	return runner.Result{Script: script, Stdout: "Final value 10100\n"}, nil
}

func newTestServer(t *testing.T, r runner.Runner) (*Server, *config.Config) {
	t.Helper()
	entries := []library.Entry{
		{Key: prompt.GoalSubmissionTemplate, Body: "{context}|{combined_prompt}"},
		{Key: prompt.GoalCodingContext, Body: "ctx"},
		{Key: prompt.GoalSetDataPipeline, Body: "D[{user_input}]"},
		{Key: prompt.GoalSetStrategy, Body: "S[{user_input}]"},
		{Key: prompt.GoalSetAnalyzers, Body: "A[{user_input}]"},
		{Key: prompt.GoalStrategyDescription, Body: "describe {user_input}"},
		{Key: prompt.GoalFeedbackFromCode, Body: "fb code {user_input}"},
		{Key: prompt.GoalFeedbackFromDescription, Body: "fb descr {user_input}"},
		{Key: prompt.GoalVisualisationFromCode, Body: "vis code {user_input}"},
		{Key: prompt.GoalVisualisationFromDescription, Body: "vis descr {user_input}"},
	}
	store, err := library.New(entries...)
	require.NoError(t, err)

	cfg := config.DefaultConfig
	cfg.TestMode = true
	cfg.Provider = "offline"
	cfg.ResourcesDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	cp := copilot.New(&cfg, store, llm.NewOffline(), copilot.WithRunner(r))
	return NewServer(cp, "127.0.0.1:0", nil), &cfg
}

type envelope struct {
	Code  int             `json:"code"`
	Count int             `json:"count"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Kind  string          `json:"kind"`
}

func do(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestFragmentsAndCompose(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodPut, "/api/fragments/strategy", `{"input":"sma cross"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "S[sma cross]", decode(t, env.Data)["value"])

	code, _ = do(t, s, http.MethodPut, "/api/fragments/analysers", `{"input":"sharpe"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodPut, "/api/fragments/data", `{"input":"btc.csv"}`)
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, s, http.MethodPost, "/api/compose", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ctx|D[btc.csv]S[sma cross]A[sharpe]", decode(t, env.Data)["prompt"])

	code, env = do(t, s, http.MethodPut, "/api/fragments/risk", `{"input":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", env.Kind)
}

func TestGenerateSaveAndBacktest(t *testing.T) {
	s, cfg := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodPost, "/api/generate", "")
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, llm.OfflineText, decode(t, env.Data)["code"])

	code, env = do(t, s, http.MethodPost, "/api/code/save", "")
	require.Equal(t, http.StatusOK, code)
	path := decode(t, env.Data)["path"].(string)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "myBacktest.py"), path)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, llm.OfflineText, string(b))

	code, env = do(t, s, http.MethodPost, "/api/backtest", "")
	require.Equal(t, http.StatusOK, code)
	run := decode(t, env.Data)["run"].(map[string]any)
	assert.Equal(t, true, run["ok"])
	assert.Equal(t, "Final value 10100\n", run["stdout"])
}

func TestBacktestFailureIsReportedNotErrored(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{err: &runner.ExecutionError{Script: "x.py", ExitCode: 1, Stderr: "boom"}})

	code, env := do(t, s, http.MethodPost, "/api/backtest", "")
	require.Equal(t, http.StatusOK, code)
	run := decode(t, env.Data)["run"].(map[string]any)
	assert.Equal(t, false, run["ok"])
	assert.EqualValues(t, 1, run["exit_code"])
	assert.Contains(t, run["error"], "boom")
}

func TestFeedbackBasis(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodPost, "/api/feedback", `{"basis":"description"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, llm.OfflineText, decode(t, env.Data)["feedback"])

	code, env = do(t, s, http.MethodPost, "/api/feedback?basis=code", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "code", decode(t, env.Data)["basis"])

	code, env = do(t, s, http.MethodPost, "/api/feedback", `{"basis":"chart"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "invalid basis")
}

func TestVisualize(t *testing.T) {
	s, cfg := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodPost, "/api/visualize", `{"basis":"code"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	data := decode(t, env.Data)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "myBacktest_plotscript.py"), data["script"])
	assert.FileExists(t, data["script"].(string))
}

func TestLoadCodeNotFound(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodPost, "/api/code/load", `{"path":"missing/strategy.py"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "resource_not_found", env.Kind)
}

func TestLoadCodeStaysInProjectDirs(t *testing.T) {
	s, cfg := newTestServer(t, stubRunner{})

	for _, p := range []string{"/etc/passwd", "../outside.py", "strategies/../../outside.py", ""} {
		code, env := do(t, s, http.MethodPost, "/api/code/load", `{"path":"`+p+`"}`)
		assert.Equal(t, http.StatusBadRequest, code, p)
		assert.Equal(t, "invalid_input", env.Kind, p)
	}

	code, env := do(t, s, http.MethodGet, "/api/code", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode(t, env.Data)["code"])

	require.NoError(t, os.WriteFile(filepath.Join(cfg.ResourcesDir, "boilerplate_basic.py"), []byte("import backtrader\n"), 0o644))
	code, env = do(t, s, http.MethodPost, "/api/code/load", `{"path":"boilerplate_basic.py"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, filepath.Join(cfg.ResourcesDir, "boilerplate_basic.py"), decode(t, env.Data)["path"])
}

func TestPostRequiresJSON(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/code/load", strings.NewReader(`{"path":"myBacktest.py"}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/api/backtest", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s, cfg := newTestServer(t, stubRunner{})

	code, _ := do(t, s, http.MethodPut, "/api/project", `{"name":"goldenCross"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodPut, "/api/fragments/strategy", `{"input":"sma"}`)
	require.Equal(t, http.StatusOK, code)

	code, env := do(t, s, http.MethodPost, "/api/session/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "goldenCross.session.json"), decode(t, env.Data)["path"])

	code, _ = do(t, s, http.MethodPut, "/api/fragments/strategy", `{"input":"changed"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodPost, "/api/session/restore", "")
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, s, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, code)
	sess := decode(t, env.Data)
	assert.Equal(t, "goldenCross", sess["project_name"])
	assert.Equal(t, "S[sma]", sess["fragments"].(map[string]any)["strategy"])
}

func TestTemplates(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})

	code, env := do(t, s, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, len(prompt.RequiredGoals), env.Count)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, stubRunner{})
	req := httptest.NewRequest(http.MethodOptions, "/api/compose", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/compose", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
