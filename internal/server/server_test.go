package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysleekdesigns/fixpool/internal/agent"
	"github.com/mysleekdesigns/fixpool/internal/metrics"
	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/internal/persona"
	"github.com/mysleekdesigns/fixpool/internal/progress"
	"github.com/mysleekdesigns/fixpool/internal/store"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// scriptHandle replays a fixed event list. Held handles stay open until
// killed, like a process that never finishes on its own.
type scriptHandle struct {
	events  chan agent.ProcessEvent
	logFile string
	once    sync.Once
}

func (h *scriptHandle) Events() <-chan agent.ProcessEvent { return h.events }
func (h *scriptHandle) LogFile() string                   { return h.logFile }
func (h *scriptHandle) Kill()                             { h.once.Do(func() { close(h.events) }) }

type scriptLauncher struct {
	hold    bool
	logFile string
}

const successLine = `{"type":"assistant","message":{"content":[{"type":"text","text":"<fix_json>{\"success\":true,\"summary\":\"patched\"}</fix_json>"}]}}`

func (l *scriptLauncher) Launch(_ context.Context, spec agent.LaunchSpec) (agent.Handle, error) {
	h := &scriptHandle{events: make(chan agent.ProcessEvent, 8), logFile: l.logFile}
	h.events <- agent.ProcessEvent{Kind: agent.EventSpawned, PID: 4242}
	if l.hold {
		return h, nil
	}
	h.events <- agent.ProcessEvent{Kind: agent.EventOutput, Data: []byte(successLine + "\n")}
	h.events <- agent.ProcessEvent{Kind: agent.EventExit}
	h.once.Do(func() { close(h.events) })
	return h, nil
}

type testServer struct {
	*Server
	hub      *progress.Hub
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T, launcher agent.Launcher) *testServer {
	t.Helper()
	tmpDir := t.TempDir()

	st, err := store.NewFileStore(filepath.Join(tmpDir, "fixes.json"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	personaDir := filepath.Join(tmpDir, "personas")
	if err := os.MkdirAll(personaDir, 0755); err != nil {
		t.Fatalf("Failed to create persona dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(personaDir, "security.md"), []byte("Follow OWASP."), 0644); err != nil {
		t.Fatalf("Failed to write persona: %v", err)
	}
	personas, err := persona.NewManager(personaDir)
	if err != nil {
		t.Fatalf("Failed to load personas: %v", err)
	}

	reg := prometheus.NewRegistry()
	hub := progress.NewHub()
	m := metrics.MustNew(reg)
	hub.OnDrop(m.ProgressDropped)

	orch, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Store:    st,
		Launcher: launcher,
		Emitter:  hub,
		Metrics:  m,
		Personas: personas,
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	srv := New(Config{
		Addr:         ":0",
		Orchestrator: orch,
		Hub:          hub,
		Personas:     personas,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:      "test",
		Commit:       "abc123",
	})

	t.Cleanup(func() {
		orch.Shutdown()
		st.Close()
	})

	return &testServer{Server: srv, hub: hub, registry: reg}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) mcp(t *testing.T, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	raw, _ := json.Marshal(params)
	w := ts.do(t, "POST", "/mcp", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp JSONRPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

func toolText(t *testing.T, resp JSONRPCResponse) (string, bool) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	w := srv.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
}

func TestMCPInitialize(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "initialize", map[string]interface{}{})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != mcpVersion {
		t.Errorf("Expected protocol version %s, got %v", mcpVersion, result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "fixpool" || info["version"] != "test" {
		t.Errorf("Unexpected server info: %v", info)
	}
}

func TestMCPSessionHeader(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	w := srv.do(t, "POST", "/mcp", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "ping"})
	if w.Header().Get("Mcp-Session-Id") == "" {
		t.Fatalf("Expected Mcp-Session-Id header")
	}
}

func TestMCPToolsList(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "tools/list", map[string]interface{}{})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %+v", resp.Error)
	}
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})

	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{"start_fixes", "cancel_fixes", "fix_status"} {
		if !names[want] {
			t.Errorf("Expected tool %s to be listed", want)
		}
	}
	if len(names) != 3 {
		t.Errorf("Expected 3 tools, got %d", len(names))
	}
}

func TestMCPUnknownMethod(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "resources/list", map[string]interface{}{})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("Expected method not found, got %+v", resp.Error)
	}
}

func TestMCPUnknownTool(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "tools/call", map[string]interface{}{"name": "spawn_agent"})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("Expected unknown tool error, got %+v", resp.Error)
	}
}

func TestMCPStartFixesAndStatus(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "tools/call", map[string]interface{}{
		"name": "start_fixes",
		"arguments": map[string]interface{}{
			"task_id":      "task-mcp",
			"project_path": t.TempDir(),
			"findings": map[string]interface{}{
				"security": []map[string]interface{}{{"title": "sql injection", "severity": "high"}},
			},
		},
	})
	text, isError := toolText(t, resp)
	if isError {
		t.Fatalf("start_fixes failed: %s", text)
	}
	if !strings.Contains(text, `"security"`) {
		t.Fatalf("Expected security agent in result, got %s", text)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = srv.mcp(t, "tools/call", map[string]interface{}{
			"name":      "fix_status",
			"arguments": map[string]interface{}{"task_id": "task-mcp"},
		})
		text, isError = toolText(t, resp)
		if isError {
			t.Fatalf("fix_status failed: %s", text)
		}
		var status taskFixStatus
		if err := json.Unmarshal([]byte(text), &status); err != nil {
			t.Fatalf("Failed to parse status: %v", err)
		}
		if status.AllComplete && len(status.Records) == 1 && status.Records[0].Status == "COMPLETED" {
			if status.Records[0].Summary != "patched" {
				t.Fatalf("Expected summary 'patched', got %q", status.Records[0].Summary)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fix never completed: %s", text)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMCPStartFixesWithoutFindings(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	resp := srv.mcp(t, "tools/call", map[string]interface{}{
		"name": "start_fixes",
		"arguments": map[string]interface{}{
			"task_id":      "task-mcp",
			"project_path": "/tmp",
			"findings":     map[string]interface{}{"quality": []interface{}{}},
		},
	})
	text, isError := toolText(t, resp)
	if !isError || !strings.Contains(text, "no findings") {
		t.Fatalf("Expected no findings error, got %q", text)
	}
}

func TestMCPCancelFixes(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{hold: true})

	ids, err := srv.orchestrator.StartAllFixes(context.Background(), "task-c", t.TempDir(), map[models.FixCategory][]models.Finding{
		models.FixCategorySecurity: {{Title: "xss"}},
		models.FixCategoryQuality:  {{Title: "dead code"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(ids))
	}

	resp := srv.mcp(t, "tools/call", map[string]interface{}{
		"name":      "cancel_fixes",
		"arguments": map[string]interface{}{"task_id": "task-c", "category": "quality"},
	})
	text, isError := toolText(t, resp)
	if isError || !strings.Contains(text, `"cancelled": 1`) {
		t.Fatalf("Expected one cancelled agent, got %s", text)
	}
	if !srv.orchestrator.IsFixRunning("task-c", models.FixCategorySecurity) {
		t.Fatalf("Expected security fix to keep running")
	}

	resp = srv.mcp(t, "tools/call", map[string]interface{}{
		"name":      "cancel_fixes",
		"arguments": map[string]interface{}{"task_id": "task-c", "category": "style"},
	})
	if _, isError := toolText(t, resp); !isError {
		t.Fatalf("Expected invalid category error")
	}
}

func TestStdioTransport(t *testing.T) {
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "fixes.json"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()
	orch, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{Store: st, Launcher: &scriptLauncher{}})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orch.Shutdown()

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		``,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n")
	var out bytes.Buffer

	srv := New(Config{Orchestrator: orch, UseStdio: true, Stdin: strings.NewReader(in), Stdout: &out})
	if srv.Handler() != nil {
		t.Fatalf("Expected no HTTP handler in stdio mode")
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("stdio loop failed: %v", err)
	}

	dec := json.NewDecoder(&out)
	var responses []JSONRPCResponse
	for dec.More() {
		var resp JSONRPCResponse
		if err := dec.Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		responses = append(responses, resp)
	}
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(responses))
	}
	if responses[0].Error != nil {
		t.Fatalf("initialize failed: %+v", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != -32700 {
		t.Fatalf("Expected parse error, got %+v", responses[1])
	}
	if responses[2].Error != nil {
		t.Fatalf("tools/list failed: %+v", responses[2].Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupTestServer(t, &scriptLauncher{})

	if _, err := srv.orchestrator.StartFix(context.Background(), models.FixAgentOptions{
		TaskID:      "task-m",
		Category:    models.FixCategoryQuality,
		ProjectPath: t.TempDir(),
		Findings:    []models.Finding{{Title: "dup"}},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	w := srv.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `fixpool_agents_started_total{category="quality"} 1`) {
		t.Fatalf("Expected started counter in metrics output, got:\n%s", w.Body.String())
	}
}
