package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/transitive-bullshit/agentic-gateway/internal/usage"
)

func mcpRequest(path, sessionID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(mcpSessionHeader, sessionID)
	}
	return req
}

func initializeSession(t *testing.T, env *testEnv) string {
	t.Helper()
	w := env.do(mcpRequest("/acme/search@latest/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`))
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", w.Code, w.Body.String())
	}
	sessionID := w.Header().Get(mcpSessionHeader)
	if sessionID == "" {
		t.Fatal("initialize response missing session id")
	}
	return sessionID
}

func TestMcpInitialize(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if w.Header().Get(mcpSessionHeader) == "" {
		t.Error("missing session id header")
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: message") {
		t.Errorf("response is not an sse stream: %s", body)
	}
	if !strings.Contains(body, `"protocolVersion":"2025-03-26"`) {
		t.Errorf("response missing protocol version: %s", body)
	}
	if !strings.Contains(body, `"serverInfo"`) {
		t.Errorf("response missing server info: %s", body)
	}
}

func TestMcpInitializeRejectsSessionID(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "some-session",
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "-32600") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMcpInitializeMustBeSoleMessage(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "",
		`[{"jsonrpc":"2.0","id":1,"method":"initialize"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "-32600") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMcpRequestWithoutSession(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mcp-session-id") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMcpUnknownSession(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "no-such-session",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeErrorBody(t, w); !strings.Contains(msg, "session not found") {
		t.Errorf("error = %q", msg)
	}
}

func TestMcpSessionScopedToDeployment(t *testing.T) {
	first := openapiDeployment("http://origin.invalid")
	second := openapiDeployment("http://origin.invalid")
	second.ID = "dep_2"
	second.Identifier = "acme/other@latest"
	env := newTestEnv(t, newFakeAdmin(first, second))

	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/other@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if msg := decodeErrorBody(t, w); !strings.Contains(msg, "session not found") {
		t.Errorf("error = %q", msg)
	}
}

func TestMcpHeaderValidation(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	missingAccept := httptest.NewRequest(http.MethodPost, "/acme/search@latest/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	missingAccept.Header.Set("Content-Type", "application/json")
	if w := env.do(missingAccept); w.Code != http.StatusNotAcceptable {
		t.Errorf("missing accept: status = %d", w.Code)
	}

	jsonOnly := httptest.NewRequest(http.MethodPost, "/acme/search@latest/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	jsonOnly.Header.Set("Accept", "application/json")
	jsonOnly.Header.Set("Content-Type", "application/json")
	if w := env.do(jsonOnly); w.Code != http.StatusNotAcceptable {
		t.Errorf("json-only accept: status = %d", w.Code)
	}

	wrongType := httptest.NewRequest(http.MethodPost, "/acme/search@latest/mcp",
		strings.NewReader("ping"))
	wrongType.Header.Set("Accept", "application/json, text/event-stream")
	wrongType.Header.Set("Content-Type", "text/plain")
	if w := env.do(wrongType); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("wrong content type: status = %d", w.Code)
	}
}

func TestMcpNotificationOnlyBatchAccepted(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(mcpSessionHeader); got != sessionID {
		t.Errorf("session header = %q, want %q", got, sessionID)
	}
}

func TestMcpToolsList(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"get_item"`) {
		t.Errorf("tools/list missing tool: %s", body)
	}
	if !strings.Contains(body, `"inputSchema"`) {
		t.Errorf("tools/list missing schema: %s", body)
	}
}

func TestMcpToolsCall(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"item":"42"}`))
	}))
	defer originSrv.Close()

	env := newTestEnv(t, newFakeAdmin(openapiDeployment(originSrv.URL)))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_item","arguments":{"id":"42"}}}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"item":"42"`) {
		t.Errorf("result missing origin payload: %s", body)
	}
	if !strings.Contains(body, `"agentic"`) {
		t.Errorf("result missing gateway metadata: %s", body)
	}
	if strings.Contains(body, `"isError":true`) {
		t.Errorf("unexpected tool error: %s", body)
	}
}

func TestMcpToolsCallUnknownToolIsErrorResult(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bogus","arguments":{}}}`))

	// Tool-level failures come back as isError results, not transport
	// failures.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"isError":true`) {
		t.Errorf("expected isError result: %s", body)
	}
	if !strings.Contains(body, "bogus") {
		t.Errorf("error should name the tool: %s", body)
	}
}

func TestMcpParseError(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))

	w := env.do(mcpRequest("/acme/search@latest/mcp", "", `{not json`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "-32700") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMcpUnknownMethod(t *testing.T) {
	env := newTestEnv(t, newFakeAdmin(openapiDeployment("http://origin.invalid")))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":4,"method":"resources/list"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "-32601") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMcpToolsCallRecordsMcpMode(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer originSrv.Close()

	env := newTestEnv(t, newFakeAdmin(openapiDeployment(originSrv.URL)))
	sessionID := initializeSession(t, env)

	w := env.do(mcpRequest("/acme/search@latest/mcp", sessionID,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_item","arguments":{"id":"1"}}}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	env.drain(t)
	records := env.repo.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].RequestMode != usage.RequestModeMCP {
		t.Errorf("request mode = %q, want mcp", records[0].RequestMode)
	}
	if records[0].SessionKey != sessionID {
		t.Errorf("session key = %q, want %q", records[0].SessionKey, sessionID)
	}
}
