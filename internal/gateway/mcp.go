package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/identifier"
	"github.com/transitive-bullshit/agentic-gateway/internal/metrics"
	"github.com/transitive-bullshit/agentic-gateway/internal/telemetry"
	"github.com/transitive-bullshit/agentic-gateway/internal/transform"
	"github.com/transitive-bullshit/agentic-gateway/internal/usage"

	"github.com/google/uuid"
)

const mcpSessionHeader = "Mcp-Session-Id"

// sessionIdleTTL bounds how long an idle transport session stays resumable.
const sessionIdleTTL = 30 * time.Minute

// JSON-RPC error codes surfaced by the transport.
const (
	rpcCodeParse          = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInternal       = -32000
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (m *rpcMessage) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// isRequest reports whether the message expects a response.
func (m *rpcMessage) isRequest() bool { return m.Method != "" && m.hasID() }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func rpcSuccess(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFailure(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// Transport session lifecycle. A session is minted by an initialize request
// and must be Ready before any other request is accepted under its id.
type transportState int

const (
	transportUninitialized transportState = iota
	transportInitializing
	transportReady
)

type transportSession struct {
	id         string
	deployment string
	state      transportState
	lastSeen   time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*transportSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*transportSession{}}
}

func (s *sessionStore) create(deploymentIdentifier string) *transportSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	session := &transportSession{
		id:         uuid.NewString(),
		deployment: deploymentIdentifier,
		state:      transportInitializing,
		lastSeen:   time.Now(),
	}
	s.sessions[session.id] = session
	metrics.McpSessionsActive.Set(float64(len(s.sessions)))
	return session
}

func (s *sessionStore) ready(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.state = transportReady
	}
}

// get resolves a session within one deployment's scope; a session minted by
// initializing another deployment is indistinguishable from an unknown one.
func (s *sessionStore) get(id, deploymentIdentifier string) (*transportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	session, ok := s.sessions[id]
	if !ok || session.deployment != deploymentIdentifier {
		return nil, false
	}
	session.lastSeen = time.Now()
	return session, true
}

func (s *sessionStore) pruneLocked() {
	cutoff := time.Now().Add(-sessionIdleTTL)
	for id, session := range s.sessions {
		if session.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
	metrics.McpSessionsActive.Set(float64(len(s.sessions)))
}

// handleMcp serves the MCP streamable endpoint for one deployment.
func (g *Gateway) handleMcp(w http.ResponseWriter, r *http.Request, deploymentPath string) {
	ident, err := identifier.ParseDeploymentPath(deploymentPath)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := validateMcpHeaders(r); err != nil {
		writeError(w, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := parseRPCMessages(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, rpcCodeParse, "failed to parse json-rpc message")
		return
	}
	if len(messages) == 0 {
		writeRPCError(w, http.StatusBadRequest, rpcCodeInvalidRequest, "empty message batch")
		return
	}

	deployment, err := g.admin.GetDeploymentByIdentifier(r.Context(), ident)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID := r.Header.Get(mcpSessionHeader)

	if findInitialize(messages) >= 0 {
		if sessionID != "" {
			writeRPCError(w, http.StatusBadRequest, rpcCodeInvalidRequest,
				"initialize request must not carry a session id")
			return
		}
		if len(messages) != 1 {
			writeRPCError(w, http.StatusBadRequest, rpcCodeInvalidRequest,
				"initialize must be the only message in a batch")
			return
		}
		session := g.sessions.create(deployment.Identifier)
		response := handleInitialize(deployment, messages[0])
		g.sessions.ready(session.id)
		writeSSE(w, session.id, []rpcResponse{response})
		return
	}

	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, rpcCodeInvalidRequest, "missing mcp-session-id header")
		return
	}
	session, ok := g.sessions.get(sessionID, deployment.Identifier)
	if !ok || session.state != transportReady {
		writeError(w, domain.NewError(domain.KindNotFound, "session not found"))
		return
	}

	var responses []rpcResponse
	for i := range messages {
		if response, ok := g.handleRPCMessage(r, deployment, session, &messages[i]); ok {
			responses = append(responses, response)
		}
	}

	// Notification- and response-only batches produce no output stream.
	if len(responses) == 0 {
		w.Header().Set(mcpSessionHeader, session.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeSSE(w, session.id, responses)
}

// validateMcpHeaders enforces the streamable transport's header contract.
func validateMcpHeaders(r *http.Request) error {
	accept := strings.ToLower(r.Header.Get("Accept"))
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		return domain.NewError(domain.KindNotAcceptable,
			"accept header must include both application/json and text/event-stream")
	}
	if mediaType := requestMediaType(r); mediaType != "application/json" {
		return domain.NewError(domain.KindUnsupportedMedia,
			"content type must be application/json, got %q", mediaType)
	}
	return nil
}

func parseRPCMessages(body []byte) ([]rpcMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []rpcMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single rpcMessage
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []rpcMessage{single}, nil
}

func findInitialize(messages []rpcMessage) int {
	for i := range messages {
		if messages[i].Method == "initialize" {
			return i
		}
	}
	return -1
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

func handleInitialize(deployment *domain.Deployment, msg rpcMessage) rpcResponse {
	var params initializeParams
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}

	info := serverInfo{Name: deployment.Origin.ServerName, Version: deployment.Origin.ServerVersion}
	if info.Name == "" {
		info.Name = deployment.ProjectIdentifier
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}

	return rpcSuccess(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      info,
	})
}

// handleRPCMessage evaluates one message; the bool reports whether a
// response should be streamed back.
func (g *Gateway) handleRPCMessage(r *http.Request, deployment *domain.Deployment, session *transportSession, msg *rpcMessage) (rpcResponse, bool) {
	if msg.Method == "" {
		// A response from the client needs no reply; a message with neither
		// method nor id is malformed.
		if msg.hasID() {
			return rpcResponse{}, false
		}
		return rpcFailure(msg.ID, rpcCodeInvalidRequest, "message has neither method nor id"), true
	}

	if !msg.isRequest() {
		// Notifications (notifications/initialized and friends) are
		// acknowledged by the 202, not answered.
		return rpcResponse{}, false
	}

	switch msg.Method {
	case "initialize":
		return rpcFailure(msg.ID, rpcCodeInvalidRequest, "session is already initialized"), true

	case "ping":
		return rpcSuccess(msg.ID, struct{}{}), true

	case "tools/list":
		return rpcSuccess(msg.ID, toolsListResult(deployment)), true

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
			return rpcFailure(msg.ID, rpcCodeInvalidRequest, "tools/call requires a tool name"), true
		}
		result := g.callToolForMcp(r.Context(), r, session, deployment.Identifier, params)
		return rpcSuccess(msg.ID, result), true

	default:
		return rpcFailure(msg.ID, rpcCodeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method)), true
	}
}

type toolCallParams struct {
	Name      string              `json:"name"`
	Arguments domain.ToolCallArgs `json:"arguments"`
	Meta      map[string]any      `json:"_meta,omitempty"`
}

type toolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

type toolsList struct {
	Tools []toolDescriptor `json:"tools"`
}

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

func toolsListResult(deployment *domain.Deployment) toolsList {
	list := toolsList{Tools: make([]toolDescriptor, 0, len(deployment.Tools))}
	for _, tool := range deployment.Tools {
		descriptor := toolDescriptor{
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		}
		if len(descriptor.InputSchema) == 0 {
			descriptor.InputSchema = emptyObjectSchema
		}
		list.Tools = append(list.Tools, descriptor)
	}
	return list
}

// callToolForMcp runs the full pipeline for one tools/call request. Pipeline
// failures become well-formed isError tool results; an MCP caller never sees
// a raw transport failure for a tool call.
func (g *Gateway) callToolForMcp(ctx context.Context, r *http.Request, session *transportSession, deploymentIdentifier string, params toolCallParams) *domain.McpToolCallResponse {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway.mcp_tool_call")
	defer span.End()

	c := &call{
		requestID:   requestID(r),
		requestMode: usage.RequestModeMCP,
		sessionKey:  session.id,
		args:        params.Arguments,
	}

	toolResult, err := g.runToolCall(ctx, r, c, deploymentIdentifier, params)

	status := http.StatusOK
	if err != nil {
		status = domain.StatusOf(err)
		toolResult = transform.ToolErrorResult(err)
	}
	g.record(c, status, err)
	g.observeCall(c, status, started)
	if c.deployment != nil {
		telemetry.AddToolCallAttributes(span, c.deployment.ID, params.Name,
			string(c.deployment.Origin.Type), c.requestID)
	}
	telemetry.AddResultAttributes(span, c.cacheStatus, status)
	injectAgenticMeta(c, params.Name, toolResult)
	return toolResult
}

func (g *Gateway) runToolCall(ctx context.Context, r *http.Request, c *call, deploymentIdentifier string, params toolCallParams) (*domain.McpToolCallResponse, error) {
	if err := g.resolve(ctx, c, deploymentIdentifier, params.Name, bearerToken(r), ""); err != nil {
		return nil, err
	}
	if err := g.enforceRateLimit(ctx, c); err != nil {
		return nil, err
	}

	var body []byte
	if c.deployment.Origin.Type == domain.OriginTypeRaw {
		// Raw origins get the arguments re-serialized as a JSON body.
		encoded, err := json.Marshal(params.Arguments)
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "tool call arguments are not serializable")
		}
		body = encoded
	}

	result, err := g.dispatch(ctx, c, r, body)
	if err != nil {
		return nil, err
	}

	switch result.Kind() {
	case domain.ResultKindMCP:
		return result.MCP(), nil
	case domain.ResultKindHTTP:
		_, resp := result.HTTP()
		toolResult, err := transform.HTTPResponseToToolResult(c.tool, c.allowAdditionalArgs(), resp)
		if err != nil {
			return nil, err
		}
		return toolResult, nil
	default:
		return nil, domain.NewError(domain.KindInternal, "tool call produced no result")
	}
}

// injectAgenticMeta merges the gateway's diagnostic block onto whatever
// metadata the origin returned.
func injectAgenticMeta(c *call, toolName string, resp *domain.McpToolCallResponse) {
	meta := domain.AgenticMeta{
		ToolName:    toolName,
		CacheStatus: c.cacheStatus,
		RateLimit:   c.rateLimit.Headers(),
	}
	if meta.CacheStatus == "" {
		meta.CacheStatus = domain.CacheStatusBypass
	}
	if c.deployment != nil {
		meta.DeploymentID = c.deployment.ID
	}
	if c.consumer != nil {
		meta.ConsumerID = c.consumer.ID
	}
	if resp.Meta == nil {
		resp.Meta = map[string]any{}
	}
	resp.Meta["agentic"] = meta
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, rpcFailure(nil, code, message))
}

func writeSSE(w http.ResponseWriter, sessionID string, responses []rpcResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(mcpSessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, response := range responses {
		data, err := json.Marshal(response)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
