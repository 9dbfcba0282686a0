package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
)

const (
	mcpClientName    = "agentic-gateway"
	mcpClientVersion = "1.0.0"

	// sessionIdleTTL bounds how long an unused origin session keeps its
	// connection before the pool reclaims it.
	sessionIdleTTL = 10 * time.Minute
)

// McpDialer maintains durable per-session client connections to MCP origins.
// A session is keyed by the gateway session id (consumer+deployment or
// ip+project) so one caller session maps to one origin connection, with the
// initialize handshake performed once per session.
type McpDialer struct {
	mu       sync.Mutex
	sessions map[string]*mcpSession
	stop     chan struct{}
	stopOnce sync.Once
}

type mcpSession struct {
	mu       sync.Mutex
	client   *client.Client
	ready    bool
	lastUsed time.Time
}

func NewMcpDialer() *McpDialer {
	d := &McpDialer{
		sessions: make(map[string]*mcpSession),
		stop:     make(chan struct{}),
	}
	go d.reapIdleSessions()
	return d
}

// CallTool issues a tools/call against the deployment's MCP origin on the
// session's durable connection, attaching the gateway metadata envelope
// under the protocol's extensible _meta field.
func (d *McpDialer) CallTool(ctx context.Context, deployment *domain.Deployment, toolName string, args domain.ToolCallArgs, meta domain.McpRequestMetadata) (*domain.McpToolCallResponse, error) {
	session := d.session(meta.SessionID)

	session.mu.Lock()
	defer session.mu.Unlock()
	session.lastUsed = time.Now()

	if err := d.connect(ctx, session, deployment); err != nil {
		return nil, err
	}

	result, err := session.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: map[string]any(args),
			Meta:      &mcp.Meta{AdditionalFields: map[string]any{"agentic": metadataFields(meta)}},
		},
	})
	if err != nil {
		// The connection may be dead; drop it so the next call redials.
		session.client.Close()
		session.client = nil
		session.ready = false
		return nil, domain.WrapError(domain.KindOriginError, err,
			"tool %q call failed against mcp origin", toolName)
	}

	return convertToolResult(result), nil
}

// Close tears down every pooled origin connection.
func (d *McpDialer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, session := range d.sessions {
		session.mu.Lock()
		if session.client != nil {
			session.client.Close()
		}
		session.mu.Unlock()
		delete(d.sessions, id)
	}
}

func (d *McpDialer) session(sessionID string) *mcpSession {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, ok := d.sessions[sessionID]
	if !ok {
		session = &mcpSession{lastUsed: time.Now()}
		d.sessions[sessionID] = session
	}
	return session
}

// connect dials and initializes the origin connection if the session does
// not already hold a ready one. Callers hold session.mu.
func (d *McpDialer) connect(ctx context.Context, session *mcpSession, deployment *domain.Deployment) error {
	if session.ready {
		return nil
	}

	c, err := client.NewStreamableHttpClient(
		deployment.Origin.URL,
		transport.WithHTTPTimeout(30*time.Second),
		transport.WithHTTPBasicClient(httputil.DefaultClient()),
	)
	if err != nil {
		return domain.WrapError(domain.KindMisconfiguredDeployment, err,
			"invalid mcp origin url for deployment %s", deployment.Identifier)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return domain.WrapError(domain.KindOriginError, err, "mcp origin unreachable")
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    mcpClientName,
				Version: mcpClientVersion,
			},
		},
	}); err != nil {
		c.Close()
		return domain.WrapError(domain.KindOriginError, err, "mcp origin initialize failed")
	}

	session.client = c
	session.ready = true
	return nil
}

func (d *McpDialer) reapIdleSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		for id, session := range d.sessions {
			session.mu.Lock()
			idle := time.Since(session.lastUsed) > sessionIdleTTL
			if idle && session.client != nil {
				session.client.Close()
				session.client = nil
				session.ready = false
			}
			session.mu.Unlock()
			if idle {
				slog.Debug("reaped idle mcp origin session", "session_id", id)
				delete(d.sessions, id)
			}
		}
		d.mu.Unlock()
	}
}

// metadataFields renders the metadata envelope as a plain map for the _meta
// field, going through JSON so field names match the wire contract.
func metadataFields(meta domain.McpRequestMetadata) map[string]any {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

func convertToolResult(result *mcp.CallToolResult) *domain.McpToolCallResponse {
	resp := &domain.McpToolCallResponse{
		IsError:           result.IsError,
		StructuredContent: result.StructuredContent,
	}

	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			resp.Content = append(resp.Content, domain.McpContent{Type: "text", Text: text.Text})
			continue
		}
		if image, ok := mcp.AsImageContent(content); ok {
			resp.Content = append(resp.Content, domain.McpContent{Type: "image", Data: image.Data, MimeType: image.MIMEType})
			continue
		}
		if audio, ok := mcp.AsAudioContent(content); ok {
			resp.Content = append(resp.Content, domain.McpContent{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType})
			continue
		}
		slog.Warn("unsupported mcp content type from origin", "type", fmt.Sprintf("%T", content))
	}

	if result.Meta != nil {
		fields := make(map[string]any, len(result.Meta.AdditionalFields)+1)
		for k, v := range result.Meta.AdditionalFields {
			fields[k] = v
		}
		if result.Meta.ProgressToken != nil {
			fields["progressToken"] = result.Meta.ProgressToken
		}
		if len(fields) > 0 {
			resp.Meta = fields
		}
	}
	return resp
}
