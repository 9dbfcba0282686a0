package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/edgecache"
	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
	"github.com/transitive-bullshit/agentic-gateway/internal/identifier"
	"github.com/transitive-bullshit/agentic-gateway/internal/metrics"
	"github.com/transitive-bullshit/agentic-gateway/internal/telemetry"
	"github.com/transitive-bullshit/agentic-gateway/internal/transform"
	"github.com/transitive-bullshit/agentic-gateway/internal/usage"
)

// maxRequestBodySize bounds inbound tool-call bodies.
const maxRequestBodySize = 10 << 20

// Handler returns the edge mux: health and metrics endpoints plus the
// catch-all tool-call and MCP transport routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/live", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", g.handleEdge)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEdge routes between the two transports. A trailing /mcp path segment
// on a POST addresses the MCP streamable endpoint; everything else is a
// plain HTTP tool call.
func (g *Gateway) handleEdge(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimRight(r.URL.Path, "/")
	if r.Method == http.MethodPost && strings.HasSuffix(path, "/mcp") {
		g.handleMcp(w, r, strings.TrimSuffix(path, "/mcp"))
		return
	}
	g.handleToolCall(w, r)
}

func (g *Gateway) handleToolCall(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(r.Context(), "gateway.tool_call")
	defer span.End()
	r = r.WithContext(ctx)

	c := &call{
		requestID:   requestID(r),
		requestMode: usage.RequestModeHTTP,
		sessionKey:  callerIP(r),
	}

	status, err := g.serveToolCall(w, r, c)
	g.record(c, status, err)
	g.observeCall(c, status, started)

	if c.deployment != nil && c.tool != nil {
		telemetry.AddToolCallAttributes(span, c.deployment.ID, c.tool.Name,
			string(c.deployment.Origin.Type), c.requestID)
	}
	telemetry.AddResultAttributes(span, c.cacheStatus, status)
}

// serveToolCall runs the pipeline for one HTTP tool call and writes the
// response. It returns the response status for usage recording.
func (g *Gateway) serveToolCall(w http.ResponseWriter, r *http.Request, c *call) (int, error) {
	parsed, err := identifier.ParseToolPath(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return domain.StatusOf(err), err
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return domain.StatusOf(err), err
	}
	c.requestBytes = int64(len(body))

	err = g.resolve(r.Context(), c, parsed.DeploymentIdentifier, parsed.ToolName,
		bearerToken(r), r.Header.Get("Cache-Control"))
	if err != nil {
		writeError(w, err)
		return domain.StatusOf(err), err
	}

	if c.deployment.Origin.Type != domain.OriginTypeRaw {
		c.args, err = parseToolCallArgs(r, body)
		if err != nil {
			writeError(w, err)
			return domain.StatusOf(err), err
		}
	}

	if err := g.enforceRateLimit(r.Context(), c); err != nil {
		writeError(w, err)
		return domain.StatusOf(err), err
	}

	result, err := g.dispatch(r.Context(), c, r, body)
	if err != nil {
		writeError(w, err)
		return domain.StatusOf(err), err
	}

	return g.respondHTTP(w, c, result), nil
}

// respondHTTP writes the origin result back to a plain HTTP caller: raw
// passthrough for HTTP-mediated origins, a derived JSON body for MCP ones.
func (g *Gateway) respondHTTP(w http.ResponseWriter, c *call, result *domain.ResolvedToolCallResult) int {
	switch result.Kind() {
	case domain.ResultKindHTTP:
		_, resp := result.HTTP()
		httputil.SanitizeCallerResponse(resp.Header)
		for k, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		g.setCallerHeaders(w, c)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			// Response already committed; nothing left to do but log.
			slog.Warn("failed to stream origin response to caller", "error", err)
		}
		c.responseBytes = resp.ContentLength
		return resp.StatusCode

	case domain.ResultKindMCP:
		toolResult := result.MCP()
		if toolResult.IsError {
			err := domain.NewError(domain.KindOriginError, "%s", toolResultText(toolResult))
			writeError(w, err)
			return domain.StatusOf(err)
		}
		body, contentType, err := transform.ToolResultToHTTPBody(toolResult)
		if err != nil {
			writeError(w, err)
			return domain.StatusOf(err)
		}
		c.responseBytes = int64(len(body))
		g.setCallerHeaders(w, c)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return http.StatusOK

	default:
		err := domain.NewError(domain.KindInternal, "tool call produced no result")
		writeError(w, err)
		return domain.StatusOf(err)
	}
}

// setCallerHeaders adds the gateway's diagnostic headers: rate-limit state,
// cache status and origin timing.
func (g *Gateway) setCallerHeaders(w http.ResponseWriter, c *call) {
	for k, v := range c.rateLimit.Headers() {
		w.Header().Set(k, v)
	}
	if c.cacheStatus != "" {
		w.Header().Set(edgecache.CacheStatusHeader, c.cacheStatus)
	}
	w.Header().Set("X-Origin-Response-Time", strconv.FormatInt(c.originTimespan.Milliseconds(), 10)+"ms")
	w.Header().Set("Server", "agentic")
}

func (g *Gateway) observeCall(c *call, status int, started time.Time) {
	projectID, deploymentID, toolName, originType := "", "", "", ""
	if c.deployment != nil {
		projectID = c.deployment.ProjectID
		deploymentID = c.deployment.ID
		originType = string(c.deployment.Origin.Type)
	}
	if c.tool != nil {
		toolName = c.tool.Name
	}
	metrics.ToolCallsTotal.WithLabelValues(projectID, deploymentID, toolName, originType,
		strconv.Itoa(status)).Inc()
	metrics.ToolCallDuration.WithLabelValues(projectID, deploymentID, toolName, originType).
		Observe(time.Since(started).Seconds())
}

// parseToolCallArgs merges query parameters with a JSON or form body into
// the named argument map for schema-described origins.
func parseToolCallArgs(r *http.Request, body []byte) (domain.ToolCallArgs, error) {
	args := domain.ToolCallArgs{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			args[name] = values[len(values)-1]
		}
	}
	if len(body) == 0 {
		return args, nil
	}

	mediaType := requestMediaType(r)
	switch {
	case mediaType == "" || strings.HasSuffix(mediaType, "/json") || strings.HasSuffix(mediaType, "+json"):
		var fromBody map[string]any
		if err := json.Unmarshal(body, &fromBody); err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "request body is not a valid json object")
		}
		for k, v := range fromBody {
			args[k] = v
		}
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "request body is not valid form data")
		}
		for name, values := range form {
			if len(values) > 0 {
				args[name] = values[len(values)-1]
			}
		}
	default:
		return nil, domain.NewError(domain.KindUnsupportedMedia,
			"unsupported content type %q for tool call arguments", mediaType)
	}
	return args, nil
}

func requestMediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mediaType
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, domain.NewError(domain.KindPayloadTooLarge,
				"request body exceeds %d bytes", maxRequestBodySize)
		}
		return nil, domain.WrapError(domain.KindValidation, err, "failed to read request body")
	}
	return body, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func callerIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toolResultText(resp *domain.McpToolCallResponse) string {
	for _, content := range resp.Content {
		if content.Type == "text" && content.Text != "" {
			return content.Text
		}
	}
	return "tool call failed"
}
