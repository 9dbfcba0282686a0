// Package gateway wires the request pipeline together: identifier parsing,
// deployment and consumer resolution, policy, rate limiting, origin dispatch,
// response transformation and usage recording. It exposes two transports on
// one mux: plain HTTP tool calls and the MCP streamable endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/admin"
	"github.com/transitive-bullshit/agentic-gateway/internal/background"
	"github.com/transitive-bullshit/agentic-gateway/internal/cachekey"
	"github.com/transitive-bullshit/agentic-gateway/internal/circuitbreaker"
	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/edgecache"
	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
	"github.com/transitive-bullshit/agentic-gateway/internal/metrics"
	"github.com/transitive-bullshit/agentic-gateway/internal/notifications"
	"github.com/transitive-bullshit/agentic-gateway/internal/origin"
	"github.com/transitive-bullshit/agentic-gateway/internal/policy"
	"github.com/transitive-bullshit/agentic-gateway/internal/ratelimit"
	"github.com/transitive-bullshit/agentic-gateway/internal/transform"
	"github.com/transitive-bullshit/agentic-gateway/internal/usage"
)

const defaultOriginTimeout = 30 * time.Second

// originDownNotifyInterval throttles repeated origin-down notifications for
// the same host.
const originDownNotifyInterval = 5 * time.Minute

// McpToolCaller issues tool calls against MCP origins. Satisfied by
// origin.McpDialer.
type McpToolCaller interface {
	CallTool(ctx context.Context, deployment *domain.Deployment, toolName string, args domain.ToolCallArgs, meta domain.McpRequestMetadata) (*domain.McpToolCallResponse, error)
}

// Options collects the gateway's collaborators. Admin, Limiter, Fetcher,
// Dialer, Recorder and Tasks are required; the rest default.
type Options struct {
	Admin    admin.Client
	Limiter  *ratelimit.Limiter
	Fetcher  *edgecache.Fetcher
	Dialer   McpToolCaller
	Recorder *usage.Recorder
	Tasks    *background.Runner

	Breakers      *circuitbreaker.Manager
	Notifier      notifications.Notifier
	HTTPClient    *http.Client
	OriginTimeout time.Duration
}

// Gateway is the edge request orchestrator.
type Gateway struct {
	admin    admin.Client
	limiter  *ratelimit.Limiter
	fetcher  *edgecache.Fetcher
	dialer   McpToolCaller
	recorder *usage.Recorder
	tasks    *background.Runner
	breakers *circuitbreaker.Manager
	notifier notifications.Notifier
	client   *http.Client

	originTimeout time.Duration

	sessions *sessionStore

	notifyMu     sync.Mutex
	lastDownSent map[string]time.Time
}

func New(opts Options) *Gateway {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httputil.DefaultClient()
	}
	if opts.OriginTimeout <= 0 {
		opts.OriginTimeout = defaultOriginTimeout
	}
	return &Gateway{
		admin:         opts.Admin,
		limiter:       opts.Limiter,
		fetcher:       opts.Fetcher,
		dialer:        opts.Dialer,
		recorder:      opts.Recorder,
		tasks:         opts.Tasks,
		breakers:      opts.Breakers,
		notifier:      opts.Notifier,
		client:        opts.HTTPClient,
		originTimeout: opts.OriginTimeout,
		sessions:      newSessionStore(),
		lastDownSent:  map[string]time.Time{},
	}
}

// call carries the state one request accumulates as it moves through the
// pipeline. Usage recording reads whatever made it in before a failure.
type call struct {
	requestID   string
	requestMode string

	// sessionKey is the caller ip for HTTP requests and the transport
	// session id for MCP requests.
	sessionKey string

	deployment *domain.Deployment
	consumer   *domain.Consumer
	plan       *domain.PricingPlan
	tool       *domain.Tool
	policy     policy.Resolved

	args      domain.ToolCallArgs
	rateLimit *domain.RateLimitResult

	cacheStatus    string
	originTimespan time.Duration
	requestBytes   int64
	responseBytes  int64
}

func (c *call) allowAdditionalArgs() bool {
	cfg := c.deployment.ToolConfig(c.tool.Name)
	return cfg != nil && cfg.AllowAdditionalProperties
}

// originSessionID keys the durable MCP origin connection: one per consumer
// and deployment, or per caller and project for anonymous traffic.
func (c *call) originSessionID() string {
	if c.consumer != nil {
		return c.consumer.ID + ":" + c.deployment.ID
	}
	return c.sessionKey + ":" + c.deployment.ProjectID
}

// resolve runs the lookup half of the pipeline: deployment, consumer, tool
// and effective policy. A disabled tool fails here, before any origin work.
func (g *Gateway) resolve(ctx context.Context, c *call, deploymentIdentifier, toolName, apiKey, requestCacheControl string) error {
	deployment, err := g.admin.GetDeploymentByIdentifier(ctx, deploymentIdentifier)
	if err != nil {
		return err
	}
	c.deployment = deployment

	if apiKey != "" {
		consumer, err := g.admin.GetConsumerByAPIKey(ctx, apiKey)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				return domain.NewError(domain.KindUnauthorized, "invalid api key %s", apiKeyPrefix(apiKey))
			}
			return err
		}
		if consumer.ProjectID != deployment.ProjectID {
			return domain.NewError(domain.KindForbidden,
				"api key %s does not belong to project %s", apiKeyPrefix(apiKey), deployment.ProjectIdentifier)
		}
		if !consumer.IsStripeSubscriptionActive {
			return domain.NewError(domain.KindSubscriptionInactive,
				"subscription is not active for plan %q", consumer.Plan)
		}
		c.consumer = consumer
		c.plan = deployment.PricingPlan(consumer.Plan)
	} else {
		c.plan = deployment.DefaultPricingPlan()
	}

	tool := deployment.Tool(toolName)
	if tool == nil {
		return domain.NewError(domain.KindNotFound,
			"tool %q not found in deployment %s", toolName, deployment.Identifier)
	}
	c.tool = tool

	c.policy = policy.Resolve(policy.Input{
		Deployment:          deployment,
		Tool:                tool,
		PricingPlan:         c.plan,
		RequestCacheControl: requestCacheControl,
	})
	if !c.policy.Enabled {
		return domain.NewError(domain.KindForbidden, "tool %q is not enabled", toolName)
	}
	return nil
}

// enforceRateLimit applies the resolved limit. Enforcement happens strictly
// before origin dispatch; a rejection never reaches the origin.
func (g *Gateway) enforceRateLimit(ctx context.Context, c *call) error {
	if c.policy.RateLimit == nil {
		return nil
	}

	id := c.sessionKey
	if c.consumer != nil {
		id = c.consumer.ID
	}

	result, err := g.limiter.Enforce(ctx, id, c.policy.RateLimit, 1)
	if err != nil {
		return err
	}
	c.rateLimit = result

	if !result.Passed {
		metrics.RateLimitRejections.WithLabelValues(c.deployment.ProjectID, c.deployment.ID).Inc()
		g.notify(notifications.Notification{
			Type:         notifications.NotificationRateLimited,
			ProjectID:    c.deployment.ProjectID,
			DeploymentID: c.deployment.ID,
			Message:      "rate limit exceeded for tool " + c.tool.Name,
			Data:         map[string]any{"limit": result.Limit, "current": result.Current},
		})
		return &domain.Error{
			Kind:    domain.KindRateLimited,
			Message: "rate limit exceeded, retry after the current window resets",
			Headers: result.Headers(),
		}
	}
	return nil
}

// dispatch builds and executes the origin call for the resolved deployment.
// The incoming request and body are only consulted for raw origins, which
// forward them verbatim.
func (g *Gateway) dispatch(ctx context.Context, c *call, incoming *http.Request, body []byte) (*domain.ResolvedToolCallResult, error) {
	switch c.deployment.Origin.Type {
	case domain.OriginTypeRaw:
		req, err := origin.BuildRawRequest(ctx, c.deployment, c.consumer, c.tool.Name, incoming, body)
		if err != nil {
			return nil, g.flagMisconfigured(c, err)
		}
		return g.executeHTTP(ctx, c, req)

	case domain.OriginTypeOpenAPI:
		if err := transform.ValidateToolCallArgs(c.tool, c.args, c.allowAdditionalArgs()); err != nil {
			return nil, err
		}
		req, err := origin.BuildOpenAPIRequest(ctx, c.deployment, c.consumer, c.tool, c.args, c.allowAdditionalArgs())
		if err != nil {
			return nil, g.flagMisconfigured(c, err)
		}
		return g.executeHTTP(ctx, c, req)

	case domain.OriginTypeMCP:
		if err := transform.ValidateToolCallArgs(c.tool, c.args, c.allowAdditionalArgs()); err != nil {
			return nil, err
		}
		return g.executeMCP(ctx, c)

	default:
		return nil, g.flagMisconfigured(c, domain.NewError(domain.KindMisconfiguredDeployment,
			"deployment %s has unknown origin type %q", c.deployment.Identifier, c.deployment.Origin.Type))
	}
}

// executeHTTP runs an HTTP-mediated origin call through the edge cache and
// the per-host circuit breaker, with a bounded timeout.
func (g *Gateway) executeHTTP(ctx context.Context, c *call, req *http.Request) (*domain.ResolvedToolCallResult, error) {
	req.Header.Set("Cache-Control", c.policy.CacheControl)
	key := cachekey.Normalize(req, requestBody(req))
	c.requestBytes = requestSize(req)

	host := req.URL.Host
	breaker := g.breakers.Get(host)
	originType := string(c.deployment.Origin.Type)

	fetch := func(ctx context.Context) (*http.Response, error) {
		if err := breaker.Allow(); err != nil {
			g.notifyOriginDown(c, host)
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.originTimeout)
		defer cancel()

		start := time.Now()
		resp, err := g.client.Do(req.WithContext(callCtx))
		if err == nil {
			// Buffer inside the timeout window so a stalled body read is
			// bounded too.
			err = drainResponse(resp)
		}
		c.originTimespan = time.Since(start)
		metrics.OriginDuration.WithLabelValues(host, originType).Observe(c.originTimespan.Seconds())

		if err != nil {
			breaker.RecordFailure()
			metrics.CircuitBreakerState.WithLabelValues(host).Set(float64(breaker.State()))
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.OriginErrors.WithLabelValues(host, string(domain.KindOriginTimeout)).Inc()
				return nil, domain.WrapError(domain.KindOriginTimeout, err,
					"origin did not respond within %s", g.originTimeout)
			}
			metrics.OriginErrors.WithLabelValues(host, string(domain.KindOriginError)).Inc()
			return nil, domain.WrapError(domain.KindOriginError, err, "origin request failed")
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			breaker.RecordFailure()
			metrics.OriginErrors.WithLabelValues(host, string(domain.KindOriginError)).Inc()
		} else {
			breaker.RecordSuccess()
		}
		metrics.CircuitBreakerState.WithLabelValues(host).Set(float64(breaker.State()))
		return resp, nil
	}

	resp, status, err := g.fetcher.Do(ctx, key, fetch)
	c.cacheStatus = status
	metrics.CacheRequests.WithLabelValues(c.deployment.ProjectID, status).Inc()
	if err != nil {
		return nil, err
	}
	c.responseBytes = resp.ContentLength

	result := domain.NewHTTPToolCallResult(req, resp)
	g.stampResult(c, result)
	return result, nil
}

// executeMCP runs an MCP-mediated tool call through the edge cache. A
// synthetic POST carrying the tool name and args stands in as the cache key;
// the resolved cache-control decides storability.
func (g *Gateway) executeMCP(ctx context.Context, c *call) (*domain.ResolvedToolCallResult, error) {
	originURL, err := url.Parse(c.deployment.Origin.URL)
	if err != nil {
		return nil, g.flagMisconfigured(c, domain.WrapError(domain.KindMisconfiguredDeployment, err,
			"invalid mcp origin url for deployment %s", c.deployment.Identifier))
	}
	host := originURL.Host
	breaker := g.breakers.Get(host)

	meta := domain.NewMcpRequestMetadata(c.deployment, c.consumer, c.originSessionID())

	callFn := func(ctx context.Context) (*domain.McpToolCallResponse, error) {
		if err := breaker.Allow(); err != nil {
			g.notifyOriginDown(c, host)
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.originTimeout)
		defer cancel()

		start := time.Now()
		resp, err := g.dialer.CallTool(callCtx, c.deployment, c.tool.Name, c.args, meta)
		c.originTimespan = time.Since(start)
		metrics.OriginDuration.WithLabelValues(host, string(domain.OriginTypeMCP)).Observe(c.originTimespan.Seconds())

		if err != nil {
			breaker.RecordFailure()
			metrics.OriginErrors.WithLabelValues(host, string(domain.KindOriginError)).Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, domain.WrapError(domain.KindOriginTimeout, err,
					"origin did not respond within %s", g.originTimeout)
			}
			return nil, err
		}
		breaker.RecordSuccess()
		return resp, nil
	}

	resp, status, err := g.fetcher.DoToolCall(ctx, g.mcpCacheKey(c, meta), c.policy.CacheControl, callFn)
	c.cacheStatus = status
	metrics.CacheRequests.WithLabelValues(c.deployment.ProjectID, status).Inc()
	if err != nil {
		return nil, err
	}

	if err := transform.ValidateToolResult(c.tool, c.allowAdditionalArgs(), resp); err != nil {
		return nil, err
	}

	result := domain.NewMCPToolCallResult(resp)
	g.stampResult(c, result)
	return result, nil
}

// mcpCacheKey derives the edge cache key for an MCP tool call, or nil when
// the resolved cache-control forbids shared caching. The metadata envelope
// is part of the keyed payload: the origin sees it and may personalize, so
// two callers with different identities never share an entry.
func (g *Gateway) mcpCacheKey(c *call, meta domain.McpRequestMetadata) *cachekey.Key {
	payload, err := json.Marshal(map[string]any{
		"name":      c.tool.Name,
		"arguments": c.args,
		"metadata":  meta,
	})
	if err != nil {
		return nil
	}
	target := strings.TrimRight(c.deployment.Origin.URL, "/") + "/" + c.tool.Name
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", c.policy.CacheControl)
	return cachekey.Normalize(req, payload)
}

func (g *Gateway) stampResult(c *call, result *domain.ResolvedToolCallResult) {
	result.RateLimit = c.rateLimit
	result.ToolCallArgs = c.args
	result.ReportUsage = c.policy.ReportUsage
	result.CacheStatus = c.cacheStatus
	result.OriginTimespan = c.originTimespan
	result.RequestBytes = c.requestBytes
	result.ResponseBytes = c.responseBytes
}

// record schedules the post-call side effects. It runs on every outcome,
// with whatever the pipeline resolved; failed calls record reportUsage=false
// so they are observable but never billed.
func (g *Gateway) record(c *call, status int, callErr error) {
	if g.recorder == nil {
		return
	}

	record := usage.Record{
		RequestMode:      c.requestMode,
		SessionKey:       c.sessionKey,
		CacheStatus:      c.cacheStatus,
		ResponseStatus:   status,
		OriginTimespanMs: c.originTimespan.Milliseconds(),
		RequestBytes:     c.requestBytes,
		ResponseBytes:    c.responseBytes,
	}
	if c.deployment != nil {
		record.ProjectID = c.deployment.ProjectID
		record.DeploymentID = c.deployment.ID
	}
	if c.tool != nil {
		record.ToolName = c.tool.Name
	}
	if c.consumer != nil {
		record.ConsumerID = c.consumer.ID
		record.Plan = c.consumer.Plan
		record.SubscriptionStatus = c.consumer.StripeSubscriptionStatus
	}
	if c.rateLimit != nil {
		passed := c.rateLimit.Passed
		record.RateLimitPassed = &passed
	}

	reportUsage := c.policy.ReportUsage && callErr == nil
	if reportUsage {
		metrics.BillingEventsTotal.WithLabelValues(record.ProjectID).Inc()
	}

	g.recorder.Record(usage.CallUsage{
		RequestID:   c.requestID,
		Record:      record,
		Consumer:    c.consumer,
		Plan:        c.plan,
		ReportUsage: reportUsage,
	})
}

// flagMisconfigured emits an operational notification for deployment
// misconfigurations before returning the error unchanged.
func (g *Gateway) flagMisconfigured(c *call, err error) error {
	if domain.IsKind(err, domain.KindMisconfiguredDeployment) && c.deployment != nil {
		g.notify(notifications.Notification{
			Type:         notifications.NotificationMisconfiguredDeployment,
			ProjectID:    c.deployment.ProjectID,
			DeploymentID: c.deployment.ID,
			Message:      domain.AsError(err).Message,
		})
	}
	return err
}

func (g *Gateway) notifyOriginDown(c *call, host string) {
	g.notifyMu.Lock()
	last := g.lastDownSent[host]
	if time.Since(last) < originDownNotifyInterval {
		g.notifyMu.Unlock()
		return
	}
	g.lastDownSent[host] = time.Now()
	g.notifyMu.Unlock()

	g.notify(notifications.Notification{
		Type:         notifications.NotificationOriginDown,
		ProjectID:    c.deployment.ProjectID,
		DeploymentID: c.deployment.ID,
		Message:      "circuit open for origin host " + host,
	})
}

func (g *Gateway) notify(n notifications.Notification) {
	if g.notifier == nil {
		return
	}
	g.tasks.Go("notifications.send", func(ctx context.Context) error {
		return g.notifier.Send(ctx, n)
	})
}

// requestBody re-reads a rebuildable request body for cache key derivation.
func requestBody(req *http.Request) []byte {
	if req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return body
}

func requestSize(req *http.Request) int64 {
	if req.ContentLength > 0 {
		return req.ContentLength
	}
	return 0
}

// drainResponse replaces the response body with a fully-buffered copy so
// reads after the call deadline cannot stall.
func drainResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return nil
}

func apiKeyPrefix(apiKey string) string {
	if len(apiKey) <= 8 {
		return apiKey
	}
	return apiKey[:8] + "..."
}
