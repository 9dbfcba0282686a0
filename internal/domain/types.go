package domain

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// OriginType selects how the gateway talks to a deployment's backend.
type OriginType string

const (
	OriginTypeRaw     OriginType = "raw"
	OriginTypeOpenAPI OriginType = "openapi"
	OriginTypeMCP     OriginType = "mcp"
)

// Origin describes the backend a deployment forwards tool calls to.
type Origin struct {
	Type OriginType `json:"type"`
	URL  string     `json:"url"`

	// Operations maps tool name to its HTTP operation for openapi origins.
	Operations map[string]OpenAPIOperation `json:"operations,omitempty"`

	// ServerName and ServerVersion identify the origin MCP server.
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

// ParameterSource says where an OpenAPI operation parameter comes from.
type ParameterSource string

const (
	ParameterSourceBody     ParameterSource = "body"
	ParameterSourceFormData ParameterSource = "formData"
	ParameterSourceHeader   ParameterSource = "header"
	ParameterSourcePath     ParameterSource = "path"
	ParameterSourceQuery    ParameterSource = "query"
	ParameterSourceCookie   ParameterSource = "cookie"
)

// OpenAPIOperation is the subset of an OpenAPI operation the gateway needs
// to rebuild an origin request from validated tool-call arguments.
type OpenAPIOperation struct {
	Method           string                     `json:"method"`
	Path             string                     `json:"path"`
	ParameterSources map[string]ParameterSource `json:"parameterSources"`
}

// Tool is a single named, schema-described operation exposed by a deployment.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// RateLimit is the per-window request allowance attached to a pricing-plan
// line item or a tool config. Interval is in seconds.
type RateLimit struct {
	Interval       int   `json:"interval"`
	MaxPerInterval int64 `json:"maxPerInterval"`
	Async          *bool `json:"async,omitempty"`
}

// IsAsync reports whether enforcement may answer optimistically before the
// durable counter confirms the increment. Defaults to true.
func (r *RateLimit) IsAsync() bool {
	if r == nil || r.Async == nil {
		return true
	}
	return *r.Async
}

// IntervalMs returns the window length in milliseconds.
func (r *RateLimit) IntervalMs() int64 {
	return int64(r.Interval) * 1000
}

// PricingPlanToolOverride carries plan-specific tool settings. Nil fields
// mean "inherit from the tool-level config", not "disable".
type PricingPlanToolOverride struct {
	Enabled     *bool      `json:"enabled,omitempty"`
	ReportUsage *bool      `json:"reportUsage,omitempty"`
	RateLimit   *RateLimit `json:"rateLimit,omitempty"`
}

// ToolConfig overrides gateway behavior for a single tool.
type ToolConfig struct {
	Name         string     `json:"name"`
	Enabled      *bool      `json:"enabled,omitempty"`
	Pure         bool       `json:"pure,omitempty"`
	ReportUsage  *bool      `json:"reportUsage,omitempty"`
	RateLimit    *RateLimit `json:"rateLimit,omitempty"`
	CacheControl string     `json:"cacheControl,omitempty"`

	// AllowAdditionalProperties permits caller args not named by the tool's
	// input schema or operation parameter map.
	AllowAdditionalProperties bool `json:"allowAdditionalProperties,omitempty"`

	// PricingPlanConfig maps pricing-plan slug to plan-specific overrides.
	PricingPlanConfig map[string]PricingPlanToolOverride `json:"pricingPlanConfig,omitempty"`
}

// IsEnabled reports the tool-level enablement flag, defaulting to enabled.
func (c *ToolConfig) IsEnabled() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// LineItemSlugRequests is the line item that carries the request rate limit
// and usage-billing policy of a plan.
const LineItemSlugRequests = "requests"

// PricingPlanLineItem is one billable dimension of a pricing plan.
type PricingPlanLineItem struct {
	Slug          string     `json:"slug"`
	UnitAmountUSD float64    `json:"unitAmountUsd,omitempty"`
	RateLimit     *RateLimit `json:"rateLimit,omitempty"`
}

// PricingPlan is a named billing tier of a project.
type PricingPlan struct {
	Name      string                `json:"name"`
	Slug      string                `json:"slug"`
	LineItems []PricingPlanLineItem `json:"lineItems"`
}

// RequestsLineItem returns the plan's "requests" line item, or nil.
func (p *PricingPlan) RequestsLineItem() *PricingPlanLineItem {
	if p == nil {
		return nil
	}
	for i := range p.LineItems {
		if p.LineItems[i].Slug == LineItemSlugRequests {
			return &p.LineItems[i]
		}
	}
	return nil
}

// Deployment is an immutable, published snapshot of a project's gateway
// configuration. The gateway only ever reads deployments.
type Deployment struct {
	ID                string        `json:"id"`
	Identifier        string        `json:"identifier"`
	ProjectID         string        `json:"projectId"`
	ProjectIdentifier string        `json:"projectIdentifier"`
	UserID            string        `json:"userId"`
	Origin            Origin        `json:"origin"`
	Tools             []Tool        `json:"tools"`
	ToolConfigs       []ToolConfig  `json:"toolConfigs,omitempty"`
	PricingPlans      []PricingPlan `json:"pricingPlans,omitempty"`

	// ProxySecret authenticates gateway calls to the origin.
	ProxySecret string `json:"proxySecret"`
}

// Tool looks up a tool definition by name.
func (d *Deployment) Tool(name string) *Tool {
	for i := range d.Tools {
		if d.Tools[i].Name == name {
			return &d.Tools[i]
		}
	}
	return nil
}

// ToolConfig looks up a per-tool config override by tool name.
func (d *Deployment) ToolConfig(name string) *ToolConfig {
	for i := range d.ToolConfigs {
		if d.ToolConfigs[i].Name == name {
			return &d.ToolConfigs[i]
		}
	}
	return nil
}

// PricingPlan looks up a plan by slug.
func (d *Deployment) PricingPlan(slug string) *PricingPlan {
	for i := range d.PricingPlans {
		if d.PricingPlans[i].Slug == slug {
			return &d.PricingPlans[i]
		}
	}
	return nil
}

// DefaultPricingPlan returns the plan an anonymous caller resolves to: the
// "free" plan if the project publishes one.
func (d *Deployment) DefaultPricingPlan() *PricingPlan {
	return d.PricingPlan("free")
}

// User is the owner of a consumer, populated by the management API.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Consumer links a user to a project's billing plan. The gateway reads
// consumers and triggers the idempotent activate transition; everything else
// belongs to the management API and billing webhooks.
type Consumer struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Plan      string `json:"plan"`

	StripeCustomerID           string `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID       string `json:"stripeSubscriptionId,omitempty"`
	StripeSubscriptionStatus   string `json:"stripeSubscriptionStatus,omitempty"`
	IsStripeSubscriptionActive bool   `json:"isStripeSubscriptionActive"`
	Activated                  bool   `json:"activated"`

	User *User `json:"user,omitempty"`
}

// ToolCallArgs is the parsed, schema-validated set of named arguments a
// caller supplies for a tool invocation.
type ToolCallArgs map[string]any

// RateLimitState is the durable counter state for one identity key within
// the current window.
type RateLimitState struct {
	Current     int64 `json:"current"`
	ResetTimeMs int64 `json:"resetTimeMs"`
}

// RateLimitResult is the outcome of enforcing a rate limit for one request.
type RateLimitResult struct {
	Passed      bool  `json:"passed"`
	Current     int64 `json:"current"`
	Limit       int64 `json:"limit"`
	ResetTimeMs int64 `json:"resetTimeMs"`
	IntervalMs  int64 `json:"intervalMs"`
	Remaining   int64 `json:"remaining"`
}

// Headers returns the rate-limit response headers for this result.
func (r *RateLimitResult) Headers() map[string]string {
	if r == nil {
		return nil
	}
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(r.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(r.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetTimeMs/1000, 10),
		"X-RateLimit-Interval":  strconv.FormatInt(r.IntervalMs/1000, 10),
	}
}

// McpContent is one content block of an MCP tool-call response.
type McpContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// McpToolCallResponse is the protocol shape an MCP caller receives.
type McpToolCallResponse struct {
	IsError           bool           `json:"isError,omitempty"`
	Content           []McpContent   `json:"content,omitempty"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// AgenticMeta is the gateway-injected `_meta.agentic` block on MCP
// responses.
type AgenticMeta struct {
	DeploymentID string            `json:"deploymentId"`
	ConsumerID   string            `json:"consumerId,omitempty"`
	ToolName     string            `json:"toolName"`
	CacheStatus  string            `json:"cacheStatus"`
	RateLimit    map[string]string `json:"rateLimit,omitempty"`
}

// McpRequestMetadata is the envelope the gateway attaches to `tools/call`
// requests sent to MCP origins. The consumer and user fields are present iff
// IsCustomerSubscriptionActive is true.
type McpRequestMetadata struct {
	AgenticProxySecret   string `json:"agenticProxySecret"`
	SessionID            string `json:"sessionId"`
	DeploymentID         string `json:"deploymentId"`
	DeploymentIdentifier string `json:"deploymentIdentifier"`
	ProjectID            string `json:"projectId"`
	ProjectIdentifier    string `json:"projectIdentifier"`

	IsCustomerSubscriptionActive bool `json:"isCustomerSubscriptionActive"`

	CustomerID                 string     `json:"customerId,omitempty"`
	CustomerSubscriptionStatus string     `json:"customerSubscriptionStatus,omitempty"`
	UserID                     string     `json:"userId,omitempty"`
	UserEmail                  string     `json:"userEmail,omitempty"`
	UserUsername               string     `json:"userUsername,omitempty"`
	UserName                   string     `json:"userName,omitempty"`
	UserCreatedAt              *time.Time `json:"userCreatedAt,omitempty"`
	UserUpdatedAt              *time.Time `json:"userUpdatedAt,omitempty"`
}

// NewMcpRequestMetadata builds the origin metadata envelope, attaching
// consumer and user fields only when the subscription is active.
func NewMcpRequestMetadata(d *Deployment, c *Consumer, sessionID string) McpRequestMetadata {
	meta := McpRequestMetadata{
		AgenticProxySecret:   d.ProxySecret,
		SessionID:            sessionID,
		DeploymentID:         d.ID,
		DeploymentIdentifier: d.Identifier,
		ProjectID:            d.ProjectID,
		ProjectIdentifier:    d.ProjectIdentifier,
	}
	if c != nil && c.IsStripeSubscriptionActive && c.User != nil {
		meta.IsCustomerSubscriptionActive = true
		meta.CustomerID = c.ID
		meta.CustomerSubscriptionStatus = c.StripeSubscriptionStatus
		meta.UserID = c.User.ID
		meta.UserEmail = c.User.Email
		meta.UserUsername = c.User.Username
		meta.UserName = c.User.Name
		meta.UserCreatedAt = &c.User.CreatedAt
		meta.UserUpdatedAt = &c.User.UpdatedAt
	}
	return meta
}

// Cache status values reported on responses and usage records.
const (
	CacheStatusHit    = "HIT"
	CacheStatusMiss   = "MISS"
	CacheStatusBypass = "BYPASS"
)

// ResultKind discriminates the two origin result shapes.
type ResultKind int

const (
	// ResultKindHTTP holds an origin HTTP request/response pair.
	ResultKindHTTP ResultKind = iota + 1
	// ResultKindMCP holds a native MCP tool-call response.
	ResultKindMCP
)

// ResolvedToolCallResult is the uniform internal result of executing a tool
// call. Exactly one of the two shapes is populated; construct via
// NewHTTPToolCallResult or NewMCPToolCallResult.
type ResolvedToolCallResult struct {
	kind ResultKind

	originRequest  *http.Request
	originResponse *http.Response
	toolCall       *McpToolCallResponse

	RateLimit    *RateLimitResult
	ToolCallArgs ToolCallArgs
	ReportUsage  bool
	CacheStatus  string

	OriginTimespan time.Duration
	RequestBytes   int64
	ResponseBytes  int64
}

// NewHTTPToolCallResult builds the HTTP-mediated variant.
func NewHTTPToolCallResult(req *http.Request, resp *http.Response) *ResolvedToolCallResult {
	return &ResolvedToolCallResult{kind: ResultKindHTTP, originRequest: req, originResponse: resp}
}

// NewMCPToolCallResult builds the MCP-mediated variant.
func NewMCPToolCallResult(resp *McpToolCallResponse) *ResolvedToolCallResult {
	return &ResolvedToolCallResult{kind: ResultKindMCP, toolCall: resp}
}

// Kind returns the populated shape.
func (r *ResolvedToolCallResult) Kind() ResultKind { return r.kind }

// HTTP returns the origin request/response pair. Panics if the result is not
// HTTP-mediated; callers must switch on Kind first.
func (r *ResolvedToolCallResult) HTTP() (*http.Request, *http.Response) {
	if r.kind != ResultKindHTTP {
		panic("domain: HTTP() called on non-HTTP tool call result")
	}
	return r.originRequest, r.originResponse
}

// MCP returns the native tool-call response. Panics if the result is not
// MCP-mediated; callers must switch on Kind first.
func (r *ResolvedToolCallResult) MCP() *McpToolCallResponse {
	if r.kind != ResultKindMCP {
		panic("domain: MCP() called on non-MCP tool call result")
	}
	return r.toolCall
}
