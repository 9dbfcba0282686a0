// Package admin provides the client for the management API: deployment
// resolution, consumer lookup by API key, and idempotent consumer
// activation. The gateway treats the management API as the source of truth
// and only layers short-lived caching on top.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
)

// Client resolves deployments and consumers against the management API.
type Client interface {
	GetDeploymentByIdentifier(ctx context.Context, identifier string) (*domain.Deployment, error)
	GetConsumerByAPIKey(ctx context.Context, apiKey string) (*domain.Consumer, error)
	ActivateConsumer(ctx context.Context, consumerID string) (*domain.Consumer, error)
}

type HTTPClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewHTTPClient creates a management API client. serviceKey is the
// service-to-service credential, never a caller credential.
func NewHTTPClient(baseURL, serviceKey string) *HTTPClient {
	cfg := httputil.DefaultConfig()
	cfg.Timeout = 10 * time.Second

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: httputil.NewClient(cfg),
	}
}

func (c *HTTPClient) GetDeploymentByIdentifier(ctx context.Context, identifier string) (*domain.Deployment, error) {
	deployment, _, err := c.lookupDeployment(ctx, identifier)
	return deployment, err
}

// lookupDeployment also reports how long the response may be reused, per the
// management API's cache headers.
func (c *HTTPClient) lookupDeployment(ctx context.Context, identifier string) (*domain.Deployment, time.Duration, error) {
	var deployment domain.Deployment
	path := "/v1/admin/deployments/by-identifier/" + url.PathEscape(identifier)
	freshness, err := c.do(ctx, http.MethodGet, path, &deployment)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, 0, domain.NewError(domain.KindNotFound, "deployment not found %q", identifier)
		}
		return nil, 0, err
	}
	return &deployment, freshness, nil
}

func (c *HTTPClient) GetConsumerByAPIKey(ctx context.Context, apiKey string) (*domain.Consumer, error) {
	consumer, _, err := c.lookupConsumer(ctx, apiKey)
	return consumer, err
}

func (c *HTTPClient) lookupConsumer(ctx context.Context, apiKey string) (*domain.Consumer, time.Duration, error) {
	var consumer domain.Consumer
	path := "/v1/admin/consumers/by-token/" + url.PathEscape(apiKey) + "?populate=user"
	freshness, err := c.do(ctx, http.MethodGet, path, &consumer)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, 0, domain.NewError(domain.KindNotFound, "consumer not found for key %q", keyPrefix(apiKey))
		}
		return nil, 0, err
	}
	return &consumer, freshness, nil
}

func (c *HTTPClient) ActivateConsumer(ctx context.Context, consumerID string) (*domain.Consumer, error) {
	consumer, _, err := c.activateConsumer(ctx, consumerID)
	return consumer, err
}

func (c *HTTPClient) activateConsumer(ctx context.Context, consumerID string) (*domain.Consumer, time.Duration, error) {
	var consumer domain.Consumer
	path := "/v1/admin/consumers/" + url.PathEscape(consumerID) + "/activate"
	freshness, err := c.do(ctx, http.MethodPut, path, &consumer)
	if err != nil {
		return nil, 0, err
	}
	return &consumer, freshness, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, err, "admin request build failed")
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, err, "admin api unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, domain.NewError(domain.KindNotFound, "not found")
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, domain.NewError(domain.KindInternal,
			"admin api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, domain.WrapError(domain.KindInternal, err, "admin api returned invalid json")
	}
	return responseFreshness(resp.Header), nil
}

// defaultFreshness applies when the management API sends no cache-control;
// hot lookups still coalesce without pinning an explicit lifetime upstream.
const defaultFreshness = time.Minute

// responseFreshness derives the reuse lifetime of a management API response
// from its Cache-Control header. No-store, no-cache, and max-age=0 all mean
// the record may not be reused at all.
func responseFreshness(h http.Header) time.Duration {
	cc := strings.ToLower(h.Get("Cache-Control"))
	if cc == "" {
		return defaultFreshness
	}
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "no-store" || directive == "no-cache" || directive == "private" {
			return 0
		}
	}
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if rest, ok := strings.CutPrefix(directive, "max-age="); ok {
			seconds, err := strconv.Atoi(rest)
			if err != nil || seconds <= 0 {
				return 0
			}
			return time.Duration(seconds) * time.Second
		}
	}
	// Cache-control present but no usable lifetime directive.
	return 0
}

// keyPrefix truncates an API key for error messages so credentials never
// appear in full in logs or responses.
func keyPrefix(apiKey string) string {
	if len(apiKey) <= 8 {
		return apiKey
	}
	return apiKey[:8] + "..."
}
