// Package origin builds and dispatches requests to deployment backends.
// Three builders exist, one per origin type: raw passthrough, OpenAPI
// request assembly from validated tool-call args, and MCP tool calls over
// durable per-session client connections.
package origin

import (
	"net/http"
	"strconv"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
)

// Identity headers set on every outbound origin request. Caller-supplied
// values under the same names are stripped first.
const (
	HeaderProxySecret        = "X-Agentic-Proxy-Secret"
	HeaderConsumer           = "X-Agentic-Consumer"
	HeaderUser               = "X-Agentic-User"
	HeaderPlan               = "X-Agentic-Plan"
	HeaderSubscriptionActive = "X-Agentic-Is-Subscription-Active"
	HeaderSubscriptionStatus = "X-Agentic-Subscription-Status"
	HeaderUserEmail          = "X-Agentic-User-Email"
	HeaderUserUsername       = "X-Agentic-User-Username"
	HeaderUserName           = "X-Agentic-User-Name"
	HeaderUserCreatedAt      = "X-Agentic-User-Created-At"
)

// injectIdentityHeaders sanitizes the outbound header set and re-sets the
// gateway identity headers. The proxy secret is always set; consumer and
// user headers only when a consumer was resolved.
func injectIdentityHeaders(header http.Header, d *domain.Deployment, c *domain.Consumer) {
	httputil.SanitizeOriginRequest(header)

	header.Set(HeaderProxySecret, d.ProxySecret)
	if c == nil {
		return
	}

	header.Set(HeaderConsumer, c.ID)
	header.Set(HeaderPlan, c.Plan)
	header.Set(HeaderSubscriptionActive, strconv.FormatBool(c.IsStripeSubscriptionActive))
	header.Set(HeaderSubscriptionStatus, c.StripeSubscriptionStatus)
	if c.User != nil {
		header.Set(HeaderUser, c.User.ID)
		header.Set(HeaderUserEmail, c.User.Email)
		header.Set(HeaderUserUsername, c.User.Username)
		if c.User.Name != "" {
			header.Set(HeaderUserName, c.User.Name)
		}
		header.Set(HeaderUserCreatedAt, c.User.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
}
