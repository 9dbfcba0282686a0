package origin

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// BuildRawRequest forwards the caller's request verbatim to
// `${originUrl}/${toolName}`, preserving method, query string, headers
// (after identity rewriting) and body.
func BuildRawRequest(ctx context.Context, d *domain.Deployment, c *domain.Consumer, toolName string, incoming *http.Request, body []byte) (*http.Request, error) {
	target := strings.TrimRight(d.Origin.URL, "/") + "/" + toolName
	if incoming.URL.RawQuery != "" {
		target += "?" + incoming.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, incoming.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError(domain.KindMisconfiguredDeployment, err,
			"invalid origin url for deployment %s", d.Identifier)
	}

	req.Header = incoming.Header.Clone()
	injectIdentityHeaders(req.Header, d, c)
	return req, nil
}
