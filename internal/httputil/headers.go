package httputil

import (
	"net/http"
	"strings"
)

// platformHeaderPrefix marks gateway-injected headers. Any inbound header
// under this prefix is stripped before the gateway re-sets its own values,
// so callers can never spoof consumer identity toward origins.
const platformHeaderPrefix = "x-agentic-"

// hopByHopHeaders must not be forwarded between the caller and the origin.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// edgeDiagnosticHeaders are platform/CDN diagnostics removed from responses
// before they reach the caller.
var edgeDiagnosticHeaders = []string{
	"X-Powered-By",
	"Via",
	"Nel",
	"Report-To",
	"Server-Timing",
	"Reporting-Endpoints",
}

// SanitizeOriginRequest strips hop-by-hop headers, CDN-injected cf-* headers
// and every caller-supplied platform header from an outbound origin request.
func SanitizeOriginRequest(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	for name := range header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, platformHeaderPrefix) || strings.HasPrefix(lower, "cf-") {
			header.Del(name)
		}
	}
}

// SanitizeCallerResponse removes hop-by-hop and platform diagnostic headers
// from a response and overwrites the server identity.
func SanitizeCallerResponse(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	for _, h := range edgeDiagnosticHeaders {
		header.Del(h)
	}
	header.Set("Server", "agentic")
}
