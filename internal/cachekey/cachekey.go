// Package cachekey canonicalizes inbound requests into stable edge-cache
// keys. A request that must never be cached yields a nil key, and any
// failure during key construction degrades to "not cacheable" rather than
// failing the request.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxCacheableBodySize is the ceiling, in bytes, above which request bodies
// are never hashed into a cache key.
const maxCacheableBodySize = 10_000

// syntheticKeyParam carries the body content hash when a mutating request is
// rewritten into a cacheable GET form.
const syntheticKeyParam = "x-agentic-cache-key"

// headerAllowList is the only set of headers a cache key may vary on.
// Credentials, cookies and other caller headers must never shard the cache.
var headerAllowList = []string{"cache-control", "content-type", "mcp-session-id"}

// Key is a canonical, cacheable rendering of a request.
type Key struct {
	Method string
	URL    string
	Header http.Header
}

// String renders the key for use as an edge-cache lookup key.
func (k *Key) String() string {
	var sb strings.Builder
	sb.WriteString(k.Method)
	sb.WriteByte(' ')
	sb.WriteString(k.URL)
	for _, name := range headerAllowList {
		if v := k.Header.Get(name); v != "" {
			sb.WriteByte('\n')
			sb.WriteString(name)
			sb.WriteByte(':')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// Normalize maps a request (with its already-buffered body) to a stable
// cache key, or nil when the request must bypass the cache.
func Normalize(r *http.Request, body []byte) (key *Key) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("cache key construction panicked, bypassing cache",
				"url", r.URL.String(), "panic", rec)
			key = nil
		}
	}()

	if !cacheableDirectives(r.Header) {
		return nil
	}

	normalized, err := NormalizeURL(r.URL.String())
	if err != nil {
		slog.Warn("cache key URL normalization failed, bypassing cache",
			"url", r.URL.String(), "error", err)
		return nil
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return &Key{Method: r.Method, URL: normalized, Header: allowedHeaders(r.Header)}

	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(body) >= maxCacheableBodySize {
			return nil
		}
		hash := hashBody(body, r.Header.Get("Content-Type"))
		withHash, err := appendQueryParam(normalized, syntheticKeyParam, hash)
		if err != nil {
			slog.Warn("cache key construction failed, bypassing cache", "error", err)
			return nil
		}
		return &Key{Method: http.MethodGet, URL: withHash, Header: allowedHeaders(r.Header)}

	default:
		return nil
	}
}

// cacheableDirectives checks pragma and cache-control. Only explicitly
// public responses are shared-cacheable.
func cacheableDirectives(h http.Header) bool {
	if strings.Contains(strings.ToLower(h.Get("Pragma")), "no-cache") {
		return false
	}

	cc := strings.ToLower(h.Get("Cache-Control"))
	public := false
	for _, directive := range strings.Split(cc, ",") {
		directive, _, _ = strings.Cut(strings.TrimSpace(directive), "=")
		switch directive {
		case "no-store", "no-cache", "private":
			return false
		case "public":
			public = true
		}
	}
	return public
}

// NormalizeURL canonicalizes a URL: https scheme, lowercased host without a
// trailing dot, collapsed duplicate path slashes, decoded unreserved
// percent-escapes, lexicographically sorted query parameters, and no
// trailing slash. Idempotent.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	u.Scheme = "https"
	u.Host = strings.TrimSuffix(strings.ToLower(u.Host), ".")

	// u.Path is the decoded form; dropping RawPath makes the URL re-encode
	// from it, normalizing unnecessary percent-escapes like %7E.
	u.Path = collapseSlashes(u.Path)
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.Fragment = ""

	return u.String(), nil
}

func collapseSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

func appendQueryParam(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hashBody computes the content hash for a request body: a canonical object
// hash for JSON, SHA-256 of the text for textual types, SHA-256 over the raw
// bytes otherwise.
func hashBody(body []byte, contentType string) string {
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	mediaType = strings.TrimSpace(mediaType)

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if canonical, ok := canonicalJSON(body); ok {
			return sha256Hex(canonical)
		}
		return sha256Hex(body)
	default:
		return sha256Hex(body)
	}
}

// canonicalJSON re-serializes a JSON document with deterministic key
// ordering so semantically equal bodies share a hash.
func canonicalJSON(body []byte) ([]byte, bool) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func allowedHeaders(h http.Header) http.Header {
	out := make(http.Header, len(headerAllowList))
	for _, name := range headerAllowList {
		if v := h.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}
