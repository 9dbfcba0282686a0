package edgecache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/background"
	"github.com/transitive-bullshit/agentic-gateway/internal/cachekey"
	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// CacheStatusHeader reports HIT/MISS/BYPASS to the caller.
const CacheStatusHeader = "X-Agentic-Cache-Status"

// maxCachedBodySize caps what the fetcher will buffer and store.
const maxCachedBodySize = 4 << 20

// Fetcher executes origin calls through the shared cache: lookup before
// dispatch, non-blocking population after a cacheable response. Cache
// failures never fail the request.
type Fetcher struct {
	cache Cache
	tasks *background.Runner
}

// NewFetcher creates a fetcher over the given cache; population runs on the
// background runner.
func NewFetcher(cache Cache, tasks *background.Runner) *Fetcher {
	return &Fetcher{cache: cache, tasks: tasks}
}

// Do executes an HTTP-mediated origin call. A nil key bypasses the cache
// entirely. The returned response always has a fully-buffered body and a
// cache status header; the status string mirrors that header.
func (f *Fetcher) Do(ctx context.Context, key *cachekey.Key, fetch func(context.Context) (*http.Response, error)) (*http.Response, string, error) {
	if key == nil {
		resp, err := fetch(ctx)
		if err != nil {
			return nil, domain.CacheStatusBypass, err
		}
		if err := bufferBody(resp); err != nil {
			return nil, domain.CacheStatusBypass, err
		}
		resp.Header.Set(CacheStatusHeader, domain.CacheStatusBypass)
		return resp, domain.CacheStatusBypass, nil
	}

	cacheKey := key.String()

	if entry, ok := f.cache.Get(ctx, cacheKey); ok {
		return entryToResponse(entry), domain.CacheStatusHit, nil
	}

	resp, err := fetch(ctx)
	if err != nil {
		return nil, domain.CacheStatusMiss, err
	}
	if err := bufferBody(resp); err != nil {
		return nil, domain.CacheStatusMiss, err
	}
	resp.Header.Set(CacheStatusHeader, domain.CacheStatusMiss)

	if ttl, ok := storableTTL(resp.Header.Get("Cache-Control")); ok && resp.ContentLength < maxCachedBodySize {
		entry := responseToEntry(resp)
		f.tasks.Go("edgecache.store", func(ctx context.Context) error {
			return f.cache.Set(ctx, cacheKey, entry, ttl)
		})
	}

	return resp, domain.CacheStatusMiss, nil
}

// DoToolCall executes an MCP-mediated tool call through the cache. The
// resolved cacheControl (not origin response headers) decides storability,
// since MCP results carry no transport headers of their own.
func (f *Fetcher) DoToolCall(ctx context.Context, key *cachekey.Key, cacheControl string, call func(context.Context) (*domain.McpToolCallResponse, error)) (*domain.McpToolCallResponse, string, error) {
	if key == nil {
		resp, err := call(ctx)
		return resp, domain.CacheStatusBypass, err
	}

	cacheKey := key.String()

	if entry, ok := f.cache.Get(ctx, cacheKey); ok {
		var resp domain.McpToolCallResponse
		if err := json.Unmarshal(entry.Body, &resp); err == nil {
			return &resp, domain.CacheStatusHit, nil
		}
		// Corrupt entry: fall through to the origin and overwrite.
	}

	resp, err := call(ctx)
	if err != nil {
		return nil, domain.CacheStatusMiss, err
	}

	if ttl, ok := storableTTL(cacheControl); ok && !resp.IsError {
		if body, err := json.Marshal(resp); err == nil {
			entry := &Entry{Status: http.StatusOK, Body: body, StoredAt: time.Now()}
			f.tasks.Go("edgecache.store_tool_call", func(ctx context.Context) error {
				return f.cache.Set(ctx, cacheKey, entry, ttl)
			})
		}
	}

	return resp, domain.CacheStatusMiss, nil
}

// storableTTL decides whether a cache-control value allows shared-cache
// storage and returns the TTL (s-maxage wins over max-age).
func storableTTL(cacheControl string) (time.Duration, bool) {
	if cacheControl == "" {
		return 0, false
	}

	var maxAge, sMaxAge int64 = -1, -1
	for _, directive := range strings.Split(strings.ToLower(cacheControl), ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch name {
		case "no-store", "no-cache", "private":
			return 0, false
		case "max-age":
			maxAge, _ = strconv.ParseInt(value, 10, 64)
		case "s-maxage":
			sMaxAge, _ = strconv.ParseInt(value, 10, 64)
		}
	}

	ttl := maxAge
	if sMaxAge >= 0 {
		ttl = sMaxAge
	}
	if ttl <= 0 {
		return 0, false
	}
	return time.Duration(ttl) * time.Second, true
}

func bufferBody(resp *http.Response) error {
	if resp.Body == nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return nil
}

func responseToEntry(resp *http.Response) *Entry {
	body, _ := io.ReadAll(resp.Body)
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header := resp.Header.Clone()
	header.Del(CacheStatusHeader)

	return &Entry{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now(),
	}
}

func entryToResponse(entry *Entry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheStatusHeader, domain.CacheStatusHit)
	header.Set("Age", strconv.FormatInt(int64(time.Since(entry.StoredAt).Seconds()), 10))

	return &http.Response{
		StatusCode:    entry.Status,
		Status:        http.StatusText(entry.Status),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
	}
}
