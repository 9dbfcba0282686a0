package cachekey

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://Example.com", "https://example.com"},
		{"https://x.com/foo/", "https://x.com/foo"},
		{"https://x.com/?b=2&a=1", "https://x.com/?a=1&b=2"},
		{"https://x.com//a//b", "https://x.com/a/b"},
		{"https://x.com/%7Efoo/", "https://x.com/~foo"},
		{"https://x.com./foo", "https://x.com/foo"},
		{"http://X.com/a?z=1&a=2&m=3", "https://x.com/a?a=2&m=3&z=1"},
	}

	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	urls := []string{
		"http://Example.com",
		"https://x.com/foo/",
		"https://x.com/?b=2&a=1",
		"https://x.com//a//b",
		"https://x.com/%7Efoo/",
	}

	for _, u := range urls {
		once, err := NormalizeURL(u)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", u, err)
		}
		twice, err := NormalizeURL(once)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("normalize not idempotent for %q: %q != %q", u, once, twice)
		}
	}
}

func TestNormalize_Directives(t *testing.T) {
	tests := []struct {
		name      string
		header    map[string]string
		cacheable bool
	}{
		{"public", map[string]string{"Cache-Control": "public, max-age=60"}, true},
		{"no cache-control", nil, false},
		{"no-store", map[string]string{"Cache-Control": "public, no-store"}, false},
		{"no-cache", map[string]string{"Cache-Control": "no-cache"}, false},
		{"private", map[string]string{"Cache-Control": "private, max-age=60"}, false},
		{"max-age only", map[string]string{"Cache-Control": "max-age=60"}, false},
		{"pragma", map[string]string{"Cache-Control": "public", "Pragma": "no-cache"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "https://origin.example.com/tool", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			key := Normalize(r, nil)
			if (key != nil) != tt.cacheable {
				t.Errorf("cacheable = %v, want %v", key != nil, tt.cacheable)
			}
		})
	}
}

func TestNormalize_PostRewritesToGet(t *testing.T) {
	body := []byte(`{"b":2,"a":1}`)
	r := httptest.NewRequest("POST", "https://origin.example.com/tool", nil)
	r.Header.Set("Cache-Control", "public")
	r.Header.Set("Content-Type", "application/json")

	key := Normalize(r, body)
	if key == nil {
		t.Fatal("expected cacheable key")
	}
	if key.Method != "GET" {
		t.Errorf("method = %q, want GET", key.Method)
	}
	if !strings.Contains(key.URL, "x-agentic-cache-key=") {
		t.Errorf("URL missing synthetic hash param: %q", key.URL)
	}

	// Key order inside the JSON body must not matter.
	r2 := httptest.NewRequest("POST", "https://origin.example.com/tool", nil)
	r2.Header.Set("Cache-Control", "public")
	r2.Header.Set("Content-Type", "application/json")
	key2 := Normalize(r2, []byte(`{"a":1,"b":2}`))
	if key2 == nil || key2.URL != key.URL {
		t.Errorf("canonical JSON hash mismatch: %v vs %v", key, key2)
	}
}

func TestNormalize_BodyCeiling(t *testing.T) {
	r := httptest.NewRequest("POST", "https://origin.example.com/tool", nil)
	r.Header.Set("Cache-Control", "public")

	big := make([]byte, 10_000)
	if key := Normalize(r, big); key != nil {
		t.Error("bodies at the ceiling must not be cached")
	}
	if key := Normalize(r, big[:9_999]); key == nil {
		t.Error("bodies under the ceiling should be cacheable")
	}
}

func TestNormalize_HeaderAllowList(t *testing.T) {
	r := httptest.NewRequest("GET", "https://origin.example.com/tool", nil)
	r.Header.Set("Cache-Control", "public")
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Cookie", "session=1")
	r.Header.Set("Mcp-Session-Id", "abc")

	key := Normalize(r, nil)
	if key == nil {
		t.Fatal("expected cacheable key")
	}
	if key.Header.Get("Authorization") != "" || key.Header.Get("Cookie") != "" {
		t.Error("cache key must not vary on caller credentials")
	}
	if key.Header.Get("Cache-Control") == "" || key.Header.Get("Content-Type") == "" || key.Header.Get("Mcp-Session-Id") == "" {
		t.Error("allow-listed headers should survive")
	}

	s := key.String()
	if strings.Contains(s, "Bearer secret") {
		t.Errorf("rendered key leaks credentials: %q", s)
	}
}

func TestNormalize_UnsupportedMethod(t *testing.T) {
	r := httptest.NewRequest("DELETE", "https://origin.example.com/tool", nil)
	r.Header.Set("Cache-Control", "public")
	if key := Normalize(r, nil); key != nil {
		t.Error("DELETE must never be cached")
	}
}
