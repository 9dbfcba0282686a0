package identifier

import (
	"testing"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

func TestParseToolPath(t *testing.T) {
	tests := []struct {
		path       string
		deployment string
		tool       string
	}{
		{"/owner/project/search", "owner/project", "search"},
		{"owner/project/search", "owner/project", "search"},
		{"/@owner/project/search", "@owner/project", "search"},
		{"/@owner/project@latest/get_weather", "@owner/project@latest", "get_weather"},
		{"/owner/project@0123abcd/echo", "owner/project@0123abcd", "echo"},
		{"/owner/project@1.2.3/echo/", "owner/project@1.2.3", "echo"},
	}

	for _, tt := range tests {
		parsed, err := ParseToolPath(tt.path)
		if err != nil {
			t.Fatalf("ParseToolPath(%q): unexpected error: %v", tt.path, err)
		}
		if parsed.DeploymentIdentifier != tt.deployment {
			t.Errorf("ParseToolPath(%q): deployment = %q, want %q", tt.path, parsed.DeploymentIdentifier, tt.deployment)
		}
		if parsed.ToolName != tt.tool {
			t.Errorf("ParseToolPath(%q): tool = %q, want %q", tt.path, parsed.ToolName, tt.tool)
		}
	}
}

func TestParseToolPath_Invalid(t *testing.T) {
	paths := []string{
		"",
		"/",
		"/search",
		"/owner//search",
		"/owner/project@/search",
		"/@/project/search",
	}

	for _, path := range paths {
		_, err := ParseToolPath(path)
		if err == nil {
			t.Errorf("ParseToolPath(%q): expected error", path)
			continue
		}
		if !domain.IsKind(err, domain.KindInvalidIdentifier) {
			t.Errorf("ParseToolPath(%q): kind = %v, want invalid_identifier", path, domain.AsError(err).Kind)
		}
		if domain.StatusOf(err) != 404 {
			t.Errorf("ParseToolPath(%q): status = %d, want 404", path, domain.StatusOf(err))
		}
	}
}

func TestParseDeploymentPath(t *testing.T) {
	id, err := ParseDeploymentPath("/@owner/project@latest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "@owner/project@latest" {
		t.Errorf("id = %q", id)
	}

	if _, err := ParseDeploymentPath("/justoneword"); err == nil {
		t.Error("expected error for identifier without owner segment")
	}
}
