// Package identifier parses gateway request paths into a deployment
// identifier and a tool name. Parsing is pure; resolution against the
// management API happens elsewhere.
package identifier

import (
	"strings"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// ParsedToolPath is the result of splitting a request path.
type ParsedToolPath struct {
	// DeploymentIdentifier addresses a published deployment, e.g.
	// "owner/project", "@owner/project@latest" or "owner/project@01234abc".
	DeploymentIdentifier string

	// ToolName is the final path segment.
	ToolName string
}

// ParseToolPath splits a URL path into deployment identifier and tool name.
// The tool name is the final segment; everything preceding it addresses the
// deployment. Supports versioned forms like "@owner/project@1.2.3/tool".
func ParseToolPath(path string) (*ParsedToolPath, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, domain.NewError(domain.KindInvalidIdentifier, "empty deployment identifier")
	}

	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return nil, domain.NewError(domain.KindInvalidIdentifier,
			"invalid identifier %q: expected <deployment>/<tool>", trimmed)
	}

	deploymentID := trimmed[:idx]
	toolName := trimmed[idx+1:]

	if toolName == "" {
		return nil, domain.NewError(domain.KindInvalidIdentifier,
			"invalid identifier %q: empty tool name", trimmed)
	}
	if err := validateDeploymentIdentifier(deploymentID); err != nil {
		return nil, err
	}

	return &ParsedToolPath{
		DeploymentIdentifier: deploymentID,
		ToolName:             toolName,
	}, nil
}

// ParseDeploymentPath parses a path that addresses a deployment without a
// tool segment (the MCP transport entry point).
func ParseDeploymentPath(path string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if err := validateDeploymentIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

func validateDeploymentIdentifier(id string) error {
	if id == "" {
		return domain.NewError(domain.KindInvalidIdentifier, "empty deployment identifier")
	}

	// Identifiers are <owner>/<project> with an optional leading "@" and an
	// optional "@<version-or-hash>" suffix on the project.
	name := strings.TrimPrefix(id, "@")
	owner, project, ok := strings.Cut(name, "/")
	if !ok || owner == "" || project == "" {
		return domain.NewError(domain.KindInvalidIdentifier,
			"invalid deployment identifier %q", id)
	}
	if strings.Contains(project, "/") {
		return domain.NewError(domain.KindInvalidIdentifier,
			"invalid deployment identifier %q", id)
	}
	if base, version, versioned := strings.Cut(project, "@"); versioned && (base == "" || version == "") {
		return domain.NewError(domain.KindInvalidIdentifier,
			"invalid deployment identifier %q", id)
	}
	return nil
}
