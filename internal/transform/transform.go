// Package transform converts origin results between the HTTP and MCP
// protocol shapes and enforces declared output schemas at the boundary.
// Origin failures are converted, never re-thrown: an MCP caller always
// receives a well-formed tool-call response.
package transform

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

const maxErrorBodySize = 4096

// HTTPResponseToToolResult converts an origin HTTP response into an MCP
// tool-call response. Non-2xx responses and schema violations come back as
// origin errors for the orchestrator to shape per caller protocol.
func HTTPResponseToToolResult(tool *domain.Tool, allowAdditional bool, resp *http.Response) (*domain.McpToolCallResponse, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, domain.WrapError(domain.KindOriginError, err,
			"failed reading origin response for tool %q", tool.Name)
	}

	if resp.StatusCode >= 400 {
		return nil, domain.NewError(domain.KindOriginError,
			"tool %q origin returned %d: %s", tool.Name, resp.StatusCode, errorSnippet(body))
	}

	mediaType := responseMediaType(resp)

	if len(tool.OutputSchema) > 0 {
		if !isJSONMediaType(mediaType) {
			return nil, domain.NewError(domain.KindOriginError,
				"tool %q declares an output schema but origin returned %q instead of json", tool.Name, mediaType)
		}
		var structured any
		if err := json.Unmarshal(body, &structured); err != nil {
			return nil, domain.WrapError(domain.KindOriginError, err,
				"tool %q origin returned invalid json", tool.Name)
		}
		if err := validateToolOutput(tool, structured, allowAdditional); err != nil {
			return nil, err
		}
		return &domain.McpToolCallResponse{StructuredContent: structured}, nil
	}

	switch {
	case isJSONMediaType(mediaType):
		var structured any
		if err := json.Unmarshal(body, &structured); err != nil {
			return nil, domain.WrapError(domain.KindOriginError, err,
				"tool %q origin returned invalid json", tool.Name)
		}
		return &domain.McpToolCallResponse{StructuredContent: structured}, nil

	case strings.HasPrefix(mediaType, "text/"):
		return &domain.McpToolCallResponse{
			Content: []domain.McpContent{{Type: "text", Text: string(body)}},
		}, nil

	default:
		return &domain.McpToolCallResponse{
			Content: []domain.McpContent{{
				Type:     binaryContentType(mediaType),
				Data:     base64.StdEncoding.EncodeToString(body),
				MimeType: mediaType,
			}},
		}, nil
	}
}

// ValidateToolResult applies output-schema enforcement to a native MCP
// origin result. An isError result skips validation, error shapes are not
// bound by the success schema.
func ValidateToolResult(tool *domain.Tool, allowAdditional bool, resp *domain.McpToolCallResponse) error {
	if resp.IsError || len(tool.OutputSchema) == 0 {
		return nil
	}
	if resp.StructuredContent == nil {
		return domain.NewError(domain.KindOriginError,
			"tool %q declares an output schema but origin returned no structured content", tool.Name)
	}
	return validateToolOutput(tool, resp.StructuredContent, allowAdditional)
}

// ToolResultToHTTPBody derives the JSON body an HTTP caller receives from an
// MCP tool-call response. Structured content wins; otherwise a single text
// block is returned verbatim as text, and anything else as the content list.
func ToolResultToHTTPBody(resp *domain.McpToolCallResponse) (body []byte, contentType string, err error) {
	if resp.StructuredContent != nil {
		body, err = json.Marshal(resp.StructuredContent)
		return body, "application/json", err
	}

	if len(resp.Content) == 1 && resp.Content[0].Type == "text" {
		return []byte(resp.Content[0].Text), "text/plain; charset=utf-8", nil
	}

	body, err = json.Marshal(resp.Content)
	return body, "application/json", err
}

// ToolErrorResult shapes an origin-side error as an isError tool-call
// response so MCP callers never see a transport failure for origin faults.
func ToolErrorResult(err error) *domain.McpToolCallResponse {
	return &domain.McpToolCallResponse{
		IsError: true,
		Content: []domain.McpContent{{Type: "text", Text: err.Error()}},
	}
}

func responseMediaType(resp *http.Response) string {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func binaryContentType(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "image"
	case strings.HasPrefix(mediaType, "audio/"):
		return "audio"
	default:
		return "resource"
	}
}

func errorSnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodySize {
		s = s[:maxErrorBodySize]
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
