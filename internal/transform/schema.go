package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// validateAgainstSchema checks document against a JSON schema. When
// allowAdditional is false, top-level additionalProperties are rejected even
// if the schema itself is silent about them.
func validateAgainstSchema(schema json.RawMessage, document any, allowAdditional bool) error {
	effective, err := effectiveSchema(schema, allowAdditional)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(effective),
		gojsonschema.NewGoLoader(document),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return fmt.Errorf("%s", strings.Join(issues, "; "))
}

// effectiveSchema pins additionalProperties=false on object schemas when the
// tool config disallows extras and the schema does not already decide.
func effectiveSchema(schema json.RawMessage, allowAdditional bool) (json.RawMessage, error) {
	if allowAdditional {
		return schema, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if doc["type"] != "object" {
		return schema, nil
	}
	if _, decided := doc["additionalProperties"]; decided {
		return schema, nil
	}

	doc["additionalProperties"] = false
	return json.Marshal(doc)
}

// ValidateToolCallArgs validates caller-supplied args against the tool's
// input schema. Failures are client errors.
func ValidateToolCallArgs(tool *domain.Tool, args domain.ToolCallArgs, allowAdditional bool) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	if err := validateAgainstSchema(tool.InputSchema, map[string]any(args), allowAdditional); err != nil {
		return domain.NewError(domain.KindValidation,
			"invalid arguments for tool %q: %s", tool.Name, err)
	}
	return nil
}

// validateToolOutput validates an origin-produced result against the tool's
// output schema. Failures are upstream errors, the origin broke its own
// declared contract.
func validateToolOutput(tool *domain.Tool, output any, allowAdditional bool) error {
	if len(tool.OutputSchema) == 0 {
		return nil
	}
	if err := validateAgainstSchema(tool.OutputSchema, output, allowAdditional); err != nil {
		return domain.NewError(domain.KindOriginError,
			"tool %q returned a response that does not match its output schema: %s", tool.Name, err)
	}
	return nil
}
