package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

var pathPlaceholderRe = regexp.MustCompile(`\{[^}]+\}`)

func isBodyBearingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// BuildOpenAPIRequest assembles an outbound origin request from validated
// tool-call args and the tool's operation description. Args are routed to
// path, query, body, form or header positions per the operation's parameter
// source map; args the operation does not name go to the body (body-bearing
// methods) or the query string, unless additional properties are disallowed.
func BuildOpenAPIRequest(ctx context.Context, d *domain.Deployment, c *domain.Consumer, tool *domain.Tool, args domain.ToolCallArgs, allowAdditional bool) (*http.Request, error) {
	op, ok := d.Origin.Operations[tool.Name]
	if !ok {
		return nil, domain.NewError(domain.KindMisconfiguredDeployment,
			"no openapi operation registered for tool %q", tool.Name)
	}

	method := strings.ToUpper(op.Method)
	path := op.Path
	query := url.Values{}
	form := url.Values{}
	bodyFields := map[string]any{}
	headers := http.Header{}

	for name, value := range args {
		source, known := op.ParameterSources[name]
		if !known {
			if !allowAdditional {
				return nil, domain.NewError(domain.KindValidation,
					"unexpected argument %q for tool %q", name, tool.Name)
			}
			if isBodyBearingMethod(method) {
				bodyFields[name] = value
			} else {
				query.Set(name, stringifyArg(value))
			}
			continue
		}

		switch source {
		case domain.ParameterSourcePath:
			placeholder := "{" + name + "}"
			if !strings.Contains(path, placeholder) {
				return nil, domain.NewError(domain.KindMisconfiguredDeployment,
					"operation path %q does not declare path parameter %q", op.Path, name)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(stringifyArg(value)))
		case domain.ParameterSourceQuery:
			query.Set(name, stringifyArg(value))
		case domain.ParameterSourceBody:
			bodyFields[name] = value
		case domain.ParameterSourceFormData:
			form.Set(name, stringifyArg(value))
		case domain.ParameterSourceHeader:
			headers.Set(name, stringifyArg(value))
		case domain.ParameterSourceCookie:
			return nil, domain.NewError(domain.KindMisconfiguredDeployment,
				"tool %q uses a cookie parameter %q; cookie parameters are not supported, use a header or query parameter instead", tool.Name, name)
		default:
			return nil, domain.NewError(domain.KindMisconfiguredDeployment,
				"unknown parameter source %q for %q", source, name)
		}
	}

	// A leftover placeholder means a declared path parameter was never
	// supplied: a required arg missing is the caller's fault, an undeclared
	// one is the deployment's.
	if leftover := pathPlaceholderRe.FindString(path); leftover != "" {
		name := strings.Trim(leftover, "{}")
		if _, declared := op.ParameterSources[name]; declared {
			return nil, domain.NewError(domain.KindValidation,
				"missing required path parameter %q for tool %q", name, tool.Name)
		}
		return nil, domain.NewError(domain.KindMisconfiguredDeployment,
			"operation path %q has an undeclared placeholder %q", op.Path, leftover)
	}

	target := strings.TrimRight(d.Origin.URL, "/") + "/" + strings.TrimLeft(path, "/")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body []byte
	contentType := ""
	switch {
	case len(form) > 0:
		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case len(bodyFields) > 0 || isBodyBearingMethod(method):
		var err error
		body, err = json.Marshal(bodyFields)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "failed to serialize request body")
		}
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError(domain.KindMisconfiguredDeployment, err,
			"invalid origin url for deployment %s", d.Identifier)
	}

	for name, values := range headers {
		req.Header[name] = values
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	injectIdentityHeaders(req.Header, d, c)
	return req, nil
}

// stringifyArg renders an arg value for a query, path, form or header
// position. Strings pass through unquoted; everything else is JSON.
func stringifyArg(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
