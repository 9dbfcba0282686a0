// Package policy resolves the effective per-call gateway policy by merging
// pricing-plan defaults, tool-level config, and plan-specific tool
// overrides. Resolution is a pure function so the precedence rules can be
// tested away from HTTP plumbing.
package policy

import (
	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// pureCacheControl is the default cache policy for tools marked pure: cache
// aggressively, allow brief staleness during revalidation.
const pureCacheControl = "public, max-age=31560000, s-maxage=31560000, stale-while-revalidate=3600"

// Resolved is the effective policy for one tool call.
type Resolved struct {
	// Enabled is false when any resolved level disables the tool; the call
	// must fail with 403 before reaching the origin.
	Enabled bool

	// ReportUsage controls whether a billable usage event is emitted.
	ReportUsage bool

	// RateLimit to enforce, or nil for unlimited.
	RateLimit *domain.RateLimit

	// CacheControl is the effective cache-control for the origin request.
	CacheControl string
}

// Input bundles everything resolution depends on.
type Input struct {
	Deployment *domain.Deployment
	Tool       *domain.Tool

	// PricingPlan is the caller's plan; nil for anonymous callers of a
	// project without a free plan.
	PricingPlan *domain.PricingPlan

	// RequestCacheControl is the cache-control supplied by the caller, empty
	// when absent.
	RequestCacheControl string
}

// Resolve merges the configuration layers. Later layers win:
//
//  1. plan default: report usage and rate-limit via the plan's "requests"
//     line item; a plan without one never bills and carries no plan limit
//  2. tool-level config
//  3. plan-specific tool overrides (nil fields inherit, they never disable)
func Resolve(in Input) Resolved {
	out := Resolved{Enabled: true}

	if item := in.PricingPlan.RequestsLineItem(); item != nil {
		out.ReportUsage = true
		out.RateLimit = item.RateLimit
	}

	toolConfig := in.Deployment.ToolConfig(in.Tool.Name)
	if toolConfig != nil {
		out.Enabled = toolConfig.IsEnabled()
		if toolConfig.ReportUsage != nil {
			out.ReportUsage = *toolConfig.ReportUsage
		}
		if toolConfig.RateLimit != nil {
			out.RateLimit = toolConfig.RateLimit
		}
	}

	out.CacheControl = resolveCacheControl(in.RequestCacheControl, toolConfig)

	if toolConfig != nil && in.PricingPlan != nil {
		if override, ok := toolConfig.PricingPlanConfig[in.PricingPlan.Slug]; ok {
			if override.Enabled != nil {
				out.Enabled = *override.Enabled
			}
			if override.ReportUsage != nil {
				out.ReportUsage = *override.ReportUsage
			}
			if override.RateLimit != nil {
				out.RateLimit = override.RateLimit
			}
		}
	}

	return out
}

// resolveCacheControl keeps a caller-supplied cache-control untouched and
// derives a default otherwise.
func resolveCacheControl(requestCacheControl string, toolConfig *domain.ToolConfig) string {
	if requestCacheControl != "" {
		return requestCacheControl
	}
	if toolConfig != nil {
		if toolConfig.CacheControl != "" {
			return toolConfig.CacheControl
		}
		if toolConfig.Pure {
			return pureCacheControl
		}
	}
	return "no-store"
}
