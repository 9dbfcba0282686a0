package policy

import (
	"strings"
	"testing"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func deployment(tools []domain.Tool, configs []domain.ToolConfig, plans []domain.PricingPlan) *domain.Deployment {
	return &domain.Deployment{
		ID:           "depl_1",
		Identifier:   "owner/project@latest",
		Tools:        tools,
		ToolConfigs:  configs,
		PricingPlans: plans,
	}
}

var echoTool = domain.Tool{Name: "echo"}

func planWithRequests(slug string, rl *domain.RateLimit) domain.PricingPlan {
	return domain.PricingPlan{
		Slug: slug,
		LineItems: []domain.PricingPlanLineItem{
			{Slug: domain.LineItemSlugRequests, RateLimit: rl},
		},
	}
}

func TestResolve_PlanDefaults(t *testing.T) {
	rl := &domain.RateLimit{Interval: 60, MaxPerInterval: 100}
	plan := planWithRequests("pro", rl)
	d := deployment([]domain.Tool{echoTool}, nil, []domain.PricingPlan{plan})

	got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &plan})
	if !got.Enabled {
		t.Error("tool should default to enabled")
	}
	if !got.ReportUsage {
		t.Error("plan with requests line item should report usage")
	}
	if got.RateLimit != rl {
		t.Errorf("rate limit = %+v, want plan line-item limit", got.RateLimit)
	}
}

func TestResolve_NoRequestsLineItem(t *testing.T) {
	plan := domain.PricingPlan{Slug: "free", LineItems: []domain.PricingPlanLineItem{{Slug: "base"}}}
	d := deployment([]domain.Tool{echoTool}, nil, []domain.PricingPlan{plan})

	got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &plan})
	if got.ReportUsage {
		t.Error("plan without requests line item must never report usage")
	}
	if got.RateLimit != nil {
		t.Error("plan without requests line item carries no plan rate limit")
	}
}

func TestResolve_AnonymousNoPlan(t *testing.T) {
	toolRL := &domain.RateLimit{Interval: 10, MaxPerInterval: 5}
	d := deployment(
		[]domain.Tool{echoTool},
		[]domain.ToolConfig{{Name: "echo", RateLimit: toolRL}},
		nil,
	)

	got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: nil})
	if got.ReportUsage {
		t.Error("no plan means no usage reporting")
	}
	if got.RateLimit != toolRL {
		t.Error("rate limit should come only from tool-level config")
	}
}

func TestResolve_ToolConfigOverrides(t *testing.T) {
	plan := planWithRequests("pro", &domain.RateLimit{Interval: 60, MaxPerInterval: 100})
	toolRL := &domain.RateLimit{Interval: 30, MaxPerInterval: 10}
	d := deployment(
		[]domain.Tool{echoTool},
		[]domain.ToolConfig{{
			Name:        "echo",
			ReportUsage: boolPtr(false),
			RateLimit:   toolRL,
		}},
		[]domain.PricingPlan{plan},
	)

	got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &plan})
	if got.ReportUsage {
		t.Error("tool-level reportUsage=false should win over plan default")
	}
	if got.RateLimit != toolRL {
		t.Error("tool-level rate limit should win over plan default")
	}
}

// A tool disabled at tool level but explicitly enabled for one plan is
// callable on that plan only.
func TestResolve_PlanOverridePrecedence(t *testing.T) {
	pro := planWithRequests("pro", nil)
	free := planWithRequests("free", nil)
	d := deployment(
		[]domain.Tool{echoTool},
		[]domain.ToolConfig{{
			Name:    "echo",
			Enabled: boolPtr(false),
			PricingPlanConfig: map[string]domain.PricingPlanToolOverride{
				"pro": {Enabled: boolPtr(true)},
			},
		}},
		[]domain.PricingPlan{pro, free},
	)

	if got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &pro}); !got.Enabled {
		t.Error("plan-level enabled=true must override tool-level disable")
	}
	if got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &free}); got.Enabled {
		t.Error("other plans still see the tool disabled")
	}
	if got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: nil}); got.Enabled {
		t.Error("anonymous callers still see the tool disabled")
	}
}

// A plan override object may exist but leave fields nil; nil inherits the
// tool-level flag instead of disabling.
func TestResolve_PlanOverrideNilFieldsInherit(t *testing.T) {
	pro := planWithRequests("pro", nil)
	planRL := &domain.RateLimit{Interval: 5, MaxPerInterval: 2}
	d := deployment(
		[]domain.Tool{echoTool},
		[]domain.ToolConfig{{
			Name: "echo",
			PricingPlanConfig: map[string]domain.PricingPlanToolOverride{
				"pro": {RateLimit: planRL}, // Enabled and ReportUsage nil
			},
		}},
		[]domain.PricingPlan{pro},
	)

	got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &pro})
	if !got.Enabled {
		t.Error("nil plan-level enabled must inherit, not disable")
	}
	if !got.ReportUsage {
		t.Error("nil plan-level reportUsage must inherit the plan default")
	}
	if got.RateLimit != planRL {
		t.Error("plan-specific rate limit should win")
	}

	// Plan-level enabled=false always disables regardless of tool level.
	d.ToolConfigs[0].Enabled = boolPtr(true)
	d.ToolConfigs[0].PricingPlanConfig["pro"] = domain.PricingPlanToolOverride{Enabled: boolPtr(false)}
	if got := Resolve(Input{Deployment: d, Tool: &echoTool, PricingPlan: &pro}); got.Enabled {
		t.Error("plan-level enabled=false must always disable")
	}
}

func TestResolve_CacheControl(t *testing.T) {
	d := deployment(
		[]domain.Tool{echoTool, {Name: "pure_tool"}, {Name: "configured"}},
		[]domain.ToolConfig{
			{Name: "pure_tool", Pure: true},
			{Name: "configured", CacheControl: "public, max-age=60"},
		},
		nil,
	)

	got := Resolve(Input{Deployment: d, Tool: &echoTool})
	if got.CacheControl != "no-store" {
		t.Errorf("default cache-control = %q, want no-store", got.CacheControl)
	}

	got = Resolve(Input{Deployment: d, Tool: d.Tool("pure_tool")})
	if !strings.Contains(got.CacheControl, "public") || !strings.Contains(got.CacheControl, "stale-while-revalidate") {
		t.Errorf("pure tool cache-control = %q", got.CacheControl)
	}

	got = Resolve(Input{Deployment: d, Tool: d.Tool("configured")})
	if got.CacheControl != "public, max-age=60" {
		t.Errorf("configured cache-control = %q", got.CacheControl)
	}

	got = Resolve(Input{Deployment: d, Tool: d.Tool("pure_tool"), RequestCacheControl: "no-store"})
	if got.CacheControl != "no-store" {
		t.Error("caller-supplied cache-control must win")
	}
}
