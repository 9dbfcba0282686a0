// Package usage records one analytics data point per tool call and drives
// the side effects of a completed call: consumer activation and metered
// billing. Everything here runs off the response path.
package usage

import (
	"strconv"
	"time"
)

// Request modes recorded as the requestMode dimension.
const (
	RequestModeHTTP = "http"
	RequestModeMCP  = "mcp"
)

// Record is one analytics data point. The dimension and measure layouts are
// order-significant; downstream consumers index by position.
type Record struct {
	// Dimensions.
	ProjectID          string
	DeploymentID       string
	ToolName           string
	RequestMode        string
	SessionKey         string // caller ip or mcp session id
	ConsumerID         string
	Plan               string
	SubscriptionStatus string
	RateLimitPassed    *bool
	CacheStatus        string
	ResponseStatus     int

	// Measures.
	OriginTimespanMs int64
	RequestBytes     int64
	ResponseBytes    int64
	BilledCost       float64

	RecordedAt time.Time
}

// Dimensions returns the fixed-order dimension tuple.
func (r *Record) Dimensions() []string {
	rateLimitPassed := ""
	if r.RateLimitPassed != nil {
		rateLimitPassed = strconv.FormatBool(*r.RateLimitPassed)
	}
	return []string{
		r.ProjectID,
		r.DeploymentID,
		r.ToolName,
		r.RequestMode,
		r.SessionKey,
		r.ConsumerID,
		r.Plan,
		r.SubscriptionStatus,
		rateLimitPassed,
		r.CacheStatus,
		strconv.Itoa(r.ResponseStatus),
	}
}

// TotalBytes is the derived requestBytes+responseBytes measure.
func (r *Record) TotalBytes() int64 {
	return r.RequestBytes + r.ResponseBytes
}

// Measures returns the fixed-order measure tuple.
func (r *Record) Measures() []float64 {
	return []float64{
		float64(r.OriginTimespanMs),
		float64(r.RequestBytes),
		float64(r.ResponseBytes),
		float64(r.TotalBytes()),
		r.BilledCost,
	}
}
