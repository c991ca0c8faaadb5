package registry

import (
	"math"
	"time"
)

const (
	// smoothingFactor weights the newest observation in the rolling averages
	smoothingFactor = 0.1

	successRecovery = 1.0
	failurePenalty  = 5.0

	rpmWindow = time.Minute
)

// HealthMetrics holds the rolling reliability indicators for a provider.
// It is created by the first health update.
type HealthMetrics struct {
	LastCheck           time.Time `json:"last_check"`
	ResponseTimeMs      float64   `json:"response_time_ms"`
	SuccessRate         float64   `json:"success_rate"`
	ErrorCount          int64     `json:"error_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UptimePercentage    float64   `json:"uptime_percentage"`
	LastError           string    `json:"last_error,omitempty"`

	totalChecks   int64
	successChecks int64
}

// UsageMetrics accumulates call accounting for a provider
type UsageMetrics struct {
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	TotalTokens         int64     `json:"total_tokens"`
	TotalCost           float64   `json:"total_cost"`
	AverageResponseTime float64   `json:"average_response_time_ms"`
	RequestsPerMinute   int       `json:"requests_per_minute"`
	LastRequestTime     time.Time `json:"last_request_time,omitempty"`

	recent []time.Time
}

func smooth(old, observed float64) float64 {
	return (1-smoothingFactor)*old + smoothingFactor*observed
}

// newHealthMetrics seeds metrics from the first observation
func newHealthMetrics(now time.Time, responseTimeMs float64, success bool, errMsg string) *HealthMetrics {
	h := &HealthMetrics{
		LastCheck:      now,
		ResponseTimeMs: responseTimeMs,
		totalChecks:    1,
	}
	if success {
		h.SuccessRate = 100
		h.successChecks = 1
		h.UptimePercentage = 100
	} else {
		h.ConsecutiveFailures = 1
		h.ErrorCount = 1
		h.LastError = errMsg
	}
	return h
}

func (h *HealthMetrics) record(now time.Time, responseTimeMs float64, success bool, errMsg string) {
	h.ResponseTimeMs = smooth(h.ResponseTimeMs, responseTimeMs)
	h.totalChecks++
	if success {
		h.successChecks++
		h.ConsecutiveFailures = 0
		h.SuccessRate = math.Min(100, h.SuccessRate+successRecovery)
	} else {
		h.ConsecutiveFailures++
		h.ErrorCount++
		h.LastError = errMsg
		h.SuccessRate = math.Max(0, h.SuccessRate-failurePenalty)
	}
	h.UptimePercentage = float64(h.successChecks) / float64(h.totalChecks) * 100
	h.LastCheck = now
}

func (h *HealthMetrics) clone() *HealthMetrics {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

func (u *UsageMetrics) record(now time.Time, tokens int64, cost, responseTimeMs float64) {
	if u.SuccessfulRequests == 0 {
		u.AverageResponseTime = responseTimeMs
	} else {
		u.AverageResponseTime = smooth(u.AverageResponseTime, responseTimeMs)
	}
	u.TotalRequests++
	u.SuccessfulRequests++
	u.TotalTokens += tokens
	u.TotalCost += cost
	u.touch(now)
}

func (u *UsageMetrics) recordFailure(now time.Time) {
	u.TotalRequests++
	u.FailedRequests++
	u.touch(now)
}

func (u *UsageMetrics) touch(now time.Time) {
	u.LastRequestTime = now
	cutoff := now.Add(-rpmWindow)
	kept := u.recent[:0]
	for _, t := range u.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.recent = append(kept, now)
	u.RequestsPerMinute = len(u.recent)
}

func (u UsageMetrics) clone() UsageMetrics {
	c := u
	c.recent = append([]time.Time(nil), u.recent...)
	return c
}
