package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMetrics_FirstObservation(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		success      bool
		wantRate     float64
		wantFailures int
		wantErrors   int64
	}{
		{name: "success seeds full rate", success: true, wantRate: 100, wantFailures: 0, wantErrors: 0},
		{name: "failure seeds zero rate", success: false, wantRate: 0, wantFailures: 1, wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{Status: StatusActive}
			p.RecordHealth(now, 250, tt.success, "boom")

			require.NotNil(t, p.Health)
			assert.Equal(t, tt.wantRate, p.Health.SuccessRate)
			assert.Equal(t, tt.wantFailures, p.Health.ConsecutiveFailures)
			assert.Equal(t, tt.wantErrors, p.Health.ErrorCount)
			assert.Equal(t, 250.0, p.Health.ResponseTimeMs)
			assert.Equal(t, now, p.Health.LastCheck)
		})
	}
}

func TestHealthMetrics_AsymmetricSmoothing(t *testing.T) {
	now := time.Now()
	p := &Provider{Status: StatusActive}
	p.RecordHealth(now, 100, true, "")
	require.Equal(t, 100.0, p.Health.SuccessRate)

	want := []float64{95, 90, 85, 80, 75, 70}
	for i, rate := range want {
		p.RecordHealth(now, 100, false, "upstream timeout")
		assert.Equal(t, rate, p.Health.SuccessRate, "failure %d", i+1)
		assert.Equal(t, i+1, p.Health.ConsecutiveFailures, "failure %d", i+1)
	}
	assert.Equal(t, "upstream timeout", p.Health.LastError)

	p.RecordHealth(now, 100, true, "")
	assert.Equal(t, 0, p.Health.ConsecutiveFailures)
	assert.Equal(t, 71.0, p.Health.SuccessRate)
}

func TestHealthMetrics_RateIsClamped(t *testing.T) {
	now := time.Now()
	p := &Provider{Status: StatusActive}
	p.RecordHealth(now, 10, true, "")
	p.RecordHealth(now, 10, true, "")
	assert.Equal(t, 100.0, p.Health.SuccessRate)

	q := &Provider{Status: StatusActive}
	q.RecordHealth(now, 10, false, "x")
	q.RecordHealth(now, 10, false, "x")
	assert.Equal(t, 0.0, q.Health.SuccessRate)
}

func TestHealthMetrics_ResponseTimeSmoothing(t *testing.T) {
	now := time.Now()
	p := &Provider{}
	p.RecordHealth(now, 100, true, "")
	p.RecordHealth(now, 200, true, "")
	assert.InDelta(t, 110.0, p.Health.ResponseTimeMs, 1e-9)
	assert.InDelta(t, 100.0, p.Health.UptimePercentage, 1e-9)

	p.RecordHealth(now, 200, false, "x")
	assert.InDelta(t, 66.666, p.Health.UptimePercentage, 0.01)
}

func TestUsageMetrics_Record(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &Provider{}

	p.RecordUsage(start, 100, 0.02, 400)
	assert.Equal(t, int64(1), p.Usage.TotalRequests)
	assert.Equal(t, int64(1), p.Usage.SuccessfulRequests)
	assert.Equal(t, int64(100), p.Usage.TotalTokens)
	assert.InDelta(t, 0.02, p.Usage.TotalCost, 1e-12)
	assert.Equal(t, 400.0, p.Usage.AverageResponseTime)

	p.RecordUsage(start.Add(10*time.Second), 50, 0.01, 200)
	assert.InDelta(t, 380.0, p.Usage.AverageResponseTime, 1e-9)
	assert.Equal(t, int64(150), p.Usage.TotalTokens)
	assert.Equal(t, 2, p.Usage.RequestsPerMinute)

	p.RecordFailure(start.Add(2 * time.Minute))
	assert.Equal(t, int64(3), p.Usage.TotalRequests)
	assert.Equal(t, int64(1), p.Usage.FailedRequests)
	assert.Equal(t, int64(150), p.Usage.TotalTokens)
	assert.Equal(t, 1, p.Usage.RequestsPerMinute, "older requests fall out of the window")
	assert.Equal(t, start.Add(2*time.Minute), p.Usage.LastRequestTime)
}
