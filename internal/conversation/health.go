package conversation

import (
	"context"

	"github.com/n0madic/go-responses/internal/limits"
	"github.com/n0madic/go-responses/internal/types"
)

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthMock      = "mock"
)

// healthMaxOutputTokens is the smallest output budget the endpoint accepts.
const healthMaxOutputTokens = 16

// HealthReport is the outcome of a health probe.
type HealthReport struct {
	Status         string                 `json:"status"`
	ResponseTimeMs int64                  `json:"responseTimeMs"`
	Model          string                 `json:"model"`
	Error          string                 `json:"error,omitempty"`
	RateLimit      *limits.StoredSnapshot `json:"rateLimit,omitempty"`
}

// CheckHealth sends the cheapest possible request and reports how it went.
// Failures are reported in the result, never returned.
func (c *Client) CheckHealth(ctx context.Context) HealthReport {
	model := c.cfg.HealthModelOrDefault()
	report := HealthReport{Model: model}

	start := c.now()
	payload, err := c.buildPayload("conversation.health", types.Message{Input: types.TextInput("ping")}, Options{
		Model:           model,
		MaxOutputTokens: healthMaxOutputTokens,
	})
	if err == nil {
		_, err = c.create(ctx, "health", payload, 0)
	}
	report.ResponseTimeMs = c.now().Sub(start).Milliseconds()
	report.RateLimit = c.limits.Latest()

	switch {
	case c.mock:
		report.Status = HealthMock
	case err != nil:
		report.Status = HealthUnhealthy
		report.Error = err.Error()
	default:
		report.Status = HealthHealthy
	}
	c.logger.Debug("responses.health", "status", report.Status, "elapsed_ms", report.ResponseTimeMs)
	return report
}
