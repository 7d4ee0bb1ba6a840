package engine

import "context"

const healthQuery = `{ health }`

// HealthResult is the outcome of a health probe. Err explains an unhealthy
// result when the engine could not be asked.
type HealthResult struct {
	Healthy bool
	Err     error
}

// Probe asks the org's engine whether it is healthy.
func (c *Client) Probe(ctx context.Context, orgID string) HealthResult {
	host, err := c.host(ctx, orgID)
	if err != nil {
		return HealthResult{Err: err}
	}
	var data struct {
		Health bool `json:"health"`
	}
	if err := c.query(ctx, host, "health", healthQuery, &data); err != nil {
		c.logger.Debug("engine health probe failed", "org_id", orgID, "host", host, "err", err)
		return HealthResult{Err: err}
	}
	return HealthResult{Healthy: data.Health}
}

// CheckHealth reports whether the org's engine is healthy. Any failure to ask
// counts as unhealthy.
func (c *Client) CheckHealth(ctx context.Context, orgID string) bool {
	return c.Probe(ctx, orgID).Healthy
}
