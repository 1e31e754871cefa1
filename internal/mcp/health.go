package mcp

import (
	"context"
	"net/http"
	"time"
)

const probeTimeout = 5 * time.Second

// Probe sends a HEAD request to url. Any 2xx answer counts as connected.
func Probe(ctx context.Context, c *http.Client, url string) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	status := HealthStatus{CheckedAt: start}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp, err := c.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp.Body.Close()

	status.ResponseTimeMs = time.Since(start).Milliseconds()
	status.Connected = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !status.Connected {
		status.Error = resp.Status
	}
	return status
}
