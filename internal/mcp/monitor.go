package mcp

import (
	"sync"
	"time"
)

const (
	historySize = 100
	// health is judged on the most recent samples only
	healthWindow    = 10
	dashboardWindow = 20
	healthyRatio    = 0.8
	degradedRatio   = 0.5
)

type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

type HealthStatus struct {
	Connected      bool      `json:"connected"`
	ToolCount      int       `json:"toolCount"`
	CheckedAt      time.Time `json:"checkedAt"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
}

type Metrics struct {
	TotalRequests       int        `json:"totalRequests"`
	SuccessfulRequests  int        `json:"successfulRequests"`
	FailedRequests      int        `json:"failedRequests"`
	AverageResponseTime float64    `json:"averageResponseTimeMs"`
	LastError           string     `json:"lastError,omitempty"`
	LastErrorTime       *time.Time `json:"lastErrorTime,omitempty"`
}

// Monitor records request outcomes and health samples of the tool server.
// The health history is a ring buffer of the last 100 samples.
type Monitor struct {
	mu      sync.Mutex
	metrics Metrics
	history [historySize]HealthStatus
	start   int
	n       int
	now     func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

func (m *Monitor) RecordSuccess(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.TotalRequests++
	m.metrics.SuccessfulRequests++
	ms := float64(d) / float64(time.Millisecond)
	total := float64(m.metrics.TotalRequests)
	m.metrics.AverageResponseTime = (m.metrics.AverageResponseTime*(total-1) + ms) / total
}

func (m *Monitor) RecordFailure(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.metrics.TotalRequests++
	m.metrics.FailedRequests++
	m.metrics.LastError = msg
	m.metrics.LastErrorTime = &now
}

func (m *Monitor) RecordHealth(s HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CheckedAt.IsZero() {
		s.CheckedAt = m.now()
	}
	if m.n < historySize {
		m.history[(m.start+m.n)%historySize] = s
		m.n++
		return
	}
	m.history[m.start] = s
	m.start = (m.start + 1) % historySize
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	if out.LastErrorTime != nil {
		t := *out.LastErrorTime
		out.LastErrorTime = &t
	}
	return out
}

// HealthHistory returns up to limit of the newest samples, oldest first.
func (m *Monitor) HealthHistory(limit int) []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(limit)
}

func (m *Monitor) recentLocked(limit int) []HealthStatus {
	if limit <= 0 || limit > m.n {
		limit = m.n
	}
	out := make([]HealthStatus, 0, limit)
	for i := m.n - limit; i < m.n; i++ {
		out = append(out, m.history[(m.start+i)%historySize])
	}
	return out
}

// SuccessRate is a percentage; 100 when nothing was recorded.
func (m *Monitor) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics.TotalRequests == 0 {
		return 100
	}
	return float64(m.metrics.SuccessfulRequests) / float64(m.metrics.TotalRequests) * 100
}

func (m *Monitor) IsHealthy() bool {
	return m.connectedRatio(healthWindow) >= healthyRatio
}

func (m *Monitor) Health() Health {
	r := m.connectedRatio(healthWindow)
	switch {
	case r >= healthyRatio:
		return Healthy
	case r >= degradedRatio:
		return Degraded
	default:
		return Unhealthy
	}
}

// connectedRatio is 1 when there are no samples.
func (m *Monitor) connectedRatio(window int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ratio(m.recentLocked(window))
}

func ratio(samples []HealthStatus) float64 {
	if len(samples) == 0 {
		return 1
	}
	connected := 0
	for _, s := range samples {
		if s.Connected {
			connected++
		}
	}
	return float64(connected) / float64(len(samples))
}

type Dashboard struct {
	Metrics      Metrics        `json:"metrics"`
	RecentHealth []HealthStatus `json:"recentHealth"`
	SuccessRate  float64        `json:"successRate"`
	IsHealthy    bool           `json:"isHealthy"`
	Health       Health         `json:"health"`
	Uptime       float64        `json:"uptime"`
}

func (m *Monitor) Dashboard() Dashboard {
	recent := m.HealthHistory(dashboardWindow)
	return Dashboard{
		Metrics:      m.Metrics(),
		RecentHealth: recent,
		SuccessRate:  m.SuccessRate(),
		IsHealthy:    m.IsHealthy(),
		Health:       m.Health(),
		Uptime:       ratio(recent) * 100,
	}
}
