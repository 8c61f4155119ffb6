package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker aggregates dependency checks. A failing critical check makes
// the instance unhealthy; a failing optional one only degrades it.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []healthCheck
	now    func() time.Time
}

type healthCheck struct {
	name     string
	check    func(ctx context.Context) error
	timeout  time.Duration
	critical bool
}

type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Latency  string `json:"latency"`
	Critical bool   `json:"critical"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{now: time.Now}
}

// AddCheck registers a critical check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.add(healthCheck{name: name, check: check, timeout: timeout, critical: true})
}

// AddOptionalCheck registers a check whose failure reports "degraded" while
// the instance keeps serving.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.add(healthCheck{name: name, check: check, timeout: timeout})
}

func (h *HealthChecker) add(c healthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.name] = r
		if r.Status == StatusHealthy {
			continue
		}
		if c.critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c healthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := h.now()
	err := c.check(checkCtx)
	r := CheckResult{
		Status:   StatusHealthy,
		Latency:  h.now().Sub(start).String(),
		Critical: c.critical,
	}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	}
	return r
}

// IsReady is false only when a critical check fails.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}
