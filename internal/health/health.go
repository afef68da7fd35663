// Package health reports liveness and dependency readiness.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the state of one check or of the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 3 * time.Second

// Pinger is a dependency that can answer a ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// Report is the full health reply.
type Report struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker runs the registered dependency checks.
type Checker struct {
	version string
	started time.Time
	checks  map[string]Pinger
}

// NewChecker creates a checker for the given dependencies.
func NewChecker(version string, checks map[string]Pinger) *Checker {
	if checks == nil {
		checks = make(map[string]Pinger)
	}
	return &Checker{version: version, started: time.Now(), checks: checks}
}

// Liveness reports that the process is up without touching dependencies.
func (c *Checker) Liveness() *Report {
	return &Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

// Check pings every dependency concurrently. The report is unhealthy if any
// check fails.
func (c *Checker) Check(ctx context.Context) *Report {
	report := c.Liveness()
	report.Checks = make(map[string]CheckResult, len(c.checks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range c.checks {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := p.Ping(ctx)
			result := CheckResult{
				Status:   StatusHealthy,
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
			}

			mu.Lock()
			report.Checks[name] = result
			if err != nil {
				report.Status = StatusUnhealthy
			}
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	return report
}
