// Package health watches the remote server of a mounted filesystem by
// probing it on an interval and tracking when it goes away and comes back.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the remote's health as seen by a Checker.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunction probes the remote once.
type CheckFunction func(ctx context.Context) error

// Config represents health checker configuration
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// MaxFailures consecutive failed probes mark the remote unhealthy.
	MaxFailures int
	// RecoveryRequired consecutive good probes mark it healthy again.
	RecoveryRequired int

	// OnChange is called, outside the checker's lock, on every status
	// transition. err is the probe error that caused it, if any.
	OnChange func(from, to Status, err error)

	Logger *logrus.Entry
}

// Result represents the result of one probe
type Result struct {
	Status    Status        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Stats tracks probe statistics
type Stats struct {
	Status               Status    `json:"status"`
	TotalChecks          int64     `json:"total_checks"`
	FailedChecks         int64     `json:"failed_checks"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheck            time.Time `json:"last_check"`
	LastFailure          time.Time `json:"last_failure"`
	LastError            string    `json:"last_error,omitempty"`
}

// Checker runs a CheckFunction periodically and debounces its outcome into
// a Status.
type Checker struct {
	mu     sync.RWMutex
	config Config
	check  CheckFunction
	stats  Stats
}

// NewChecker creates a new health checker. Zero config fields get defaults.
func NewChecker(check CheckFunction, config Config) (*Checker, error) {
	if check == nil {
		return nil, fmt.Errorf("health check function is required")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.RecoveryRequired <= 0 {
		config.RecoveryRequired = 1
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "health")
	}

	return &Checker{
		config: config,
		check:  check,
		stats:  Stats{Status: StatusUnknown},
	}, nil
}

// Run probes every Interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunCheck(ctx)
		}
	}
}

// RunCheck probes the remote once and updates the status.
func (c *Checker) RunCheck(ctx context.Context) Result {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	start := time.Now()
	err := c.check(checkCtx)
	cancel()

	result := Result{Duration: time.Since(start), Timestamp: start}
	if err != nil {
		result.Error = err.Error()
	}

	c.mu.Lock()
	from := c.stats.Status
	c.stats.TotalChecks++
	c.stats.LastCheck = start
	if err != nil {
		c.stats.FailedChecks++
		c.stats.ConsecutiveFailures++
		c.stats.ConsecutiveSuccesses = 0
		c.stats.LastFailure = start
		c.stats.LastError = err.Error()
		if c.stats.ConsecutiveFailures >= c.config.MaxFailures {
			c.stats.Status = StatusUnhealthy
		}
	} else {
		c.stats.ConsecutiveSuccesses++
		c.stats.ConsecutiveFailures = 0
		if from != StatusUnhealthy || c.stats.ConsecutiveSuccesses >= c.config.RecoveryRequired {
			c.stats.Status = StatusHealthy
		}
	}
	to := c.stats.Status
	c.mu.Unlock()

	result.Status = to
	if from != to {
		c.transition(from, to, err)
	}
	return result
}

func (c *Checker) transition(from, to Status, err error) {
	entry := c.config.Logger.WithFields(logrus.Fields{"from": from, "to": to})
	if to == StatusUnhealthy {
		entry.WithError(err).Warn("Remote server is unreachable")
	} else {
		entry.Info("Remote server is reachable")
	}
	if c.config.OnChange != nil {
		c.config.OnChange(from, to, err)
	}
}

// Status returns the current status.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.Status
}

// IsHealthy reports whether the last probes succeeded.
func (c *Checker) IsHealthy() bool {
	return c.Status() == StatusHealthy
}

// GetStats returns a snapshot of the probe statistics
func (c *Checker) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
