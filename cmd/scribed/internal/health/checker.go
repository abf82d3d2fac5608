// Package health runs periodic probes against the external speech services
// and tracks consecutive failures, so the status API can report a degraded
// backend before jobs start piling up retries.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Checkable is any dependency that can answer a liveness probe.
type Checkable interface {
	HealthCheck(ctx context.Context) (bool, error)
	Name() string
}

// ServiceStatus is the current health of one monitored service.
type ServiceStatus struct {
	Name             string    `json:"name"`
	IsHealthy        bool      `json:"is_healthy"`
	LastCheckTime    time.Time `json:"last_check_time"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// Checker probes one service on an interval and flips it unhealthy after a
// threshold of consecutive failures. All methods are safe for concurrent
// use.
type Checker struct {
	target        Checkable
	checkInterval time.Duration
	failThreshold int
	log           *slog.Logger

	mu     sync.RWMutex
	status ServiceStatus

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewChecker builds a Checker. The initial state is optimistic: healthy
// until a probe says otherwise.
func NewChecker(target Checkable, checkInterval time.Duration, failThreshold int, log *slog.Logger) *Checker {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Minute
	}
	if failThreshold < 1 {
		failThreshold = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		target:        target,
		checkInterval: checkInterval,
		failThreshold: failThreshold,
		log:           log,
		stopChan:      make(chan struct{}),
		status: ServiceStatus{
			Name:          target.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start probes immediately, then on the interval, until Stop or ctx
// cancellation. Blocks; run it in a goroutine.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	c.probe(ctx)
	for {
		select {
		case <-ticker.C:
			c.probe(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checker) probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	healthy, err := c.target.HealthCheck(checkCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastCheckTime = time.Now()

	if healthy {
		if !c.status.IsHealthy {
			c.log.Info("service recovered", "service", c.target.Name())
		}
		c.status.IsHealthy = true
		c.status.ConsecutiveFails = 0
		c.status.ErrorMessage = ""
		return
	}

	c.status.ConsecutiveFails++
	msg := "unhealthy"
	if err != nil {
		msg = err.Error()
	}
	c.status.ErrorMessage = fmt.Sprintf("health check failed: %s", msg)

	if c.status.ConsecutiveFails >= c.failThreshold {
		c.status.IsHealthy = false
		c.log.Error("service marked unhealthy",
			"service", c.target.Name(), "consecutive_fails", c.status.ConsecutiveFails)
	} else {
		c.log.Warn("health check failed", "service", c.target.Name(),
			"fails", c.status.ConsecutiveFails, "threshold", c.failThreshold, "error", msg)
	}
}

// Status returns a copy of the current status.
func (c *Checker) Status() ServiceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Stop terminates the probe loop. Safe to call more than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
