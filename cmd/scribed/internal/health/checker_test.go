package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTarget struct {
	mu      sync.Mutex
	healthy bool
	err     error
	probes  int
}

func (s *scriptedTarget) HealthCheck(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.healthy, s.err
}

func (s *scriptedTarget) Name() string { return "scripted" }

func (s *scriptedTarget) set(healthy bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	s.err = err
}

func TestCheckerStartsOptimistic(t *testing.T) {
	c := NewChecker(&scriptedTarget{}, time.Minute, 3, nil)
	status := c.Status()
	assert.True(t, status.IsHealthy)
	assert.Equal(t, "scripted", status.Name)
}

func TestCheckerFlipsAfterThreshold(t *testing.T) {
	target := &scriptedTarget{healthy: false, err: errors.New("connection refused")}
	c := NewChecker(target, time.Minute, 3, nil)

	ctx := context.Background()
	c.probe(ctx)
	assert.True(t, c.Status().IsHealthy, "one failure stays below the threshold")
	assert.Equal(t, 1, c.Status().ConsecutiveFails)

	c.probe(ctx)
	c.probe(ctx)
	status := c.Status()
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 3, status.ConsecutiveFails)
	assert.Contains(t, status.ErrorMessage, "connection refused")
}

func TestCheckerRecovers(t *testing.T) {
	target := &scriptedTarget{healthy: false}
	c := NewChecker(target, time.Minute, 1, nil)

	ctx := context.Background()
	c.probe(ctx)
	require.False(t, c.Status().IsHealthy)

	target.set(true, nil)
	c.probe(ctx)
	status := c.Status()
	assert.True(t, status.IsHealthy)
	assert.Equal(t, 0, status.ConsecutiveFails)
	assert.Empty(t, status.ErrorMessage)
}

func TestCheckerStopTerminatesLoop(t *testing.T) {
	target := &scriptedTarget{healthy: true}
	c := NewChecker(target, 5*time.Millisecond, 3, nil)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
