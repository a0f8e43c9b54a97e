package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/courier-go/audit"
)

// AuditStoreChecker pings the audit store when it supports pinging
type AuditStoreChecker struct {
	store audit.Store
}

// NewAuditStoreChecker creates a checker for store
func NewAuditStoreChecker(store audit.Store) *AuditStoreChecker {
	return &AuditStoreChecker{store: store}
}

func (c *AuditStoreChecker) Name() string {
	return "audit"
}

func (c *AuditStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"store": fmt.Sprintf("%T", c.store)},
	}

	pinger, ok := c.store.(audit.Pinger)
	if !ok {
		result.Status = StatusHealthy
		result.Message = "store needs no connection"
		result.Duration = time.Since(start)
		return result
	}

	if err := pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "audit store unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "audit store reachable"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Connector is a component holding a broker connection
type Connector interface {
	Name() string
	Connected() bool
}

// ConnectionChecker reports a component without connection as unhealthy
type ConnectionChecker struct {
	target Connector
}

// NewConnectionChecker creates a checker for target
func NewConnectionChecker(target Connector) *ConnectionChecker {
	return &ConnectionChecker{target: target}
}

func (c *ConnectionChecker) Name() string {
	return "connection_" + c.target.Name()
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"connection_open": c.target.Connected()},
	}
	if c.target.Connected() {
		result.Status = StatusHealthy
		result.Message = "connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
	}
	return result
}

// RuntimeChecker reports high goroutine counts
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker that degrades above warning goroutines and fails
// above critical
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
