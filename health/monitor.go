package health

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/courier-go/channels"
)

// ChannelState is the tracked state of one channel
type ChannelState struct {
	Name      string
	Degraded  bool
	Errors    int
	LastError *channels.ErrorEvent
	Since     time.Time
}

// ChannelMonitor tracks channel errors and recoveries. A channel is degraded from its
// first error until it reports a recovery.
type ChannelMonitor struct {
	mu     sync.RWMutex
	states map[string]*ChannelState
	logger *slog.Logger
	now    func() time.Time
}

// MonitorOption configures a ChannelMonitor
type MonitorOption func(*ChannelMonitor)

// WithMonitorLogger sets the logger
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *ChannelMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorClock replaces the time source
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *ChannelMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewChannelMonitor creates an empty monitor
func NewChannelMonitor(opts ...MonitorOption) *ChannelMonitor {
	m := &ChannelMonitor{
		states: make(map[string]*ChannelState),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch subscribes to the error and recovery notifications of ch. Watching a channel
// twice has no further effect.
func (m *ChannelMonitor) Watch(ch channels.Channel) {
	name := ch.Name()

	m.mu.Lock()
	if _, ok := m.states[name]; ok {
		m.mu.Unlock()
		return
	}
	m.states[name] = &ChannelState{Name: name, Since: m.now()}
	m.mu.Unlock()

	ch.OnChannelError(func(e channels.ErrorEvent) { m.recordError(name, e) })
	ch.OnChannelRecovery(func(e channels.RecoveryEvent) { m.recordRecovery(name, e) })
}

func (m *ChannelMonitor) recordError(name string, e channels.ErrorEvent) {
	m.mu.Lock()
	state := m.states[name]
	became := !state.Degraded
	state.Degraded = true
	state.Errors++
	event := e
	state.LastError = &event
	if became {
		state.Since = m.now()
	}
	m.mu.Unlock()

	if became {
		m.logger.Warn("channel degraded",
			"channel", name,
			"op", e.Op,
			"artifact", e.Artifact,
			"error", e.Err,
		)
	}
}

func (m *ChannelMonitor) recordRecovery(name string, e channels.RecoveryEvent) {
	m.mu.Lock()
	state := m.states[name]
	was := state.Degraded
	state.Degraded = false
	state.Since = m.now()
	m.mu.Unlock()

	if was {
		m.logger.Info("channel recovered", "channel", name, "previousOp", e.Previous.Op)
	}
}

// Degraded reports whether the named channel is degraded
func (m *ChannelMonitor) Degraded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[name]
	return ok && state.Degraded
}

// States returns a snapshot of every watched channel, ordered by name
func (m *ChannelMonitor) States() []ChannelState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelState, 0, len(m.states))
	for _, s := range m.states {
		cp := *s
		if s.LastError != nil {
			e := *s.LastError
			cp.LastError = &e
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Name implements Checker
func (m *ChannelMonitor) Name() string {
	return "channels"
}

// Check implements Checker. The result is degraded when any channel is.
func (m *ChannelMonitor) Check(ctx context.Context) CheckResult {
	start := m.now()
	result := CheckResult{
		Name:      m.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var degraded []string
	for _, s := range m.States() {
		detail := map[string]interface{}{
			"degraded": s.Degraded,
			"errors":   s.Errors,
			"since":    s.Since,
		}
		if s.Degraded && s.LastError != nil {
			detail["lastError"] = s.LastError.Err.Error()
			degraded = append(degraded, s.Name)
		}
		result.Details[s.Name] = detail
	}

	if len(degraded) > 0 {
		result.Status = StatusDegraded
		result.Message = "degraded channels: " + strings.Join(degraded, ", ")
	} else {
		result.Message = "all channels healthy"
	}
	result.Duration = m.now().Sub(start)
	return result
}
