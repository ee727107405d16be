package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
)

// HealthStatus represents the health state of the scheduler loop.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed ticks
	// before the daemon is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 tick latency above which the
	// daemon is considered degraded.
	DefaultDegradedLatencyThreshold = 10 * time.Second

	latencyWindowSize = 10
)

func (s HealthStatus) gaugeValue() float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusDegraded:
		return 2
	case HealthStatusUnhealthy:
		return 3
	default:
		return 0
	}
}

// Health tracks tick outcomes. A tick fails when the node is unreachable or
// the state cannot be saved; per-message rejections are not failures.
type Health struct {
	mu                       sync.RWMutex
	node                     string
	status                   HealthStatus
	synchronized             bool
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

func NewHealth(node string) *Health {
	return &Health{
		node:                     node,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
}

// RecordSuccess records a completed tick and its latency. It returns true when
// the tick recovers the daemon from the unhealthy state.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, latency)

	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	h.publish()
	return wasUnhealthy
}

// RecordFailure records a failed tick. It returns true if the daemon
// transitioned to unhealthy on this call.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	transitioned := false
	switch {
	case h.consecutiveFailures >= h.unhealthyThreshold:
		transitioned = h.status != HealthStatusUnhealthy
		h.status = HealthStatusUnhealthy
	case h.status == HealthStatusHealthy:
		h.status = HealthStatusDegraded
	}
	h.publish()
	return transitioned
}

// SetSynchronized records the node's last observed sync state.
func (h *Health) SetSynchronized(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.synchronized = ok
	if ok {
		metrics.NodeSynchronized.Set(1)
	} else {
		metrics.NodeSynchronized.Set(0)
	}
}

// Healthy reports whether the daemon should pass a liveness probe.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status != HealthStatusUnhealthy
}

// must be called with mu held
func (h *Health) publish() {
	metrics.HealthStatus.Set(h.status.gaugeValue())
	metrics.ConsecutiveFailures.Set(float64(h.consecutiveFailures))
}

// must be called with mu held
func (h *Health) isLatencyDegraded() bool {
	n := len(h.recentLatencies)
	if n < 2 {
		return false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (95*n - 1) / 100
	return sorted[idx] > h.degradedLatencyThreshold
}

// HealthSnapshot is a point-in-time view of daemon health (JSON-safe).
type HealthSnapshot struct {
	Node                string     `json:"node"`
	Status              string     `json:"status"`
	Synchronized        bool       `json:"synchronized"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Node:                h.node,
		Status:              string(h.status),
		Synchronized:        h.synchronized,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshots satisfies the admin server's health provider.
func (h *Health) HealthSnapshots() any {
	return h.Snapshot()
}
