package conn

import (
	"sync"
	"time"
)

// HealthState tracks per-user connection health.
//
//	Healthy -> Degraded -> Reconnecting -> Healthy | Failed
//
// Any successful call returns the user to Healthy. Failed is not sticky: it
// gates the attempt that exhausted its reconnect budget, and the counters
// reset when the user next issues a command.
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegraded
	StateReconnecting
	StateFailed
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthRecord is the per-user health snapshot. In-memory only; rebuilt
// from scratch on restart.
type HealthRecord struct {
	State             HealthState
	LastSuccess       time.Time
	Failures          int
	ReconnectAttempts int
}

// HealthConfig tunes the monitor thresholds.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that triggers a
	// forced reconnect.
	FailureThreshold int
	// SilenceThreshold forces a reconnect when no call has succeeded for
	// this long, even without explicit failures.
	SilenceThreshold time.Duration
	// MaxReconnects bounds reconnect attempts per degraded episode; hitting
	// it moves the user to Failed for the current attempt.
	MaxReconnects int
}

// DefaultHealthConfig returns sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		SilenceThreshold: 5 * time.Minute,
		MaxReconnects:    3,
	}
}

// HealthMonitor tracks call health per user and decides when the manager
// must force a reconnect.
type HealthMonitor struct {
	cfg HealthConfig

	mu      sync.Mutex
	records map[string]*HealthRecord

	now func() time.Time // test hook
}

func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 5 * time.Minute
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 3
	}
	return &HealthMonitor{
		cfg:     cfg,
		records: make(map[string]*HealthRecord),
		now:     time.Now,
	}
}

func (m *HealthMonitor) record(user string) *HealthRecord {
	r, ok := m.records[user]
	if !ok {
		r = &HealthRecord{State: StateHealthy, LastSuccess: m.now()}
		m.records[user] = r
	}
	return r
}

// RecordSuccess resets the failure streak and returns the user to Healthy.
func (m *HealthMonitor) RecordSuccess(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(user)
	r.State = StateHealthy
	r.LastSuccess = m.now()
	r.Failures = 0
	r.ReconnectAttempts = 0
}

// RecordFailure increments the failure streak and returns the new state:
// Degraded below the threshold, Reconnecting at or above it.
func (m *HealthMonitor) RecordFailure(user string) HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(user)
	r.Failures++
	if r.Failures >= m.cfg.FailureThreshold {
		r.State = StateReconnecting
	} else {
		r.State = StateDegraded
	}
	return r.State
}

// NeedsReconnect reports whether the failure streak or elapsed silence
// demands a forced reconnect.
func (m *HealthMonitor) NeedsReconnect(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(user)
	if r.Failures >= m.cfg.FailureThreshold {
		return true
	}
	return m.now().Sub(r.LastSuccess) > m.cfg.SilenceThreshold
}

// BeginReconnect counts one reconnect attempt. It returns false once the
// budget for this episode is spent, moving the user to Failed.
func (m *HealthMonitor) BeginReconnect(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(user)
	if r.ReconnectAttempts >= m.cfg.MaxReconnects {
		r.State = StateFailed
		return false
	}
	r.ReconnectAttempts++
	r.State = StateReconnecting
	return true
}

// ClearFailed resets a Failed user so a fresh manual attempt starts clean.
func (m *HealthMonitor) ClearFailed(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(user)
	if r.State == StateFailed {
		r.State = StateDegraded
		r.Failures = 0
		r.ReconnectAttempts = 0
	}
}

// Record returns a copy of the user's health snapshot.
func (m *HealthMonitor) Record(user string) HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.record(user)
}

// Forget drops the user's record entirely (unregister).
func (m *HealthMonitor) Forget(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, user)
}
