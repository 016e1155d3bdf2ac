package conn

import (
	"testing"
	"time"
)

func testMonitor(cfg HealthConfig) (*HealthMonitor, *time.Time) {
	m := NewHealthMonitor(cfg)
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestHealthStateTransitions(t *testing.T) {
	m, _ := testMonitor(HealthConfig{FailureThreshold: 3, MaxReconnects: 2})

	if got := m.Record("u").State; got != StateHealthy {
		t.Fatalf("fresh user state = %v, want healthy", got)
	}

	if got := m.RecordFailure("u"); got != StateDegraded {
		t.Errorf("failure 1 -> %v, want degraded", got)
	}
	if got := m.RecordFailure("u"); got != StateDegraded {
		t.Errorf("failure 2 -> %v, want degraded", got)
	}
	if got := m.RecordFailure("u"); got != StateReconnecting {
		t.Errorf("failure 3 -> %v, want reconnecting", got)
	}
	if !m.NeedsReconnect("u") {
		t.Error("threshold crossed but NeedsReconnect is false")
	}

	m.RecordSuccess("u")
	r := m.Record("u")
	if r.State != StateHealthy || r.Failures != 0 || r.ReconnectAttempts != 0 {
		t.Errorf("success did not reset record: %+v", r)
	}
	if m.NeedsReconnect("u") {
		t.Error("healthy user flagged for reconnect")
	}
}

func TestHealthReconnectBudget(t *testing.T) {
	m, _ := testMonitor(HealthConfig{FailureThreshold: 1, MaxReconnects: 2})

	m.RecordFailure("u")
	if !m.BeginReconnect("u") {
		t.Fatal("first reconnect attempt denied")
	}
	if !m.BeginReconnect("u") {
		t.Fatal("second reconnect attempt denied")
	}
	if m.BeginReconnect("u") {
		t.Fatal("third reconnect attempt allowed past budget")
	}
	if got := m.Record("u").State; got != StateFailed {
		t.Errorf("exhausted budget state = %v, want failed", got)
	}

	// Failed is not sticky: the next command clears it.
	m.ClearFailed("u")
	r := m.Record("u")
	if r.State != StateDegraded || r.Failures != 0 || r.ReconnectAttempts != 0 {
		t.Errorf("ClearFailed left %+v", r)
	}
	if !m.BeginReconnect("u") {
		t.Error("reconnect denied after ClearFailed")
	}
}

func TestHealthClearFailedIgnoresOtherStates(t *testing.T) {
	m, _ := testMonitor(HealthConfig{FailureThreshold: 3})

	m.RecordFailure("u")
	m.ClearFailed("u")
	if got := m.Record("u").Failures; got != 1 {
		t.Errorf("ClearFailed touched a degraded record: failures = %d", got)
	}
}

func TestHealthSilenceForcesReconnect(t *testing.T) {
	m, now := testMonitor(HealthConfig{FailureThreshold: 3, SilenceThreshold: 5 * time.Minute})

	m.RecordSuccess("u")
	if m.NeedsReconnect("u") {
		t.Fatal("reconnect demanded right after success")
	}

	*now = now.Add(6 * time.Minute)
	if !m.NeedsReconnect("u") {
		t.Error("silence past threshold did not demand reconnect")
	}
}

func TestHealthForget(t *testing.T) {
	m, _ := testMonitor(HealthConfig{FailureThreshold: 1})

	m.RecordFailure("u")
	m.Forget("u")
	if got := m.Record("u"); got.State != StateHealthy || got.Failures != 0 {
		t.Errorf("forgotten user not fresh: %+v", got)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 500 * time.Millisecond
	max := 5 * time.Second

	for attempt := 0; attempt < 8; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		want := base << uint(attempt)
		if want > max {
			want = max
		}
		lo, hi := want-want/4, want+want/4
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
}
