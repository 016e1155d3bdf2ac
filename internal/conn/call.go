package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/huanndev/rustlink/internal/companion"
)

// Call executes one companion operation for the user with the full retry
// policy: per-user rate limiting, a per-attempt deadline, bounded retries
// with backoff on transient failures, and a health check between attempts
// that forces a reconnect once the failure streak crosses the threshold.
// Transport trouble surfaces as ErrTimeout only after retries exhaust;
// configuration errors (unknown endpoint, bad token, nothing paired) return
// immediately and are never retried.
func (m *Manager) Call(ctx context.Context, userID, op string, args map[string]any) (json.RawMessage, error) {
	// A previous episode may have parked the user in Failed; a fresh command
	// starts a fresh budget.
	m.health.ClearFailed(userID)

	if err := m.limiter(userID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, companion.ErrTimeout)
	}

	// Serialize with every other operation on this user's session: no two
	// calls for one user ever run concurrently.
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	retry := m.cfg.Retry
	var lastErr error

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffWithJitter(retry.BaseDelay, retry.MaxDelay, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", op, companion.ErrTimeout)
			}
		}

		if err := m.ensureLocked(ctx, userID); err != nil {
			if transient(err) {
				lastErr = err
				m.health.RecordFailure(userID)
				continue
			}
			return nil, err
		}

		active, err := m.Active(userID)
		if err != nil {
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		raw, err := active.Session.Call(callCtx, op, args)
		cancel()

		if err == nil {
			m.health.RecordSuccess(userID)
			return raw, nil
		}
		if !transient(err) {
			return nil, err
		}

		lastErr = err
		state := m.health.RecordFailure(userID)
		slog.Debug("companion call failed", "user", userID, "op", op,
			"attempt", attempt+1, "state", state.String(), "error", err)

		if m.health.NeedsReconnect(userID) {
			m.forceReconnect(ctx, userID)
		}
	}

	slog.Warn("companion call exhausted retries", "user", userID, "op", op, "error", lastErr)
	return nil, fmt.Errorf("%s: %w", op, companion.ErrTimeout)
}

// forceReconnect burns one reconnect attempt from the user's budget. A
// spent budget moves the user to Failed; the next Call clears it.
// Caller holds the user lock.
func (m *Manager) forceReconnect(ctx context.Context, userID string) {
	if !m.health.BeginReconnect(userID) {
		slog.Warn("reconnect budget exhausted", "user", userID)
		return
	}

	m.teardown(userID)
	if err := m.ensureLocked(ctx, userID); err != nil {
		slog.Warn("forced reconnect failed", "user", userID, "error", err)
		return
	}
	slog.Info("forced reconnect succeeded", "user", userID)
}

// transient reports whether the error is worth retrying. Identity and
// configuration errors are not.
func transient(err error) bool {
	return errors.Is(err, companion.ErrTimeout) ||
		errors.Is(err, companion.ErrDisconnected) ||
		errors.Is(err, companion.ErrEndpointUnreachable)
}
