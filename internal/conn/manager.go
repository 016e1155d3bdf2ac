// Package conn owns the live companion sessions: at most one per user,
// with connect/switch/ensure semantics, per-user health monitoring, and a
// retrying call wrapper that distinguishes transient timeouts from
// configuration errors.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/store"
)

var (
	// ErrNoActiveConnection means the user has no live session.
	ErrNoActiveConnection = errors.New("no active connection")
	// ErrNoPairedEndpoints means the user has nothing to connect to.
	ErrNoPairedEndpoints = errors.New("no paired endpoints")
)

// EventSink receives companion events forwarded from a user's live session.
type EventSink func(userID string, ev companion.Event)

// Active is the live connection owned by the manager for one user.
type Active struct {
	Session       companion.Session
	Endpoint      store.PairedEndpoint
	EstablishedAt time.Time

	unsubscribe func()
}

// Config tunes the manager.
type Config struct {
	Retry       RetryConfig
	Health      HealthConfig
	CallTimeout time.Duration // per-attempt deadline for Call
	RateLimit   rate.Limit    // companion calls per second per user
	RateBurst   int
}

// DefaultConfig returns sensible defaults. The rate limit mirrors the
// backend's own per-connection throttling so we back off before it does.
func DefaultConfig() Config {
	return Config{
		Retry:       DefaultRetryConfig(),
		Health:      DefaultHealthConfig(),
		CallTimeout: 10 * time.Second,
		RateLimit:   rate.Limit(2),
		RateBurst:   5,
	}
}

// Manager owns the active-connection map. The map lock is held only for
// lookups and insert/remove; dialing and calls are serialized per user on a
// keyed mutex so operations for one user never overlap, while different
// users proceed fully in parallel.
type Manager struct {
	cfg    Config
	dialer companion.Dialer
	users  store.UserStore
	health *HealthMonitor
	sink   EventSink

	mu       sync.Mutex
	conns    map[string]*Active
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewManager(cfg Config, dialer companion.Dialer, users store.UserStore, sink EventSink) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Limit(2)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		users:    users,
		health:   NewHealthMonitor(cfg.Health),
		sink:     sink,
		conns:    make(map[string]*Active),
		locks:    make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Health exposes the monitor for status queries and tests.
func (m *Manager) Health() *HealthMonitor { return m.health }

func (m *Manager) userLock(user string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[user]
	if !ok {
		l = &sync.Mutex{}
		m.locks[user] = l
	}
	return l
}

func (m *Manager) limiter(user string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[user]
	if !ok {
		lim = rate.NewLimiter(m.cfg.RateLimit, m.cfg.RateBurst)
		m.limiters[user] = lim
	}
	return lim
}

// Connect establishes a session for the user to the endpoint identified by
// key (host:port). Any prior session is torn down first: its event
// subscription is removed before the socket closes so the new session never
// double-delivers.
func (m *Manager) Connect(ctx context.Context, userID, endpointKey string) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.connectLocked(ctx, userID, endpointKey)
}

func (m *Manager) connectLocked(ctx context.Context, userID, endpointKey string) error {
	user, err := m.users.GetUser(userID)
	if err != nil {
		return err
	}
	ep, err := m.users.GetEndpoint(userID, endpointKey)
	if err != nil {
		return err
	}

	m.teardown(userID)

	sess, err := m.dialer.Dial(ctx, companion.Endpoint{Host: ep.Host, Port: ep.Port},
		companion.Credentials{PlayerID: user.GameID, PlayerToken: ep.PlayerToken})
	if err != nil {
		return err
	}

	active := &Active{Session: sess, Endpoint: ep, EstablishedAt: time.Now()}
	if m.sink != nil {
		active.unsubscribe = sess.Subscribe(func(ev companion.Event) {
			m.sink(userID, ev)
		})
	}

	m.mu.Lock()
	m.conns[userID] = active
	m.mu.Unlock()

	if err := m.users.TouchEndpoint(userID, endpointKey, time.Now()); err != nil {
		slog.Warn("touch endpoint failed", "user", userID, "endpoint", endpointKey, "error", err)
	}
	m.health.RecordSuccess(userID)

	slog.Info("connected", "user", userID, "endpoint", ep.Label(), "addr", ep.Key())
	return nil
}

// Switch resolves identifier against the user's paired endpoints — exact
// label first, then 1-based position, then label substring — and connects.
func (m *Manager) Switch(ctx context.Context, userID, identifier string) (store.PairedEndpoint, error) {
	eps, err := m.users.ListEndpoints(userID)
	if err != nil {
		return store.PairedEndpoint{}, err
	}
	if len(eps) == 0 {
		return store.PairedEndpoint{}, ErrNoPairedEndpoints
	}

	ep, ok := resolveEndpoint(eps, identifier)
	if !ok {
		return store.PairedEndpoint{}, fmt.Errorf("endpoint %q: %w", identifier, store.ErrNotFound)
	}

	if err := m.Connect(ctx, userID, ep.Key()); err != nil {
		return store.PairedEndpoint{}, err
	}
	return ep, nil
}

func resolveEndpoint(eps []store.PairedEndpoint, identifier string) (store.PairedEndpoint, bool) {
	for _, ep := range eps {
		if ep.Name == identifier {
			return ep, true
		}
	}
	if idx, err := strconv.Atoi(identifier); err == nil {
		if idx >= 1 && idx <= len(eps) {
			return eps[idx-1], true
		}
		return store.PairedEndpoint{}, false
	}
	needle := strings.ToLower(identifier)
	for _, ep := range eps {
		if strings.Contains(strings.ToLower(ep.Name), needle) {
			return ep, true
		}
	}
	return store.PairedEndpoint{}, false
}

// Active returns the user's live connection. Side-effect free.
func (m *Manager) Active(userID string) (*Active, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.conns[userID]
	if !ok {
		return nil, ErrNoActiveConnection
	}
	return a, nil
}

// EnsureConnected is idempotent: with a live healthy session it does
// nothing; otherwise it connects to the most recently used endpoint,
// falling back to the oldest pairing.
func (m *Manager) EnsureConnected(ctx context.Context, userID string) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.ensureLocked(ctx, userID)
}

func (m *Manager) ensureLocked(ctx context.Context, userID string) error {
	m.mu.Lock()
	_, connected := m.conns[userID]
	m.mu.Unlock()
	if connected && !m.health.NeedsReconnect(userID) {
		return nil
	}

	eps, err := m.users.ListEndpoints(userID)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return ErrNoPairedEndpoints
	}

	target := eps[0]
	for _, ep := range eps {
		if ep.LastConnected.After(target.LastConnected) {
			target = ep
		}
	}
	return m.connectLocked(ctx, userID, target.Key())
}

// Disconnect tears down the user's session if any.
func (m *Manager) Disconnect(userID string) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	m.teardown(userID)
}

// Forget drops all manager state for the user (unregister).
func (m *Manager) Forget(userID string) {
	m.Disconnect(userID)
	m.health.Forget(userID)
	m.mu.Lock()
	delete(m.limiters, userID)
	m.mu.Unlock()
}

// CloseAll tears down every session (shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	users := make([]string, 0, len(m.conns))
	for id := range m.conns {
		users = append(users, id)
	}
	m.mu.Unlock()
	for _, id := range users {
		m.Disconnect(id)
	}
}

// teardown removes and closes the user's active connection. Unsubscribe
// happens before close so no event is delivered through a dying session.
func (m *Manager) teardown(userID string) {
	m.mu.Lock()
	a, ok := m.conns[userID]
	delete(m.conns, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if err := a.Session.Close(); err != nil {
		slog.Debug("session close", "user", userID, "error", err)
	}
}
