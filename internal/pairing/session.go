package pairing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/huanndev/rustlink/internal/bus"
	"github.com/huanndev/rustlink/internal/store"
)

var (
	// ErrPairingBusy means the user already has an unresolved naming session.
	ErrPairingBusy = errors.New("pairing already in progress")
	// ErrInvalidName means the reply is not a valid device name.
	ErrInvalidName = errors.New("invalid device name")
	// ErrSessionExpired means there is no pending pairing to resolve.
	ErrSessionExpired = errors.New("no pending pairing")
)

// Outcome is the terminal state of a naming session.
type Outcome string

const (
	OutcomeNamed   Outcome = "named"
	OutcomeSkipped Outcome = "skipped"
	OutcomeExpired Outcome = "expired"
)

// Pending is one open naming session. A user has at most one.
type Pending struct {
	UserID      string
	EndpointKey string
	EntityID    uint32
	Kind        store.DeviceKind
	EntityName  string
	OpenedAt    time.Time
}

// Resolution reports how a session ended.
type Resolution struct {
	Outcome Outcome
	Pending Pending
	Device  store.Device // set for OutcomeNamed
}

// SessionsConfig tunes the naming-session manager.
type SessionsConfig struct {
	TTL           time.Duration // reply window per session
	SweepInterval time.Duration // background expiry scan
}

func DefaultSessionsConfig() SessionsConfig {
	return SessionsConfig{
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Sessions tracks open naming sessions and resolves them. In-memory only:
// an unresolved session does not survive a restart, the user re-pairs.
type Sessions struct {
	cfg     SessionsConfig
	devices store.DeviceRegistry
	queue   *bus.Bus

	mu      sync.Mutex
	pending map[string]Pending
	onClose func(Pending)

	now func() time.Time // test hook
}

func NewSessions(cfg SessionsConfig, devices store.DeviceRegistry, queue *bus.Bus) *Sessions {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Sessions{
		cfg:     cfg,
		devices: devices,
		queue:   queue,
		pending: make(map[string]Pending),
		now:     time.Now,
	}
}

// OnClose registers a hook called whenever a session leaves the pending map,
// whatever the outcome. Runs with the session mutex held; the hook must not
// call back into Sessions.
func (s *Sessions) OnClose(fn func(Pending)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Open starts a naming session for the user. A live unresolved session makes
// this fail with ErrPairingBusy and is preserved; an expired leftover is
// swept out of the way first.
func (s *Sessions) Open(p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[p.UserID]; ok {
		if !s.expiredLocked(cur) {
			return ErrPairingBusy
		}
		s.expireLocked(cur)
	}

	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now()
	}
	s.pending[p.UserID] = p
	return nil
}

// Pending returns the user's open session, expiring it lazily if the reply
// window has passed.
func (s *Sessions) Pending(userID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	if !ok {
		return Pending{}, false
	}
	if s.expiredLocked(p) {
		s.expireLocked(p)
		return Pending{}, false
	}
	return p, true
}

// Resolve applies the user's reply to their open session.
//
// "skip" (case-insensitive) discards the pairing. Any other reply is a
// candidate name: rejected replies (bad characters, duplicate name) leave
// the session open so the user can try again within the window. A reply with
// no open session, or one past the window, gets ErrSessionExpired.
func (s *Sessions) Resolve(userID, reply string) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[userID]
	if !ok {
		return Resolution{}, ErrSessionExpired
	}
	if s.expiredLocked(p) {
		s.expireLocked(p)
		return Resolution{Outcome: OutcomeExpired, Pending: p}, ErrSessionExpired
	}

	reply = strings.TrimSpace(reply)
	if strings.EqualFold(reply, "skip") {
		s.closeLocked(p)
		s.publish(p, OutcomeSkipped, "")
		return Resolution{Outcome: OutcomeSkipped, Pending: p}, nil
	}

	if !store.ValidDeviceName(reply) {
		return Resolution{}, ErrInvalidName
	}

	dev := store.Device{
		UserID:      p.UserID,
		EndpointKey: p.EndpointKey,
		Name:        reply,
		EntityID:    p.EntityID,
		Kind:        p.Kind,
		CreatedAt:   s.now(),
	}
	if err := s.devices.AddDevice(dev); err != nil {
		// ErrDuplicateName and storage trouble both leave the session open.
		return Resolution{}, err
	}

	s.closeLocked(p)
	s.publish(p, OutcomeNamed, reply)
	return Resolution{Outcome: OutcomeNamed, Pending: p, Device: dev}, nil
}

// Forget drops the user's session without an event (unregister).
func (s *Sessions) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[userID]; ok {
		s.closeLocked(p)
	}
}

// Run sweeps expired sessions until the context ends. Lazy expiry in
// Pending/Resolve already covers users who reply; the sweep tells the ones
// who never do.
func (s *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sessions) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if s.expiredLocked(p) {
			s.expireLocked(p)
		}
	}
}

func (s *Sessions) expiredLocked(p Pending) bool {
	return s.now().Sub(p.OpenedAt) > s.cfg.TTL
}

func (s *Sessions) expireLocked(p Pending) {
	s.closeLocked(p)
	slog.Info("pairing session expired", "user", p.UserID, "entity", p.EntityID)
	s.publish(p, OutcomeExpired, "")
}

// closeLocked removes the session and fires the close hook. Caller holds s.mu.
func (s *Sessions) closeLocked(p Pending) {
	delete(s.pending, p.UserID)
	if s.onClose != nil {
		s.onClose(p)
	}
}

func (s *Sessions) publish(p Pending, outcome Outcome, name string) {
	if s.queue == nil {
		return
	}
	s.queue.Publish(bus.Event{
		Kind:        bus.PairingResolved,
		UserID:      p.UserID,
		EndpointKey: p.EndpointKey,
		DeviceName:  name,
		EntityID:    p.EntityID,
		Outcome:     string(outcome),
	})
}
