package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/huanndev/rustlink/internal/bus"
	"github.com/huanndev/rustlink/internal/store"
)

// Connector establishes a session to a paired endpoint. Satisfied by the
// connection manager.
type Connector interface {
	Connect(ctx context.Context, userID, endpointKey string) error
}

// Prompter delivers a short text to the user out of band. May be nil when no
// reply channel is configured.
type Prompter interface {
	Prompt(userID, text string) error
}

// ListenerConfig tunes the per-user push listeners.
type ListenerConfig struct {
	RestartDelay   time.Duration // wait before resubscribing after a failure
	ConnectTimeout time.Duration // budget for the best-effort auto connect
	DedupeTTL      time.Duration // duplicate-delivery absorption window
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		RestartDelay:   5 * time.Second,
		ConnectTimeout: 30 * time.Second,
		DedupeTTL:      10 * time.Minute,
	}
}

// Listeners runs one push listener goroutine per registered user. Each
// listener subscribes with the user's stored credentials, classifies pairing
// notifications, and either records a paired endpoint or opens a naming
// session. Stream and subscription failures restart the listener after a
// short delay and are never surfaced to the user.
type Listeners struct {
	cfg      ListenerConfig
	notifier Notifier
	users    store.UserStore
	conns    Connector
	sessions *Sessions
	queue    *bus.Bus
	dedupe   *bus.Dedupe
	prompt   Prompter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewListeners(cfg ListenerConfig, notifier Notifier, users store.UserStore,
	conns Connector, sessions *Sessions, queue *bus.Bus, prompt Prompter) *Listeners {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	l := &Listeners{
		cfg:      cfg,
		notifier: notifier,
		users:    users,
		conns:    conns,
		sessions: sessions,
		queue:    queue,
		dedupe:   bus.NewDedupe(cfg.DedupeTTL, 5000),
		prompt:   prompt,
		cancels:  make(map[string]context.CancelFunc),
	}
	// Once a naming session closes, a fresh pairing of the same entity is a
	// deliberate retry, not a duplicate delivery.
	sessions.OnClose(func(p Pending) {
		l.dedupe.Forget(entityDedupeKey(p.UserID, p.EntityID))
	})
	return l
}

// Start launches the user's listener. A second Start for the same user is a
// no-op.
func (l *Listeners) Start(ctx context.Context, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, running := l.cancels[userID]; running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancels[userID] = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(runCtx, userID)
	}()
}

// Stop cancels the user's listener and forgets any open naming session.
func (l *Listeners) Stop(userID string) {
	l.mu.Lock()
	cancel, ok := l.cancels[userID]
	delete(l.cancels, userID)
	l.mu.Unlock()
	if ok {
		cancel()
	}
	l.sessions.Forget(userID)
}

// StopAll cancels every listener and waits for them to exit.
func (l *Listeners) StopAll() {
	l.mu.Lock()
	for id, cancel := range l.cancels {
		cancel()
		delete(l.cancels, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listeners) run(ctx context.Context, userID string) {
	for {
		user, err := l.users.GetUser(userID)
		if err != nil || len(user.Credentials) == 0 {
			slog.Debug("push credentials not available", "user", userID, "error", err)
			if !sleepCtx(ctx, l.cfg.RestartDelay) {
				return
			}
			continue
		}

		stream, err := l.notifier.Subscribe(ctx, user.Credentials)
		if err != nil {
			slog.Warn("push subscription failed, restarting listener",
				"user", userID, "error", err)
			if !sleepCtx(ctx, l.cfg.RestartDelay) {
				return
			}
			continue
		}
		slog.Info("pairing listener started", "user", userID)

	recv:
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-stream:
				if !ok {
					break recv
				}
				l.handle(ctx, userID, raw)
			}
		}

		slog.Warn("push stream ended, restarting listener", "user", userID)
		if !sleepCtx(ctx, l.cfg.RestartDelay) {
			return
		}
	}
}

func (l *Listeners) handle(ctx context.Context, userID string, raw json.RawMessage) {
	p, ok := decodePairing(raw)
	if !ok {
		slog.Debug("dropped non-pairing notification", "user", userID)
		return
	}

	switch p.Type {
	case payloadServer:
		l.handleServer(ctx, userID, p)
	case payloadEntity:
		l.handleEntity(userID, p)
	default:
		slog.Debug("dropped pairing payload with unknown type",
			"user", userID, "type", p.Type)
	}
}

// handleServer records (or refreshes) the paired endpoint and kicks off a
// best-effort connect in the background. Connect failure is not an error
// here: the endpoint stays paired and the user can switch to it later.
func (l *Listeners) handleServer(ctx context.Context, userID string, p payload) {
	if p.IP == "" || p.Port <= 0 {
		slog.Debug("dropped server pairing without address", "user", userID)
		return
	}
	key := net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))

	dedupeKey := fmt.Sprintf("%s|server|%s|%d", userID, key, p.PlayerToken)
	if l.dedupe.Seen(dedupeKey) {
		slog.Debug("dropped duplicate server pairing", "user", userID, "endpoint", key)
		return
	}

	name := p.Name
	if name == "" {
		name = key
	}
	ep := store.PairedEndpoint{
		Host:        p.IP,
		Port:        int(p.Port),
		Name:        name,
		PlayerToken: int64(p.PlayerToken),
		PairedAt:    time.Now(),
	}
	if err := l.users.UpsertEndpoint(userID, ep); err != nil {
		slog.Error("store endpoint pairing", "user", userID, "endpoint", key, "error", err)
		return
	}
	slog.Info("endpoint paired", "user", userID, "endpoint", name, "addr", key)

	if l.conns != nil {
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ConnectTimeout)
			defer cancel()
			if err := l.conns.Connect(cctx, userID, ep.Key()); err != nil {
				slog.Warn("auto connect after pairing failed",
					"user", userID, "endpoint", key, "error", err)
			}
		}()
	}

	l.queue.Publish(bus.Event{
		Kind:         bus.EndpointPaired,
		UserID:       userID,
		EndpointKey:  ep.Key(),
		EndpointName: name,
	})
}

// handleEntity opens a naming session for the paired device. A session
// already in progress keeps its place; the user is told to finish it first.
func (l *Listeners) handleEntity(userID string, p payload) {
	if p.EntityID <= 0 {
		slog.Debug("dropped entity pairing without id", "user", userID)
		return
	}

	dedupeKey := entityDedupeKey(userID, uint32(p.EntityID))
	if l.dedupe.Seen(dedupeKey) {
		slog.Debug("dropped duplicate entity pairing", "user", userID, "entity", int64(p.EntityID))
		return
	}

	endpointKey := ""
	if p.IP != "" && p.Port > 0 {
		endpointKey = net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
	}

	kind := store.ParseDeviceKind(int(p.EntityType))

	pending := Pending{
		UserID:      userID,
		EndpointKey: endpointKey,
		EntityID:    uint32(p.EntityID),
		Kind:        kind,
		EntityName:  p.EntityName,
	}
	if err := l.sessions.Open(pending); err != nil {
		// Nothing was opened, so the next delivery of this entity must not
		// be absorbed as a duplicate.
		l.dedupe.Forget(dedupeKey)
		if errors.Is(err, ErrPairingBusy) {
			l.tell(userID, "Finish naming your pending device before pairing another.")
		}
		slog.Debug("entity pairing not opened", "user", userID,
			"entity", int64(p.EntityID), "error", err)
		return
	}

	l.queue.Publish(bus.Event{
		Kind:        bus.DevicePaired,
		UserID:      userID,
		EndpointKey: endpointKey,
		EntityID:    uint32(p.EntityID),
		DeviceName:  p.EntityName,
	})
	l.tell(userID, fmt.Sprintf("Paired %s (%s). Reply with a name (1-50 letters, digits, - or _), or 'skip'.",
		deviceLabel(p), kind.String()))
}

func (l *Listeners) tell(userID, text string) {
	if l.prompt == nil {
		return
	}
	if err := l.prompt.Prompt(userID, text); err != nil {
		slog.Warn("prompt delivery failed", "user", userID, "error", err)
	}
}

func entityDedupeKey(userID string, entityID uint32) string {
	return fmt.Sprintf("%s|entity|%d", userID, entityID)
}

func deviceLabel(p payload) string {
	if p.EntityName != "" {
		return p.EntityName
	}
	return fmt.Sprintf("entity %d", int64(p.EntityID))
}

// sleepCtx waits d or until the context ends; false means the context won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
