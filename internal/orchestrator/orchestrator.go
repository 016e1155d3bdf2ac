// Package orchestrator wires the stores, connection manager, pairing
// listeners, naming sessions and team watcher together, consumes the event
// queue, and exposes the operation surface the chat layer calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/huanndev/rustlink/internal/bus"
	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/conn"
	"github.com/huanndev/rustlink/internal/pairing"
	"github.com/huanndev/rustlink/internal/store"
	"github.com/huanndev/rustlink/internal/watch"
)

// Notifier delivers a short text notice to a user. May be nil when no chat
// adapter is configured; notices are then dropped.
type Notifier interface {
	Notify(userID, text string) error
}

// Config bundles the tunables for the subsystems the orchestrator owns.
type Config struct {
	Conn     conn.Config
	Pairing  pairing.SessionsConfig
	Listener pairing.ListenerConfig
	Watch    watch.Config
}

func DefaultConfig() Config {
	return Config{
		Conn:     conn.DefaultConfig(),
		Pairing:  pairing.DefaultSessionsConfig(),
		Listener: pairing.DefaultListenerConfig(),
		Watch:    watch.DefaultConfig(),
	}
}

// Orchestrator is the daemon core. All state outside the stores — active
// connections, health records, pending pairings, watcher snapshots — is
// in-memory and rebuilt from the stores on restart.
type Orchestrator struct {
	stores    store.Stores
	manager   *conn.Manager
	sessions  *pairing.Sessions
	listeners *pairing.Listeners
	watcher   *watch.Watcher
	queue     *bus.Bus
	notify    Notifier

	mu      sync.Mutex
	runCtx  context.Context
	started bool
}

// New assembles the orchestrator. notify and prompt may be nil; push is the
// notification stream capability, dialer the companion transport.
func New(cfg Config, stores store.Stores, dialer companion.Dialer,
	push pairing.Notifier, notify Notifier, prompt pairing.Prompter) *Orchestrator {

	queue := bus.New(256)
	manager := conn.NewManager(cfg.Conn, dialer, stores.Users,
		func(userID string, ev companion.Event) {
			if ev.Kind != companion.EventTeamChat {
				return
			}
			queue.Publish(bus.Event{
				Kind:       bus.TeamChat,
				UserID:     userID,
				PlayerName: ev.PlayerName,
				PlayerID:   ev.PlayerID,
				Message:    ev.Message,
			})
		})
	sessions := pairing.NewSessions(cfg.Pairing, stores.Devices, queue)
	listeners := pairing.NewListeners(cfg.Listener, push, stores.Users, manager,
		sessions, queue, prompt)

	o := &Orchestrator{
		stores:    stores,
		manager:   manager,
		sessions:  sessions,
		listeners: listeners,
		queue:     queue,
		notify:    notify,
	}
	o.watcher = watch.New(cfg.Watch, backendAdapter{manager}, stores.Users,
		stores.Deaths, queue)
	return o
}

// Run starts every subsystem and consumes the event queue until the context
// ends. Startup reconnects each registered user's most recent endpoint
// best-effort and starts their push listener.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.started = true
	o.runCtx = ctx
	o.mu.Unlock()

	users, err := o.stores.Users.ListUsers()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		o.listeners.Start(ctx, u.ID)
		go func(id string) {
			if err := o.manager.EnsureConnected(ctx, id); err != nil {
				slog.Debug("startup reconnect skipped", "user", id, "error", err)
			}
		}(u.ID)
	}
	slog.Info("orchestrator started", "users", len(users))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.sessions.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		o.watcher.Run(ctx)
	}()

	for {
		ev, ok := o.queue.Consume(ctx)
		if !ok {
			break
		}
		o.dispatch(ev)
	}

	o.listeners.StopAll()
	o.manager.CloseAll()
	o.queue.Close()
	wg.Wait()
	slog.Info("orchestrator stopped")
	return nil
}

// dispatch turns a queue event into a user notice.
func (o *Orchestrator) dispatch(ev bus.Event) {
	switch ev.Kind {
	case bus.EndpointPaired:
		o.tell(ev.UserID, fmt.Sprintf("Paired with %s. Connecting...", ev.EndpointName))
	case bus.DevicePaired:
		// The listener already prompted for a name.
	case bus.PairingResolved:
		switch pairing.Outcome(ev.Outcome) {
		case pairing.OutcomeNamed:
			o.tell(ev.UserID, fmt.Sprintf("Device %s saved.", ev.DeviceName))
		case pairing.OutcomeSkipped:
			o.tell(ev.UserID, "Pairing skipped.")
		case pairing.OutcomeExpired:
			o.tell(ev.UserID, "Device pairing expired. Pair it again when you're ready.")
		}
	case bus.Death:
		o.tell(ev.UserID, fmt.Sprintf("%s died at %s.", ev.PlayerName, ev.Grid))
	case bus.Respawn:
		o.tell(ev.UserID, fmt.Sprintf("%s is back up.", ev.PlayerName))
	case bus.ConnectionLost:
		o.tell(ev.UserID, fmt.Sprintf("Lost connection to %s.", ev.EndpointKey))
	case bus.TeamChat:
		o.tell(ev.UserID, fmt.Sprintf("[team] %s: %s", ev.PlayerName, ev.Message))
	default:
		slog.Debug("unhandled event", "kind", ev.Kind, "user", ev.UserID)
	}
}

func (o *Orchestrator) tell(userID, text string) {
	if o.notify == nil {
		return
	}
	if err := o.notify.Notify(userID, text); err != nil {
		slog.Warn("notice delivery failed", "user", userID, "error", err)
	}
}

// managerSession presents one user's managed connection as a companion
// session so the typed call helpers apply. Calls go through the retrying
// wrapper; the manager owns the socket lifecycle and event subscriptions, so
// Subscribe and Close are inert here.
type managerSession struct {
	m      *conn.Manager
	userID string
}

func (s managerSession) Call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error) {
	return s.m.Call(ctx, s.userID, op, args)
}

func (s managerSession) Subscribe(companion.EventHandler) func() { return func() {} }

func (s managerSession) Close() error { return nil }

// session returns the user's connection in companion.Session shape.
func (o *Orchestrator) session(userID string) companion.Session {
	return managerSession{m: o.manager, userID: userID}
}

// backendAdapter narrows the connection manager to what the watcher needs,
// routing snapshot calls through the retrying Call wrapper.
type backendAdapter struct {
	m *conn.Manager
}

func (b backendAdapter) Active(userID string) (string, bool) {
	a, err := b.m.Active(userID)
	if err != nil {
		return "", false
	}
	return a.Endpoint.Key(), true
}

func (b backendAdapter) TeamInfo(ctx context.Context, userID string) (companion.TeamInfo, error) {
	return companion.GetTeamInfo(ctx, managerSession{m: b.m, userID: userID})
}

func (b backendAdapter) ServerInfo(ctx context.Context, userID string) (companion.ServerInfo, error) {
	return companion.GetServerInfo(ctx, managerSession{m: b.m, userID: userID})
}
