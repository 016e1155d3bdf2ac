// Package watch polls each connected user's team snapshot and turns
// alive/dead transitions into events and durable death records.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huanndev/rustlink/internal/bus"
	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/grid"
	"github.com/huanndev/rustlink/internal/store"
)

// Backend is the slice of the connection layer the watcher needs: who is
// connected where, and snapshot calls routed through the retrying wrapper.
type Backend interface {
	Active(userID string) (endpointKey string, ok bool)
	TeamInfo(ctx context.Context, userID string) (companion.TeamInfo, error)
	ServerInfo(ctx context.Context, userID string) (companion.ServerInfo, error)
}

// Config tunes the watcher.
type Config struct {
	PollInterval time.Duration // default 10s
	// AnnounceRespawns emits Respawn events for dead -> alive transitions.
	// Default off: deaths are the signal people care about.
	AnnounceRespawns bool
}

func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second}
}

// memberState is the last observed state of one team member.
type memberState struct {
	alive bool
}

// userState is the watcher's memory for one user. Keyed by the endpoint the
// user was connected to when it was built; switching servers resets it so a
// stale snapshot never produces a death on the new server.
type userState struct {
	endpointKey string
	mapSize     int
	members     map[int64]memberState
	hadActive   bool
}

// Watcher diffs consecutive team snapshots per connected user. A user with
// no active connection is skipped silently and picked back up when one
// exists again.
type Watcher struct {
	cfg     Config
	backend Backend
	users   store.UserStore
	deaths  store.DeathLog
	queue   *bus.Bus

	mu     sync.Mutex
	states map[string]*userState

	now func() time.Time // test hook
}

func New(cfg Config, backend Backend, users store.UserStore, deaths store.DeathLog, queue *bus.Bus) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Watcher{
		cfg:     cfg,
		backend: backend,
		users:   users,
		deaths:  deaths,
		queue:   queue,
		states:  make(map[string]*userState),
		now:     time.Now,
	}
}

// Run polls until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

func (w *Watcher) pollAll(ctx context.Context) {
	users, err := w.users.ListUsers()
	if err != nil {
		slog.Warn("watcher: list users", "error", err)
		return
	}
	for _, u := range users {
		w.poll(ctx, u.ID)
	}
}

// Forget drops the watcher's memory for the user (unregister).
func (w *Watcher) Forget(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.states, userID)
}

func (w *Watcher) poll(ctx context.Context, userID string) {
	w.mu.Lock()
	st, ok := w.states[userID]
	if !ok {
		st = &userState{members: make(map[int64]memberState)}
		w.states[userID] = st
	}
	w.mu.Unlock()

	epKey, connected := w.backend.Active(userID)
	if !connected {
		if st.hadActive {
			st.hadActive = false
			w.queue.Publish(bus.Event{
				Kind:        bus.ConnectionLost,
				UserID:      userID,
				EndpointKey: st.endpointKey,
			})
		}
		return
	}

	if !st.hadActive || st.endpointKey != epKey {
		info, err := w.backend.ServerInfo(ctx, userID)
		if err != nil {
			slog.Debug("watcher: server info", "user", userID, "error", err)
			return
		}
		st.endpointKey = epKey
		st.mapSize = info.MapSize
		st.members = make(map[int64]memberState)
		st.hadActive = true
	}

	team, err := w.backend.TeamInfo(ctx, userID)
	if err != nil {
		slog.Debug("watcher: team info", "user", userID, "error", err)
		return
	}

	seen := make(map[int64]bool, len(team.Members))
	for _, m := range team.Members {
		seen[m.PlayerID] = true
		prev, known := st.members[m.PlayerID]
		if known {
			switch {
			case prev.alive && !m.IsAlive:
				w.recordDeath(userID, st, m)
			case !prev.alive && m.IsAlive && w.cfg.AnnounceRespawns:
				w.queue.Publish(bus.Event{
					Kind:        bus.Respawn,
					UserID:      userID,
					EndpointKey: st.endpointKey,
					PlayerName:  m.Name,
					PlayerID:    m.PlayerID,
				})
			}
		}
		st.members[m.PlayerID] = memberState{alive: m.IsAlive}
	}
	for id := range st.members {
		if !seen[id] {
			delete(st.members, id)
		}
	}
}

func (w *Watcher) recordDeath(userID string, st *userState, m companion.TeamMember) {
	g := grid.Ref(m.X, m.Y, st.mapSize)
	rec := store.DeathRecord{
		ID:          newRecordID(),
		UserID:      userID,
		EndpointKey: st.endpointKey,
		PlayerName:  m.Name,
		PlayerID:    m.PlayerID,
		X:           m.X,
		Y:           m.Y,
		Grid:        g,
		MapSize:     st.mapSize,
		At:          w.now(),
	}
	if err := w.deaths.AppendDeath(rec); err != nil {
		slog.Warn("watcher: append death", "user", userID, "player", m.Name, "error", err)
	}
	slog.Info("teammate died", "user", userID, "player", m.Name, "grid", g)

	w.queue.Publish(bus.Event{
		Kind:        bus.Death,
		UserID:      userID,
		EndpointKey: st.endpointKey,
		PlayerName:  m.Name,
		PlayerID:    m.PlayerID,
		Grid:        g,
		X:           m.X,
		Y:           m.Y,
	})
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
