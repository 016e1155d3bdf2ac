package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huanndev/rustlink/internal/bus"
	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	endpoint string // "" means no active connection
	mapSize  int
	team     companion.TeamInfo
	teamErr  error
}

func (b *fakeBackend) Active(userID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint, b.endpoint != ""
}

func (b *fakeBackend) TeamInfo(ctx context.Context, userID string) (companion.TeamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.team, b.teamErr
}

func (b *fakeBackend) ServerInfo(ctx context.Context, userID string) (companion.ServerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return companion.ServerInfo{Name: "test", MapSize: b.mapSize}, nil
}

func (b *fakeBackend) setTeam(members ...companion.TeamMember) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.team = companion.TeamInfo{Members: members}
}

type memDeaths struct {
	mu      sync.Mutex
	records []store.DeathRecord
}

func (m *memDeaths) AppendDeath(d store.DeathRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, d)
	return nil
}

func (m *memDeaths) RecentDeaths(userID, endpointKey string, window time.Duration, limit int) ([]store.DeathRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.DeathRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memDeaths) ClearDeaths(userID, endpointKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	m.records = nil
	return n, nil
}

func (m *memDeaths) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type usersStub struct {
	store.UserStore
}

func (usersStub) ListUsers() ([]store.UserAccount, error) {
	return []store.UserAccount{{ID: "u1"}}, nil
}

func testWatcher(t *testing.T, cfg Config) (*Watcher, *fakeBackend, *memDeaths, *bus.Bus) {
	t.Helper()
	backend := &fakeBackend{endpoint: "1.1.1.1:28017", mapSize: 4000}
	deaths := &memDeaths{}
	queue := bus.New(32)
	t.Cleanup(queue.Close)
	w := New(cfg, backend, usersStub{}, deaths, queue)
	return w, backend, deaths, queue
}

func noEvent(t *testing.T, queue *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if ev, ok := queue.Consume(ctx); ok {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func oneEvent(t *testing.T, queue *bus.Bus) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := queue.Consume(ctx)
	if !ok {
		t.Fatal("expected an event")
	}
	return ev
}

func member(id int64, name string, alive bool, x, y float64) companion.TeamMember {
	return companion.TeamMember{PlayerID: id, Name: name, IsAlive: alive, X: x, Y: y}
}

func TestFirstSightingIsSilent(t *testing.T) {
	w, backend, deaths, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", false, 100, 100)) // already dead on first poll
	w.pollAll(context.Background())

	noEvent(t, queue)
	if deaths.count() != 0 {
		t.Errorf("first sighting recorded %d deaths", deaths.count())
	}
}

func TestDeathTransition(t *testing.T) {
	w, backend, deaths, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", true, 0, 0)) // map center
	w.pollAll(context.Background())
	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())

	ev := oneEvent(t, queue)
	if ev.Kind != bus.Death || ev.PlayerName != "shelby" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Grid != "N13" {
		t.Errorf("grid = %s, want N13", ev.Grid)
	}

	if deaths.count() != 1 {
		t.Fatalf("expected 1 death record, got %d", deaths.count())
	}
	rec := deaths.records[0]
	if rec.Grid != "N13" || rec.PlayerID != 1 || rec.EndpointKey != "1.1.1.1:28017" || rec.ID == "" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestDeathOnlyOnce(t *testing.T) {
	w, backend, deaths, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())
	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())
	w.pollAll(context.Background()) // still dead

	oneEvent(t, queue)
	noEvent(t, queue)
	if deaths.count() != 1 {
		t.Errorf("staying dead recorded %d deaths", deaths.count())
	}
}

func TestRespawnSilentByDefault(t *testing.T) {
	w, backend, _, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())
	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())

	noEvent(t, queue)
}

func TestRespawnAnnouncedWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnnounceRespawns = true
	w, backend, _, queue := testWatcher(t, cfg)

	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())
	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())

	ev := oneEvent(t, queue)
	if ev.Kind != bus.Respawn || ev.PlayerName != "shelby" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestNoConnectionSkipsAndResumes(t *testing.T) {
	w, backend, _, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())

	// Connection drops: one ConnectionLost, then silence.
	backend.mu.Lock()
	backend.endpoint = ""
	backend.mu.Unlock()
	w.pollAll(context.Background())
	w.pollAll(context.Background())

	ev := oneEvent(t, queue)
	if ev.Kind != bus.ConnectionLost || ev.EndpointKey != "1.1.1.1:28017" {
		t.Fatalf("unexpected event %+v", ev)
	}
	noEvent(t, queue)

	// Connection returns: state was reset, so a dead member on the fresh
	// snapshot is a first sighting, not a death.
	backend.mu.Lock()
	backend.endpoint = "1.1.1.1:28017"
	backend.mu.Unlock()
	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())
	noEvent(t, queue)
}

func TestEndpointSwitchResetsState(t *testing.T) {
	w, backend, _, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())

	// Same member reported dead on a different server: not a death there.
	backend.mu.Lock()
	backend.endpoint = "9.9.9.9:28017"
	backend.mu.Unlock()
	backend.setTeam(member(1, "shelby", false, 0, 0))
	w.pollAll(context.Background())

	noEvent(t, queue)
}

func TestMemberLeavesAndRejoins(t *testing.T) {
	w, backend, _, queue := testWatcher(t, DefaultConfig())

	backend.setTeam(member(1, "shelby", true, 0, 0))
	w.pollAll(context.Background())
	backend.setTeam() // left the team
	w.pollAll(context.Background())
	backend.setTeam(member(1, "shelby", false, 0, 0)) // rejoined dead
	w.pollAll(context.Background())

	noEvent(t, queue)
}
