package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/conn"
	"github.com/huanndev/rustlink/internal/store"
	"github.com/huanndev/rustlink/internal/store/sqlite"
)

// --- fakes ---

type fakeSession struct {
	mu       sync.Mutex
	info     companion.ServerInfo
	clock    companion.TimeOfDay
	team     companion.TeamInfo
	setCalls []map[string]any
	teamMsgs []string
	handlers map[int]companion.EventHandler
	nextSub  int
	closed   bool
}

func (s *fakeSession) Call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case companion.OpServerInfo:
		return json.Marshal(s.info)
	case companion.OpTimeOfDay:
		return json.Marshal(s.clock)
	case companion.OpTeamInfo:
		return json.Marshal(s.team)
	case companion.OpSetEntityValue:
		s.setCalls = append(s.setCalls, args)
		return json.RawMessage(`{}`), nil
	case companion.OpSendTeamMessage:
		if msg, ok := args["message"].(string); ok {
			s.teamMsgs = append(s.teamMsgs, msg)
		}
		return json.RawMessage(`{}`), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (s *fakeSession) Subscribe(h companion.EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]companion.EventHandler)
	}
	s.nextSub++
	id := s.nextSub
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *fakeSession) pushEvent(ev companion.Event) {
	s.mu.Lock()
	hs := make([]companion.EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) setTeam(members ...companion.TeamMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.team = companion.TeamInfo{Members: members}
}

func (s *fakeSession) setCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setCalls)
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	mapSize  int
}

func (d *fakeDialer) Dial(ctx context.Context, ep companion.Endpoint, creds companion.Credentials) (companion.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSession{info: companion.ServerInfo{Name: "srv", MapSize: d.mapSize}}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fakePush struct {
	mu      sync.Mutex
	streams map[string]chan json.RawMessage
}

func newFakePush() *fakePush {
	return &fakePush{streams: make(map[string]chan json.RawMessage)}
}

func (p *fakePush) Subscribe(ctx context.Context, creds json.RawMessage) (<-chan json.RawMessage, error) {
	var id struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(creds, &id); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan json.RawMessage, 16)
	p.streams[id.User] = ch
	return ch, nil
}

func (p *fakePush) send(userID string, raw json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.streams[userID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- raw
	return true
}

type fakeNotify struct {
	mu    sync.Mutex
	sent  []string // userID: text
	texts map[string][]string
}

func newFakeNotify() *fakeNotify {
	return &fakeNotify{texts: make(map[string][]string)}
}

func (n *fakeNotify) Notify(userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID+": "+text)
	n.texts[userID] = append(n.texts[userID], text)
	return nil
}

func (n *fakeNotify) Prompt(userID, text string) error { return n.Notify(userID, text) }

func (n *fakeNotify) received(userID, substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.texts[userID] {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

// --- harness ---

type env struct {
	orch   *Orchestrator
	dialer *fakeDialer
	push   *fakePush
	notify *fakeNotify
	stores store.Stores
	cancel context.CancelFunc
}

func startOrchestrator(t *testing.T) *env {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.Conn.Retry = conn.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.Conn.CallTimeout = time.Second
	cfg.Conn.RateLimit = 1000
	cfg.Conn.RateBurst = 1000
	cfg.Listener.RestartDelay = 5 * time.Millisecond
	cfg.Watch.PollInterval = 20 * time.Millisecond

	dialer := &fakeDialer{mapSize: 4000}
	push := newFakePush()
	notify := newFakeNotify()
	stores := db.Stores()

	o := New(cfg, stores, dialer, push, notify, notify)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	return &env{orch: o, dialer: dialer, push: push, notify: notify, stores: stores, cancel: cancel}
}

func creds(userID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"user":%q}`, userID))
}

func serverPairing(ip string, port int, name string, token int64) json.RawMessage {
	body := fmt.Sprintf(`{"type":"server","ip":"%s","port":"%d","name":"%s","playerToken":"%d"}`,
		ip, port, name, token)
	raw, _ := json.Marshal(map[string]string{"channelId": "pairing", "body": body})
	return raw
}

func entityPairing(ip string, port int, entityID uint32, entityType int) json.RawMessage {
	body := fmt.Sprintf(`{"type":"entity","ip":"%s","port":"%d","entityId":"%d","entityType":"%d"}`,
		ip, port, entityID, entityType)
	raw, _ := json.Marshal(map[string]string{"channelId": "pairing", "body": body})
	return raw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func registerAndPair(t *testing.T, e *env, userID string) {
	t.Helper()
	if err := e.orch.RegisterUser(userID, "tester", 76561198000000001, creds(userID)); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "push stream", func() bool {
		return e.push.send(userID, serverPairing("1.1.1.1", 28017, "Main", 777))
	})
	waitFor(t, "auto connect", func() bool {
		return e.orch.ActiveSession(userID).Connected
	})
}

// --- tests ---

func TestRegisterValidatesGameID(t *testing.T) {
	e := startOrchestrator(t)
	if err := e.orch.RegisterUser("u1", "x", 12345, creds("u1")); err == nil {
		t.Fatal("expected game ID validation error")
	}
}

func TestPairConnectNameToggle(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	// Endpoint recorded and announced.
	eps, err := e.orch.ListEndpoints("u1")
	if err != nil || len(eps) != 1 || eps[0].Name != "Main" {
		t.Fatalf("endpoints = %+v, err %v", eps, err)
	}
	waitFor(t, "pairing notice", func() bool {
		return e.notify.received("u1", "Paired with Main")
	})

	// Device pairing opens a naming session and prompts.
	e.push.send("u1", entityPairing("1.1.1.1", 28017, 555, 1))
	waitFor(t, "naming prompt", func() bool {
		return e.notify.received("u1", "Reply with a name")
	})

	// Bad name re-prompts, then a good one lands.
	e.orch.HandleReply("u1", "not a valid name!")
	waitFor(t, "re-prompt", func() bool {
		return e.notify.received("u1", "Try again")
	})
	e.orch.HandleReply("u1", "Garage")
	waitFor(t, "saved notice", func() bool {
		return e.notify.received("u1", "Device Garage saved")
	})

	devs, err := e.orch.ListDevices("u1")
	if err != nil || len(devs) != 1 || devs[0].EntityID != 555 {
		t.Fatalf("devices = %+v, err %v", devs, err)
	}

	// Toggle routes a setEntityValue through the live session.
	d, err := e.orch.ToggleDevice(context.Background(), "u1", "Garage", true)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if d.EntityID != 555 {
		t.Errorf("toggled wrong device %+v", d)
	}
	if e.dialer.last().setCallCount() != 1 {
		t.Errorf("expected 1 setEntityValue call, got %d", e.dialer.last().setCallCount())
	}
}

func TestStrayReplyIgnored(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	e.orch.HandleReply("u1", "hello there")
	time.Sleep(30 * time.Millisecond)
	if e.notify.received("u1", "Try again") || e.notify.received("u1", "Could not save") {
		t.Error("stray reply produced an error notice")
	}
}

func TestDeathWatchEndToEnd(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	sess := e.dialer.last()
	sess.setTeam(companion.TeamMember{PlayerID: 9, Name: "shelby", IsAlive: true, X: 0, Y: 0})
	waitFor(t, "first snapshot", func() bool {
		return e.orch.ActiveSession("u1").Connected
	})
	time.Sleep(60 * time.Millisecond) // at least one poll with the member alive

	sess.setTeam(companion.TeamMember{PlayerID: 9, Name: "shelby", IsAlive: false, X: 0, Y: 0})
	waitFor(t, "death notice", func() bool {
		return e.notify.received("u1", "shelby died at N13")
	})

	waitFor(t, "death history", func() bool {
		recs, err := e.orch.RecentEvents("u1", time.Hour, 10)
		return err == nil && len(recs) == 1 && recs[0].Grid == "N13"
	})
}

func TestTeamChatRelayed(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	sess := e.dialer.last()
	sess.pushEvent(companion.Event{
		Kind: companion.EventTeamChat, PlayerName: "shelby", Message: "need backup",
	})
	waitFor(t, "chat notice", func() bool {
		return e.notify.received("u1", "[team] shelby: need backup")
	})
}

func TestTeamChatSilencedAfterSwitch(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")
	old := e.dialer.last()

	e.push.send("u1", serverPairing("2.2.2.2", 28017, "Second", 888))
	waitFor(t, "second endpoint", func() bool {
		eps, _ := e.orch.ListEndpoints("u1")
		return len(eps) == 2
	})
	if _, err := e.orch.SwitchEndpoint(context.Background(), "u1", "Second"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// The torn-down session's events must not reach the user.
	old.pushEvent(companion.Event{
		Kind: companion.EventTeamChat, PlayerName: "ghost", Message: "stale",
	})
	time.Sleep(50 * time.Millisecond)
	if e.notify.received("u1", "ghost") {
		t.Error("chat from the replaced session was relayed")
	}

	e.dialer.last().pushEvent(companion.Event{
		Kind: companion.EventTeamChat, PlayerName: "shelby", Message: "fresh",
	})
	waitFor(t, "chat from new session", func() bool {
		return e.notify.received("u1", "[team] shelby: fresh")
	})
}

func TestSendTeamMessage(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	if err := e.orch.SendTeamMessage(context.Background(), "u1", "rally at N13"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sess := e.dialer.last()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.teamMsgs) != 1 || sess.teamMsgs[0] != "rally at N13" {
		t.Errorf("team messages = %v", sess.teamMsgs)
	}
}

func TestGameTime(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	sess := e.dialer.last()
	sess.mu.Lock()
	sess.clock = companion.TimeOfDay{Time: 14.5}
	sess.mu.Unlock()

	tod, err := e.orch.GameTime(context.Background(), "u1")
	if err != nil {
		t.Fatalf("game time: %v", err)
	}
	if got := tod.Formatted(); got != "2:30 PM" {
		t.Errorf("formatted time = %s, want 2:30 PM", got)
	}
}

func TestRepairSameEntityAfterSkip(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	e.push.send("u1", entityPairing("1.1.1.1", 28017, 555, 1))
	waitFor(t, "naming prompt", func() bool {
		return e.notify.received("u1", "Reply with a name")
	})
	e.orch.HandleReply("u1", "skip")
	waitFor(t, "skip notice", func() bool {
		return e.notify.received("u1", "Pairing skipped")
	})

	// Pairing the same device again starts over with a fresh session.
	e.push.send("u1", entityPairing("1.1.1.1", 28017, 555, 1))
	waitFor(t, "second naming session", func() bool {
		_, err := e.orch.ResolvePendingPairing("u1", "Garage")
		return err == nil
	})
	devs, err := e.orch.ListDevices("u1")
	if err != nil || len(devs) != 1 || devs[0].Name != "Garage" {
		t.Fatalf("devices = %+v, err %v", devs, err)
	}
}

func TestToggleRejectsNonSwitch(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	if err := e.orch.AddDevice(store.Device{
		UserID: "u1", EndpointKey: "1.1.1.1:28017", Name: "BaseAlarm",
		EntityID: 900, Kind: store.KindAlarm,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.ToggleDevice(context.Background(), "u1", "BaseAlarm", true); err == nil {
		t.Fatal("expected toggle to reject a non-switch device")
	}
}

func TestSwitchEndpointByIndex(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	e.push.send("u1", serverPairing("2.2.2.2", 28017, "Second", 888))
	waitFor(t, "second endpoint", func() bool {
		eps, _ := e.orch.ListEndpoints("u1")
		return len(eps) == 2
	})

	ep, err := e.orch.SwitchEndpoint(context.Background(), "u1", "1")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if ep.Name != "Main" {
		t.Errorf("switched to %s, want Main", ep.Name)
	}
	st := e.orch.ActiveSession("u1")
	if !st.Connected || st.Endpoint.Key() != "1.1.1.1:28017" {
		t.Errorf("active session %+v", st)
	}
}

func TestUnregisterCascades(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")

	if err := e.orch.UnregisterUser("u1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if st := e.orch.ActiveSession("u1"); st.Connected {
		t.Error("connection survived unregister")
	}
	if _, err := e.stores.Users.GetUser("u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("user record survived unregister: %v", err)
	}
	if eps, _ := e.stores.Users.ListEndpoints("u1"); len(eps) != 0 {
		t.Errorf("endpoints survived unregister: %+v", eps)
	}
}

func TestCrossUserIsolation(t *testing.T) {
	e := startOrchestrator(t)
	registerAndPair(t, e, "u1")
	registerAndPair(t, e, "u2")

	eps1, _ := e.orch.ListEndpoints("u1")
	eps2, _ := e.orch.ListEndpoints("u2")
	if len(eps1) != 1 || len(eps2) != 1 {
		t.Fatalf("endpoint counts: u1=%d u2=%d", len(eps1), len(eps2))
	}

	if err := e.orch.UnregisterUser("u2"); err != nil {
		t.Fatal(err)
	}
	if st := e.orch.ActiveSession("u1"); !st.Connected {
		t.Error("u1's connection lost when u2 unregistered")
	}
}
