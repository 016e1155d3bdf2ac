// Package bus carries classified events from listeners and watchers to the
// orchestrator loop. Producers publish onto a buffered channel; the
// orchestrator is the single consumer and the only writer of shared state
// driven by events.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an intake event.
type Kind string

const (
	// EndpointPaired means a backend pairing notification added or refreshed
	// a paired endpoint for the user.
	EndpointPaired Kind = "endpoint_paired"
	// DevicePaired means an in-game device pairing arrived and a naming
	// session was opened.
	DevicePaired Kind = "device_paired"
	// PairingResolved means a naming session reached a terminal state.
	PairingResolved Kind = "pairing_resolved"
	// Death means a team member transitioned alive -> dead.
	Death Kind = "death"
	// Respawn means a team member transitioned dead -> alive.
	Respawn Kind = "respawn"
	// ConnectionLost means a user's live session dropped.
	ConnectionLost Kind = "connection_lost"
	// TeamChat means a team chat line arrived on a user's live session.
	TeamChat Kind = "team_chat"
)

// Event is one classified intake item. Only the fields relevant to the Kind
// are set.
type Event struct {
	ID     string
	Kind   Kind
	UserID string
	At     time.Time

	// Endpoint context (EndpointPaired, Death, ConnectionLost).
	EndpointKey  string
	EndpointName string

	// Device context (DevicePaired, PairingResolved).
	DeviceName string
	EntityID   uint32
	Outcome    string // PairingResolved: "named", "skipped" or "expired"

	// Player context (Death, Respawn, TeamChat).
	PlayerName string
	PlayerID   int64
	Message    string // TeamChat
	Grid       string
	X, Y       float64
}

// Bus is the intake queue. Publish never panics after Close; events
// published after shutdown are dropped.
type Bus struct {
	events chan Event

	done     chan struct{}
	doneOnce sync.Once
}

func New(size int) *Bus {
	if size <= 0 {
		size = 100
	}
	return &Bus{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Publish queues an event, assigning an ID and timestamp when missing.
// Blocks while the queue is full so producers apply backpressure instead of
// losing events.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case <-b.done:
	case b.events <- ev:
	}
}

// Consume blocks until an event is available, the context is cancelled, or
// the bus is closed. The second return is false when no event was delivered.
func (b *Bus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	case <-b.done:
		// Drain what producers got in before shutdown.
		select {
		case ev := <-b.events:
			return ev, true
		default:
			return Event{}, false
		}
	}
}

// Close releases publishers and consumers. Safe to call more than once.
func (b *Bus) Close() {
	b.doneOnce.Do(func() { close(b.done) })
}

// newEventID returns a time-ordered unique ID so event history sorts by
// creation without a separate sequence.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
