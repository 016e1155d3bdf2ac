// Package companion is the client capability for the remote companion API:
// dialing a backend endpoint with a user's per-server credentials, issuing
// request/response calls over the session, and receiving server-pushed
// events. The orchestration layer only depends on the Dialer and Session
// interfaces; the default implementation speaks JSON frames over WebSocket.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEndpointUnreachable means the transport could not be established.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")
	// ErrInvalidToken means the backend rejected the player credentials.
	ErrInvalidToken = errors.New("invalid player token")
	// ErrTimeout means a call did not complete within its deadline.
	ErrTimeout = errors.New("call timed out")
	// ErrDisconnected means the session dropped while a call was in flight.
	ErrDisconnected = errors.New("session disconnected")
)

// Endpoint addresses one backend server.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Credentials authenticate one player against one endpoint. The token is
// issued per user+server during pairing.
type Credentials struct {
	PlayerID    int64
	PlayerToken int64
}

// Session is a live connection to one endpoint for one user.
type Session interface {
	// Call issues a request and waits for the matching response.
	Call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error)
	// Subscribe registers a handler for server-pushed events. The returned
	// func removes the handler; it is safe to call more than once.
	Subscribe(h EventHandler) (unsubscribe func())
	Close() error
}

// Dialer constructs sessions.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, creds Credentials) (Session, error)
}

// EventKind classifies server-pushed events.
type EventKind string

const (
	EventTeamChat    EventKind = "team_chat"
	EventTeamChanged EventKind = "team_changed"
)

// Event is a server-pushed message delivered to subscribers.
type Event struct {
	Kind       EventKind `json:"kind"`
	PlayerID   int64     `json:"player_id,omitempty"`
	PlayerName string    `json:"player_name,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// EventHandler receives pushed events. Handlers must not block.
type EventHandler func(Event)

// TeamMember is one player in the team snapshot.
type TeamMember struct {
	Name     string  `json:"name"`
	PlayerID int64   `json:"player_id"`
	IsOnline bool    `json:"is_online"`
	IsAlive  bool    `json:"is_alive"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// TeamInfo is the team/presence snapshot the watcher polls.
type TeamInfo struct {
	Members []TeamMember `json:"members"`
}

// ServerInfo describes the connected server.
type ServerInfo struct {
	Name          string `json:"name"`
	Players       int    `json:"players"`
	MaxPlayers    int    `json:"max_players"`
	QueuedPlayers int    `json:"queued_players"`
	Map           string `json:"map"`
	MapSize       int    `json:"map_size"`
	Seed          int64  `json:"seed"`
	WipeTime      int64  `json:"wipe_time"`
}

// TimeOfDay is the in-game clock.
type TimeOfDay struct {
	Time    float64 `json:"time"`
	Sunrise float64 `json:"sunrise"`
	Sunset  float64 `json:"sunset"`
}

// Formatted renders a fractional hour like 14.5 as "2:30 PM".
func (t TimeOfDay) Formatted() string {
	hour := int(t.Time)
	minute := int((t.Time - float64(hour)) * 60)
	ampm := "AM"
	if hour >= 12 {
		ampm = "PM"
	}
	hour12 := hour % 12
	if hour12 == 0 {
		hour12 = 12
	}
	return fmt.Sprintf("%d:%02d %s", hour12, minute, ampm)
}

// Operation names understood by the backend.
const (
	OpServerInfo      = "getInfo"
	OpTimeOfDay       = "getTime"
	OpTeamInfo        = "getTeamInfo"
	OpSetEntityValue  = "setEntityValue"
	OpSendTeamMessage = "sendTeamMessage"
)

// Typed call helpers. They go through Session.Call so fakes only need to
// implement the raw interface.

func GetServerInfo(ctx context.Context, s Session) (ServerInfo, error) {
	var info ServerInfo
	raw, err := s.Call(ctx, OpServerInfo, nil)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("decode server info: %w", err)
	}
	return info, nil
}

func GetTeamInfo(ctx context.Context, s Session) (TeamInfo, error) {
	var team TeamInfo
	raw, err := s.Call(ctx, OpTeamInfo, nil)
	if err != nil {
		return team, err
	}
	if err := json.Unmarshal(raw, &team); err != nil {
		return team, fmt.Errorf("decode team info: %w", err)
	}
	return team, nil
}

func GetTimeOfDay(ctx context.Context, s Session) (TimeOfDay, error) {
	var tod TimeOfDay
	raw, err := s.Call(ctx, OpTimeOfDay, nil)
	if err != nil {
		return tod, err
	}
	if err := json.Unmarshal(raw, &tod); err != nil {
		return tod, fmt.Errorf("decode time: %w", err)
	}
	return tod, nil
}

func SetEntityValue(ctx context.Context, s Session, entityID uint32, value bool) error {
	_, err := s.Call(ctx, OpSetEntityValue, map[string]any{"entityId": entityID, "value": value})
	return err
}

func SendTeamMessage(ctx context.Context, s Session, message string) error {
	_, err := s.Call(ctx, OpSendTeamMessage, map[string]any{"message": message})
	return err
}
