// Package store defines the durable record types and store interfaces:
// user accounts with push credentials, per-user paired endpoints, the named
// device registry, and the rolling death log. Backends live in subpackages.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a user, endpoint or device does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when a device name is already taken for
	// the same user and endpoint.
	ErrDuplicateName = errors.New("device name already in use")
)

// UserAccount is one registered end-user: identity, the opaque push
// credential bundle used to subscribe to their notification stream, and
// (via the endpoint tables) every server they have paired.
type UserAccount struct {
	ID          string          `json:"id"`           // chat-layer user ID, opaque
	DisplayName string          `json:"display_name"` // for logs and notices
	GameID      int64           `json:"game_id"`      // Steam64-style player ID
	Credentials json.RawMessage `json:"credentials"`  // push subscription bundle, opaque
	CreatedAt   time.Time       `json:"created_at"`
}

// PairedEndpoint is one backend server a user has paired. Identity within a
// user is host:port; the player token is unique per user+server and is
// refreshed in place when the same server is paired again.
type PairedEndpoint struct {
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Name          string    `json:"name"`
	PlayerToken   int64     `json:"player_token"`
	PairedAt      time.Time `json:"paired_at"`
	LastConnected time.Time `json:"last_connected"`
}

// Key returns the host:port identity of the endpoint.
func (e PairedEndpoint) Key() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Label returns the human name, falling back to host:port.
func (e PairedEndpoint) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Key()
}

// DeviceKind is the backend entity type carried in device pairing
// notifications. Values match the companion app's entityType codes.
type DeviceKind int

const (
	KindOther       DeviceKind = 0
	KindSwitch      DeviceKind = 1
	KindStorage     DeviceKind = 2
	KindAlarm       DeviceKind = 3
	KindBroadcaster DeviceKind = 4
	KindMonitor     DeviceKind = 5
)

// ParseDeviceKind maps a pairing notification's entityType code to a
// DeviceKind. Out-of-range codes come back as KindOther, never an error.
func ParseDeviceKind(code int) DeviceKind {
	if code < int(KindOther) || code > int(KindMonitor) {
		return KindOther
	}
	return DeviceKind(code)
}

func (k DeviceKind) String() string {
	switch k {
	case KindSwitch:
		return "smart switch"
	case KindStorage:
		return "storage container"
	case KindAlarm:
		return "smart alarm"
	case KindBroadcaster:
		return "rf broadcaster"
	case KindMonitor:
		return "storage monitor"
	default:
		return "device"
	}
}

// Device is a named handle to a backend entity, scoped to one user and one
// endpoint. The entity ID is backend-assigned and immutable once captured.
type Device struct {
	UserID      string     `json:"user_id"`
	EndpointKey string     `json:"endpoint_key"`
	Name        string     `json:"name"`
	EntityID    uint32     `json:"entity_id"`
	Kind        DeviceKind `json:"kind"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeathRecord is one observed teammate death with the derived grid label.
type DeathRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	EndpointKey string    `json:"endpoint_key"`
	PlayerName  string    `json:"player_name"`
	PlayerID    int64     `json:"player_id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Grid        string    `json:"grid"`
	MapSize     int       `json:"map_size"`
	At          time.Time `json:"at"`
}

// UserStore persists user accounts and their paired endpoints.
// Implementations must serialize writes per user key.
type UserStore interface {
	PutUser(u UserAccount) error
	GetUser(id string) (UserAccount, error)
	ListUsers() ([]UserAccount, error)
	// DeleteUser removes the account and cascades to the user's endpoints,
	// devices and death history.
	DeleteUser(id string) error

	// UpsertEndpoint registers an endpoint or refreshes the token and name
	// of an existing one. Identity is (user, host:port).
	UpsertEndpoint(userID string, ep PairedEndpoint) error
	GetEndpoint(userID, key string) (PairedEndpoint, error)
	// ListEndpoints returns the user's endpoints ordered by pairing time.
	ListEndpoints(userID string) ([]PairedEndpoint, error)
	RemoveEndpoint(userID, key string) error
	// TouchEndpoint records a successful connection timestamp.
	TouchEndpoint(userID, key string, at time.Time) error
}

// DeviceRegistry persists named devices.
type DeviceRegistry interface {
	AddDevice(d Device) error
	GetDevice(userID, endpointKey, name string) (Device, error)
	ListDevices(userID, endpointKey string) ([]Device, error)
	RemoveDevice(userID, endpointKey, name string) error
}

// DeathLog persists the rolling death history. Entries older than the
// configured retention are pruned lazily on each append.
type DeathLog interface {
	AppendDeath(d DeathRecord) error
	RecentDeaths(userID, endpointKey string, window time.Duration, limit int) ([]DeathRecord, error)
	ClearDeaths(userID, endpointKey string) (int, error)
}

// Stores bundles the durable stores handed to the orchestrator.
type Stores struct {
	Users   UserStore
	Devices DeviceRegistry
	Deaths  DeathLog
}
