package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/conn"
	"github.com/huanndev/rustlink/internal/pairing"
	"github.com/huanndev/rustlink/internal/store"
)

// RegisterUser creates the account and starts its push listener. The
// credentials bundle is opaque; the game ID is checked against the valid
// player-ID range.
func (o *Orchestrator) RegisterUser(id, displayName string, gameID int64, creds json.RawMessage) error {
	if err := store.ValidateGameID(gameID); err != nil {
		return err
	}
	u := store.UserAccount{
		ID:          id,
		DisplayName: displayName,
		GameID:      gameID,
		Credentials: creds,
		CreatedAt:   time.Now(),
	}
	if err := o.stores.Users.PutUser(u); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	o.mu.Lock()
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx != nil {
		o.listeners.Start(runCtx, id)
	}
	return nil
}

// UnregisterUser stops the user's listener, drops their live state, and
// cascades the durable delete (endpoints, devices, death history).
func (o *Orchestrator) UnregisterUser(id string) error {
	o.listeners.Stop(id)
	o.manager.Forget(id)
	o.watcher.Forget(id)
	return o.stores.Users.DeleteUser(id)
}

// ListEndpoints returns the user's paired endpoints in pairing order.
func (o *Orchestrator) ListEndpoints(userID string) ([]store.PairedEndpoint, error) {
	return o.stores.Users.ListEndpoints(userID)
}

// SwitchEndpoint connects the user to the endpoint matching identifier
// (exact name, 1-based index, or name substring).
func (o *Orchestrator) SwitchEndpoint(ctx context.Context, userID, identifier string) (store.PairedEndpoint, error) {
	return o.manager.Switch(ctx, userID, identifier)
}

// RemoveEndpoint forgets a paired endpoint, disconnecting first when it is
// the active one. Devices tied to the endpoint go with it.
func (o *Orchestrator) RemoveEndpoint(userID, key string) error {
	if a, err := o.manager.Active(userID); err == nil && a.Endpoint.Key() == key {
		o.manager.Disconnect(userID)
	}
	return o.stores.Users.RemoveEndpoint(userID, key)
}

// SessionStatus describes the user's current connection.
type SessionStatus struct {
	Connected bool
	Endpoint  store.PairedEndpoint
	Since     time.Time
	Health    conn.HealthRecord
}

// ActiveSession reports the user's connection and health state.
func (o *Orchestrator) ActiveSession(userID string) SessionStatus {
	st := SessionStatus{Health: o.manager.Health().Record(userID)}
	if a, err := o.manager.Active(userID); err == nil {
		st.Connected = true
		st.Endpoint = a.Endpoint
		st.Since = a.EstablishedAt
	}
	return st
}

// EnsureConnected reconnects the user to their most recent endpoint if no
// healthy session exists.
func (o *Orchestrator) EnsureConnected(ctx context.Context, userID string) error {
	return o.manager.EnsureConnected(ctx, userID)
}

// ResolvePendingPairing applies a user's reply to their open naming session.
func (o *Orchestrator) ResolvePendingPairing(userID, reply string) (pairing.Resolution, error) {
	return o.sessions.Resolve(userID, reply)
}

// HandleReply is the chat-adapter entry point for incoming DMs. A reply with
// an open naming session resolves it; rejected names re-prompt; anything
// else is ignored so stray messages never error at the user.
func (o *Orchestrator) HandleReply(userID, text string) {
	if _, ok := o.sessions.Pending(userID); !ok {
		return
	}
	_, err := o.sessions.Resolve(userID, text)
	switch {
	case err == nil:
		// Outcome notice goes out via the queue.
	case errors.Is(err, pairing.ErrInvalidName):
		o.tell(userID, "Names are 1-50 letters, digits, - or _. Try again, or reply 'skip'.")
	case errors.Is(err, store.ErrDuplicateName):
		o.tell(userID, "That name is taken on this server. Pick another, or reply 'skip'.")
	case errors.Is(err, pairing.ErrSessionExpired):
		// Expiry notice goes out via the queue.
	default:
		o.tell(userID, "Could not save the device. Try again.")
	}
}

// ListDevices returns the devices named for the user's active endpoint.
func (o *Orchestrator) ListDevices(userID string) ([]store.Device, error) {
	key, err := o.endpointKey(userID)
	if err != nil {
		return nil, err
	}
	return o.stores.Devices.ListDevices(userID, key)
}

// AddDevice names a device directly (operator path; pairing is the normal
// route).
func (o *Orchestrator) AddDevice(d store.Device) error {
	if !store.ValidDeviceName(d.Name) {
		return pairing.ErrInvalidName
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return o.stores.Devices.AddDevice(d)
}

// RemoveDevice forgets a named device on the user's active endpoint.
func (o *Orchestrator) RemoveDevice(userID, name string) error {
	key, err := o.endpointKey(userID)
	if err != nil {
		return err
	}
	d, err := o.resolveDevice(userID, key, name)
	if err != nil {
		return err
	}
	return o.stores.Devices.RemoveDevice(userID, key, d.Name)
}

// ToggleDevice flips a smart switch by name on the user's active endpoint.
func (o *Orchestrator) ToggleDevice(ctx context.Context, userID, name string, on bool) (store.Device, error) {
	key, err := o.endpointKey(userID)
	if err != nil {
		return store.Device{}, err
	}
	d, err := o.resolveDevice(userID, key, name)
	if err != nil {
		return store.Device{}, err
	}
	if d.Kind != store.KindSwitch {
		return store.Device{}, fmt.Errorf("%s is a %s, not a switch", d.Name, d.Kind)
	}
	if err := companion.SetEntityValue(ctx, o.session(userID), d.EntityID, on); err != nil {
		return store.Device{}, err
	}
	return d, nil
}

// SendTeamMessage relays a chat line into the user's in-game team channel.
func (o *Orchestrator) SendTeamMessage(ctx context.Context, userID, message string) error {
	return companion.SendTeamMessage(ctx, o.session(userID), message)
}

// GameTime reports the in-game clock on the user's active connection.
func (o *Orchestrator) GameTime(ctx context.Context, userID string) (companion.TimeOfDay, error) {
	return companion.GetTimeOfDay(ctx, o.session(userID))
}

// RecentEvents returns the user's death history for the active (or most
// recent) endpoint within the window.
func (o *Orchestrator) RecentEvents(userID string, window time.Duration, limit int) ([]store.DeathRecord, error) {
	key, err := o.endpointKey(userID)
	if err != nil {
		return nil, err
	}
	return o.stores.Deaths.RecentDeaths(userID, key, window, limit)
}

// endpointKey picks the endpoint context for device and history operations:
// the active connection, falling back to the most recently used pairing.
func (o *Orchestrator) endpointKey(userID string) (string, error) {
	if a, err := o.manager.Active(userID); err == nil {
		return a.Endpoint.Key(), nil
	}
	eps, err := o.stores.Users.ListEndpoints(userID)
	if err != nil {
		return "", err
	}
	if len(eps) == 0 {
		return "", conn.ErrNoPairedEndpoints
	}
	target := eps[0]
	for _, ep := range eps {
		if ep.LastConnected.After(target.LastConnected) {
			target = ep
		}
	}
	return target.Key(), nil
}

// resolveDevice matches a device the way endpoints are matched: exact name,
// then 1-based position in the listed order, then name substring.
func (o *Orchestrator) resolveDevice(userID, endpointKey, identifier string) (store.Device, error) {
	devs, err := o.stores.Devices.ListDevices(userID, endpointKey)
	if err != nil {
		return store.Device{}, err
	}
	for _, d := range devs {
		if d.Name == identifier {
			return d, nil
		}
	}
	if idx, err := strconv.Atoi(identifier); err == nil {
		if idx >= 1 && idx <= len(devs) {
			return devs[idx-1], nil
		}
		return store.Device{}, fmt.Errorf("device %q: %w", identifier, store.ErrNotFound)
	}
	needle := strings.ToLower(identifier)
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return store.Device{}, fmt.Errorf("device %q: %w", identifier, store.ErrNotFound)
}
