// Package pairing turns backend push notifications into paired endpoints and
// named devices. A listener per registered user subscribes to the push
// stream, classifies pairing payloads, and hands device pairings to a naming
// session that the user resolves with a reply.
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Notifier is the push-notification capability. Subscribe opens a stream of
// raw notification payloads for the credentials bundle; the channel closes
// when the stream drops.
type Notifier interface {
	Subscribe(ctx context.Context, credentials json.RawMessage) (<-chan json.RawMessage, error)
}

// pairingChannel is the notification channel that carries pairing payloads.
// Everything else on the stream is ignored.
const pairingChannel = "pairing"

// envelope is the outer notification shape. Body is a JSON document encoded
// as a string.
type envelope struct {
	ChannelID string `json:"channelId"`
	Body      string `json:"body"`
}

// payload is the decoded pairing body. Backends are inconsistent about
// numeric fields, sending them as numbers or as quoted strings; flexInt
// absorbs both.
type payload struct {
	Type        string  `json:"type"`
	IP          string  `json:"ip"`
	Port        flexInt `json:"port"`
	Name        string  `json:"name"`
	PlayerToken flexInt `json:"playerToken"`
	EntityID    flexInt `json:"entityId"`
	EntityType  flexInt `json:"entityType"`
	EntityName  string  `json:"entityName"`
}

const (
	payloadServer = "server"
	payloadEntity = "entity"
)

type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

// decodePairing extracts the pairing payload from a raw notification.
// The second return is false for anything that is not a pairing
// notification or fails to parse.
func decodePairing(raw json.RawMessage) (payload, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return payload{}, false
	}
	if env.ChannelID != pairingChannel {
		return payload{}, false
	}
	var p payload
	if err := json.Unmarshal([]byte(env.Body), &p); err != nil {
		return payload{}, false
	}
	return p, true
}
