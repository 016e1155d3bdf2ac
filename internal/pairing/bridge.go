package pairing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// BridgeNotifier subscribes to push notifications through a push-bridge
// WebSocket: dial the bridge, send the user's credential bundle as the first
// frame, then treat every following frame as one raw notification. The
// channel closes when the stream drops; the listener's restart loop handles
// the rest.
type BridgeNotifier struct {
	URL string
}

func (b *BridgeNotifier) Subscribe(ctx context.Context, credentials json.RawMessage) (<-chan json.RawMessage, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push bridge %s: %w", b.URL, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, credentials); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send credentials: %w", err)
	}

	out := make(chan json.RawMessage, 16)

	// Reader exits on any error; closing the socket on ctx.Done unblocks it.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- json.RawMessage(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NopNotifier is the stand-in when no push bridge is configured: the stream
// never delivers and never fails, so listeners sit idle instead of spinning.
type NopNotifier struct{}

func (NopNotifier) Subscribe(ctx context.Context, credentials json.RawMessage) (<-chan json.RawMessage, error) {
	return make(chan json.RawMessage), nil
}
