package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameSize caps inbound frames; the connection is closed if exceeded.
const maxFrameSize = 512 * 1024

const (
	dialTimeout     = 15 * time.Second
	authProbeWindow = 10 * time.Second
	writeTimeout    = 10 * time.Second
	readIdleWindow  = 60 * time.Second
	pingInterval    = 30 * time.Second
)

// WSDialer dials backend endpoints over WebSocket.
type WSDialer struct {
	// DialTimeout overrides the default transport timeout when > 0.
	DialTimeout time.Duration
}

// requestFrame is one outbound call. Credentials ride on every request the
// way the companion protocol expects them.
type requestFrame struct {
	Seq         uint64         `json:"seq"`
	Op          string         `json:"op"`
	Args        map[string]any `json:"args,omitempty"`
	PlayerID    int64          `json:"playerId"`
	PlayerToken int64          `json:"playerToken"`
}

// inboundFrame is either a response (Seq > 0) or a pushed event.
type inboundFrame struct {
	Seq    uint64          `json:"seq,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  *Event          `json:"event,omitempty"`
}

// Dial connects to the endpoint and verifies the credentials with an info
// probe. Transport failure maps to ErrEndpointUnreachable, a credential
// rejection to ErrInvalidToken.
func (d *WSDialer) Dial(ctx context.Context, ep Endpoint, creds Credentials) (Session, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: ep.Addr()}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Addr(), ErrEndpointUnreachable)
	}

	s := &wsSession{
		conn:    conn,
		creds:   creds,
		send:    make(chan []byte, 64),
		pending: make(map[uint64]chan inboundFrame),
		events:  make(map[uint64]EventHandler),
		done:    make(chan struct{}),
	}
	go s.readPump()
	go s.writePump()

	// The server only rejects bad tokens in response to a request, so probe
	// with a cheap info call before handing the session out.
	probeCtx, cancelProbe := context.WithTimeout(ctx, authProbeWindow)
	defer cancelProbe()
	if _, err := s.Call(probeCtx, OpServerInfo, nil); err != nil {
		s.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("dial %s: %w", ep.Addr(), ErrInvalidToken)
		}
		return nil, fmt.Errorf("dial %s: %w", ep.Addr(), ErrEndpointUnreachable)
	}

	return s, nil
}

type wsSession struct {
	conn  *websocket.Conn
	creds Credentials
	send  chan []byte

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan inboundFrame
	events  map[uint64]EventHandler
	nextSub uint64
	closed  bool

	done chan struct{}
}

func (s *wsSession) Call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.seq++
	seq := s.seq
	ch := make(chan inboundFrame, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	frame := requestFrame{Seq: seq, Op: op, Args: args, PlayerID: s.creds.PlayerID, PlayerToken: s.creds.PlayerToken}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	select {
	case s.send <- data:
	case <-s.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ErrTimeout)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if isAuthErrorText(resp.Error) {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}
			return nil, fmt.Errorf("%s: %s", op, resp.Error)
		}
		return resp.Result, nil
	case <-s.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ErrTimeout)
	}
}

func (s *wsSession) Subscribe(h EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.events[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.events, id)
	}
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(readIdleWindow))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readIdleWindow))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("companion session read error", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readIdleWindow))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("companion session dropped malformed frame", "error", err)
			continue
		}

		switch {
		case frame.Seq > 0:
			s.mu.Lock()
			ch, ok := s.pending[frame.Seq]
			s.mu.Unlock()
			if ok {
				ch <- frame
			}
		case frame.Event != nil:
			s.mu.Lock()
			handlers := make([]EventHandler, 0, len(s.events))
			for _, h := range s.events {
				handlers = append(handlers, h)
			}
			s.mu.Unlock()
			for _, h := range handlers {
				h(*frame.Event)
			}
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// teardown marks the session closed and fails every in-flight call.
func (s *wsSession) teardown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.conn.Close()
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

func isAuthErrorText(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "token") || strings.Contains(lower, "banned") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "not_found")
}
