package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// EventStream is the Stasis event WebSocket. Events are delivered on
// [EventStream.Events] in arrival order; the stream reconnects with a capped
// backoff until its context is cancelled.
type EventStream struct {
	client *Client
	events chan Event
	log    *slog.Logger
}

// reconnectBackoff is the delay schedule between WebSocket reconnect
// attempts; the last entry repeats.
var reconnectBackoff = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// NewEventStream creates an event stream over the client's connection
// settings. Call [EventStream.Run] to start it.
func NewEventStream(c *Client) *EventStream {
	return &EventStream{
		client: c,
		events: make(chan Event, 64),
		log:    c.log,
	}
}

// Events returns the channel of decoded Stasis events. It is closed when
// [EventStream.Run] returns.
func (s *EventStream) Events() <-chan Event { return s.events }

// wsURL derives the events WebSocket URL from the REST base URL.
func (s *EventStream) wsURL() (string, error) {
	u, err := url.Parse(s.client.baseURL)
	if err != nil {
		return "", fmt.Errorf("ari: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", s.client.app)
	q.Set("api_key", s.client.username+":"+s.client.password)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects to the event WebSocket and pumps events until ctx is
// cancelled. The first connection attempt is made synchronously so startup
// failures (bad credentials, unreachable switch) surface immediately.
func (s *EventStream) Run(ctx context.Context) error {
	wsURL, err := s.wsURL()
	if err != nil {
		return err
	}

	defer close(s.events)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("ari: dial events: %w", err)
	}

	attempt := 0
	for {
		err := s.pump(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("ari event stream disconnected", "err", err)

		for {
			delay := reconnectBackoff[min(attempt, len(reconnectBackoff)-1)]
			attempt++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			conn, _, err = websocket.Dial(ctx, wsURL, nil)
			if err == nil {
				attempt = 0
				s.log.Info("ari event stream reconnected")
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("ari event stream reconnect failed", "err", err, "attempt", attempt)
		}
	}
}

// pump reads and dispatches events until the connection fails.
func (s *EventStream) pump(ctx context.Context, conn *websocket.Conn) error {
	// Stasis can be quiet for long stretches between calls.
	conn.SetReadLimit(1 << 20)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Warn("ari: undecodable event", "err", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
