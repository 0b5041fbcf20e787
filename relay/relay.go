// Package relay implements a client for publishing and fetching nostr
// events over relay websockets, with a pool that fans out across
// multiple relays.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrRelayUnreachable  = errors.New("relay unreachable")
	ErrRelayRejected     = errors.New("event rejected by relay")
	ErrProtocolViolation = errors.New("relay protocol violation")
	ErrPublishTimeout    = errors.New("timed out waiting for relay ack")
)

const (
	defaultPublishTimeout = 10 * time.Second
	defaultFetchTimeout   = 15 * time.Second
)

type okResult struct {
	accepted bool
	reason   string
}

type subscription struct {
	events chan *nostr.Event
	eose   chan struct{}
	closed chan string
}

// Relay is a client connection to a single relay. A relay connects
// lazily on first use and serializes writes. Incoming messages are
// dispatched by a single reader goroutine.
type Relay struct {
	URL string

	connectMu sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn

	mu     sync.Mutex
	subs   map[string]*subscription
	oks    map[string]chan okResult
	subSeq uint64
}

func NewRelay(url string) *Relay {
	return &Relay{
		URL:  url,
		subs: make(map[string]*subscription),
		oks:  make(map[string]chan okResult),
	}
}

// connect dials the relay if there is no live connection.
func (r *Relay) connect(ctx context.Context) (*websocket.Conn, error) {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if r.conn != nil {
		return r.conn, nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}
	r.conn = conn
	go r.readLoop(conn)

	return conn, nil
}

// Close tears down the connection. Pending subscriptions are closed.
func (r *Relay) Close() error {
	r.connectMu.Lock()
	conn := r.conn
	r.conn = nil
	r.connectMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.dropConn(conn)
			return
		}
		r.dispatch(data)
	}
}

func (r *Relay) dropConn(conn *websocket.Conn) {
	r.connectMu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.connectMu.Unlock()

	conn.Close()

	r.mu.Lock()
	for id, sub := range r.subs {
		close(sub.events)
		delete(r.subs, id)
	}
	r.mu.Unlock()
}

func (r *Relay) dispatch(data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		slog.Debug("ignoring malformed relay message", "relay", r.URL)
		return
	}

	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		var subId string
		if err := json.Unmarshal(msg[1], &subId); err != nil {
			return
		}
		var event nostr.Event
		if err := json.Unmarshal(msg[2], &event); err != nil {
			return
		}
		r.mu.Lock()
		sub, ok := r.subs[subId]
		r.mu.Unlock()
		if ok {
			select {
			case sub.events <- &event:
			default:
				slog.Warn("dropping event on full subscription buffer", "relay", r.URL, "sub", subId)
			}
		}
	case "OK":
		if len(msg) < 3 {
			return
		}
		var eventId string
		var accepted bool
		if err := json.Unmarshal(msg[1], &eventId); err != nil {
			return
		}
		if err := json.Unmarshal(msg[2], &accepted); err != nil {
			return
		}
		var reason string
		if len(msg) > 3 {
			json.Unmarshal(msg[3], &reason)
		}
		r.mu.Lock()
		ch, ok := r.oks[eventId]
		delete(r.oks, eventId)
		r.mu.Unlock()
		if ok {
			ch <- okResult{accepted: accepted, reason: reason}
		}
	case "EOSE":
		var subId string
		if err := json.Unmarshal(msg[1], &subId); err != nil {
			return
		}
		r.mu.Lock()
		sub, ok := r.subs[subId]
		r.mu.Unlock()
		if ok {
			select {
			case <-sub.eose:
			default:
				close(sub.eose)
			}
		}
	case "CLOSED":
		var subId string
		if err := json.Unmarshal(msg[1], &subId); err != nil {
			return
		}
		var reason string
		if len(msg) > 2 {
			json.Unmarshal(msg[2], &reason)
		}
		r.mu.Lock()
		sub, ok := r.subs[subId]
		delete(r.subs, subId)
		r.mu.Unlock()
		if ok {
			sub.closed <- reason
			close(sub.events)
		}
	case "NOTICE":
		var notice string
		json.Unmarshal(msg[1], &notice)
		slog.Debug("relay notice", "relay", r.URL, "notice", notice)
	}
}

func (r *Relay) write(ctx context.Context, msg any) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.dropConn(conn)
		return fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}
	return nil
}

// Publish sends a signed event and waits for the relay ack. An event
// refused by the relay returns ErrRelayRejected with the relay reason.
func (r *Relay) Publish(ctx context.Context, event *nostr.Event) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	okCh := make(chan okResult, 1)
	r.mu.Lock()
	r.oks[event.ID] = okCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.oks, event.ID)
		r.mu.Unlock()
	}()

	if err := r.write(ctx, []any{"EVENT", event}); err != nil {
		return err
	}

	select {
	case result := <-okCh:
		if !result.accepted {
			return fmt.Errorf("%w: %v", ErrRelayRejected, result.reason)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublishTimeout, ctx.Err())
	}
}

func (r *Relay) newSubscription() (string, *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSeq++
	subId := fmt.Sprintf("sub-%d", r.subSeq)
	sub := &subscription{
		events: make(chan *nostr.Event, 256),
		eose:   make(chan struct{}),
		closed: make(chan string, 1),
	}
	r.subs[subId] = sub
	return subId, sub
}

func (r *Relay) closeSubscription(subId string) {
	r.mu.Lock()
	_, active := r.subs[subId]
	delete(r.subs, subId)
	r.mu.Unlock()

	if active {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.write(ctx, []any{"CLOSE", subId})
	}
}

// Fetch runs a one-shot query and returns the stored events matching
// the filters once the relay signals the end of stored events. On
// timeout the events received so far are returned along with the
// context error.
func (r *Relay) Fetch(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFetchTimeout)
		defer cancel()
	}

	subId, sub := r.newSubscription()
	defer r.closeSubscription(subId)

	req := make([]any, 0, 2+len(filters))
	req = append(req, "REQ", subId)
	for _, filter := range filters {
		req = append(req, filter)
	}
	if err := r.write(ctx, req); err != nil {
		return nil, err
	}

	var events []*nostr.Event
	for {
		select {
		case event, ok := <-sub.events:
			if !ok {
				return events, ErrRelayUnreachable
			}
			events = append(events, event)
		case <-sub.eose:
			// drain events that raced with eose
			for {
				select {
				case event, ok := <-sub.events:
					if !ok {
						// connection dropped mid-drain, the stored
						// events are already in hand
						return events, nil
					}
					events = append(events, event)
				default:
					return events, nil
				}
			}
		case reason := <-sub.closed:
			return events, fmt.Errorf("%w: subscription closed: %v", ErrRelayRejected, reason)
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// Subscribe opens a streaming subscription. Events are delivered on
// the returned channel until the context is cancelled or the
// connection drops, at which point the channel is closed.
func (r *Relay) Subscribe(ctx context.Context, filters []nostr.Filter) (<-chan *nostr.Event, error) {
	subId, sub := r.newSubscription()

	req := make([]any, 0, 2+len(filters))
	req = append(req, "REQ", subId)
	for _, filter := range filters {
		req = append(req, filter)
	}
	if err := r.write(ctx, req); err != nil {
		r.closeSubscription(subId)
		return nil, err
	}

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer r.closeSubscription(subId)
		for {
			select {
			case event, ok := <-sub.events:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-sub.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
