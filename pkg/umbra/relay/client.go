package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// EventKind enumerates what the client surfaces to its owner.
type EventKind int

const (
	EventSignal EventKind = iota
	EventMessage
	EventSessionJoined
	EventSessionOffer
	EventOfflineMessages
	EventCallParticipantJoined
	EventCallParticipantLeft
	EventCallSignal
	EventPong
	EventError
)

// ClientEvent is a single notification delivered on the client's event
// channel.
type ClientEvent struct {
	Kind      EventKind
	FromDID   string
	Payload   string
	SessionID string
	RoomID    string
	Messages  []OfflineMessage
	Err       error
}

// Client is a relay connection bound to one local DID.
type Client struct {
	did  string
	conn *websocket.Conn

	// gorilla's Conn forbids concurrent writers; every outbound frame
	// goes through send, under writeMu.
	writeMu sync.Mutex

	mu          sync.Mutex
	pendingSess map[string]chan SessionCreatedPayload

	events chan ClientEvent
}

// Dial opens a WebSocket connection to url and registers as did. The
// first message sent is always Register, as specified.
func Dial(ctx context.Context, url, did string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, umbraerr.ErrConnectionFailed
	}
	c := &Client{
		did:         did,
		conn:        conn,
		pendingSess: make(map[string]chan SessionCreatedPayload),
		events:      make(chan ClientEvent, 128),
	}
	if err := c.send(TypeRegister, RegisterPayload{DID: did}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Events returns the client's notification stream.
func (c *Client) Events() <-chan ClientEvent {
	return c.events
}

// Close terminates the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	return err
}

// Signal sends a best-effort, unqueued signaling payload to toDID.
func (c *Client) Signal(toDID, payload string) error {
	return c.send(TypeSignal, SignalPayload{ToDID: toDID, Payload: payload})
}

// Send delivers payload to toDID, queued as an offline message if the
// recipient has no live route.
func (c *Client) Send(toDID, payload string) error {
	return c.send(TypeSend, SendPayload{ToDID: toDID, Payload: payload})
}

// CreateSession mints a new signaling session and blocks for the
// relay's SessionCreated acknowledgment.
func (c *Client) CreateSession(ctx context.Context, offerPayload string) (string, error) {
	ch := make(chan SessionCreatedPayload, 1)
	corr := "pending"
	c.mu.Lock()
	c.pendingSess[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingSess, corr)
		c.mu.Unlock()
	}()

	if err := c.send(TypeCreateSession, CreateSessionPayload{OfferPayload: offerPayload}); err != nil {
		return "", err
	}
	select {
	case resp := <-ch:
		return resp.SessionID, nil
	case <-ctx.Done():
		return "", umbraerr.ErrTimeout
	}
}

// JoinSession answers an existing session. The relay enforces
// at-most-once consumption; a second join returns an error event.
func (c *Client) JoinSession(sessionID, answerPayload string) error {
	return c.send(TypeJoinSession, JoinSessionPayload{SessionID: sessionID, AnswerPayload: answerPayload})
}

// FetchOffline drains the caller's offline queue; the result arrives on
// Events as EventOfflineMessages.
func (c *Client) FetchOffline() error {
	return c.send(TypeFetchOffline, struct{}{})
}

// Ping sends a liveness probe.
func (c *Client) Ping() error {
	return c.send(TypePing, struct{}{})
}

// CreateCallRoom, JoinCallRoom, LeaveCallRoom, CallSignal are the
// supplemented call-room surface, piggy-backing on the same opaque
// relay payload path as signaling.

func (c *Client) CreateCallRoom(roomID string) error {
	return c.send(TypeCreateCallRoom, CreateCallRoomPayload{RoomID: roomID})
}

func (c *Client) JoinCallRoom(roomID string) error {
	return c.send(TypeJoinCallRoom, JoinCallRoomPayload{RoomID: roomID})
}

func (c *Client) LeaveCallRoom(roomID string) error {
	return c.send(TypeLeaveCallRoom, LeaveCallRoomPayload{RoomID: roomID})
}

func (c *Client) CallSignal(roomID, toDID, payload string) error {
	return c.send(TypeCallSignal, CallSignalPayload{RoomID: roomID, ToDID: toDID, Payload: payload})
}

func (c *Client) send(msgType string, data interface{}) error {
	raw, err := encode(msgType, data)
	if err != nil {
		return umbraerr.ErrSerializationError
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return umbraerr.ErrTransportError
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeSignalForward:
		var p SignalForwardPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventSignal, FromDID: p.FromDID, Payload: p.Payload}

	case TypeMessageForward:
		var p MessageForwardPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventMessage, FromDID: p.FromDID, Payload: p.Payload}

	case TypeSessionCreated:
		var p SessionCreatedPayload
		json.Unmarshal(env.Data, &p)
		c.mu.Lock()
		ch, ok := c.pendingSess["pending"]
		c.mu.Unlock()
		if ok {
			ch <- p
		}

	case TypeSessionJoined:
		var p SessionJoinedPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventSessionJoined, SessionID: p.SessionID, FromDID: p.FromDID, Payload: p.AnswerPayload}

	case TypeSessionOffer:
		var p SessionOfferPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventSessionOffer, SessionID: p.SessionID, FromDID: p.FromDID, Payload: p.OfferPayload}

	case TypeOfflineMessages:
		var p OfflineMessagesPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventOfflineMessages, Messages: p.Messages}

	case TypeCallParticipantJoin:
		var p CallParticipantJoinedPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventCallParticipantJoined, RoomID: p.RoomID, FromDID: p.DID}

	case TypeCallParticipantLeft:
		var p CallParticipantLeftPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventCallParticipantLeft, RoomID: p.RoomID, FromDID: p.DID}

	case TypeCallSignalForward:
		var p CallSignalForwardPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventCallSignal, RoomID: p.RoomID, FromDID: p.FromDID, Payload: p.Payload}

	case TypePong:
		c.events <- ClientEvent{Kind: EventPong}

	case TypeError:
		var p ErrorPayload
		json.Unmarshal(env.Data, &p)
		c.events <- ClientEvent{Kind: EventError, Err: umbraerr.ErrProtocolError, Payload: p.Message}
	}
}
