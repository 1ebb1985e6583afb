package relayserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-net/umbra/pkg/umbra/relay"
)

// clientConn wraps one client WebSocket with a write mutex, since
// gorilla's Conn forbids concurrent writers.
type clientConn struct {
	ws      *websocket.Conn
	did     string
	writeMu sync.Mutex
}

func (c *clientConn) writeJSON(msgType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(relay.Envelope{Type: msgType, Data: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// handleClient drives one client connection for its whole lifetime:
// register, then dispatch every subsequent frame until the socket
// closes. One goroutine per connection; the read loop drives
// everything.
func (s *Server) handleClient(ws *websocket.Conn) {
	defer ws.Close()

	conn := &clientConn{ws: ws}
	var registered bool

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var env relay.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.writeJSON(relay.TypeError, relay.ErrorPayload{Message: "malformed frame"})
			continue
		}

		if !registered && env.Type != relay.TypeRegister {
			conn.writeJSON(relay.TypeError, relay.ErrorPayload{Message: "must register first"})
			continue
		}

		if conn.did != "" && !s.limiter.Allow(conn.did, time.Now()) {
			conn.writeJSON(relay.TypeError, relay.ErrorPayload{Message: "rate limit exceeded"})
			continue
		}

		switch env.Type {
		case relay.TypeRegister:
			var p relay.RegisterPayload
			json.Unmarshal(env.Data, &p)
			conn.did = p.DID
			s.state.RegisterLocal(p.DID, conn)
			s.logger.Info("relay client registered", "did", p.DID)
			s.federation.BroadcastPresenceOnline(p.DID)
			registered = true
			conn.writeJSON(relay.TypeRegistered, relay.RegisteredPayload{DID: p.DID})

		case relay.TypeSignal:
			var p relay.SignalPayload
			json.Unmarshal(env.Data, &p)
			s.routeSignal(conn.did, p.ToDID, p.Payload)

		case relay.TypeSend:
			var p relay.SendPayload
			json.Unmarshal(env.Data, &p)
			s.routeSend(conn.did, p.ToDID, p.Payload)

		case relay.TypeCreateSession:
			var p relay.CreateSessionPayload
			json.Unmarshal(env.Data, &p)
			id := newSessionID()
			now := time.Now()
			s.state.CreateSession(id, p.OfferPayload, conn.did, now)
			s.federation.ReplicateSession(id, p.OfferPayload, conn.did)
			conn.writeJSON(relay.TypeSessionCreated, relay.SessionCreatedPayload{SessionID: id})

		case relay.TypeJoinSession:
			var p relay.JoinSessionPayload
			json.Unmarshal(env.Data, &p)
			s.routeJoinSession(conn, p.SessionID, p.AnswerPayload)

		case relay.TypeFetchOffline:
			entries := s.state.DrainOffline(conn.did, time.Now())
			msgs := make([]relay.OfflineMessage, 0, len(entries))
			for _, e := range entries {
				msgs = append(msgs, relay.OfflineMessage{FromDID: e.FromDID, Payload: e.Payload, Timestamp: e.Timestamp.Unix()})
			}
			conn.writeJSON(relay.TypeOfflineMessages, relay.OfflineMessagesPayload{Messages: msgs})

		case relay.TypePing:
			conn.writeJSON(relay.TypePong, struct{}{})

		case relay.TypeCreateCallRoom:
			var p relay.CreateCallRoomPayload
			json.Unmarshal(env.Data, &p)
			s.state.JoinCallRoom(p.RoomID, conn.did)
			conn.writeJSON(relay.TypeCallRoomCreated, relay.CallRoomCreatedPayload{RoomID: p.RoomID})

		case relay.TypeJoinCallRoom:
			var p relay.JoinCallRoomPayload
			json.Unmarshal(env.Data, &p)
			s.state.JoinCallRoom(p.RoomID, conn.did)
			s.broadcastCallRoom(p.RoomID, conn.did, relay.TypeCallParticipantJoin, relay.CallParticipantJoinedPayload{RoomID: p.RoomID, DID: conn.did})

		case relay.TypeLeaveCallRoom:
			var p relay.LeaveCallRoomPayload
			json.Unmarshal(env.Data, &p)
			s.state.LeaveCallRoom(p.RoomID, conn.did)
			s.broadcastCallRoom(p.RoomID, conn.did, relay.TypeCallParticipantLeft, relay.CallParticipantLeftPayload{RoomID: p.RoomID, DID: conn.did})

		case relay.TypeCallSignal:
			var p relay.CallSignalPayload
			json.Unmarshal(env.Data, &p)
			s.routeCallSignal(conn.did, p.RoomID, p.ToDID, p.Payload)
		}
	}

	if conn.did != "" {
		s.state.UnregisterLocal(conn.did, conn)
		s.federation.BroadcastPresenceOffline(conn.did)
		s.logger.Info("relay client disconnected", "did", conn.did)
	}
}

// routeSignal routes a Signal: local delivery, else federation
// forward, else drop (signaling is never queued).
func (s *Server) routeSignal(fromDID, toDID, payload string) {
	if dest, ok := s.state.LocalClient(toDID); ok {
		dest.writeJSON(relay.TypeSignalForward, relay.SignalForwardPayload{FromDID: fromDID, Payload: payload})
		return
	}
	if relayID, ok := s.state.FindPeerForDID(toDID); ok {
		s.federation.ForwardSignal(relayID, fromDID, toDID, payload)
		return
	}
	s.logger.Debug("signal dropped, no route", "to_did", toDID)
}

// routeSend implements Send's routing: local delivery, else live
// forward to the relay claiming to_did, else queue locally. A forward
// that arrives after the recipient dropped off is queued on the
// receiving relay, so the queue always ends up on the DID's home relay.
func (s *Server) routeSend(fromDID, toDID, payload string) {
	if dest, ok := s.state.LocalClient(toDID); ok {
		dest.writeJSON(relay.TypeMessageForward, relay.MessageForwardPayload{FromDID: fromDID, Payload: payload})
		return
	}
	if relayID, ok := s.state.FindPeerForDID(toDID); ok {
		s.federation.ForwardMessage(relayID, fromDID, toDID, payload)
		return
	}
	s.state.QueueOffline(toDID, fromDID, payload, time.Now())
}

// routeJoinSession consumes the local session record (blocking repeat
// joins through this relay) and hands the joiner the creator's offer.
// Only the owning relay's consume is authoritative for the mesh: a
// replica consume forwards the join to the owner, whose CAS decides
// whether the creator is ever notified.
func (s *Server) routeJoinSession(conn *clientConn, sessionID, answerPayload string) {
	sess, ok := s.state.ConsumeSession(sessionID, time.Now())
	if !ok {
		conn.writeJSON(relay.TypeError, relay.ErrorPayload{Message: "session not found or already used"})
		return
	}
	conn.writeJSON(relay.TypeSessionOffer, relay.SessionOfferPayload{SessionID: sessionID, FromDID: sess.creatorDID, OfferPayload: sess.OfferPayload})
	if sess.owned {
		s.federation.notifyCreator(sess.creatorDID, sessionID, conn.did, answerPayload)
		return
	}
	s.federation.ForwardSessionJoin(sess.ownerRelayID, sessionID, conn.did, answerPayload)
}

func (s *Server) routeCallSignal(fromDID, roomID, toDID, payload string) {
	if dest, ok := s.state.LocalClient(toDID); ok {
		dest.writeJSON(relay.TypeCallSignalForward, relay.CallSignalForwardPayload{RoomID: roomID, FromDID: fromDID, Payload: payload})
	}
}

func (s *Server) broadcastCallRoom(roomID, exceptDID, msgType string, payload interface{}) {
	for _, did := range s.state.CallRoomParticipants(roomID) {
		if did == exceptDID {
			continue
		}
		if dest, ok := s.state.LocalClient(did); ok {
			dest.writeJSON(msgType, payload)
		}
	}
}
