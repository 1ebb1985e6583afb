package relayserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Federation message tags, disjoint from the client-protocol tag set.
const (
	fedTypeHello           = "hello"
	fedTypePresenceSync    = "presence_sync"
	fedTypePresenceOnline  = "presence_online"
	fedTypePresenceOffline = "presence_offline"
	fedTypeForwardSignal   = "forward_signal"
	fedTypeForwardMessage  = "forward_message"
	fedTypeForwardSessJoin = "forward_session_join"
	fedTypeSessionSync     = "session_sync"
	fedTypeForwardOffline  = "forward_offline"
	fedTypePeerPing        = "peer_ping"
	fedTypePeerPong        = "peer_pong"
)

type fedEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type fedHello struct {
	RelayID  string `json:"relay_id"`
	RelayURL string `json:"relay_url"`
	Region   string `json:"region"`
	Location string `json:"location"`
}

type fedPresenceSync struct {
	RelayID    string   `json:"relay_id"`
	OnlineDIDs []string `json:"online_dids"`
}

type fedPresenceOnline struct {
	RelayID string `json:"relay_id"`
	DID     string `json:"did"`
}

type fedPresenceOffline struct {
	RelayID string `json:"relay_id"`
	DID     string `json:"did"`
}

type fedForwardSignal struct {
	FromDID string `json:"from_did"`
	ToDID   string `json:"to_did"`
	Payload string `json:"payload"`
}

type fedForwardMessage struct {
	FromDID string `json:"from_did"`
	ToDID   string `json:"to_did"`
	Payload string `json:"payload"`
}

// fedForwardSessionJoin has two phases: a join request forwarded to the
// session's owner (Notify false), and the owner's post-consume
// session_joined delivery forwarded to wherever the creator is now
// online (Notify true, ToDID set to the creator).
type fedForwardSessionJoin struct {
	SessionID     string `json:"session_id"`
	FromDID       string `json:"from_did"`
	ToDID         string `json:"to_did,omitempty"`
	AnswerPayload string `json:"answer_payload"`
	Notify        bool   `json:"notify,omitempty"`
}

type fedSessionSync struct {
	SessionID    string `json:"session_id"`
	OfferPayload string `json:"offer_payload"`
	CreatorDID   string `json:"creator_did"`
	RelayID      string `json:"relay_id"`
}

type fedForwardOffline struct {
	FromDID   string `json:"from_did"`
	ToDID     string `json:"to_did"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// peerConn is one outbound or inbound federation WebSocket link.
type peerConn struct {
	relayID string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) send(msgType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(fedEnvelope{Type: msgType, Data: raw})
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}

// FederationManager owns every peer-relay connection, inbound and
// outbound, and drives the exponential-backoff reconnect loop for
// configured peer URLs.
type FederationManager struct {
	relayID           string
	relayURL          string
	region            string
	location          string
	heartbeatInterval time.Duration
	logger            *slog.Logger
	state             *State

	mu    sync.RWMutex
	peers map[string]*peerConn
}

// NewFederationManager creates an (initially peerless) federation
// manager for this relay's own identity.
func NewFederationManager(relayID, relayURL, region, location string, heartbeatInterval time.Duration, state *State, logger *slog.Logger) *FederationManager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &FederationManager{
		relayID:           relayID,
		relayURL:          relayURL,
		region:            region,
		location:          location,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		state:             state,
		peers:             make(map[string]*peerConn),
	}
}

// ConnectPeers dials every peer URL with an exponential-backoff
// reconnect loop that runs for the lifetime of ctx.
func (f *FederationManager) ConnectPeers(ctx context.Context, peerURLs []string) {
	for _, url := range peerURLs {
		go f.maintainPeer(ctx, url)
	}
}

func (f *FederationManager) maintainPeer(ctx context.Context, url string) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			f.logger.Warn("federation dial failed", "url", url, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		peer := &peerConn{ws: conn}
		f.handshake(peer)
		f.runPeer(ctx, peer)
	}
}

func (f *FederationManager) handshake(peer *peerConn) {
	peer.send(fedTypeHello, fedHello{RelayID: f.relayID, RelayURL: f.relayURL, Region: f.region, Location: f.location})
	peer.send(fedTypePresenceSync, fedPresenceSync{RelayID: f.relayID, OnlineDIDs: f.state.LocalDIDs()})
}

// AcceptPeer registers an inbound federation connection (from
// /federation) and drives it until it closes.
func (f *FederationManager) AcceptPeer(ctx context.Context, conn *websocket.Conn) {
	peer := &peerConn{ws: conn}
	f.handshake(peer)
	f.runPeer(ctx, peer)
}

func (f *FederationManager) runPeer(ctx context.Context, peer *peerConn) {
	heartbeat := time.NewTicker(f.heartbeatInterval)
	defer heartbeat.Stop()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, raw, err := peer.ws.ReadMessage()
			if err != nil {
				return
			}
			var env fedEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			f.dispatch(peer, env)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			peer.ws.Close()
			<-done
			return
		case <-done:
			if peer.relayID != "" {
				f.mu.Lock()
				delete(f.peers, peer.relayID)
				f.mu.Unlock()
				f.state.DropRelay(peer.relayID)
			}
			peer.ws.Close()
			return
		case <-heartbeat.C:
			peer.send(fedTypePresenceSync, fedPresenceSync{RelayID: f.relayID, OnlineDIDs: f.state.LocalDIDs()})
		}
	}
}

func (f *FederationManager) dispatch(peer *peerConn, env fedEnvelope) {
	switch env.Type {
	case fedTypeHello:
		var p fedHello
		json.Unmarshal(env.Data, &p)
		peer.relayID = p.RelayID
		f.mu.Lock()
		f.peers[p.RelayID] = peer
		f.mu.Unlock()

	case fedTypePresenceSync:
		var p fedPresenceSync
		json.Unmarshal(env.Data, &p)
		f.state.ApplyPresenceSnapshot(p.RelayID, p.OnlineDIDs)
		for _, did := range p.OnlineDIDs {
			if _, local := f.state.LocalClient(did); local {
				continue
			}
			for _, e := range f.state.DrainOffline(did, time.Now()) {
				peer.send(fedTypeForwardOffline, fedForwardOffline{FromDID: e.FromDID, ToDID: did, Payload: e.Payload, Timestamp: e.Timestamp.Unix()})
			}
		}

	case fedTypePresenceOnline:
		var p fedPresenceOnline
		json.Unmarshal(env.Data, &p)
		f.state.ApplyPresenceOnline(p.RelayID, p.DID)
		if _, local := f.state.LocalClient(p.DID); local {
			return
		}
		// The DID's home is now p.RelayID: hand over anything this
		// relay queued for it while no relay claimed it.
		for _, e := range f.state.DrainOffline(p.DID, time.Now()) {
			peer.send(fedTypeForwardOffline, fedForwardOffline{FromDID: e.FromDID, ToDID: p.DID, Payload: e.Payload, Timestamp: e.Timestamp.Unix()})
		}

	case fedTypePresenceOffline:
		var p fedPresenceOffline
		json.Unmarshal(env.Data, &p)
		f.state.ApplyPresenceOffline(p.RelayID, p.DID)

	case fedTypeForwardSignal:
		var p fedForwardSignal
		json.Unmarshal(env.Data, &p)
		if dest, ok := f.state.LocalClient(p.ToDID); ok {
			dest.writeJSON("signal", struct {
				FromDID string `json:"from_did"`
				Payload string `json:"payload"`
			}{p.FromDID, p.Payload})
		}

	case fedTypeForwardMessage:
		var p fedForwardMessage
		json.Unmarshal(env.Data, &p)
		if dest, ok := f.state.LocalClient(p.ToDID); ok {
			dest.writeJSON("message", struct {
				FromDID string `json:"from_did"`
				Payload string `json:"payload"`
			}{p.FromDID, p.Payload})
			return
		}
		// The sender believed to_did was online here; it dropped off in
		// the meantime, so this relay queues as its home.
		f.state.QueueOffline(p.ToDID, p.FromDID, p.Payload, time.Now())

	case fedTypeForwardOffline:
		var p fedForwardOffline
		json.Unmarshal(env.Data, &p)
		ts := time.Now()
		if p.Timestamp > 0 {
			ts = time.Unix(p.Timestamp, 0)
		}
		f.state.QueueOffline(p.ToDID, p.FromDID, p.Payload, ts)

	case fedTypeSessionSync:
		var p fedSessionSync
		json.Unmarshal(env.Data, &p)
		f.state.ImportSession(p.SessionID, p.OfferPayload, p.CreatorDID, p.RelayID, time.Now())

	case fedTypeForwardSessJoin:
		var p fedForwardSessionJoin
		json.Unmarshal(env.Data, &p)
		if p.Notify {
			f.deliverSessionJoined(p.ToDID, p.SessionID, p.FromDID, p.AnswerPayload)
			return
		}
		sess, ok := f.state.ConsumeSession(p.SessionID, time.Now())
		if !ok || !sess.owned {
			return
		}
		f.notifyCreator(sess.creatorDID, p.SessionID, p.FromDID, p.AnswerPayload)

	case fedTypePeerPing:
		peer.send(fedTypePeerPong, struct{}{})
	}
}

// BroadcastPresenceOnline tells every connected federation peer that
// did just registered locally.
func (f *FederationManager) BroadcastPresenceOnline(did string) {
	f.broadcastAll(fedTypePresenceOnline, fedPresenceOnline{RelayID: f.relayID, DID: did})
}

// BroadcastPresenceOffline tells every connected federation peer that
// did just disconnected locally.
func (f *FederationManager) BroadcastPresenceOffline(did string) {
	f.broadcastAll(fedTypePresenceOffline, fedPresenceOffline{RelayID: f.relayID, DID: did})
}

// ForwardSignal relays a Signal payload to the relay claiming toDID.
func (f *FederationManager) ForwardSignal(relayID, fromDID, toDID, payload string) {
	f.sendTo(relayID, fedTypeForwardSignal, fedForwardSignal{FromDID: fromDID, ToDID: toDID, Payload: payload})
}

// ForwardMessage relays a live Send payload to the relay claiming
// toDID's presence.
func (f *FederationManager) ForwardMessage(relayID, fromDID, toDID, payload string) {
	f.sendTo(relayID, fedTypeForwardMessage, fedForwardMessage{FromDID: fromDID, ToDID: toDID, Payload: payload})
}

// ForwardSessionJoin forwards a join request to the relay owning the
// session. An empty relayID broadcasts to the whole mesh (owner unknown
// during a replication race); non-owners ignore joins for sessions they
// don't own, so the broadcast is safe.
func (f *FederationManager) ForwardSessionJoin(relayID, sessionID, joinerDID, answerPayload string) {
	msg := fedForwardSessionJoin{SessionID: sessionID, FromDID: joinerDID, AnswerPayload: answerPayload}
	if relayID == "" {
		f.broadcastAll(fedTypeForwardSessJoin, msg)
		return
	}
	f.sendTo(relayID, fedTypeForwardSessJoin, msg)
}

// ReplicateSession broadcasts a freshly created session to the mesh so
// federated peers can route joins back to this relay.
func (f *FederationManager) ReplicateSession(sessionID, offerPayload, creatorDID string) {
	f.broadcastAll(fedTypeSessionSync, fedSessionSync{SessionID: sessionID, OfferPayload: offerPayload, CreatorDID: creatorDID, RelayID: f.relayID})
}

// notifyCreator delivers the consumed session's answer to the creator:
// directly if the creator is connected here, through the relay claiming
// the creator's presence if they have since moved.
func (f *FederationManager) notifyCreator(creatorDID, sessionID, joinerDID, answerPayload string) {
	if f.deliverSessionJoined(creatorDID, sessionID, joinerDID, answerPayload) {
		return
	}
	if relayID, ok := f.state.FindPeerForDID(creatorDID); ok {
		f.sendTo(relayID, fedTypeForwardSessJoin, fedForwardSessionJoin{
			SessionID:     sessionID,
			FromDID:       joinerDID,
			ToDID:         creatorDID,
			AnswerPayload: answerPayload,
			Notify:        true,
		})
		return
	}
	f.logger.Debug("session joined but creator unreachable", "session_id", sessionID)
}

func (f *FederationManager) deliverSessionJoined(creatorDID, sessionID, joinerDID, answerPayload string) bool {
	dest, ok := f.state.LocalClient(creatorDID)
	if !ok {
		return false
	}
	dest.writeJSON("session_joined", struct {
		SessionID     string `json:"session_id"`
		FromDID       string `json:"from_did"`
		AnswerPayload string `json:"answer_payload"`
	}{sessionID, joinerDID, answerPayload})
	return true
}

func (f *FederationManager) sendTo(relayID, msgType string, data interface{}) {
	f.mu.RLock()
	peer, ok := f.peers[relayID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	peer.send(msgType, data)
}

func (f *FederationManager) broadcastAll(msgType string, data interface{}) {
	f.mu.RLock()
	peers := make([]*peerConn, 0, len(f.peers))
	for _, p := range f.peers {
		peers = append(peers, p)
	}
	f.mu.RUnlock()
	for _, p := range peers {
		p.send(msgType, data)
	}
}

// ConnectedPeerCount reports the number of live federation sockets.
func (f *FederationManager) ConnectedPeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.peers)
}
