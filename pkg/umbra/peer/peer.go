// Package peer implements the peer service. A single event-loop task
// owns the backend, consuming a command channel and the backend's
// event stream in one select loop; every public method enqueues a
// command rather than touching backend state directly. The backend is
// either an in-memory mock (for tests and transport-less builds) or a
// real libp2p host, chosen once at construction.
package peer

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	p2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const (
	identifyInterval = 60 * time.Second
	pingInterval     = 30 * time.Second
	pingTimeout      = 20 * time.Second
	dhtQueryTimeout  = 60 * time.Second
	dhtRecordTTL     = 24 * time.Hour
	dhtReplication   = 20
	requestTimeout   = 30 * time.Second
	findPeerTimeout  = 30 * time.Second
)

// EventKind enumerates the network event variants delivered on the
// service's event stream.
type EventKind int

const (
	Listening EventKind = iota
	PeerConnected
	PeerDisconnected
	PeerDiscovered
	PeerIdentified
	MessageFailed
	DhtUpdated
)

// Event is the single NetworkEvent shape; only the fields relevant to
// Kind are populated.
type Event struct {
	Kind      EventKind
	PeerID    string
	Address   string
	RequestID string
	Err       error
	Addresses []string
	Latency   time.Duration
}

// PeerInfo is the locally observed state for one remote peer.
type PeerInfo struct {
	PeerID     string
	Addresses  []string
	Connected  bool
	Latency    time.Duration
	Agent      string
	Identified bool
}

// InboundRequest is delivered to the application for each inbound
// request-response message; Respond may be called at most once.
type InboundRequest struct {
	PeerID  string
	Payload []byte
	respond func([]byte, error)
	once    sync.Once
}

// Respond delivers the application's reply. Calling it more than once
// is a no-op; only the first response reaches the requester.
func (r *InboundRequest) Respond(payload []byte, err error) {
	r.once.Do(func() {
		r.respond(payload, err)
	})
}

// Backend abstracts the underlying transport: a mock in-memory mesh for
// tests, or a real libp2p host for production (see libp2p.go).
type Backend interface {
	Start(ctx context.Context) error
	Stop() error
	Connect(ctx context.Context, address string) (peerID string, err error)
	Disconnect(peerID string) error
	SendRequest(ctx context.Context, peerID string, payload []byte) ([]byte, error)
	FindPeer(ctx context.Context, peerID string) ([]string, error)
	Bootstrap(ctx context.Context) error
	PutRecord(ctx context.Context, key string, value []byte) error
	GetRecord(ctx context.Context, key string) ([]byte, error)
	GetClosestPeers(ctx context.Context, key string) ([]string, error)
	ListenAddresses() []string
	Events() <-chan Event
	OnRequest(handler func(*InboundRequest))
	LocalPeerID() string
}

type command struct {
	kind    commandKind
	address string
	peerID  string
	key     string
	payload []byte
	reply   chan commandReply
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdSendRequest
	cmdFindPeer
	cmdBootstrap
	cmdPutRecord
	cmdGetRecord
	cmdClosestPeers
	cmdStop
)

type commandReply struct {
	addresses []string
	payload   []byte
	peerID    string
	err       error
}

// Service is the peer service: one instance, one event-loop
// goroutine, one backend.
type Service struct {
	backend Backend

	mu        sync.RWMutex
	peers     map[string]*PeerInfo
	listening []string
	started   bool

	commands chan command
	events   chan Event
	requests chan *InboundRequest
	subsMu   sync.Mutex
	subs     []chan Event

	loopWG   sync.WaitGroup
	loopDone chan struct{}
}

// New wraps backend in a Service. The caller chooses the backend (mock
// or libp2p) via NewMockBackend / NewLibp2pBackend.
func New(backend Backend) *Service {
	return &Service{
		backend:  backend,
		peers:    make(map[string]*PeerInfo),
		commands: make(chan command, 256),
		events:   make(chan Event, 256),
		requests: make(chan *InboundRequest, 256),
	}
}

// Start is idempotent once: it launches the backend and the single
// event-loop goroutine that owns it for the remainder of the service's
// life.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return umbraerr.ErrAlreadyInitialized
	}
	s.started = true
	s.mu.Unlock()

	if err := s.backend.Start(ctx); err != nil {
		return umbraerr.ErrConnectionFailed
	}
	s.backend.OnRequest(func(req *InboundRequest) {
		select {
		case s.requests <- req:
		default:
			req.Respond(nil, umbraerr.ErrTransportError)
			s.publish(Event{Kind: MessageFailed, PeerID: req.PeerID, Err: umbraerr.ErrTransportError})
		}
	})

	s.mu.Lock()
	s.listening = append([]string(nil), s.backend.ListenAddresses()...)
	s.loopDone = make(chan struct{})
	s.mu.Unlock()
	s.publish(Event{Kind: Listening, Addresses: s.listening})

	s.loopWG.Add(1)
	go s.run(ctx)
	return nil
}

// do enqueues cmd on the event loop and blocks for its reply, failing
// fast once the loop has exited.
func (s *Service) do(cmd command) commandReply {
	s.mu.RLock()
	started := s.started
	done := s.loopDone
	s.mu.RUnlock()
	if !started {
		return commandReply{err: umbraerr.ErrNotInitialized}
	}
	reply := make(chan commandReply, 1)
	cmd.reply = reply
	select {
	case s.commands <- cmd:
	case <-done:
		return commandReply{err: umbraerr.ErrShutdownInProgress}
	}
	select {
	case r := <-reply:
		return r
	case <-done:
		return commandReply{err: umbraerr.ErrShutdownInProgress}
	}
}

// Stop drains the command channel and shuts the backend down. Safe to
// call once after Start.
func (s *Service) Stop() error {
	r := s.do(command{kind: cmdStop})
	if r.err != nil && r.err != umbraerr.ErrShutdownInProgress {
		return r.err
	}
	s.loopWG.Wait()
	return nil
}

// Connect dials address, blocking until the event loop has processed
// the command.
func (s *Service) Connect(address string) error {
	return s.do(command{kind: cmdConnect, address: address}).err
}

// Disconnect closes the connection to peerID.
func (s *Service) Disconnect(peerID string) error {
	return s.do(command{kind: cmdDisconnect, peerID: peerID}).err
}

// SendRequest delivers payload to peerID and waits for the response or
// the request timeout.
func (s *Service) SendRequest(peerID string, payload []byte) ([]byte, error) {
	r := s.do(command{kind: cmdSendRequest, peerID: peerID, payload: payload})
	return r.payload, r.err
}

// FindPeer performs a DHT lookup for peerID's known addresses,
// bounded by a 30-second timeout.
func (s *Service) FindPeer(peerID string) ([]string, error) {
	r := s.do(command{kind: cmdFindPeer, peerID: peerID})
	return r.addresses, r.err
}

// Bootstrap seeds the DHT routing table from the currently connected
// peers.
func (s *Service) Bootstrap() error {
	return s.do(command{kind: cmdBootstrap}).err
}

// PutRecord stores value under key in the DHT.
func (s *Service) PutRecord(key string, value []byte) error {
	return s.do(command{kind: cmdPutRecord, key: key, payload: value}).err
}

// GetRecord fetches the value stored under key in the DHT.
func (s *Service) GetRecord(key string) ([]byte, error) {
	r := s.do(command{kind: cmdGetRecord, key: key})
	return r.payload, r.err
}

// GetClosestPeers returns the peer ids closest to key in DHT distance.
func (s *Service) GetClosestPeers(key string) ([]string, error) {
	r := s.do(command{kind: cmdClosestPeers, key: key})
	return r.addresses, r.err
}

// Requests returns the stream of inbound request-response messages.
// Each carries a response handle the application may use at most once;
// requests arriving while the buffer is full are failed back to the
// sender rather than silently dropped.
func (s *Service) Requests() <-chan *InboundRequest {
	return s.requests
}

// Subscribe returns a channel of NetworkEvents. The channel is closed
// when the service stops.
func (s *Service) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// ListenAddresses returns the current listen address set.
func (s *Service) ListenAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.listening...)
}

// Peers returns a snapshot of known peer state.
func (s *Service) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

func (s *Service) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// run is the single task that owns the backend: every mutation of
// swarm state flows through this loop via the command channel.
func (s *Service) run(ctx context.Context) {
	defer s.loopWG.Done()
	defer close(s.loopDone)

	identifyTicker := time.NewTicker(identifyInterval)
	pingTicker := time.NewTicker(pingInterval)
	defer identifyTicker.Stop()
	defer pingTicker.Stop()

	backendEvents := s.backend.Events()

	for {
		select {
		case <-ctx.Done():
			s.backend.Stop()
			s.closeSubs()
			return

		case ev, ok := <-backendEvents:
			if !ok {
				backendEvents = nil
				continue
			}
			s.applyBackendEvent(ev)
			s.publish(ev)

		case <-identifyTicker.C:
			s.runIdentify(ctx)

		case <-pingTicker.C:
			s.runPing(ctx)

		case cmd := <-s.commands:
			if cmd.kind == cmdStop {
				s.backend.Stop()
				cmd.reply <- commandReply{}
				s.closeSubs()
				return
			}
			s.handleCommand(ctx, cmd)
		}
	}
}

func (s *Service) closeSubs() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Service) applyBackendEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case PeerConnected:
		info, ok := s.peers[ev.PeerID]
		if !ok {
			info = &PeerInfo{PeerID: ev.PeerID}
			s.peers[ev.PeerID] = info
		}
		info.Connected = true
	case PeerDisconnected:
		if info, ok := s.peers[ev.PeerID]; ok {
			info.Connected = false
		}
	case PeerIdentified:
		if info, ok := s.peers[ev.PeerID]; ok {
			info.Identified = true
			info.Addresses = ev.Addresses
		}
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdConnect:
		peerID, err := s.backend.Connect(ctx, cmd.address)
		if err != nil {
			s.publish(Event{Kind: MessageFailed, Address: cmd.address, Err: umbraerr.ErrConnectionFailed})
			cmd.reply <- commandReply{err: umbraerr.ErrConnectionFailed}
			return
		}
		s.mu.Lock()
		s.peers[peerID] = &PeerInfo{PeerID: peerID, Connected: true}
		s.mu.Unlock()
		s.publish(Event{Kind: PeerConnected, PeerID: peerID})
		cmd.reply <- commandReply{peerID: peerID}

	case cmdDisconnect:
		err := s.backend.Disconnect(cmd.peerID)
		s.mu.Lock()
		delete(s.peers, cmd.peerID)
		s.mu.Unlock()
		s.publish(Event{Kind: PeerDisconnected, PeerID: cmd.peerID})
		cmd.reply <- commandReply{err: err}

	case cmdSendRequest:
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		payload, err := s.backend.SendRequest(reqCtx, cmd.peerID, cmd.payload)
		cancel()
		if err != nil {
			if reqCtx.Err() != nil {
				err = umbraerr.ErrTimeout
			} else {
				err = umbraerr.ErrTransportError
			}
			s.publish(Event{Kind: MessageFailed, PeerID: cmd.peerID, Err: err})
		}
		cmd.reply <- commandReply{payload: payload, err: err}

	case cmdFindPeer:
		findCtx, cancel := context.WithTimeout(ctx, findPeerTimeout)
		addrs, err := s.backend.FindPeer(findCtx, cmd.peerID)
		cancel()
		if err != nil {
			if findCtx.Err() != nil {
				err = umbraerr.ErrTimeout
			} else {
				err = umbraerr.ErrDhtError
			}
			cmd.reply <- commandReply{err: err}
			return
		}
		s.publish(Event{Kind: DhtUpdated, PeerID: cmd.peerID, Addresses: addrs})
		cmd.reply <- commandReply{addresses: addrs}

	case cmdBootstrap:
		cmd.reply <- commandReply{err: s.backend.Bootstrap(ctx)}

	case cmdPutRecord:
		putCtx, cancel := context.WithTimeout(ctx, dhtQueryTimeout)
		err := s.backend.PutRecord(putCtx, cmd.key, cmd.payload)
		cancel()
		if err == nil {
			s.publish(Event{Kind: DhtUpdated})
		}
		cmd.reply <- commandReply{err: err}

	case cmdGetRecord:
		getCtx, cancel := context.WithTimeout(ctx, dhtQueryTimeout)
		value, err := s.backend.GetRecord(getCtx, cmd.key)
		cancel()
		cmd.reply <- commandReply{payload: value, err: err}

	case cmdClosestPeers:
		cpCtx, cancel := context.WithTimeout(ctx, dhtQueryTimeout)
		ids, err := s.backend.GetClosestPeers(cpCtx, cmd.key)
		cancel()
		cmd.reply <- commandReply{addresses: ids, err: err}
	}
}

func (s *Service) runIdentify(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id, info := range s.peers {
		if info.Connected {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		addrs, err := s.backend.FindPeer(ctx, id)
		if err != nil {
			continue
		}
		s.mu.Lock()
		if info, ok := s.peers[id]; ok {
			info.Identified = true
			info.Addresses = addrs
		}
		s.mu.Unlock()
		s.publish(Event{Kind: PeerIdentified, PeerID: id, Addresses: addrs})
	}
}

func (s *Service) runPing(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id, info := range s.peers {
		if info.Connected {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		start := time.Now()
		_, err := s.backend.SendRequest(pingCtx, id, nil)
		cancel()
		if err != nil {
			continue
		}
		latency := time.Since(start)
		s.mu.Lock()
		if info, ok := s.peers[id]; ok {
			info.Latency = latency
		}
		s.mu.Unlock()
	}
}

// PeerIDFromDID derives the libp2p peer id of an identity's Ed25519
// public key, the id a Libp2pBackend started with that signing key
// announces, so a DID alone is enough to look a peer up. It returns ""
// if pub is not a valid Ed25519 public key.
func PeerIDFromDID(pub ed25519.PublicKey) string {
	key, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return ""
	}
	id, err := p2ppeer.IDFromPublicKey(key)
	if err != nil {
		return ""
	}
	return id.String()
}

// ErrPeerNotIdentified is returned when a caller asks for a peer's DID
// before the identify exchange has completed for that peer. Ordering
// identify before the lookup is the caller's responsibility; there is
// no internal retry.
var ErrPeerNotIdentified = umbraerr.ErrPeerNotFound
