package peer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// mesh is the process-wide switchboard mock backends dial into: tests
// get a real multi-peer network without any sockets.
type mesh struct {
	mu      sync.Mutex
	members map[string]*MockBackend
	records map[string][]byte
}

var globalMesh = &mesh{
	members: make(map[string]*MockBackend),
	records: make(map[string][]byte),
}

// MockBackend is an in-process Backend used by tests and by builds with
// no libp2p transport available.
type MockBackend struct {
	id        string
	addr      string
	mu        sync.Mutex
	connected map[string]bool
	events    chan Event
	handler   func(*InboundRequest)
	stopped   bool
}

// NewMockBackend creates a mock peer identified by id, listening on a
// synthetic address.
func NewMockBackend(id string) *MockBackend {
	return &MockBackend{
		id:        id,
		addr:      "mock://" + id,
		connected: make(map[string]bool),
		events:    make(chan Event, 256),
	}
}

func (m *MockBackend) Start(ctx context.Context) error {
	globalMesh.mu.Lock()
	globalMesh.members[m.id] = m
	globalMesh.mu.Unlock()
	return nil
}

func (m *MockBackend) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()
	globalMesh.mu.Lock()
	delete(globalMesh.members, m.id)
	globalMesh.mu.Unlock()
	close(m.events)
	return nil
}

func (m *MockBackend) Connect(ctx context.Context, address string) (string, error) {
	peerID := trimMockScheme(address)
	globalMesh.mu.Lock()
	peer, ok := globalMesh.members[peerID]
	globalMesh.mu.Unlock()
	if !ok {
		return "", umbraerr.ErrConnectionFailed
	}
	m.mu.Lock()
	m.connected[peerID] = true
	m.mu.Unlock()
	peer.mu.Lock()
	peer.connected[m.id] = true
	peer.mu.Unlock()
	peer.events <- Event{Kind: PeerConnected, PeerID: m.id}
	return peerID, nil
}

func (m *MockBackend) Disconnect(peerID string) error {
	m.mu.Lock()
	delete(m.connected, peerID)
	m.mu.Unlock()
	globalMesh.mu.Lock()
	peer, ok := globalMesh.members[peerID]
	globalMesh.mu.Unlock()
	if ok {
		peer.mu.Lock()
		delete(peer.connected, m.id)
		peer.mu.Unlock()
	}
	return nil
}

func (m *MockBackend) SendRequest(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	globalMesh.mu.Lock()
	peer, ok := globalMesh.members[peerID]
	globalMesh.mu.Unlock()
	if !ok {
		return nil, umbraerr.ErrPeerNotFound
	}
	reply := make(chan commandReply, 1)
	req := &InboundRequest{
		PeerID:  m.id,
		Payload: payload,
		respond: func(resp []byte, err error) {
			reply <- commandReply{payload: resp, err: err}
		},
	}
	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	go handler(req)
	select {
	case r := <-reply:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockBackend) FindPeer(ctx context.Context, peerID string) ([]string, error) {
	globalMesh.mu.Lock()
	peer, ok := globalMesh.members[peerID]
	globalMesh.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return []string{peer.addr}, nil
}

func (m *MockBackend) Bootstrap(ctx context.Context) error {
	return nil
}

func (m *MockBackend) PutRecord(ctx context.Context, key string, value []byte) error {
	globalMesh.mu.Lock()
	globalMesh.records[key] = append([]byte(nil), value...)
	globalMesh.mu.Unlock()
	return nil
}

func (m *MockBackend) GetRecord(ctx context.Context, key string) ([]byte, error) {
	globalMesh.mu.Lock()
	value, ok := globalMesh.records[key]
	globalMesh.mu.Unlock()
	if !ok {
		return nil, umbraerr.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MockBackend) GetClosestPeers(ctx context.Context, key string) ([]string, error) {
	globalMesh.mu.Lock()
	defer globalMesh.mu.Unlock()
	out := make([]string, 0, len(globalMesh.members))
	for id := range globalMesh.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockBackend) ListenAddresses() []string {
	return []string{m.addr}
}

func (m *MockBackend) Events() <-chan Event {
	return m.events
}

func (m *MockBackend) OnRequest(handler func(*InboundRequest)) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *MockBackend) LocalPeerID() string {
	return m.id
}

func trimMockScheme(address string) string {
	const scheme = "mock://"
	if len(address) > len(scheme) && address[:len(scheme)] == scheme {
		return address[len(scheme):]
	}
	return address
}

func randomMockID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("mock-%s", hex.EncodeToString(buf[:]))
}
