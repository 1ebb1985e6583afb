package peer

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// requestProtocol is the single request-response protocol id.
const requestProtocol = protocol.ID("/umbra/request/1.0.0")

// recordNamespace prefixes every DHT record key this service stores
// ("/umbra/..."), e.g. the presence descriptors published by discovery.
const recordNamespace = "umbra"

// presenceValidator accepts any record in the umbra namespace and
// prefers the first value offered. Presence descriptors are validated
// by the consumer (connection.Info.Validate), not by the DHT layer.
type presenceValidator struct{}

func (presenceValidator) Validate(key string, value []byte) error { return nil }

func (presenceValidator) Select(key string, values [][]byte) (int, error) { return 0, nil }

// Libp2pBackend is the production Backend: a real libp2p host with
// identify, ping, and a Kademlia DHT behind one Start/Stop
// lifecycle.
type Libp2pBackend struct {
	listenAddrs []string
	signingKey  ed25519.PrivateKey

	mu      sync.RWMutex
	host    host.Host
	idSvc   identify.IDService
	pingSvc *ping.PingService
	kad     *dht.IpfsDHT

	events  chan Event
	handler func(*InboundRequest)
}

// NewLibp2pBackend creates a backend that will listen on listenAddrs
// once Start is called. The host identity is derived from the
// identity's long-term Ed25519 signing key rather than a
// libp2p-generated keypair, so PeerIDFromDID(signingKey.Public()) and
// the running host's own peer id agree.
func NewLibp2pBackend(listenAddrs []string, signingKey ed25519.PrivateKey) *Libp2pBackend {
	return &Libp2pBackend{
		listenAddrs: listenAddrs,
		signingKey:  signingKey,
		events:      make(chan Event, 256),
	}
}

func (b *Libp2pBackend) Start(ctx context.Context) error {
	opts := []libp2p.Option{}
	if len(b.listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(b.listenAddrs...))
	}
	if len(b.signingKey) == ed25519.PrivateKeySize {
		priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(b.signingKey)
		if err != nil {
			return umbraerr.ErrInvalidKey
		}
		opts = append(opts, libp2p.Identity(priv))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return umbraerr.ErrTransportError
	}

	idSvc, err := identify.NewIDService(h)
	if err != nil {
		h.Close()
		return umbraerr.ErrTransportError
	}
	idSvc.Start()

	pingSvc := ping.NewPingService(h)

	kad, err := dht.New(ctx, h,
		dht.MaxRecordAge(dhtRecordTTL),
		dht.NamespacedValidator(recordNamespace, presenceValidator{}),
	)
	if err != nil {
		idSvc.Close()
		h.Close()
		return umbraerr.ErrDhtError
	}

	h.SetStreamHandler(requestProtocol, b.handleStream)

	b.mu.Lock()
	b.host = h
	b.idSvc = idSvc
	b.pingSvc = pingSvc
	b.kad = kad
	b.mu.Unlock()

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			b.emit(Event{Kind: PeerConnected, PeerID: conn.RemotePeer().String()})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			b.emit(Event{Kind: PeerDisconnected, PeerID: conn.RemotePeer().String()})
		},
	})

	return nil
}

func (b *Libp2pBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kad != nil {
		b.kad.Close()
	}
	if b.idSvc != nil {
		b.idSvc.Close()
	}
	if b.host != nil {
		return hostCloseErr(b.host.Close())
	}
	return nil
}

func hostCloseErr(err error) error {
	if err != nil {
		return umbraerr.ErrTransportError
	}
	return nil
}

func (b *Libp2pBackend) Connect(ctx context.Context, address string) (string, error) {
	addr, err := ma.NewMultiaddr(address)
	if err != nil {
		return "", umbraerr.ErrProtocolError
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return "", umbraerr.ErrProtocolError
	}
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return "", umbraerr.ErrNotInitialized
	}
	if err := h.Connect(ctx, *info); err != nil {
		return "", umbraerr.ErrConnectionFailed
	}
	return info.ID.String(), nil
}

func (b *Libp2pBackend) Disconnect(peerID string) error {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return umbraerr.ErrNotInitialized
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return umbraerr.ErrProtocolError
	}
	return hostCloseErr(h.Network().ClosePeer(pid))
}

func (b *Libp2pBackend) SendRequest(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return nil, umbraerr.ErrNotInitialized
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, umbraerr.ErrProtocolError
	}
	stream, err := h.NewStream(ctx, pid, requestProtocol)
	if err != nil {
		return nil, umbraerr.ErrConnectionFailed
	}
	defer stream.Close()

	if _, err := stream.Write(payload); err != nil {
		return nil, umbraerr.ErrTransportError
	}
	stream.CloseWrite()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (b *Libp2pBackend) FindPeer(ctx context.Context, peerID string) ([]string, error) {
	b.mu.RLock()
	kad := b.kad
	b.mu.RUnlock()
	if kad == nil {
		return nil, umbraerr.ErrNotInitialized
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, umbraerr.ErrProtocolError
	}
	info, err := kad.FindPeer(ctx, pid)
	if err != nil {
		return []string{}, nil
	}
	addrs := make([]string, 0, len(info.Addrs))
	for _, a := range info.Addrs {
		addrs = append(addrs, a.String())
	}
	return addrs, nil
}

func (b *Libp2pBackend) Bootstrap(ctx context.Context) error {
	b.mu.RLock()
	kad := b.kad
	b.mu.RUnlock()
	if kad == nil {
		return umbraerr.ErrNotInitialized
	}
	if err := kad.Bootstrap(ctx); err != nil {
		return umbraerr.ErrDhtError
	}
	return nil
}

func (b *Libp2pBackend) PutRecord(ctx context.Context, key string, value []byte) error {
	b.mu.RLock()
	kad := b.kad
	b.mu.RUnlock()
	if kad == nil {
		return umbraerr.ErrNotInitialized
	}
	if err := kad.PutValue(ctx, key, value); err != nil {
		return umbraerr.ErrDhtError
	}
	return nil
}

func (b *Libp2pBackend) GetRecord(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	kad := b.kad
	b.mu.RUnlock()
	if kad == nil {
		return nil, umbraerr.ErrNotInitialized
	}
	value, err := kad.GetValue(ctx, key)
	if err != nil {
		return nil, umbraerr.ErrNotFound
	}
	return value, nil
}

func (b *Libp2pBackend) GetClosestPeers(ctx context.Context, key string) ([]string, error) {
	b.mu.RLock()
	kad := b.kad
	b.mu.RUnlock()
	if kad == nil {
		return nil, umbraerr.ErrNotInitialized
	}
	ids, err := kad.GetClosestPeers(ctx, key)
	if err != nil {
		return nil, umbraerr.ErrDhtError
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}

func (b *Libp2pBackend) ListenAddresses() []string {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return nil
	}
	out := make([]string, 0)
	for _, a := range h.Addrs() {
		out = append(out, a.String())
	}
	return out
}

func (b *Libp2pBackend) Events() <-chan Event {
	return b.events
}

func (b *Libp2pBackend) OnRequest(handler func(*InboundRequest)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *Libp2pBackend) LocalPeerID() string {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return ""
	}
	return h.ID().String()
}

func (b *Libp2pBackend) handleStream(stream network.Stream) {
	defer stream.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return
	}
	req := &InboundRequest{
		PeerID:  stream.Conn().RemotePeer().String(),
		Payload: buf,
		respond: func(resp []byte, err error) {
			if err == nil && len(resp) > 0 {
				stream.Write(resp)
			}
		},
	}
	handler(req)
}

func (b *Libp2pBackend) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
	}
}
