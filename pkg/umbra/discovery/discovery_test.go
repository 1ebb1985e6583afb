package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/connection"
	"github.com/umbra-net/umbra/pkg/umbra/did"
	"github.com/umbra-net/umbra/pkg/umbra/identity"
	"github.com/umbra-net/umbra/pkg/umbra/peer"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

type stubFinder struct {
	addrs map[string][]string
	err   error
	calls []string
}

func (s *stubFinder) FindPeer(peerID string) ([]string, error) {
	s.calls = append(s.calls, peerID)
	if s.err != nil {
		return nil, s.err
	}
	return s.addrs[peerID], nil
}

type stubDialer struct {
	fail map[string]bool
}

func (s *stubDialer) Connect(address string) error {
	if s.fail[address] {
		return umbraerr.ErrConnectionFailed
	}
	return nil
}

func seed32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestLookupPeerUsesFreshCache(t *testing.T) {
	finder := &stubFinder{addrs: map[string][]string{}}
	c := New(finder, &stubDialer{}, nil)
	c.Record("did:key:zAlice", "peerid-1", []string{"/ip4/1.2.3.4/tcp/1"}, "Alice", SourceDirect)

	peerInfo, err := c.LookupPeer("did:key:zAlice")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if peerInfo.PeerID != "peerid-1" {
		t.Fatalf("expected cached peer id, got %q", peerInfo.PeerID)
	}
	if len(finder.calls) != 0 {
		t.Fatalf("expected no DHT lookup for a fresh cache hit, got %v", finder.calls)
	}
}

func TestLookupPeerDerivesPeerIDOnMiss(t *testing.T) {
	alice, err := identity.FromSeed(seed32(0x01), "Alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("alice identity failed: %v", err)
	}
	pub, err := did.Decode(alice.DID)
	if err != nil {
		t.Fatalf("decode did failed: %v", err)
	}

	finder := &stubFinder{addrs: map[string][]string{}}
	c := New(finder, &stubDialer{}, nil)

	derivedID := peer.PeerIDFromDID(pub)
	finder.addrs[derivedID] = []string{"/ip4/5.6.7.8/tcp/4001"}

	peerInfo, err := c.LookupPeer(alice.DID)
	if err != nil {
		t.Fatalf("lookup on cache miss failed: %v", err)
	}
	if peerInfo.PeerID != derivedID {
		t.Fatalf("expected derived peer id %q, got %q", derivedID, peerInfo.PeerID)
	}
	if len(finder.calls) != 1 || finder.calls[0] != derivedID {
		t.Fatalf("expected FindPeer to be called with the derived peer id, got %v", finder.calls)
	}
}

func TestLookupPeerReturnsNotFoundOnEmptyAddresses(t *testing.T) {
	alice, err := identity.FromSeed(seed32(0x01), "Alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("alice identity failed: %v", err)
	}
	finder := &stubFinder{addrs: map[string][]string{}}
	c := New(finder, &stubDialer{}, nil)
	_, err = c.LookupPeer(alice.DID)
	if !errors.Is(err, umbraerr.ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestLookupPeerRefreshesStaleEntry(t *testing.T) {
	finder := &stubFinder{addrs: map[string][]string{"peerid-1": {"/ip4/9.9.9.9/tcp/1"}}}
	c := New(finder, &stubDialer{}, nil)
	c.Record("did:key:zAlice", "peerid-1", []string{"/ip4/1.2.3.4/tcp/1"}, "Alice", SourceDirect)

	stale := time.Now().Add(-10 * time.Minute)
	base := time.Now()
	c.now = func() time.Time { return stale }
	c.Record("did:key:zAlice", "peerid-1", []string{"/ip4/1.2.3.4/tcp/1"}, "Alice", SourceDirect)
	c.now = func() time.Time { return base }

	peerInfo, err := c.LookupPeer("did:key:zAlice")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if peerInfo.Source != SourceDHT {
		t.Fatalf("expected refreshed entry to be sourced from the DHT, got %v", peerInfo.Source)
	}
	if len(finder.calls) != 1 {
		t.Fatalf("expected exactly one DHT lookup for the stale entry, got %d", len(finder.calls))
	}
}

func TestConnectWithInfoRecordsFirstSuccess(t *testing.T) {
	dialer := &stubDialer{fail: map[string]bool{"/ip4/1.1.1.1/tcp/1": true}}
	c := New(&stubFinder{}, dialer, nil)
	info := connection.Info{
		DID:         "did:key:zAlice",
		PeerID:      "peerid-1",
		Addresses:   []string{"/ip4/1.1.1.1/tcp/1", "/ip4/2.2.2.2/tcp/1"},
		DisplayName: "Alice",
	}
	if err := c.ConnectWithInfo(context.Background(), info); err != nil {
		t.Fatalf("expected connect to succeed on the second address: %v", err)
	}
	c.mu.RLock()
	entry := c.entries["did:key:zAlice"]
	c.mu.RUnlock()
	if len(entry.Addresses) != 1 || entry.Addresses[0] != "/ip4/2.2.2.2/tcp/1" {
		t.Fatalf("expected the successful address to be recorded, got %v", entry.Addresses)
	}
}

func TestConnectWithInfoFailsWhenAllAddressesFail(t *testing.T) {
	dialer := &stubDialer{fail: map[string]bool{"/ip4/1.1.1.1/tcp/1": true, "/ip4/2.2.2.2/tcp/1": true}}
	c := New(&stubFinder{}, dialer, nil)
	info := connection.Info{
		DID:       "did:key:zAlice",
		PeerID:    "peerid-1",
		Addresses: []string{"/ip4/1.1.1.1/tcp/1", "/ip4/2.2.2.2/tcp/1"},
	}
	if err := c.ConnectWithInfo(context.Background(), info); err == nil {
		t.Fatalf("expected failure when every address fails")
	}
}

func TestDIDToDHTKeyIsStable(t *testing.T) {
	a := DIDToDHTKey("did:key:zAlice")
	b := DIDToDHTKey("did:key:zAlice")
	if a != b {
		t.Fatalf("expected dht key derivation to be deterministic")
	}
}

type stubRecords struct {
	store map[string][]byte
}

func (s *stubRecords) PutRecord(key string, value []byte) error {
	if s.store == nil {
		s.store = make(map[string][]byte)
	}
	s.store[key] = value
	return nil
}

func (s *stubRecords) GetRecord(key string) ([]byte, error) {
	value, ok := s.store[key]
	if !ok {
		return nil, umbraerr.ErrNotFound
	}
	return value, nil
}

func TestAnnounceAndResolvePresence(t *testing.T) {
	alice, err := identity.FromSeed(seed32(0x01), "Alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("alice identity failed: %v", err)
	}
	records := &stubRecords{}
	publisher := New(&stubFinder{}, &stubDialer{}, records)
	resolver := New(&stubFinder{}, &stubDialer{}, records)

	info := connection.New(alice.DID, "peerid-1", []string{"/ip4/1.2.3.4/tcp/4001"}, "Alice", time.Unix(1_700_000_000, 0))
	if err := publisher.AnnouncePresence(info); err != nil {
		t.Fatalf("announce failed: %v", err)
	}

	got, err := resolver.ResolvePresence(alice.DID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got.DID != alice.DID || got.PeerID != "peerid-1" || got.Timestamp != info.Timestamp {
		t.Fatalf("resolved descriptor does not match announced one: %+v", got)
	}

	resolver.mu.RLock()
	entry, cached := resolver.entries[alice.DID]
	resolver.mu.RUnlock()
	if !cached || entry.Source != SourceDHT {
		t.Fatalf("expected resolve to record a DHT-sourced cache entry, got %+v", entry)
	}
}

func TestResolvePresenceRejectsMismatchedDID(t *testing.T) {
	alice, err := identity.FromSeed(seed32(0x01), "Alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("alice identity failed: %v", err)
	}
	bob, err := identity.FromSeed(seed32(0x02), "Bob", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("bob identity failed: %v", err)
	}
	records := &stubRecords{}
	c := New(&stubFinder{}, &stubDialer{}, records)

	// A record stored under bob's key but describing alice must not
	// resolve as bob.
	info := connection.New(alice.DID, "peerid-1", []string{"/ip4/1.2.3.4/tcp/4001"}, "Alice", time.Unix(1_700_000_000, 0))
	raw, _ := json.Marshal(info)
	records.PutRecord(presenceKey(bob.DID), raw)

	if _, err := c.ResolvePresence(bob.DID); !errors.Is(err, umbraerr.ErrInvalidDid) {
		t.Fatalf("expected ErrInvalidDid for mismatched descriptor, got %v", err)
	}
}

func TestAnnouncePresenceWithoutRecordStore(t *testing.T) {
	c := New(&stubFinder{}, &stubDialer{}, nil)
	if err := c.AnnouncePresence(connection.Info{}); !errors.Is(err, umbraerr.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized without a record store, got %v", err)
	}
}
