// Package discovery implements the peer discovery cache and lookup
// path: a freshness-windowed cache in front of the peer service's DHT
// lookup, presence announcement under a DID-derived record key, and a
// first-success-wins address trial for connection descriptors.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/connection"
	"github.com/umbra-net/umbra/pkg/umbra/did"
	"github.com/umbra-net/umbra/pkg/umbra/peer"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const freshnessWindow = 5 * time.Minute

// Source names where a DiscoveredPeer entry was learned from.
type Source int

const (
	SourceDHT Source = iota
	SourceDirect
	SourceMDNS
	SourceBootstrap
)

// DiscoveredPeer is the cache entry.
type DiscoveredPeer struct {
	DID          string
	PeerID       string
	Addresses    []string
	DisplayName  string
	DiscoveredAt time.Time
	Source       Source
}

// PeerFinder is the subset of the peer service discovery depends on.
type PeerFinder interface {
	FindPeer(peerID string) ([]string, error)
}

// Dialer is the subset of the peer service connect_with_info depends
// on.
type Dialer interface {
	Connect(address string) error
}

// RecordStore is the DHT record surface used for presence
// announcement; *peer.Service satisfies it.
type RecordStore interface {
	PutRecord(key string, value []byte) error
	GetRecord(key string) ([]byte, error)
}

// Cache is the discovery cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]DiscoveredPeer
	now     func() time.Time
	finder  PeerFinder
	dialer  Dialer
	records RecordStore
}

// New creates a Cache backed by finder/dialer/records (normally all
// three are the same *peer.Service).
func New(finder PeerFinder, dialer Dialer, records RecordStore) *Cache {
	return &Cache{
		entries: make(map[string]DiscoveredPeer),
		now:     time.Now,
		finder:  finder,
		dialer:  dialer,
		records: records,
	}
}

// Record inserts or overwrites a cache entry, stamping DiscoveredAt.
func (c *Cache) Record(did, peerID string, addresses []string, displayName string, source Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[did] = DiscoveredPeer{
		DID:          did,
		PeerID:       peerID,
		Addresses:    addresses,
		DisplayName:  displayName,
		DiscoveredAt: c.now(),
		Source:       source,
	}
}

// LookupPeer consults the cache within the freshness window; on a miss
// or stale entry it delegates to the peer service's find_peer and
// records the refreshed result as a DHT-sourced entry. A cache miss
// has no prior peer-id on file, so the peer-id is first recovered from
// the DID's own signing key (the same derivation the peer service uses
// when it assigns a libp2p-style identifier to an identity).
func (c *Cache) LookupPeer(targetDID string) (DiscoveredPeer, error) {
	c.mu.RLock()
	entry, ok := c.entries[targetDID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.DiscoveredAt) <= freshnessWindow {
		return entry, nil
	}

	peerID := entry.PeerID
	displayName := entry.DisplayName
	if peerID == "" {
		pub, err := did.Decode(targetDID)
		if err != nil {
			return DiscoveredPeer{}, err
		}
		peerID = peer.PeerIDFromDID(pub)
	}

	addrs, err := c.finder.FindPeer(peerID)
	if err != nil {
		return DiscoveredPeer{}, err
	}
	if len(addrs) == 0 {
		return DiscoveredPeer{}, umbraerr.ErrPeerNotFound
	}
	c.Record(targetDID, peerID, addrs, displayName, SourceDHT)
	c.mu.RLock()
	refreshed := c.entries[targetDID]
	c.mu.RUnlock()
	return refreshed, nil
}

// ConnectWithInfo tries each address in info in order, recording the
// first success.
func (c *Cache) ConnectWithInfo(ctx context.Context, info connection.Info) error {
	var lastErr error
	for _, addr := range info.Addresses {
		if err := c.dialer.Connect(addr); err != nil {
			lastErr = err
			continue
		}
		c.Record(info.DID, info.PeerID, []string{addr}, info.DisplayName, SourceDirect)
		return nil
	}
	if lastErr == nil {
		lastErr = umbraerr.ErrConnectionFailed
	}
	return lastErr
}

// DIDToDHTKey is the stable DHT key used for presence announcement.
func DIDToDHTKey(did string) [32]byte {
	return sha256.Sum256([]byte(did))
}

// presenceKey renders DIDToDHTKey in the namespaced string form the
// peer service's DHT stores records under.
func presenceKey(did string) string {
	sum := DIDToDHTKey(did)
	return "/umbra/" + hex.EncodeToString(sum[:])
}

// AnnouncePresence publishes info at its DID's stable DHT key so other
// nodes can resolve a connection descriptor without a prior exchange.
func (c *Cache) AnnouncePresence(info connection.Info) error {
	if c.records == nil {
		return umbraerr.ErrNotInitialized
	}
	if err := info.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return umbraerr.ErrSerializationError
	}
	return c.records.PutRecord(presenceKey(info.DID), raw)
}

// ResolvePresence fetches and validates the descriptor published for
// targetDID, recording the result as a DHT-sourced cache entry.
func (c *Cache) ResolvePresence(targetDID string) (connection.Info, error) {
	if c.records == nil {
		return connection.Info{}, umbraerr.ErrNotInitialized
	}
	raw, err := c.records.GetRecord(presenceKey(targetDID))
	if err != nil {
		return connection.Info{}, err
	}
	var info connection.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return connection.Info{}, umbraerr.ErrDeserializationError
	}
	if err := info.Validate(); err != nil {
		return connection.Info{}, err
	}
	if info.DID != targetDID {
		return connection.Info{}, umbraerr.ErrInvalidDid
	}
	c.Record(info.DID, info.PeerID, info.Addresses, info.DisplayName, SourceDHT)
	return info, nil
}
