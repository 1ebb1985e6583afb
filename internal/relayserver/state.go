// Package relayserver implements the relay server and federation mesh:
// online-client routing, offline-message queueing with per-DID
// eviction, single-scan session brokering, and a relay-to-relay
// federation protocol for presence and opaque payload forwarding.
package relayserver

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxOfflinePerDID = 1000
	defaultOfflineTTL       = 7 * 24 * time.Hour
	defaultSessionTTL       = time.Hour
	defaultCleanupInterval  = 5 * time.Minute
)

// offlineEntry is one queued message awaiting delivery.
type offlineEntry struct {
	FromDID   string
	Payload   string
	Timestamp time.Time
}

// session is a single-scan signaling session: a single-use offer/answer
// handoff, consumed at most once across the whole mesh by its owning
// relay. Federated replicas carry owned=false plus the owner's relay
// id; a replica's consumed flag only blocks repeat joins through this
// relay — the owner's CAS is the mesh-wide authority.
type session struct {
	ID           string
	OfferPayload string
	CreatedAt    time.Time
	creatorDID   string
	consumed     bool
	owned        bool
	ownerRelayID string
}

// State holds every piece of mutable relay state: online clients,
// offline queues, sessions, the federated presence table, and call
// rooms. All of it lives behind one RWMutex; handler goroutines never
// touch the maps directly.
type State struct {
	maxOfflinePerDID int
	offlineTTL       time.Duration
	sessionTTL       time.Duration

	mu            sync.RWMutex
	onlineClients map[string]*clientConn
	offlineQueue  map[string][]offlineEntry
	sessions      map[string]*session
	federated     map[string]map[string]struct{} // relayID -> set(did)

	callRooms map[string]map[string]struct{} // roomID -> set(did)
}

// NewState builds relay state with the given tunables; zero values
// fall back to the built-in defaults.
func NewState(maxOfflinePerDID int, offlineTTL, sessionTTL time.Duration) *State {
	if maxOfflinePerDID <= 0 {
		maxOfflinePerDID = defaultMaxOfflinePerDID
	}
	if offlineTTL <= 0 {
		offlineTTL = defaultOfflineTTL
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &State{
		maxOfflinePerDID: maxOfflinePerDID,
		offlineTTL:       offlineTTL,
		sessionTTL:       sessionTTL,
		onlineClients:    make(map[string]*clientConn),
		offlineQueue:     make(map[string][]offlineEntry),
		sessions:         make(map[string]*session),
		federated:        make(map[string]map[string]struct{}),
		callRooms:        make(map[string]map[string]struct{}),
	}
}

// RegisterLocal binds a live connection to a DID, replacing any
// previous connection for that DID.
func (s *State) RegisterLocal(did string, conn *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineClients[did] = conn
}

// UnregisterLocal removes did's live connection if it still points at
// conn (a later Register for the same DID must not be evicted by a
// stale disconnect).
func (s *State) UnregisterLocal(did string, conn *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onlineClients[did] == conn {
		delete(s.onlineClients, did)
	}
}

// LocalClient returns the live connection for did, if any.
func (s *State) LocalClient(did string) (*clientConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.onlineClients[did]
	return c, ok
}

// LocalOnlineCount returns the number of locally registered DIDs.
func (s *State) LocalOnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.onlineClients)
}

// LocalDIDs returns a snapshot of locally registered DIDs, for
// PresenceSync.
func (s *State) LocalDIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.onlineClients))
	for did := range s.onlineClients {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}

// ApplyPresenceSnapshot replaces relayID's full claimed-DID set.
func (s *State) ApplyPresenceSnapshot(relayID string, dids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(dids))
	for _, d := range dids {
		set[d] = struct{}{}
	}
	s.federated[relayID] = set
}

// ApplyPresenceOnline marks did as claimed by relayID.
func (s *State) ApplyPresenceOnline(relayID, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.federated[relayID]
	if !ok {
		set = make(map[string]struct{})
		s.federated[relayID] = set
	}
	set[did] = struct{}{}
}

// ApplyPresenceOffline clears did from relayID's claimed set.
func (s *State) ApplyPresenceOffline(relayID, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.federated[relayID]; ok {
		delete(set, did)
	}
}

// DropRelay clears relayID's entire claimed set, used on federation
// disconnect.
func (s *State) DropRelay(relayID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.federated, relayID)
}

// FindPeerForDID returns the relay id currently claiming did, per
// find_peer_for_did.
func (s *State) FindPeerForDID(did string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for relayID, set := range s.federated {
		if _, ok := set[did]; ok {
			return relayID, true
		}
	}
	return "", false
}

// MeshOnlineCount is local online plus every peer-claimed DID.
func (s *State) MeshOnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.onlineClients)
	for _, set := range s.federated {
		total += len(set)
	}
	return total
}

// QueueOffline appends an entry for toDID, evicting the oldest entry if
// the per-DID cap is exceeded.
func (s *State) QueueOffline(toDID, fromDID, payload string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.offlineQueue[toDID]
	q = append(q, offlineEntry{FromDID: fromDID, Payload: payload, Timestamp: now})
	if len(q) > s.maxOfflinePerDID {
		q = q[len(q)-s.maxOfflinePerDID:]
	}
	s.offlineQueue[toDID] = q
}

// DrainOffline removes and returns did's queue, filtering out entries
// older than the configured TTL.
func (s *State) DrainOffline(did string, now time.Time) []offlineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.offlineQueue[did]
	delete(s.offlineQueue, did)
	cutoff := now.Add(-s.offlineTTL)
	out := make([]offlineEntry, 0, len(q))
	for _, e := range q {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// OfflineQueueSize reports the total queued-message count across all
// DIDs, for /stats.
func (s *State) OfflineQueueSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, q := range s.offlineQueue {
		total += len(q)
	}
	return total
}

// CreateSession mints a session owned by this relay.
func (s *State) CreateSession(id, offerPayload, creatorDID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{ID: id, OfferPayload: offerPayload, CreatedAt: now, creatorDID: creatorDID, owned: true}
}

// ImportSession installs a federation-replicated copy of a session
// owned by ownerRelayID; this relay must never treat a replica's
// consume as authoritative, only the owner's CAS is.
func (s *State) ImportSession(id, offerPayload, creatorDID, ownerRelayID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return
	}
	s.sessions[id] = &session{ID: id, OfferPayload: offerPayload, CreatedAt: now, creatorDID: creatorDID, ownerRelayID: ownerRelayID}
}

// GetSession returns the session if present, not expired, and not yet
// consumed.
func (s *State) GetSession(id string, now time.Time) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.consumed || now.Sub(sess.CreatedAt) > s.sessionTTL {
		return nil, false
	}
	return sess, true
}

// ConsumeSession performs the at-most-once compare-and-set on the
// session's consumed flag; only the first caller gets true.
func (s *State) ConsumeSession(id string, now time.Time) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.consumed || now.Sub(sess.CreatedAt) > s.sessionTTL {
		return nil, false
	}
	sess.consumed = true
	return sess, true
}

// SessionCount reports the number of live (unconsumed, unexpired)
// sessions, for /stats.
func (s *State) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	now := time.Now()
	for _, sess := range s.sessions {
		if !sess.consumed && now.Sub(sess.CreatedAt) <= s.sessionTTL {
			count++
		}
	}
	return count
}

// JoinCallRoom adds did to roomID's participant set, creating it if
// necessary, and reports whether this call created the room.
func (s *State) JoinCallRoom(roomID, did string) (created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.callRooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.callRooms[roomID] = set
		created = true
	}
	set[did] = struct{}{}
	return created
}

// LeaveCallRoom removes did from roomID, deleting the room once empty.
func (s *State) LeaveCallRoom(roomID, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.callRooms[roomID]
	if !ok {
		return
	}
	delete(set, did)
	if len(set) == 0 {
		delete(s.callRooms, roomID)
	}
}

// CallRoomParticipants returns a snapshot of roomID's participants.
func (s *State) CallRoomParticipants(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.callRooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for did := range set {
		out = append(out, did)
	}
	return out
}

// CleanupExpired sweeps offline messages and sessions past their TTL.
func (s *State) CleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.offlineTTL)
	for did, q := range s.offlineQueue {
		kept := q[:0:0]
		for _, e := range q {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.offlineQueue, did)
		} else {
			s.offlineQueue[did] = kept
		}
	}
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.sessionTTL {
			delete(s.sessions, id)
		}
	}
}

// ConnectedPeerCount reports the number of federation peers currently
// contributing a presence set. An entry appears on the first
// PresenceSync or PresenceOnline from a relay; a Hello alone adds none.
func (s *State) ConnectedPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.federated)
}
