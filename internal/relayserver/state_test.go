package relayserver

import (
	"testing"
	"time"
)

func TestQueueOfflineEvictsOldestBeyondCap(t *testing.T) {
	s := NewState(3, time.Hour, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		s.QueueOffline("did:key:zBob", "did:key:zAlice", string(rune('a'+i)), now.Add(time.Duration(i)*time.Second))
	}
	drained := s.DrainOffline("did:key:zBob", now.Add(time.Minute))
	if len(drained) != 3 {
		t.Fatalf("expected queue capped at 3 entries, got %d", len(drained))
	}
	if drained[0].Payload != "c" {
		t.Fatalf("expected the two oldest entries to be evicted, got %+v", drained)
	}
}

func TestDrainOfflineFiltersExpiredEntries(t *testing.T) {
	s := NewState(10, time.Minute, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.QueueOffline("did:key:zBob", "did:key:zAlice", "stale", now)
	s.QueueOffline("did:key:zBob", "did:key:zAlice", "fresh", now.Add(90*time.Second))

	drained := s.DrainOffline("did:key:zBob", now.Add(2*time.Minute))
	if len(drained) != 1 || drained[0].Payload != "fresh" {
		t.Fatalf("expected only the fresh entry to survive TTL filtering, got %+v", drained)
	}
}

func TestDrainOfflineEmptiesQueue(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.QueueOffline("did:key:zBob", "did:key:zAlice", "m1", now)
	s.DrainOffline("did:key:zBob", now)
	if got := s.OfflineQueueSize(); got != 0 {
		t.Fatalf("expected queue to be empty after drain, got %d", got)
	}
}

func TestConsumeSessionIsAtMostOnce(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.CreateSession("sess-1", "offer-bytes", "did:key:zAlice", now)

	first, ok := s.ConsumeSession("sess-1", now.Add(time.Second))
	if !ok || first.OfferPayload != "offer-bytes" {
		t.Fatalf("expected first consume to succeed, got ok=%v sess=%+v", ok, first)
	}
	if _, ok := s.ConsumeSession("sess-1", now.Add(2*time.Second)); ok {
		t.Fatalf("expected second consume of the same session to fail")
	}
}

func TestConsumeSessionFailsAfterTTL(t *testing.T) {
	s := NewState(10, time.Hour, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.CreateSession("sess-1", "offer-bytes", "did:key:zAlice", now)
	if _, ok := s.ConsumeSession("sess-1", now.Add(2*time.Minute)); ok {
		t.Fatalf("expected consume to fail once the session ttl has elapsed")
	}
}

func TestImportSessionDoesNotOverwriteExisting(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.CreateSession("sess-1", "original", "did:key:zAlice", now)
	s.ImportSession("sess-1", "replica", "did:key:zAlice", "relay-2", now)

	sess, ok := s.GetSession("sess-1", now)
	if !ok || sess.OfferPayload != "original" {
		t.Fatalf("expected the locally-created session to survive import, got %+v", sess)
	}
	if !sess.owned {
		t.Fatalf("expected the locally-created session to stay owned")
	}
}

func TestImportedSessionRecordsItsOwner(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.ImportSession("sess-9", "offer", "did:key:zAlice", "relay-7", now)

	sess, ok := s.ConsumeSession("sess-9", now)
	if !ok {
		t.Fatalf("expected replica consume to succeed locally")
	}
	if sess.owned || sess.ownerRelayID != "relay-7" {
		t.Fatalf("expected unowned replica pointing at relay-7, got owned=%v owner=%q", sess.owned, sess.ownerRelayID)
	}
}

func TestRegisterUnregisterLocalGuardsAgainstStaleDisconnect(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	connA := &clientConn{}
	connB := &clientConn{}

	s.RegisterLocal("did:key:zAlice", connA)
	s.RegisterLocal("did:key:zAlice", connB) // newer registration replaces the old

	s.UnregisterLocal("did:key:zAlice", connA) // stale disconnect must not evict connB
	if got, ok := s.LocalClient("did:key:zAlice"); !ok || got != connB {
		t.Fatalf("expected the newer connection to survive a stale unregister, got %+v ok=%v", got, ok)
	}

	s.UnregisterLocal("did:key:zAlice", connB)
	if _, ok := s.LocalClient("did:key:zAlice"); ok {
		t.Fatalf("expected did to be fully unregistered")
	}
}

func TestFindPeerForDIDAndMeshOnlineCount(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	s.RegisterLocal("did:key:zAlice", &clientConn{})
	s.ApplyPresenceOnline("relay-2", "did:key:zBob")
	s.ApplyPresenceOnline("relay-2", "did:key:zCarol")

	relayID, ok := s.FindPeerForDID("did:key:zBob")
	if !ok || relayID != "relay-2" {
		t.Fatalf("expected relay-2 to claim bob, got %q ok=%v", relayID, ok)
	}
	if count := s.MeshOnlineCount(); count != 3 {
		t.Fatalf("expected mesh count of 3 (1 local + 2 federated), got %d", count)
	}

	s.ApplyPresenceOffline("relay-2", "did:key:zBob")
	if _, ok := s.FindPeerForDID("did:key:zBob"); ok {
		t.Fatalf("expected bob to no longer be claimed after presence offline")
	}

	s.DropRelay("relay-2")
	if count := s.MeshOnlineCount(); count != 1 {
		t.Fatalf("expected mesh count of 1 after dropping relay-2, got %d", count)
	}
}

func TestCallRoomJoinLeaveLifecycle(t *testing.T) {
	s := NewState(10, time.Hour, time.Hour)
	created := s.JoinCallRoom("room-1", "did:key:zAlice")
	if !created {
		t.Fatalf("expected first join to report room creation")
	}
	if created := s.JoinCallRoom("room-1", "did:key:zBob"); created {
		t.Fatalf("expected second join to not report room creation")
	}
	participants := s.CallRoomParticipants("room-1")
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}

	s.LeaveCallRoom("room-1", "did:key:zAlice")
	s.LeaveCallRoom("room-1", "did:key:zBob")
	if got := s.CallRoomParticipants("room-1"); len(got) != 0 {
		t.Fatalf("expected room to be empty after everyone leaves, got %v", got)
	}
}

func TestCleanupExpiredSweepsOfflineAndSessions(t *testing.T) {
	s := NewState(10, time.Minute, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.QueueOffline("did:key:zBob", "did:key:zAlice", "stale", now)
	s.CreateSession("sess-1", "offer", "did:key:zAlice", now)

	s.CleanupExpired(now.Add(2 * time.Minute))

	if got := s.OfflineQueueSize(); got != 0 {
		t.Fatalf("expected offline queue to be swept, got %d entries", got)
	}
	if _, ok := s.GetSession("sess-1", now.Add(2*time.Minute)); ok {
		t.Fatalf("expected expired session to be swept")
	}
}
