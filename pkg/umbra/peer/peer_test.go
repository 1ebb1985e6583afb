package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

func startService(t *testing.T, id string) *Service {
	t.Helper()
	svc := New(NewMockBackend(id))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start %s failed: %v", id, err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for kind %d", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestStartIsIdempotentOnce(t *testing.T) {
	svc := startService(t, "idem-a")
	if err := svc.Start(context.Background()); !errors.Is(err, umbraerr.ErrAlreadyInitialized) {
		t.Fatalf("expected AlreadyInitialized on second start, got %v", err)
	}
}

func TestConnectEmitsPeerConnectedOnBothSides(t *testing.T) {
	a := startService(t, "conn-a")
	b := startService(t, "conn-b")

	bEvents := b.Subscribe()
	if err := a.Connect("mock://conn-b"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ev := waitEvent(t, bEvents, PeerConnected)
	if ev.PeerID != "conn-a" {
		t.Fatalf("expected b to see conn-a connect, got %q", ev.PeerID)
	}

	peers := a.Peers()
	if len(peers) != 1 || peers[0].PeerID != "conn-b" || !peers[0].Connected {
		t.Fatalf("unexpected peer snapshot on a: %+v", peers)
	}
}

func TestConnectToUnknownPeerFails(t *testing.T) {
	a := startService(t, "dial-a")
	if err := a.Connect("mock://no-such-peer"); !errors.Is(err, umbraerr.ErrConnectionFailed) {
		t.Fatalf("expected ConnectionFailed, got %v", err)
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	a := startService(t, "req-a")
	b := startService(t, "req-b")

	go func() {
		for req := range b.Requests() {
			req.Respond(append([]byte("echo:"), req.Payload...), nil)
		}
	}()

	if err := a.Connect("mock://req-b"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	resp, err := a.SendRequest("req-b", []byte("ping"))
	if err != nil {
		t.Fatalf("send request failed: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestInboundRequestRespondIsAtMostOnce(t *testing.T) {
	delivered := make(chan []byte, 2)
	req := &InboundRequest{
		PeerID:  "x",
		Payload: []byte("p"),
		respond: func(resp []byte, err error) { delivered <- resp },
	}
	req.Respond([]byte("first"), nil)
	req.Respond([]byte("second"), nil)
	if got := <-delivered; string(got) != "first" {
		t.Fatalf("expected first response to win, got %q", got)
	}
	select {
	case extra := <-delivered:
		t.Fatalf("second respond must be a no-op, delivered %q", extra)
	default:
	}
}

func TestFindPeerReturnsAddresses(t *testing.T) {
	a := startService(t, "find-a")
	startService(t, "find-b")

	addrs, err := a.FindPeer("find-b")
	if err != nil {
		t.Fatalf("find peer failed: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "mock://find-b" {
		t.Fatalf("unexpected addresses %v", addrs)
	}
}

func TestFindPeerMissReturnsEmptyNotError(t *testing.T) {
	a := startService(t, "miss-a")
	addrs, err := a.FindPeer("nobody-home")
	if err != nil {
		t.Fatalf("a dht miss is not an error, got %v", err)
	}
	if len(addrs) != 0 {
		t.Fatalf("expected no addresses, got %v", addrs)
	}
}

func TestStopClosesSubscribersAndRejectsCommands(t *testing.T) {
	svc := New(NewMockBackend("stop-a"))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	events := svc.Subscribe()
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-events:
			closed = !ok
		case <-deadline:
			t.Fatalf("subscriber channel was not closed on stop")
		}
	}
	if err := svc.Connect("mock://anything"); !errors.Is(err, umbraerr.ErrShutdownInProgress) {
		t.Fatalf("expected ShutdownInProgress after stop, got %v", err)
	}
}

func TestPutGetRecordRoundTrip(t *testing.T) {
	a := startService(t, "rec-a")
	b := startService(t, "rec-b")

	if err := a.PutRecord("/umbra/presence-test", []byte("descriptor")); err != nil {
		t.Fatalf("put record failed: %v", err)
	}
	value, err := b.GetRecord("/umbra/presence-test")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if string(value) != "descriptor" {
		t.Fatalf("unexpected record value %q", value)
	}

	if _, err := b.GetRecord("/umbra/absent"); !errors.Is(err, umbraerr.ErrNotFound) {
		t.Fatalf("expected NotFound for an absent record, got %v", err)
	}
}

func TestBootstrapAndClosestPeers(t *testing.T) {
	a := startService(t, "boot-a")
	startService(t, "boot-b")

	if err := a.Bootstrap(); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	ids, err := a.GetClosestPeers("/umbra/anything")
	if err != nil {
		t.Fatalf("closest peers failed: %v", err)
	}
	found := 0
	for _, id := range ids {
		if id == "boot-a" || id == "boot-b" {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected both mesh members among closest peers, got %v", ids)
	}
}
