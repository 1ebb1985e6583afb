package connection

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/did"
)

func testDID(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := did.Encode(pub)
	if err != nil {
		t.Fatalf("encode did failed: %v", err)
	}
	return id
}

func TestLinkRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	info := New(testDID(t), "12D3KooWExamplePeerID", []string{
		"/ip4/192.168.1.100/tcp/4001",
		"/ip4/1.2.3.4/tcp/4001",
	}, "Alice", now)

	link, err := info.ToLink()
	if err != nil {
		t.Fatalf("to link failed: %v", err)
	}
	if !strings.HasPrefix(link, linkPrefix) {
		t.Fatalf("expected link to start with %q, got %q", linkPrefix, link)
	}

	parsed, err := FromLink(link)
	if err != nil {
		t.Fatalf("from link failed: %v", err)
	}
	if parsed.DID != info.DID || parsed.PeerID != info.PeerID || parsed.DisplayName != info.DisplayName {
		t.Fatalf("round-tripped info does not match original: %+v vs %+v", parsed, info)
	}
	if parsed.Timestamp != info.Timestamp {
		t.Fatalf("expected timestamp to be preserved, got %d want %d", parsed.Timestamp, info.Timestamp)
	}
	if len(parsed.Addresses) != len(info.Addresses) {
		t.Fatalf("expected %d addresses, got %d", len(info.Addresses), len(parsed.Addresses))
	}
}

func TestFromLinkRejectsWrongPrefix(t *testing.T) {
	if _, err := FromLink("https://example.com/connect/abc"); err == nil {
		t.Fatalf("expected error for link missing the umbra:// prefix")
	}
}

func TestValidateChecksEveryField(t *testing.T) {
	now := time.Unix(1700000000, 0)
	valid := New(testDID(t), "peer-1", []string{"/ip4/127.0.0.1/tcp/4001"}, "Alice", now)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid info, got %v", err)
	}

	wrongVersion := valid
	wrongVersion.Version = 99
	if err := wrongVersion.Validate(); err == nil {
		t.Fatalf("expected error for wrong version")
	}

	badDID := valid
	badDID.DID = "did:key:znotreal"
	if err := badDID.Validate(); err == nil {
		t.Fatalf("expected error for invalid did")
	}

	emptyPeer := valid
	emptyPeer.PeerID = "  "
	if err := emptyPeer.Validate(); err == nil {
		t.Fatalf("expected error for empty peer id")
	}

	badAddr := valid
	badAddr.Addresses = []string{"not-a-multiaddr"}
	if err := badAddr.Validate(); err == nil {
		t.Fatalf("expected error for unparseable multiaddress")
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	info := New(testDID(t), "peer-1", nil, "Alice", now)
	if info.Expired(now.Add(4*time.Minute), 5*time.Minute) {
		t.Fatalf("expected info to still be fresh at 4 minutes")
	}
	if !info.Expired(now.Add(6*time.Minute), 5*time.Minute) {
		t.Fatalf("expected info to be expired at 6 minutes")
	}
}
