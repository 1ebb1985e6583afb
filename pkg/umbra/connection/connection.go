// Package connection implements the shareable connection descriptor
// and its umbra://connect/ link encoding.
package connection

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbra-net/umbra/pkg/umbra/did"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const (
	// Version is the only ConnectionInfo wire version this build accepts.
	Version     = 1
	linkPrefix  = "umbra://connect/"
)

// Info is the descriptor payload a connection link carries.
type Info struct {
	Version     uint8    `json:"version"`
	DID         string   `json:"did"`
	PeerID      string   `json:"peer_id"`
	Addresses   []string `json:"addresses"`
	DisplayName string   `json:"display_name"`
	Timestamp   int64    `json:"timestamp"`
}

// New builds an Info stamped with now.
func New(id, peerID string, addresses []string, displayName string, now time.Time) Info {
	return Info{
		Version:     Version,
		DID:         id,
		PeerID:      peerID,
		Addresses:   append([]string(nil), addresses...),
		DisplayName: displayName,
		Timestamp:   now.Unix(),
	}
}

// Validate checks version equality, DID validity, peer-id parseability
// (peer ids are opaque strings here — non-empty is the only local
// invariant, full libp2p peer-id parsing happens in pkg/umbra/peer) and
// multiaddress parseability for every address.
func (i Info) Validate() error {
	if i.Version != Version {
		return umbraerr.ErrInvalidDid
	}
	if err := did.Validate(i.DID); err != nil {
		return err
	}
	if strings.TrimSpace(i.PeerID) == "" {
		return umbraerr.ErrProtocolError
	}
	for _, addr := range i.Addresses {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return umbraerr.ErrProtocolError
		}
	}
	return nil
}

// Expired reports whether now-i.Timestamp exceeds maxAge.
func (i Info) Expired(now time.Time, maxAge time.Duration) bool {
	stamped := time.Unix(i.Timestamp, 0)
	return now.Sub(stamped) > maxAge
}

// ToLink encodes Info as JSON then URL-safe unpadded base64, wrapped in
// the umbra://connect/ prefix.
func (i Info) ToLink() (string, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return "", umbraerr.ErrSerializationError
	}
	return linkPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// FromLink parses a link produced by ToLink. Any link not starting with
// the literal prefix is rejected.
func FromLink(link string) (Info, error) {
	if !strings.HasPrefix(link, linkPrefix) {
		return Info{}, umbraerr.ErrDeserializationError
	}
	encoded := strings.TrimPrefix(link, linkPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Info{}, umbraerr.ErrDeserializationError
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, umbraerr.ErrDeserializationError
	}
	return info, nil
}
