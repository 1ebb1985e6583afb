// Package channel implements the pairwise secure channel: conversation
// id derivation and the seal/open pipeline that produces and consumes
// signed message envelopes. Each conversation uses a single static
// shared secret; there is no ratcheting, so the channel offers
// authenticity and confidentiality but not forward secrecy.
package channel

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/keys"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// ConversationID hashes the two participant DIDs, sorted first so the
// id is independent of argument order.
func ConversationID(didA, didB string) [32]byte {
	a, b := didA, didB
	if a > b {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Envelope carries everything needed to verify and decrypt a message
// without any other context. TimestampMs rides along because the AAD
// binds it and the receiver has no other way to recompute that binding
// before the plaintext is open.
type Envelope struct {
	SenderDID      string
	RecipientDID   string
	ConversationID [32]byte
	TimestampMs    int64
	Nonce          []byte
	Ciphertext     []byte
	Signature      []byte
}

// Channel binds one local identity's keys to a single peer's public
// bundle for one conversation.
type Channel struct {
	localDID        string
	localSigningKey []byte // ed25519 private
	localEncPriv    [32]byte
	peerDID         string
	peerSigningPub  []byte // ed25519 public
	peerEncPub      [32]byte
	conversationID  [32]byte
	messageKey      []byte
}

// New establishes a channel between local and peer identities, deriving
// the shared message key via X25519 ECDH salted by the conversation id.
func New(localDID string, localSigningKey []byte, localEncPriv [32]byte, peerDID string, peerSigningPub []byte, peerEncPub [32]byte) (*Channel, error) {
	cid := ConversationID(localDID, peerDID)
	dh, err := keys.ECDH(localEncPriv, peerEncPub)
	if err != nil {
		return nil, err
	}
	msgKey, err := keys.DeriveMessageKey(dh, cid[:])
	if err != nil {
		return nil, err
	}
	return &Channel{
		localDID:        localDID,
		localSigningKey: localSigningKey,
		localEncPriv:    localEncPriv,
		peerDID:         peerDID,
		peerSigningPub:  peerSigningPub,
		peerEncPub:      peerEncPub,
		conversationID:  cid,
		messageKey:      msgKey,
	}, nil
}

// aad builds the additional-authenticated-data binding: sender did,
// recipient did, conversation id, and timestamp. Tampering with any of
// these invalidates the AEAD tag even though the metadata itself isn't
// secret. Applications that need replay protection can fold a
// per-conversation counter into this binding; the core does not.
func aad(conversationID [32]byte, senderDID, recipientDID string, timestampMs int64) []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(conversationID[:])
	buf.WriteString(senderDID)
	buf.WriteString(recipientDID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	buf.Write(ts[:])
	return buf.Bytes()
}

// Encrypt seals plaintext for the channel's peer: ECDH is already
// folded into the channel's message key, so this step performs nonce
// generation, an AEAD seal under the conversation-bound AAD, and an
// Ed25519 signature over ciphertext, nonce and AAD.
func (c *Channel) Encrypt(plaintext []byte) (*Envelope, error) {
	ts := time.Now().UnixMilli()
	a := aad(c.conversationID, c.localDID, c.peerDID, ts)
	nonce, ciphertext, err := keys.Encrypt(c.messageKey, plaintext, a)
	if err != nil {
		return nil, err
	}
	signed := signingPayload(ciphertext, nonce, a)
	sig, err := keys.Sign(c.localSigningKey, signed)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SenderDID:      c.localDID,
		RecipientDID:   c.peerDID,
		ConversationID: c.conversationID,
		TimestampMs:    ts,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Signature:      sig,
	}, nil
}

// Decrypt verifies the envelope's signature against the peer's signing
// key, then opens the AEAD ciphertext. An envelope whose sender or
// recipient DID does not match this channel is rejected with
// VerificationFailed before any crypto runs. The conversation id travels
// as part of the AAD, which the signature covers, so a tampered id fails
// the signature check with VerificationFailed, the same as any other AAD
// tamper, rather than a distinct lookup error.
func (c *Channel) Decrypt(env *Envelope) ([]byte, error) {
	if env.SenderDID != c.peerDID || env.RecipientDID != c.localDID {
		return nil, umbraerr.ErrVerificationFailed
	}
	a := aad(env.ConversationID, env.SenderDID, env.RecipientDID, env.TimestampMs)
	signed := signingPayload(env.Ciphertext, env.Nonce, a)
	if err := keys.Verify(c.peerSigningPub, signed, env.Signature); err != nil {
		return nil, err
	}
	return keys.Decrypt(c.messageKey, env.Nonce, env.Ciphertext, a)
}

func signingPayload(ciphertext, nonce, aad []byte) []byte {
	buf := make([]byte, 0, len(ciphertext)+len(nonce)+len(aad)+8)
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[0:4], uint32(len(ciphertext)))
	binary.BigEndian.PutUint32(lenBuf[4:8], uint32(len(nonce)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, ciphertext...)
	buf = append(buf, nonce...)
	buf = append(buf, aad...)
	return buf
}

// SortedDIDPair returns a and b ordered the same way ConversationID
// orders its inputs, for callers that need a canonical display order.
func SortedDIDPair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}
