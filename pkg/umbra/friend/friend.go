// Package friend implements the friend handshake: signed, expiring
// friend requests and responses, the Friend record materialized on
// accept, and a self-certifying contact Card for out-of-band (QR)
// exchange.
package friend

import (
	"crypto/ed25519"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/did"
	"github.com/umbra-net/umbra/pkg/umbra/keys"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const requestTTL = 7 * 24 * time.Hour

// Card is a self-certifying contact card: a public bundle bound to a did
// and signed by the did's own signing key, so it can be shared and
// verified without contacting the issuer.
type Card struct {
	DID                 string
	DisplayName         string
	SigningPublicKey    ed25519.PublicKey
	EncryptionPublicKey [32]byte
	Signature           []byte
}

// SignCard builds and signs a Card for the holder of privKey/did.
func SignCard(id string, displayName string, signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey, encPub [32]byte) (Card, error) {
	if err := did.Validate(id); err != nil {
		return Card{}, err
	}
	expected, err := did.Encode(signingPub)
	if err != nil || expected != id {
		return Card{}, umbraerr.ErrInvalidDid
	}
	card := Card{
		DID:                 id,
		DisplayName:         displayName,
		SigningPublicKey:    append(ed25519.PublicKey(nil), signingPub...),
		EncryptionPublicKey: encPub,
	}
	sig, err := keys.Sign(signingPriv, cardSigningBytes(card))
	if err != nil {
		return Card{}, err
	}
	card.Signature = sig
	return card, nil
}

// VerifyCard checks a card's did binding and self-signature.
func VerifyCard(card Card) error {
	if err := did.Validate(card.DID); err != nil {
		return err
	}
	expected, err := did.Encode(card.SigningPublicKey)
	if err != nil || expected != card.DID {
		return umbraerr.ErrInvalidDid
	}
	return keys.Verify(card.SigningPublicKey, cardSigningBytes(card), card.Signature)
}

func cardSigningBytes(card Card) []byte {
	b := make([]byte, 0, len(card.DID)+len(card.DisplayName)+ed25519.PublicKeySize+32+2)
	b = append(b, []byte(card.DID)...)
	b = append(b, 0)
	b = append(b, []byte(card.DisplayName)...)
	b = append(b, 0)
	b = append(b, card.SigningPublicKey...)
	b = append(b, card.EncryptionPublicKey[:]...)
	return b
}

// Request is a signed, expiring invitation from sender to recipient
// carrying the sender's card.
type Request struct {
	SenderDID    string
	RecipientDID string
	SenderCard   Card
	Message      string
	CreatedAt    int64
	Signature    []byte
}

// NewRequest builds and signs a friend request. CannotAddSelf is
// enforced here as well as in Request.Validate, so a self-addressed
// request is never signed.
func NewRequest(senderPriv ed25519.PrivateKey, senderCard Card, recipientDID, message string, now time.Time) (*Request, error) {
	if senderCard.DID == recipientDID {
		return nil, umbraerr.ErrCannotAddSelf
	}
	req := &Request{
		SenderDID:    senderCard.DID,
		RecipientDID: recipientDID,
		SenderCard:   senderCard,
		Message:      message,
		CreatedAt:    now.Unix(),
	}
	sig, err := keys.Sign(senderPriv, requestSigningBytes(req))
	if err != nil {
		return nil, err
	}
	req.Signature = sig
	return req, nil
}

// Validate checks the card, the sender/card-did binding, the signature,
// expiry relative to now, and that the request isn't self-addressed.
func (r *Request) Validate(now time.Time) error {
	if r.SenderDID != r.SenderCard.DID {
		return umbraerr.ErrInvalidFriendRequest
	}
	if r.SenderDID == r.RecipientDID {
		return umbraerr.ErrCannotAddSelf
	}
	if err := VerifyCard(r.SenderCard); err != nil {
		return err
	}
	if now.Sub(time.Unix(r.CreatedAt, 0)) > requestTTL {
		return umbraerr.ErrRequestNotFound
	}
	if err := keys.Verify(r.SenderCard.SigningPublicKey, requestSigningBytes(r), r.Signature); err != nil {
		return err
	}
	return nil
}

func requestSigningBytes(r *Request) []byte {
	b := make([]byte, 0, len(r.SenderDID)+len(r.RecipientDID)+len(r.Message)+16)
	b = append(b, []byte(r.SenderDID)...)
	b = append(b, 0)
	b = append(b, []byte(r.RecipientDID)...)
	b = append(b, 0)
	b = append(b, []byte(r.Message)...)
	b = append(b, 0)
	var ts [8]byte
	putInt64(ts[:], r.CreatedAt)
	b = append(b, ts[:]...)
	return b
}

// Decision is the recipient's accept/reject verdict on a Request.
type Decision int

const (
	Rejected Decision = iota
	Accepted
)

// Response is a signed reply binding itself to the request it answers
// via the sender/recipient DIDs and timestamp.
type Response struct {
	RequestSenderDID    string
	RequestRecipientDID string
	RequestCreatedAt    int64
	Decision            Decision
	ResponderCard       Card
	CreatedAt           int64
	Signature           []byte
}

// NewResponse signs a Response to req from the recipient's own card.
func NewResponse(recipientPriv ed25519.PrivateKey, responderCard Card, req *Request, decision Decision, now time.Time) (*Response, error) {
	resp := &Response{
		RequestSenderDID:    req.SenderDID,
		RequestRecipientDID: req.RecipientDID,
		RequestCreatedAt:    req.CreatedAt,
		Decision:            decision,
		ResponderCard:       responderCard,
		CreatedAt:           now.Unix(),
	}
	sig, err := keys.Sign(recipientPriv, responseSigningBytes(resp))
	if err != nil {
		return nil, err
	}
	resp.Signature = sig
	return resp, nil
}

// Validate checks the responder's card and signature, and that the
// response actually answers req.
func (resp *Response) Validate(req *Request) error {
	if resp.RequestSenderDID != req.SenderDID || resp.RequestRecipientDID != req.RecipientDID || resp.RequestCreatedAt != req.CreatedAt {
		return umbraerr.ErrInvalidFriendRequest
	}
	if err := VerifyCard(resp.ResponderCard); err != nil {
		return err
	}
	return keys.Verify(resp.ResponderCard.SigningPublicKey, responseSigningBytes(resp), resp.Signature)
}

func responseSigningBytes(resp *Response) []byte {
	b := make([]byte, 0, len(resp.RequestSenderDID)+len(resp.RequestRecipientDID)+24)
	b = append(b, []byte(resp.RequestSenderDID)...)
	b = append(b, 0)
	b = append(b, []byte(resp.RequestRecipientDID)...)
	b = append(b, 0)
	var ts [8]byte
	putInt64(ts[:], resp.RequestCreatedAt)
	b = append(b, ts[:]...)
	b = append(b, byte(resp.Decision))
	var ts2 [8]byte
	putInt64(ts2[:], resp.CreatedAt)
	b = append(b, ts2[:]...)
	return b
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
}

// Friend is the contact record created once an accepting Response has
// been validated by both parties.
type Friend struct {
	DID         string
	DisplayName string
	Card        Card
	AddedAt     int64
}

// FromAcceptedResponse builds the local Friend record for the other
// party, after resp.Validate(req) has already succeeded.
func FromAcceptedResponse(resp *Response, now time.Time) (*Friend, error) {
	if resp.Decision != Accepted {
		return nil, umbraerr.ErrRequestNotFound
	}
	return &Friend{
		DID:         resp.ResponderCard.DID,
		DisplayName: resp.ResponderCard.DisplayName,
		Card:        resp.ResponderCard,
		AddedAt:     now.Unix(),
	}, nil
}

// FromRequestCard builds the local Friend record for the requester, once
// the local side has decided to accept an inbound Request.
func FromRequestCard(req *Request, now time.Time) *Friend {
	return &Friend{
		DID:         req.SenderCard.DID,
		DisplayName: req.SenderCard.DisplayName,
		Card:        req.SenderCard,
		AddedAt:     now.Unix(),
	}
}
