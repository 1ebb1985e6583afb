package channel

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// MsgType discriminates what kind of message an envelope carries,
// independent of the plaintext's own content type.
type MsgType string

const (
	MsgChatMessage     MsgType = "ChatMessage"
	MsgTypingIndicator MsgType = "TypingIndicator"
	MsgReadReceipt     MsgType = "ReadReceipt"
	MsgDeliveryReceipt MsgType = "DeliveryReceipt"
)

const wireVersion = 1

// WireEnvelope is the external wire form of an envelope: JSON with a
// version tag, a msg_type discriminator, base64 nonce/ciphertext and a
// hex signature. TimestampMs travels on the wire because the AAD binds
// it and a receiver has no other way to recover the precise timestamp
// used at seal time before opening the ciphertext.
type WireEnvelope struct {
	Version      uint8   `json:"version"`
	MsgType      MsgType `json:"msg_type"`
	SenderDID    string  `json:"sender_did"`
	RecipientDID string  `json:"recipient_did"`
	TimestampMs  int64   `json:"timestamp_ms"`
	Nonce        string  `json:"nonce"`
	Ciphertext   string  `json:"ciphertext"`
	Signature    string  `json:"signature"`
}

// ToWire encodes env in its wire form, tagged with msgType.
func (env *Envelope) ToWire(msgType MsgType) *WireEnvelope {
	return &WireEnvelope{
		Version:      wireVersion,
		MsgType:      msgType,
		SenderDID:    env.SenderDID,
		RecipientDID: env.RecipientDID,
		TimestampMs:  env.TimestampMs,
		Nonce:        base64.StdEncoding.EncodeToString(env.Nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(env.Ciphertext),
		Signature:    hex.EncodeToString(env.Signature),
	}
}

// EncodeJSON marshals the wire form, the shape that actually crosses
// the network.
func (env *Envelope) EncodeJSON(msgType MsgType) ([]byte, error) {
	data, err := json.Marshal(env.ToWire(msgType))
	if err != nil {
		return nil, umbraerr.ErrSerializationError
	}
	return data, nil
}

// FromWire decodes a wire envelope back into the Envelope consumed by
// Channel.Decrypt. The conversation id is not a wire field: it is
// deterministic from the sorted DID pair, so it is recomputed here
// rather than trusted from the wire.
func FromWire(w *WireEnvelope) (*Envelope, MsgType, error) {
	if w.Version != wireVersion {
		return nil, "", umbraerr.ErrProtocolError
	}
	switch w.MsgType {
	case MsgChatMessage, MsgTypingIndicator, MsgReadReceipt, MsgDeliveryReceipt:
	default:
		return nil, "", umbraerr.ErrProtocolError
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, "", umbraerr.ErrDeserializationError
	}
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, "", umbraerr.ErrDeserializationError
	}
	signature, err := hex.DecodeString(w.Signature)
	if err != nil {
		return nil, "", umbraerr.ErrDeserializationError
	}
	return &Envelope{
		SenderDID:      w.SenderDID,
		RecipientDID:   w.RecipientDID,
		ConversationID: ConversationID(w.SenderDID, w.RecipientDID),
		TimestampMs:    w.TimestampMs,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Signature:      signature,
	}, w.MsgType, nil
}

// DecodeJSON is the inverse of EncodeJSON.
func DecodeJSON(data []byte) (*Envelope, MsgType, error) {
	var w WireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, "", umbraerr.ErrDeserializationError
	}
	return FromWire(&w)
}

// MessageContent is the message content sum type. Text is the only
// variant the core ships; additional variants implement the same marker
// method and add a case to Message's (Un)MarshalJSON.
type MessageContent interface {
	isMessageContent()
}

// TextContent is the Text(string) variant of MessageContent.
type TextContent struct {
	Text string
}

func (TextContent) isMessageContent() {}

// Message is the plaintext payload sealed as an Envelope's
// ciphertext.
type Message struct {
	ID             string
	ConversationID [32]byte
	SenderDID      string
	RecipientDID   string
	Content        MessageContent
	TimestampMs    int64
}

// wireMessage is Message's JSON-serializable shape. Content is
// flattened into a kind tag plus a type-specific field so new content
// variants can be added without disturbing older readers of unrelated
// variants.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderDID      string `json:"sender_did"`
	RecipientDID   string `json:"recipient_did"`
	ContentKind    string `json:"content_kind"`
	Text           string `json:"text,omitempty"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// MarshalJSON implements Message's wire serialization.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:             m.ID,
		ConversationID: hex.EncodeToString(m.ConversationID[:]),
		SenderDID:      m.SenderDID,
		RecipientDID:   m.RecipientDID,
		TimestampMs:    m.TimestampMs,
	}
	switch c := m.Content.(type) {
	case TextContent:
		w.ContentKind = "text"
		w.Text = c.Text
	default:
		return nil, umbraerr.ErrSerializationError
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON, used by the receiver
// after Channel.Decrypt opens the ciphertext.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return umbraerr.ErrDeserializationError
	}
	raw, err := hex.DecodeString(w.ConversationID)
	if err != nil || len(raw) != 32 {
		return umbraerr.ErrDeserializationError
	}
	copy(m.ConversationID[:], raw)
	m.ID = w.ID
	m.SenderDID = w.SenderDID
	m.RecipientDID = w.RecipientDID
	m.TimestampMs = w.TimestampMs
	switch w.ContentKind {
	case "text":
		m.Content = TextContent{Text: w.Text}
	default:
		return umbraerr.ErrDeserializationError
	}
	return nil
}

// NewMessageID mints a message id: hex of 16 random bytes.
func NewMessageID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", umbraerr.ErrRngFailed
	}
	return hex.EncodeToString(b[:]), nil
}
