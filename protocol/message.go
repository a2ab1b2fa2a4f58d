// Package protocol defines the signed wire envelope exchanged between nodes.
// Every message carries a unique ID for request/response correlation, a nonce for
// replay detection and an HMAC signature over the canonical CBOR encoding of the
// envelope. A signed message is immutable: changing any field invalidates the signature.
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"docmesh/oid"
)

type MsgType uint8

const (
	MsgAuthRequest MsgType = iota + 1
	MsgAuthResponse
	MsgSyncRequest
	MsgSyncData
	MsgSyncAck
	MsgHeartbeat
	MsgError
)

func (t MsgType) String() string {
	switch t {
	case MsgAuthRequest:
		return "AUTH_REQUEST"
	case MsgAuthResponse:
		return "AUTH_RESPONSE"
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgSyncData:
		return "SYNC_DATA"
	case MsgSyncAck:
		return "SYNC_ACK"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Identity describes a node on the wire.
type Identity struct {
	NodeID oid.Oid `cbor:"1,keyasint,omitempty"`
	Name   string  `cbor:"2,keyasint,omitempty"`
}

// Message is the unit of wire communication. Payload holds the canonical CBOR
// encoding of one of the typed payload structs, selected by Type.
type Message struct {
	Type        MsgType   `cbor:"1,keyasint"`
	ID          string    `cbor:"2,keyasint"`
	RequestID   string    `cbor:"3,keyasint,omitempty"` // set on replies, equals the ID of the request
	Payload     []byte    `cbor:"4,keyasint,omitempty"`
	Source      Identity  `cbor:"5,keyasint,omitempty"`
	Destination Identity  `cbor:"6,keyasint,omitempty"`
	Timestamp   time.Time `cbor:"7,keyasint"`
	Nonce       []byte    `cbor:"8,keyasint"`
	Signature   []byte    `cbor:"9,keyasint,omitempty"`
}

const nonceLength = 16

// encMode is the canonical encoder shared by signing and framing. Canonical CBOR
// guarantees a deterministic byte sequence regardless of map or field ordering,
// which the signature scheme depends on.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// New creates a message of the given type, populating ID, timestamp and nonce.
// The payload struct is marshalled into the Payload field; pass nil for payload-free
// types such as HEARTBEAT. The message is returned unsigned.
func New(t MsgType, payload any) (*Message, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = encMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to encode %s payload: %w", t, err)
		}
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Message{
		Type:      t,
		ID:        hex.EncodeToString(idBytes),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Nonce:     nonce,
	}, nil
}

// NewReply creates a message of the given type correlated to req via RequestID.
func NewReply(req *Message, t MsgType, payload any) (*Message, error) {
	m, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	m.RequestID = req.ID
	m.Destination = req.Source
	return m, nil
}

// DecodePayload unmarshals the message payload into the given typed payload struct.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("protocol: %s message has no payload", m.Type)
	}
	return cbor.Unmarshal(m.Payload, v)
}

func (m *Message) computeSignature(key []byte) ([]byte, error) {
	unsigned := *m
	unsigned.Signature = nil

	raw, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return mac.Sum(nil), nil
}

// Sign computes and attaches the HMAC-SHA256 signature over all fields except Signature.
func (m *Message) Sign(key []byte) error {
	sig, err := m.computeSignature(key)
	if err != nil {
		return fmt.Errorf("protocol: failed to sign %s message: %w", m.Type, err)
	}
	m.Signature = sig
	return nil
}

// Verify recomputes the signature with the given key and compares in constant time.
// It returns false for unsigned messages, a wrong key or any tampered field.
func (m *Message) Verify(key []byte) bool {
	if len(m.Signature) == 0 {
		return false
	}
	want, err := m.computeSignature(key)
	if err != nil {
		return false
	}
	return hmac.Equal(want, m.Signature)
}

// Encode serializes the message with the canonical encoder.
func (m *Message) Encode() ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode parses a message from its wire encoding.
func Decode(raw []byte) (*Message, error) {
	m := &Message{}
	if err := cbor.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode message: %w", err)
	}
	return m, nil
}
