package protocol

import (
	"docmesh/datamodel/document"
	"docmesh/oid"
)

// AuthRequest carries the credentials produced by the client auth callback.
type AuthRequest struct {
	Token string `cbor:"1,keyasint,omitempty"`
}

// AuthResponse reports the outcome of an AUTH_REQUEST. Session is the server-assigned
// connection ID, returned on success.
type AuthResponse struct {
	Success bool   `cbor:"1,keyasint,omitempty"`
	Reason  string `cbor:"2,keyasint,omitempty"`
	Session string `cbor:"3,keyasint,omitempty"`
}

// SyncRequest is dual purpose: with a nil DocID it opens a manifest exchange
// (answered by SYNC_ACK carrying the responder's manifest), with a DocID set it
// requests a single document (answered by SYNC_DATA).
type SyncRequest struct {
	Manifest document.Manifest `cbor:"1,keyasint,omitempty"`
	DocID    *oid.Oid          `cbor:"2,keyasint,omitempty"`
}

// SyncData carries one full document, either as a response to a SyncRequest
// or as a client-initiated push.
type SyncData struct {
	Document *document.Document `cbor:"1,keyasint,omitempty"`
}

// SyncAck acknowledges a SyncRequest manifest exchange or a SyncData push.
type SyncAck struct {
	Manifest document.Manifest `cbor:"1,keyasint,omitempty"`
	Accepted bool              `cbor:"2,keyasint,omitempty"`
	DocID    *oid.Oid          `cbor:"3,keyasint,omitempty"`
}

// ErrorInfo is the payload of an ERROR message.
type ErrorInfo struct {
	Code   string `cbor:"1,keyasint,omitempty"`
	Reason string `cbor:"2,keyasint,omitempty"`
}

// Error codes carried in ErrorInfo.Code.
const (
	ErrCodeValidation      = "validation"
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeStore           = "store"
)
