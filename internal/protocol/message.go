// Package protocol defines the wire model shared by the server and its
// clients: the envelope, its payload variants, and their encoding.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"note-sync-server/internal/domain"
)

type MessageType string

const (
	TypeConnect     MessageType = "CONNECT"
	TypeDisconnect  MessageType = "DISCONNECT"
	TypeNoteCreate  MessageType = "NOTE_CREATE"
	TypeNoteUpdate  MessageType = "NOTE_UPDATE"
	TypeNoteDelete  MessageType = "NOTE_DELETE"
	TypeSyncRequest MessageType = "SYNC_REQUEST"
	TypeHeartbeat   MessageType = "HEARTBEAT"

	TypeConnectAck   MessageType = "CONNECT_ACK"
	TypeNoteCreated  MessageType = "NOTE_CREATED"
	TypeNoteUpdated  MessageType = "NOTE_UPDATED"
	TypeNoteDeleted  MessageType = "NOTE_DELETED"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
	TypeError        MessageType = "ERROR"
	TypeHeartbeatAck MessageType = "HEARTBEAT_ACK"
)

// ServerID is the sender id stamped on envelopes the server originates.
const ServerID = "server"

// Envelope is the unit of transport. Its type is always the type of its
// payload.
type Envelope struct {
	SenderID  string
	Timestamp time.Time
	MessageID string
	Payload   Payload
}

func (e *Envelope) Type() MessageType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.MessageType()
}

// New wraps payload in an envelope with a fresh message id.
func New(senderID string, payload Payload) *Envelope {
	return &Envelope{
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
		Payload:   payload,
	}
}

// Payload is implemented only by the types in this file.
type Payload interface {
	MessageType() MessageType
	sealed()
}

type Connect struct {
	Client domain.ClientInfo `json:"client"`
}

type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

type NoteCreate struct {
	Note domain.Note `json:"note"`
}

type NoteUpdate struct {
	Note domain.Note `json:"note"`
}

type NoteDelete struct {
	NoteID string `json:"note_id"`
}

type SyncRequest struct {
	domain.SyncRequest
}

type Heartbeat struct {
	ClientID string `json:"client_id"`
}

type ConnectAck struct {
	ClientID          string `json:"client_id"`
	SyncVersion       int64  `json:"sync_version"`
	HeartbeatInterval int64  `json:"heartbeat_interval_ms"`
}

type NoteCreated struct {
	Note domain.Note `json:"note"`
}

type NoteUpdated struct {
	Note domain.Note `json:"note"`
}

type NoteDeleted struct {
	NoteID string `json:"note_id"`
	Seq    int64  `json:"seq"`
}

type SyncResponse struct {
	domain.SyncResponse
}

type HeartbeatAck struct {
	ClientID   string    `json:"client_id,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// Error codes carried by Error payloads.
const (
	CodeBadRequest      = "bad_request"
	CodeNotConnected    = "not_connected"
	CodeVersionConflict = "version_conflict"
	CodeNotFound        = "not_found"
	CodeAlreadyExists   = "already_exists"
	CodeCapacity        = "capacity"
	CodeForbidden       = "forbidden"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RefID is the message id of the envelope that caused the error.
	RefID string `json:"ref_id,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Unknown carries an envelope whose type this build does not know. Decoding
// it is not an error.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (*Connect) MessageType() MessageType      { return TypeConnect }
func (*Disconnect) MessageType() MessageType   { return TypeDisconnect }
func (*NoteCreate) MessageType() MessageType   { return TypeNoteCreate }
func (*NoteUpdate) MessageType() MessageType   { return TypeNoteUpdate }
func (*NoteDelete) MessageType() MessageType   { return TypeNoteDelete }
func (*SyncRequest) MessageType() MessageType  { return TypeSyncRequest }
func (*Heartbeat) MessageType() MessageType    { return TypeHeartbeat }
func (*ConnectAck) MessageType() MessageType   { return TypeConnectAck }
func (*NoteCreated) MessageType() MessageType  { return TypeNoteCreated }
func (*NoteUpdated) MessageType() MessageType  { return TypeNoteUpdated }
func (*NoteDeleted) MessageType() MessageType  { return TypeNoteDeleted }
func (*SyncResponse) MessageType() MessageType { return TypeSyncResponse }
func (*HeartbeatAck) MessageType() MessageType { return TypeHeartbeatAck }
func (*Error) MessageType() MessageType        { return TypeError }
func (u *Unknown) MessageType() MessageType    { return u.Type }

func (*Connect) sealed()      {}
func (*Disconnect) sealed()   {}
func (*NoteCreate) sealed()   {}
func (*NoteUpdate) sealed()   {}
func (*NoteDelete) sealed()   {}
func (*SyncRequest) sealed()  {}
func (*Heartbeat) sealed()    {}
func (*ConnectAck) sealed()   {}
func (*NoteCreated) sealed()  {}
func (*NoteUpdated) sealed()  {}
func (*NoteDeleted) sealed()  {}
func (*SyncResponse) sealed() {}
func (*HeartbeatAck) sealed() {}
func (*Error) sealed()        {}
func (*Unknown) sealed()      {}

func newPayload(t MessageType) Payload {
	switch t {
	case TypeConnect:
		return &Connect{}
	case TypeDisconnect:
		return &Disconnect{}
	case TypeNoteCreate:
		return &NoteCreate{}
	case TypeNoteUpdate:
		return &NoteUpdate{}
	case TypeNoteDelete:
		return &NoteDelete{}
	case TypeSyncRequest:
		return &SyncRequest{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeConnectAck:
		return &ConnectAck{}
	case TypeNoteCreated:
		return &NoteCreated{}
	case TypeNoteUpdated:
		return &NoteUpdated{}
	case TypeNoteDeleted:
		return &NoteDeleted{}
	case TypeSyncResponse:
		return &SyncResponse{}
	case TypeHeartbeatAck:
		return &HeartbeatAck{}
	case TypeError:
		return &Error{}
	}
	return nil
}
