package store

import (
	"database/sql"

	"github.com/matheus3301/rcsync/internal/state"
)

// MessageType discriminates the origin log of a synchronized message.
type MessageType string

const (
	TypeSms          MessageType = "SMS"
	TypeMms          MessageType = "MMS"
	TypeChatMessage  MessageType = "CHAT_MESSAGE"
	TypeImdn         MessageType = "IMDN"
	TypeGroupState   MessageType = "GROUP_STATE"
	TypeFileTransfer MessageType = "FILE_TRANSFER"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSms, TypeMms, TypeChatMessage, TypeImdn, TypeGroupState, TypeFileTransfer:
		return true
	}
	return false
}

// Native reports whether messages of this type are tethered to the
// platform SMS/MMS provider.
func (t MessageType) Native() bool {
	return t == TypeSms || t == TypeMms
}

// Direction of a message relative to the local user.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MIME types used across the logs and broadcasts.
const (
	MimeTypeSms  = "text/sms"
	MimeTypeMms  = "text/mms"
	MimeTypeChat = "text/plain"
	MimeTypeImdn = "message/imdn+xml"
)

// CmsMessage is the per-message synchronization descriptor: what the remote
// message store showed for this message the last time we looked, and which
// local flag reports are still pending. One row per message, regardless of
// which of the three stores saw it first.
type CmsMessage struct {
	ID           int64
	Folder       string
	UID          sql.NullInt64 // remote uid, absent until first successful push
	ReadStatus   state.ReadStatus
	DeleteStatus state.DeleteStatus
	PushStatus   state.PushStatus
	MessageType  MessageType
	MessageID    string
	NativeID     sql.NullInt64 // native provider row id, XMS-origin only
}

// NativeFlags is the read/delete pair returned by GetNativeMessages.
type NativeFlags struct {
	ReadStatus   state.ReadStatus
	DeleteStatus state.DeleteStatus
}

// Folder holds the per-mailbox counters mirrored from the remote store.
type Folder struct {
	Name        string
	NextUID     int64
	Modseq      int64
	UIDValidity int64
	MaxUID      int64
}

// XmsMessage is a row of the XMS application log (native SMS/MMS history).
type XmsMessage struct {
	MessageID  string
	Contact    string
	MimeType   string
	Direction  Direction
	Body       string
	Correlator string // content fingerprint, precomputed at insert
	MmsID      string // MMS transport message id header, empty for SMS
	Read       bool
	NativeID   sql.NullInt64
	Timestamp  int64
}

// ChatMessage is a row of the chat application log (RCS history).
type ChatMessage struct {
	MessageID string
	ChatID    string
	Contact   string
	Content   string
	MimeType  string
	Direction Direction
	Status    string // SENT, DELIVERED, DISPLAYED
	IsGroup   bool
	Read      bool
	Timestamp int64
}

// Chat message delivery statuses.
const (
	ChatStatusSent      = "SENT"
	ChatStatusDelivered = "DELIVERED"
	ChatStatusDisplayed = "DISPLAYED"
)

// GroupChat is a group conversation with its participant set.
type GroupChat struct {
	ChatID   string
	RejoinID string
	Subject  string
	Members  []GroupMember
}

// GroupMember is a participant of a group chat.
type GroupMember struct {
	Contact string
	Status  string
}

// GroupMemberConnected is the default participant status.
const GroupMemberConnected = "CONNECTED"
