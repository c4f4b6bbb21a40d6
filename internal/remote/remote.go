// Package remote defines the IMAP-facing side of the sync engine: the
// parsed shape of messages and flag changes delivered by the message-store
// sync task, and the interface the scheduler uses to push messages and
// report flags. The wire protocol itself lives outside this module.
package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/emersion/go-imap"
	"github.com/matheus3301/rcsync/internal/store"
)

// Header names carried by CMS mailbox payloads.
const (
	HeaderMessageID       = "Message-ID"
	HeaderContributionID  = "Contribution-ID"
	HeaderConversationID  = "Conversation-ID"
	HeaderDirection       = "Message-Direction"
	HeaderCorrelator      = "Message-Correlator"
	HeaderContact         = "Contact"
	HeaderRejoinID        = "Rejoin-ID"
	HeaderSubject         = "Subject"
	HeaderImdnMessageID   = "IMDN-Message-ID"
	HeaderImdnDisposition = "IMDN-Disposition"
	HeaderDate            = "Date"
)

// Direction header values.
const (
	DirectionReceived = "received"
	DirectionSent     = "sent"
)

// ErrMissingHeader marks a payload lacking a mandatory correlation header.
// The message is skipped; the sync pass continues.
var ErrMissingHeader = errors.New("missing mandatory header")

// ErrServiceUnavailable marks a transiently unreachable message store.
// Pending work stays queued until the next trigger.
var ErrServiceUnavailable = errors.New("message store unavailable")

// Message is a message fetched from the remote store, already parsed by the
// sync task.
type Message struct {
	Folder    string
	UID       int64
	Type      store.MessageType
	Flags     []string // imap flag constants
	Headers   map[string]string
	Body      []byte
	Timestamp time.Time
}

// Header returns a header value, or "" when absent.
func (m *Message) Header(name string) string {
	return m.Headers[name]
}

// RequireHeader returns a header value or wraps ErrMissingHeader.
func (m *Message) RequireHeader(name string) (string, error) {
	v, ok := m.Headers[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s (folder %s uid %d)", ErrMissingHeader, name, m.Folder, m.UID)
	}
	return v, nil
}

// NullUID returns the uid as a nullable store column value.
func (m *Message) NullUID() sql.NullInt64 {
	return sql.NullInt64{Int64: m.UID, Valid: true}
}

// Seen reports whether the remote store shows the message as read.
func (m *Message) Seen() bool {
	return slices.Contains(m.Flags, imap.SeenFlag)
}

// Deleted reports whether the remote store shows the message as deleted.
func (m *Message) Deleted() bool {
	return slices.Contains(m.Flags, imap.DeletedFlag)
}

// Incoming reports whether the direction header marks the message as
// received by the local user.
func (m *Message) Incoming() bool {
	return m.Header(HeaderDirection) != DirectionSent
}

// FlagChange is a flag-change notification for an already-known message.
type FlagChange struct {
	Folder  string
	UID     int64
	Added   []string
	Removed []string
}

// SeenAdded reports whether the change sets the read flag.
func (c FlagChange) SeenAdded() bool {
	return slices.Contains(c.Added, imap.SeenFlag)
}

// DeletedAdded reports whether the change sets the deleted flag.
func (c FlagChange) DeletedAdded() bool {
	return slices.Contains(c.Added, imap.DeletedFlag)
}

// Store is the subset of the message-store client the scheduler drives.
// Implementations perform the actual IMAP APPEND / STORE round trips.
type Store interface {
	// PushMessage uploads a payload into a folder and returns the uid the
	// store assigned.
	PushMessage(ctx context.Context, folder string, payload []byte) (uid int64, err error)
	// UpdateFlags adds flags on an already-pushed message.
	UpdateFlags(ctx context.Context, folder string, uid int64, add []string) error
}

// Unavailable is a Store for sessions with no configured message store.
// Every operation fails with ErrServiceUnavailable, leaving the work queued.
type Unavailable struct{}

func (Unavailable) PushMessage(context.Context, string, []byte) (int64, error) {
	return 0, ErrServiceUnavailable
}

func (Unavailable) UpdateFlags(context.Context, string, int64, []string) error {
	return ErrServiceUnavailable
}
