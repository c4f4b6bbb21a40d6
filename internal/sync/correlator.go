package sync

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/store"
)

// Correlator matches a remote message against local messages that have no
// uid mapping yet, so a message created locally and later observed on the
// remote store is linked instead of imported twice.
//
// Chat, IMDN and group-state objects carry durable ids and match exactly.
// SMS has no durable id before its first push, so it falls back to a
// content fingerprint; MMS tries its transport message id first and then
// the fingerprint. The fingerprint scan is most-recent-first with
// first-unmapped-wins, which is a best-effort heuristic: a relay that
// reorders delivery can still pair fingerprint twins the "wrong" way
// around, but every run over the same candidates picks the same one.
type Correlator struct {
	db *store.DB
}

// NewCorrelator creates a new correlator over the given store.
func NewCorrelator(db *store.DB) *Correlator {
	return &Correlator{db: db}
}

// Correlate returns the message id of the local message matching msg, or ""
// when nothing matches. A missing mandatory header fails only this message.
func (c *Correlator) Correlate(msg *remote.Message) (string, error) {
	switch msg.Type {
	case store.TypeSms:
		return c.correlateSms(msg)
	case store.TypeMms:
		return c.correlateMms(msg)
	case store.TypeChatMessage, store.TypeFileTransfer:
		return c.correlateChat(msg)
	case store.TypeImdn:
		return c.correlateImdn(msg)
	case store.TypeGroupState:
		return c.correlateGroupState(msg)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}
}

func (c *Correlator) correlateSms(msg *remote.Message) (string, error) {
	return c.correlateByFingerprint(msg, store.TypeSms)
}

func (c *Correlator) correlateMms(msg *remote.Message) (string, error) {
	// Transport message id is an exact match and takes priority.
	if mmsID := msg.Header(remote.HeaderMessageID); mmsID != "" {
		x, err := c.db.FindXmsByMmsID(mmsID)
		if err != nil {
			return "", err
		}
		if x != nil {
			unmapped, err := c.unmapped(store.TypeMms, x.MessageID)
			if err != nil {
				return "", err
			}
			if unmapped {
				return x.MessageID, nil
			}
		}
	}
	return c.correlateByFingerprint(msg, store.TypeMms)
}

func (c *Correlator) correlateByFingerprint(msg *remote.Message, t store.MessageType) (string, error) {
	contact, err := msg.RequireHeader(remote.HeaderContact)
	if err != nil {
		return "", err
	}
	direction := store.DirectionOutgoing
	if msg.Incoming() {
		direction = store.DirectionIncoming
	}

	candidates, err := c.db.FindXmsCandidates(contact, direction, Fingerprint(string(msg.Body)))
	if err != nil {
		return "", err
	}
	for _, cand := range candidates {
		unmapped, err := c.unmapped(t, cand.MessageID)
		if err != nil {
			return "", err
		}
		if unmapped {
			return cand.MessageID, nil
		}
	}
	return "", nil
}

func (c *Correlator) correlateChat(msg *remote.Message) (string, error) {
	msgID, err := msg.RequireHeader(remote.HeaderMessageID)
	if err != nil {
		return "", err
	}
	m, err := c.db.GetChatMessage(msgID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}
	unmapped, err := c.unmapped(msg.Type, msgID)
	if err != nil || !unmapped {
		return "", err
	}
	return msgID, nil
}

func (c *Correlator) correlateImdn(msg *remote.Message) (string, error) {
	msgID, err := msg.RequireHeader(remote.HeaderMessageID)
	if err != nil {
		return "", err
	}
	unmapped, err := c.unmappedKnown(store.TypeImdn, msgID)
	if err != nil || !unmapped {
		return "", err
	}
	return msgID, nil
}

func (c *Correlator) correlateGroupState(msg *remote.Message) (string, error) {
	chatID, err := msg.RequireHeader(remote.HeaderContributionID)
	if err != nil {
		return "", err
	}
	unmapped, err := c.unmappedKnown(store.TypeGroupState, chatID)
	if err != nil || !unmapped {
		return "", err
	}
	return chatID, nil
}

// unmapped reports whether the local message has no uid yet. Messages with
// no shadow row at all count as unmapped.
func (c *Correlator) unmapped(t store.MessageType, messageID string) (bool, error) {
	cms, err := c.db.GetCmsMessageByID(t, messageID)
	if err != nil {
		return false, err
	}
	return cms == nil || !cms.UID.Valid, nil
}

// unmappedKnown is like unmapped but requires the shadow row to exist,
// for types that only live in the shadow store.
func (c *Correlator) unmappedKnown(t store.MessageType, messageID string) (bool, error) {
	cms, err := c.db.GetCmsMessageByID(t, messageID)
	if err != nil {
		return false, err
	}
	return cms != nil && !cms.UID.Valid, nil
}

// Fingerprint reduces an XMS body to its correlation key: whitespace and
// case folded away, then hashed. Stored on every XMS row at insert so
// candidate lookup is a plain index scan.
func Fingerprint(body string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(body), " "))
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}
