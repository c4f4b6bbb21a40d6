package sync

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/rcsync/internal/bridge"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// XmsEventHandler reacts to native SMS/MMS events and to remote XMS
// messages. Side effects are applied in a fixed order (application log,
// then shadow store, then broadcast) so a listener woken by the broadcast
// never observes the two stores disagreeing.
type XmsEventHandler struct {
	db      *store.DB
	bus     *bus.Bus
	sched   Scheduler
	logger  *zap.Logger
	pushSms bool
	pushMms bool
}

// NewXmsHandler creates the XMS event handler.
func NewXmsHandler(db *store.DB, b *bus.Bus, sched Scheduler, settings Settings, logger *zap.Logger) *XmsEventHandler {
	return &XmsEventHandler{
		db:      db,
		bus:     b,
		sched:   sched,
		logger:  logger,
		pushSms: settings.PushSms,
		pushMms: settings.PushMms,
	}
}

// OnNativeXms imports a new native SMS/MMS row: XMS log insert, shadow row
// keyed by the contact's folder, "new message" broadcast, and a push
// schedule when push-on-send is enabled for the type. Returns the message
// id assigned to the row.
func (h *XmsEventHandler) OnNativeXms(rec *bridge.XmsRecord) (string, error) {
	if !rec.Type.Native() {
		return "", fmt.Errorf("%w: %q is not a native type", ErrUnsupportedType, rec.Type)
	}

	messageID := uuid.NewString()
	// The sender has, by definition, seen their own message.
	read := rec.Read || rec.Direction == store.DirectionOutgoing

	if err := h.db.AddXms(&store.XmsMessage{
		MessageID:  messageID,
		Contact:    rec.Contact,
		MimeType:   mimeTypeFor(rec.Type),
		Direction:  rec.Direction,
		Body:       rec.Body,
		Correlator: Fingerprint(rec.Body),
		MmsID:      rec.MmsID,
		Read:       read,
		NativeID:   sql.NullInt64{Int64: rec.NativeID, Valid: true},
		Timestamp:  rec.Timestamp,
	}); err != nil {
		return "", fmt.Errorf("add xms message: %w", err)
	}

	readStatus := state.ReadUnread
	switch {
	case rec.Direction == store.DirectionOutgoing:
		readStatus = state.ReadRead
	case rec.Read:
		readStatus = state.ReadReportRequested
	}
	push := h.pushEnabled(rec.Type)
	pushStatus := state.Pushed
	if push {
		pushStatus = state.PushRequested
	}
	if err := h.db.AddCmsMessage(&store.CmsMessage{
		Folder:      store.FolderForContact(rec.Contact),
		ReadStatus:  readStatus,
		PushStatus:  pushStatus,
		MessageType: rec.Type,
		MessageID:   messageID,
		NativeID:    sql.NullInt64{Int64: rec.NativeID, Valid: true},
	}); err != nil {
		return "", fmt.Errorf("add shadow row: %w", err)
	}

	h.bus.Publish(bus.NewEvent("message.new", NewMessage{
		MimeType:  mimeTypeFor(rec.Type),
		MessageID: messageID,
	}))
	if push && h.sched != nil {
		h.sched.SchedulePushMessages(rec.Contact)
	}
	return messageID, nil
}

// OnDeleteNative reacts to a native row disappearing. When the XMS log row
// is already gone there is nothing to do.
func (h *XmsEventHandler) OnDeleteNative(t store.MessageType, nativeID int64) error {
	x, err := h.db.GetXmsByNativeID(t, nativeID)
	if err != nil {
		return err
	}
	if x == nil {
		return nil
	}

	if err := h.db.DeleteXmsMessage(x.MessageID); err != nil {
		return fmt.Errorf("delete xms message: %w", err)
	}
	if err := h.db.RequestDeleteByNativeID(t, nativeID); err != nil {
		return err
	}

	h.bus.Publish(bus.NewEvent("message.deleted", MessagesDeleted{
		Contact:    x.Contact,
		MessageIDs: []string{x.MessageID},
	}))
	if h.sched != nil {
		h.sched.ScheduleUpdateFlags()
	}
	return nil
}

// OnReadNative reacts to a single native row being displayed.
func (h *XmsEventHandler) OnReadNative(t store.MessageType, nativeID int64) error {
	x, err := h.db.GetXmsByNativeID(t, nativeID)
	if err != nil {
		return err
	}
	if x == nil {
		return nil
	}

	if err := h.db.MarkXmsRead(x.MessageID); err != nil {
		return err
	}
	if err := h.db.UpdateReadStatusByNativeID(t, nativeID, state.ReadReportRequested); err != nil {
		return err
	}

	h.bus.Publish(bus.NewEvent("message.state_changed", StateChanged{
		Contact:   x.Contact,
		MimeType:  x.MimeType,
		MessageID: x.MessageID,
		State:     store.ChatStatusDisplayed,
	}))
	if h.sched != nil {
		h.sched.ScheduleUpdateFlags()
	}
	return nil
}

// OnReadNativeConversation marks a whole conversation displayed.
func (h *XmsEventHandler) OnReadNativeConversation(contact string) error {
	msgs, err := h.db.MarkXmsConversationRead(contact)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := h.db.UpdateReadStatus(typeForMime(m.MimeType), m.MessageID, state.ReadReportRequested); err != nil {
			return err
		}
	}
	for _, m := range msgs {
		h.bus.Publish(bus.NewEvent("message.state_changed", StateChanged{
			Contact:   contact,
			MimeType:  m.MimeType,
			MessageID: m.MessageID,
			State:     store.ChatStatusDisplayed,
		}))
	}
	if len(msgs) > 0 && h.sched != nil {
		h.sched.ScheduleUpdateFlags()
	}
	return nil
}

// OnDeleteNativeConversation deletes a whole conversation from the XMS log
// and requests the deletions remotely.
func (h *XmsEventHandler) OnDeleteNativeConversation(contact string) error {
	ids, err := h.db.XmsMessageIDsForContact(contact)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		x, err := h.db.GetXmsMessage(id)
		if err != nil {
			return err
		}
		if x == nil {
			continue
		}
		if err := h.db.DeleteXmsMessage(id); err != nil {
			return err
		}
		if err := h.db.RequestDelete(typeForMime(x.MimeType), id); err != nil {
			return err
		}
	}

	h.bus.Publish(bus.NewEvent("message.deleted", MessagesDeleted{
		Contact:    contact,
		MessageIDs: ids,
	}))
	if h.sched != nil {
		h.sched.ScheduleUpdateFlags()
	}
	return nil
}

// OnRemoteXms imports an SMS/MMS discovered on the remote store. A uid the
// shadow store already maps is a re-delivery and returns the existing id.
// Messages the remote already shows as deleted are never inserted into the
// XMS log; they only get a synthesized id and a shadow row so uid
// bookkeeping stays complete (legacy contract: every remote message needs
// an id).
func (h *XmsEventHandler) OnRemoteXms(msg *remote.Message) (string, error) {
	existing, err := h.db.GetCmsMessage(msg.Folder, msg.UID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		// Only a deletion observed remotely still applies to a known uid.
		if msg.Deleted() {
			if err := h.db.UpdateDeleteStatusByUID(msg.Folder, msg.UID, state.DeleteDeleted); err != nil {
				return "", err
			}
		}
		return existing.MessageID, nil
	}

	if msg.Deleted() {
		messageID := uuid.NewString()
		readStatus := state.ReadUnread
		if msg.Seen() {
			readStatus = state.ReadRead
		}
		if err := h.db.AddCmsMessage(&store.CmsMessage{
			Folder:       msg.Folder,
			UID:          sql.NullInt64{Int64: msg.UID, Valid: true},
			ReadStatus:   readStatus,
			DeleteStatus: state.DeleteDeleted,
			PushStatus:   state.Pushed,
			MessageType:  msg.Type,
			MessageID:    messageID,
		}); err != nil {
			return "", err
		}
		if err := h.db.RecordUID(msg.Folder, msg.UID); err != nil {
			return "", err
		}
		return messageID, nil
	}

	contact, err := msg.RequireHeader(remote.HeaderContact)
	if err != nil {
		return "", err
	}
	direction := store.DirectionOutgoing
	if msg.Incoming() {
		direction = store.DirectionIncoming
	}
	read := msg.Seen() || direction == store.DirectionOutgoing
	messageID := uuid.NewString()

	if err := h.db.AddXms(&store.XmsMessage{
		MessageID:  messageID,
		Contact:    contact,
		MimeType:   mimeTypeFor(msg.Type),
		Direction:  direction,
		Body:       string(msg.Body),
		Correlator: Fingerprint(string(msg.Body)),
		MmsID:      msg.Header(remote.HeaderMessageID),
		Read:       read,
		Timestamp:  msg.Timestamp.UnixMilli(),
	}); err != nil {
		return "", fmt.Errorf("add xms message: %w", err)
	}

	readStatus := state.ReadUnread
	if read {
		readStatus = state.ReadRead
	}
	if err := h.db.AddCmsMessage(&store.CmsMessage{
		Folder:      msg.Folder,
		UID:         sql.NullInt64{Int64: msg.UID, Valid: true},
		ReadStatus:  readStatus,
		PushStatus:  state.Pushed,
		MessageType: msg.Type,
		MessageID:   messageID,
	}); err != nil {
		return "", fmt.Errorf("add shadow row: %w", err)
	}
	if err := h.db.RecordUID(msg.Folder, msg.UID); err != nil {
		return "", err
	}

	if direction == store.DirectionIncoming && !msg.Seen() {
		h.bus.Publish(bus.NewEvent("message.new", NewMessage{
			MimeType:  mimeTypeFor(msg.Type),
			MessageID: messageID,
		}))
	}
	return messageID, nil
}

func (h *XmsEventHandler) pushEnabled(t store.MessageType) bool {
	if t == store.TypeMms {
		return h.pushMms
	}
	return h.pushSms
}

func mimeTypeFor(t store.MessageType) string {
	if t == store.TypeMms {
		return store.MimeTypeMms
	}
	return store.MimeTypeSms
}

func typeForMime(mime string) store.MessageType {
	if mime == store.MimeTypeMms {
		return store.TypeMms
	}
	return store.TypeSms
}
