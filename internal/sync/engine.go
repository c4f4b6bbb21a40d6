package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/rcsync/internal/bridge"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// ErrUnsupportedType marks a dispatch on an unknown message type: a
// protocol or version mismatch that cannot be silently worked around.
var ErrUnsupportedType = errors.New("unsupported message type")

// Scheduler is the work queue that serializes pushes and flag updates
// against the remote store. The engine only enqueues; wire I/O and retries
// live behind this interface.
type Scheduler interface {
	SchedulePushMessages(contact string)
	ScheduleUpdateFlags()
}

// Settings are the push knobs of the engine, taken from the config file.
type Settings struct {
	PushSms bool
	PushMms bool
}

// Engine coordinates the event handlers. It subscribes to "native." events
// on the bus (published by the bridge adapter on platform threads) and
// exposes the remote-sync-facing entry points called by the message-store
// sync task.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	xms        *XmsEventHandler
	chat       *ChatEventHandler
	correlator *Correlator
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, xms *XmsEventHandler, chat *ChatEventHandler, logger *zap.Logger) *Engine {
	return &Engine{
		db:         db,
		bus:        b,
		xms:        xms,
		chat:       chat,
		correlator: NewCorrelator(db),
		logger:     logger,
	}
}

// Start subscribes to native bridge events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("native.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleNativeEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleNativeEvent(evt bus.Event) {
	var err error
	switch evt.Kind {
	case "native.xms":
		rec, ok := evt.Payload.(*bridge.XmsRecord)
		if !ok {
			return
		}
		_, err = e.xms.OnNativeXms(rec)
	case "native.deleted":
		del, ok := evt.Payload.(bridge.DeleteEvent)
		if !ok {
			return
		}
		err = e.xms.OnDeleteNative(del.Type, del.NativeID)
	case "native.read":
		read, ok := evt.Payload.(bridge.ReadEvent)
		if !ok {
			return
		}
		err = e.xms.OnReadNative(read.Type, read.NativeID)
	case "native.read_conversation":
		read, ok := evt.Payload.(bridge.ReadEvent)
		if !ok {
			return
		}
		err = e.xms.OnReadNativeConversation(read.Contact)
	case "native.delete_conversation":
		del, ok := evt.Payload.(bridge.ReadEvent)
		if !ok {
			return
		}
		err = e.xms.OnDeleteNativeConversation(del.Contact)
	}
	if err != nil && e.logger != nil {
		e.logger.Error("native event failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// SearchLocalMessage resolves an inbound remote message against the local
// stores. An existing (folder, uid) mapping is returned outright; otherwise
// the correlator looks for an unmapped local twin and, when one is found,
// links it to the uid. Returns nil when the message is unknown locally.
func (e *Engine) SearchLocalMessage(msg *remote.Message) (*store.CmsMessage, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}

	existing, err := e.db.GetCmsMessage(msg.Folder, msg.UID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	messageID, err := e.correlator.Correlate(msg)
	if err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, nil
	}

	readStatus := state.ReadUnread
	if msg.Seen() {
		readStatus = state.ReadRead
	}
	deleteStatus := state.DeleteNotDeleted
	if msg.Deleted() {
		deleteStatus = state.DeleteDeleted
	}
	if err := e.db.AddCmsMessage(&store.CmsMessage{
		Folder:       msg.Folder,
		UID:          msg.NullUID(),
		ReadStatus:   readStatus,
		DeleteStatus: deleteStatus,
		PushStatus:   state.Pushed,
		MessageType:  msg.Type,
		MessageID:    messageID,
	}); err != nil {
		return nil, err
	}
	if err := e.db.RecordUID(msg.Folder, msg.UID); err != nil {
		return nil, err
	}
	return e.db.GetCmsMessage(msg.Folder, msg.UID)
}

// OnRemoteNewMessage imports a remote message with no local twin,
// dispatching on its type. Returns the message id recorded for it.
func (e *Engine) OnRemoteNewMessage(msg *remote.Message) (string, error) {
	switch msg.Type {
	case store.TypeSms, store.TypeMms:
		return e.xms.OnRemoteXms(msg)
	case store.TypeChatMessage, store.TypeFileTransfer:
		return e.chat.OnRemoteChatMessage(msg)
	case store.TypeImdn:
		return "", e.chat.OnRemoteImdn(msg)
	case store.TypeGroupState:
		return "", e.chat.OnRemoteGroupState(msg)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}
}

// OnRemoteReadEvent applies a remote Seen flag. The remote store is
// authoritative: the application log row is marked read directly and the
// shadow row jumps to the terminal READ state.
func (e *Engine) OnRemoteReadEvent(folder string, uid int64) error {
	cms, err := e.db.GetCmsMessage(folder, uid)
	if err != nil || cms == nil {
		return err
	}

	var contact, mimeType string
	switch cms.MessageType {
	case store.TypeSms, store.TypeMms:
		x, err := e.db.GetXmsMessage(cms.MessageID)
		if err != nil {
			return err
		}
		if x != nil {
			if err := e.db.MarkXmsRead(cms.MessageID); err != nil {
				return err
			}
			contact, mimeType = x.Contact, x.MimeType
		}
	case store.TypeChatMessage, store.TypeFileTransfer:
		c, err := e.db.GetChatMessage(cms.MessageID)
		if err != nil {
			return err
		}
		if c != nil {
			if err := e.db.MarkChatMessageRead(cms.MessageID); err != nil {
				return err
			}
			contact, mimeType = c.Contact, store.MimeTypeChat
		}
	case store.TypeImdn, store.TypeGroupState:
		// Nothing to mark in the application logs.
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, cms.MessageType)
	}

	if err := e.db.UpdateReadStatusByUID(folder, uid, state.ReadRead); err != nil {
		return err
	}
	if _, err := e.db.BumpModseq(folder); err != nil {
		return err
	}

	if contact != "" {
		e.bus.Publish(bus.NewEvent("message.state_changed", StateChanged{
			Contact:   contact,
			MimeType:  mimeType,
			MessageID: cms.MessageID,
			State:     store.ChatStatusDisplayed,
		}))
	}
	return nil
}

// OnRemoteDeleteEvent applies a remote Deleted flag: the application log
// row is physically removed and the shadow row jumps to terminal DELETED.
func (e *Engine) OnRemoteDeleteEvent(folder string, uid int64) error {
	cms, err := e.db.GetCmsMessage(folder, uid)
	if err != nil || cms == nil {
		return err
	}

	var contact string
	switch cms.MessageType {
	case store.TypeSms, store.TypeMms:
		x, err := e.db.GetXmsMessage(cms.MessageID)
		if err != nil {
			return err
		}
		if x != nil {
			contact = x.Contact
			if err := e.db.DeleteXmsMessage(cms.MessageID); err != nil {
				return err
			}
		}
	case store.TypeChatMessage, store.TypeFileTransfer:
		c, err := e.db.GetChatMessage(cms.MessageID)
		if err != nil {
			return err
		}
		if c != nil {
			contact = c.Contact
			if err := e.db.DeleteChatMessage(cms.MessageID); err != nil {
				return err
			}
		}
	case store.TypeImdn, store.TypeGroupState:
		// Shadow-store-only objects.
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, cms.MessageType)
	}

	if err := e.db.UpdateDeleteStatusByUID(folder, uid, state.DeleteDeleted); err != nil {
		return err
	}
	if _, err := e.db.BumpModseq(folder); err != nil {
		return err
	}

	if contact != "" {
		e.bus.Publish(bus.NewEvent("message.deleted", MessagesDeleted{
			Contact:    contact,
			MessageIDs: []string{cms.MessageID},
		}))
	}
	return nil
}

// OnRemoteFlagChange translates an IMAP flag-change notification into
// read/delete events.
func (e *Engine) OnRemoteFlagChange(fc remote.FlagChange) error {
	if fc.SeenAdded() {
		if err := e.OnRemoteReadEvent(fc.Folder, fc.UID); err != nil {
			return err
		}
	}
	if fc.DeletedAdded() {
		if err := e.OnRemoteDeleteEvent(fc.Folder, fc.UID); err != nil {
			return err
		}
	}
	return nil
}

// OnFolderOpened records the remote mailbox generation before a sync pass.
// A changed uid validity resets the folder counters and invalidates every
// uid mapping of the folder.
func (e *Engine) OnFolderOpened(folder string, uidValidity int64) error {
	reset, err := e.db.ApplyUIDValidity(folder, uidValidity)
	if err != nil {
		return err
	}
	if reset && e.logger != nil {
		e.logger.Warn("remote mailbox recreated, uid mappings invalidated",
			zap.String("folder", folder), zap.Int64("uid_validity", uidValidity))
	}
	return nil
}
