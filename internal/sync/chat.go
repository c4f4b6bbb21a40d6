package sync

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// ChatEventHandler reacts to chat messages, delivery receipts and
// group-state objects discovered on the remote store. Same fixed
// side-effect order as the XMS handler: chat log, shadow store, broadcast.
type ChatEventHandler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewChatHandler creates the chat event handler.
func NewChatHandler(db *store.DB, b *bus.Bus, logger *zap.Logger) *ChatEventHandler {
	return &ChatEventHandler{db: db, bus: b, logger: logger}
}

// OnRemoteChatMessage imports a chat message. Direction and 1:1 vs group
// are derived from the payload headers; only incoming, unseen messages are
// broadcast.
func (h *ChatEventHandler) OnRemoteChatMessage(msg *remote.Message) (string, error) {
	messageID, err := msg.RequireHeader(remote.HeaderMessageID)
	if err != nil {
		return "", err
	}
	contact := msg.Header(remote.HeaderContact)
	chatID := msg.Header(remote.HeaderContributionID)
	if chatID == "" {
		chatID = contact
	}

	group, err := h.db.GetGroupChat(chatID)
	if err != nil {
		return "", err
	}
	isGroup := group != nil

	incoming := msg.Incoming()
	direction := store.DirectionOutgoing
	status := store.ChatStatusSent
	if incoming {
		direction = store.DirectionIncoming
		status = store.ChatStatusDelivered
	}
	read := msg.Seen() || !incoming

	if err := h.db.AddChatMessage(&store.ChatMessage{
		MessageID: messageID,
		ChatID:    chatID,
		Contact:   contact,
		Content:   string(msg.Body),
		MimeType:  store.MimeTypeChat,
		Direction: direction,
		Status:    status,
		IsGroup:   isGroup,
		Read:      read,
		Timestamp: msg.Timestamp.UnixMilli(),
	}); err != nil {
		return "", fmt.Errorf("add chat message: %w", err)
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

	if incoming && !msg.Seen() {
		h.bus.Publish(bus.NewEvent("message.new", NewMessage{
			MimeType:  store.MimeTypeChat,
			MessageID: messageID,
		}))
	}
	return messageID, nil
}

// OnRemoteImdn routes a delivery/display receipt to the chat message it
// refers to. The receipt itself also gets a shadow row so its uid stays
// accounted for.
func (h *ChatEventHandler) OnRemoteImdn(msg *remote.Message) error {
	targetID, err := msg.RequireHeader(remote.HeaderImdnMessageID)
	if err != nil {
		return err
	}
	imdnID := msg.Header(remote.HeaderMessageID)
	if imdnID == "" {
		imdnID = uuid.NewString()
	}

	status := store.ChatStatusDelivered
	if strings.EqualFold(msg.Header(remote.HeaderImdnDisposition), "displayed") {
		status = store.ChatStatusDisplayed
	}

	target, err := h.db.GetChatMessage(targetID)
	if err != nil {
		return err
	}
	if target != nil {
		// 1:1 and group receipts both resolve to the same chat log row;
		// the IsGroup flag on the row decides which conversation the
		// broadcast refers to.
		if err := h.db.SetChatMessageStatus(targetID, status); err != nil {
			return err
		}
	}

	if err := h.db.AddCmsMessage(&store.CmsMessage{
		Folder:      msg.Folder,
		UID:         sql.NullInt64{Int64: msg.UID, Valid: true},
		ReadStatus:  state.ReadRead,
		PushStatus:  state.Pushed,
		MessageType: store.TypeImdn,
		MessageID:   imdnID,
	}); err != nil {
		return fmt.Errorf("add shadow row: %w", err)
	}
	if err := h.db.RecordUID(msg.Folder, msg.UID); err != nil {
		return err
	}

	if target != nil {
		h.bus.Publish(bus.NewEvent("message.state_changed", StateChanged{
			Contact:   target.Contact,
			MimeType:  store.MimeTypeChat,
			MessageID: targetID,
			State:     status,
		}))
	}
	return nil
}

// OnRemoteGroupState upserts a group chat from a group-state object:
// declared participants default to CONNECTED and the rejoin id is
// persisted.
func (h *ChatEventHandler) OnRemoteGroupState(msg *remote.Message) error {
	chatID, err := msg.RequireHeader(remote.HeaderContributionID)
	if err != nil {
		return err
	}

	group := &store.GroupChat{
		ChatID:   chatID,
		RejoinID: msg.Header(remote.HeaderRejoinID),
		Subject:  msg.Header(remote.HeaderSubject),
	}
	for _, participant := range parseParticipants(string(msg.Body)) {
		group.Members = append(group.Members, store.GroupMember{
			Contact: participant,
			Status:  store.GroupMemberConnected,
		})
	}
	if err := h.db.UpsertGroupChat(group); err != nil {
		return fmt.Errorf("upsert group chat: %w", err)
	}

	if err := h.db.AddCmsMessage(&store.CmsMessage{
		Folder:      msg.Folder,
		UID:         sql.NullInt64{Int64: msg.UID, Valid: true},
		ReadStatus:  state.ReadRead,
		PushStatus:  state.Pushed,
		MessageType: store.TypeGroupState,
		MessageID:   chatID,
	}); err != nil {
		return fmt.Errorf("add shadow row: %w", err)
	}
	return h.db.RecordUID(msg.Folder, msg.UID)
}

// parseParticipants splits a group-state body into participant URIs, one
// per line.
func parseParticipants(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
