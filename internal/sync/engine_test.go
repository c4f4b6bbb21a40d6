package sync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/matheus3301/rcsync/internal/bridge"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeSched records schedule calls without doing any work.
type fakeSched struct {
	pushContacts []string
	flagCalls    int
}

func (f *fakeSched) SchedulePushMessages(contact string) {
	f.pushContacts = append(f.pushContacts, contact)
}

func (f *fakeSched) ScheduleUpdateFlags() {
	f.flagCalls++
}

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus, *fakeSched) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	sched := &fakeSched{}
	xms := NewXmsHandler(db, b, sched, Settings{PushSms: true}, zap.NewNop())
	chat := NewChatHandler(db, b, zap.NewNop())
	return NewEngine(db, b, xms, chat, zap.NewNop()), db, b, sched
}

func testXms(t *testing.T, settings Settings) (*XmsEventHandler, *store.DB, *bus.Bus, *fakeSched) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	sched := &fakeSched{}
	return NewXmsHandler(db, b, sched, settings, zap.NewNop()), db, b, sched
}

func remoteSms(folder string, uid int64, contact, body string, flags ...string) *remote.Message {
	return &remote.Message{
		Folder: folder,
		UID:    uid,
		Type:   store.TypeSms,
		Flags:  flags,
		Headers: map[string]string{
			remote.HeaderContact:   contact,
			remote.HeaderDirection: remote.DirectionReceived,
		},
		Body:      []byte(body),
		Timestamp: time.Now(),
	}
}

func TestNativeSmsCreatesLogShadowAndBroadcast(t *testing.T) {
	xms, db, b, sched := testXms(t, Settings{PushSms: true})

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	id, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  1,
		Contact:   "alice",
		Body:      "hello there",
		Type:      store.TypeSms,
		Direction: store.DirectionIncoming,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	x, err := db.GetXmsMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if x == nil || x.Read {
		t.Fatalf("xms row = %+v, want unread row", x)
	}
	if x.Correlator != Fingerprint("hello there") {
		t.Error("fingerprint not precomputed on insert")
	}

	cms, err := db.GetCmsMessageByID(store.TypeSms, id)
	if err != nil {
		t.Fatal(err)
	}
	if cms == nil {
		t.Fatal("no shadow row")
	}
	if cms.Folder != "Default/alice" {
		t.Errorf("folder = %q, want Default/alice", cms.Folder)
	}
	if cms.PushStatus != state.PushRequested {
		t.Errorf("push_status = %q, want PUSH_REQUESTED", cms.PushStatus)
	}
	if cms.ReadStatus != state.ReadUnread {
		t.Errorf("read_status = %q, want UNREAD", cms.ReadStatus)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "message.new" {
			t.Errorf("kind = %q, want message.new", evt.Kind)
		}
	default:
		t.Error("no broadcast published")
	}

	if len(sched.pushContacts) != 1 || sched.pushContacts[0] != "alice" {
		t.Errorf("push schedule = %v, want [alice]", sched.pushContacts)
	}
}

func TestOutgoingNativeSmsIsBornRead(t *testing.T) {
	xms, db, _, _ := testXms(t, Settings{PushSms: true})

	id, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  2,
		Contact:   "alice",
		Body:      "on my way",
		Type:      store.TypeSms,
		Direction: store.DirectionOutgoing,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	cms, _ := db.GetCmsMessageByID(store.TypeSms, id)
	if cms.ReadStatus != state.ReadRead {
		t.Errorf("read_status = %q, want READ for outgoing", cms.ReadStatus)
	}
}

func TestMmsPushDisabledByDefault(t *testing.T) {
	xms, db, _, sched := testXms(t, Settings{PushSms: true, PushMms: false})

	id, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  3,
		Contact:   "alice",
		Body:      "picture",
		MmsID:     "mms-1",
		Type:      store.TypeMms,
		Direction: store.DirectionIncoming,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	cms, _ := db.GetCmsMessageByID(store.TypeMms, id)
	if cms.PushStatus != state.Pushed {
		t.Errorf("push_status = %q, want PUSHED (upload disabled)", cms.PushStatus)
	}
	if len(sched.pushContacts) != 0 {
		t.Errorf("push scheduled for disabled type: %v", sched.pushContacts)
	}
}

func TestDeleteNativeWithoutLogRowIsNoop(t *testing.T) {
	xms, _, _, sched := testXms(t, Settings{PushSms: true})

	if err := xms.OnDeleteNative(store.TypeSms, 999); err != nil {
		t.Fatal(err)
	}
	if sched.flagCalls != 0 {
		t.Error("no-op delete should not schedule flag reports")
	}
}

func TestDeleteNativeRequestsRemoteDeletion(t *testing.T) {
	xms, db, _, sched := testXms(t, Settings{PushSms: true})

	id, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  4,
		Contact:   "alice",
		Body:      "delete me",
		Type:      store.TypeSms,
		Direction: store.DirectionIncoming,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPushed(store.TypeSms, id, 71); err != nil {
		t.Fatal(err)
	}

	if err := xms.OnDeleteNative(store.TypeSms, 4); err != nil {
		t.Fatal(err)
	}

	x, _ := db.GetXmsMessage(id)
	if x != nil {
		t.Error("xms row should be removed")
	}
	cms, _ := db.GetCmsMessageByID(store.TypeSms, id)
	if cms.DeleteStatus != state.DeleteReportRequested {
		t.Errorf("delete_status = %q, want DELETED_REPORT_REQUESTED", cms.DeleteStatus)
	}
	if sched.flagCalls == 0 {
		t.Error("flag report not scheduled")
	}
}

func TestDeleteNativeSharedProviderID(t *testing.T) {
	xms, db, _, _ := testXms(t, Settings{PushSms: true})

	// SMS and MMS provider ids come from independent sequences and can
	// collide.
	smsID, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  5,
		Contact:   "alice",
		Body:      "text part",
		Type:      store.TypeSms,
		Direction: store.DirectionIncoming,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	mmsID, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  5,
		Contact:   "alice",
		Body:      "picture",
		MmsID:     "mms-5",
		Type:      store.TypeMms,
		Direction: store.DirectionIncoming,
		Timestamp: 1001,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := xms.OnDeleteNative(store.TypeSms, 5); err != nil {
		t.Fatal(err)
	}

	if x, _ := db.GetXmsMessage(smsID); x != nil {
		t.Error("sms log row should be removed")
	}
	if x, _ := db.GetXmsMessage(mmsID); x == nil {
		t.Error("mms log row sharing the provider id must survive")
	}
	cms, _ := db.GetCmsMessageByID(store.TypeMms, mmsID)
	if cms.DeleteStatus != state.DeleteNotDeleted {
		t.Errorf("mms delete_status = %q, want NOT_DELETED", cms.DeleteStatus)
	}
}

func TestDeleteNativeBeforePushGoesTerminal(t *testing.T) {
	xms, db, _, _ := testXms(t, Settings{PushSms: true})

	id, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  6,
		Contact:   "alice",
		Body:      "deleted before upload",
		Type:      store.TypeSms,
		Direction: store.DirectionIncoming,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := xms.OnDeleteNative(store.TypeSms, 6); err != nil {
		t.Fatal(err)
	}

	// No remote copy exists, so there is nothing to report against.
	cms, _ := db.GetCmsMessageByID(store.TypeSms, id)
	if cms == nil || cms.DeleteStatus != state.DeleteDeleted {
		t.Fatalf("shadow row = %+v, want terminal DELETED", cms)
	}
	if cms.NativeID.Valid {
		t.Error("native tether should be detached")
	}
	pending, _ := db.PushRequested("Default/alice")
	if len(pending) != 0 {
		t.Errorf("deleted row still queued for upload: %+v", pending)
	}
	reports, _ := db.PendingFlagReports()
	if len(reports) != 0 {
		t.Errorf("deleted row still queued for flag reports: %+v", reports)
	}
	purged, err := db.PurgeDeletedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestConversationReadMarksEveryUnread(t *testing.T) {
	xms, db, _, sched := testXms(t, Settings{PushSms: true})

	var ids []string
	for i := int64(10); i < 13; i++ {
		id, err := xms.OnNativeXms(&bridge.XmsRecord{
			NativeID:  i,
			Contact:   "alice",
			Body:      "msg",
			Type:      store.TypeSms,
			Direction: store.DirectionIncoming,
			Timestamp: i,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := xms.OnReadNativeConversation("alice"); err != nil {
		t.Fatal(err)
	}

	for _, id := range ids {
		cms, _ := db.GetCmsMessageByID(store.TypeSms, id)
		if cms.ReadStatus != state.ReadReportRequested {
			t.Errorf("read_status of %s = %q, want READ_REPORT_REQUESTED", id, cms.ReadStatus)
		}
	}
	if sched.flagCalls == 0 {
		t.Error("flag report not scheduled")
	}
}

func TestRemoteXmsImport(t *testing.T) {
	engine, db, b, _ := testEngine(t)

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	msg := remoteSms("Default/alice", 21, "alice", "incoming from other device")
	id, err := engine.OnRemoteNewMessage(msg)
	if err != nil {
		t.Fatal(err)
	}

	x, _ := db.GetXmsMessage(id)
	if x == nil || x.Direction != store.DirectionIncoming {
		t.Fatalf("xms row = %+v", x)
	}
	cms, _ := db.GetCmsMessage("Default/alice", 21)
	if cms == nil || cms.PushStatus != state.Pushed {
		t.Fatalf("shadow row = %+v, want mapped PUSHED row", cms)
	}
	f, _ := db.GetFolder("Default/alice")
	if f.MaxUID != 21 {
		t.Errorf("max_uid = %d, want 21", f.MaxUID)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "message.new" {
			t.Errorf("kind = %q, want message.new", evt.Kind)
		}
	default:
		t.Error("no broadcast for incoming unseen message")
	}
}

func TestRemoteXmsMissingContactSkipsMessage(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	msg := remoteSms("Default/alice", 22, "", "body")
	delete(msg.Headers, remote.HeaderContact)
	_, err := engine.OnRemoteNewMessage(msg)
	if err == nil {
		t.Fatal("expected error for missing Contact header")
	}
	if !errors.Is(err, remote.ErrMissingHeader) {
		t.Errorf("err = %v, want ErrMissingHeader", err)
	}
}

func TestRemoteDeletedXmsSkipsLogInsert(t *testing.T) {
	engine, db, _, _ := testEngine(t)

	msg := remoteSms("Default/alice", 23, "alice", "already gone", imap.DeletedFlag)
	id, err := engine.OnRemoteNewMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("deleted message still needs an id")
	}

	x, _ := db.GetXmsMessage(id)
	if x != nil {
		t.Error("deleted remote message must not enter the xms log")
	}
	cms, _ := db.GetCmsMessage("Default/alice", 23)
	if cms == nil || cms.DeleteStatus != state.DeleteDeleted {
		t.Fatalf("shadow row = %+v, want terminal DELETED", cms)
	}
}

func TestRemoteXmsRedeliveryKeepsLogRow(t *testing.T) {
	engine, db, _, _ := testEngine(t)

	msg := remoteSms("Default/alice", 90, "alice", "delivered twice")
	first, err := engine.OnRemoteNewMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.OnRemoteNewMessage(msg)
	if err != nil {
		t.Fatal(err)
	}

	if second != first {
		t.Errorf("re-delivery returned %q, want %q", second, first)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM xms_messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("got %d xms rows after re-delivery, want 1", count)
	}
	if x, _ := db.GetXmsMessage(first); x == nil {
		t.Error("original log row lost")
	}
}

func TestRemoteReadEventIsAuthoritative(t *testing.T) {
	engine, db, _, _ := testEngine(t)

	id, err := engine.OnRemoteNewMessage(remoteSms("Default/alice", 30, "alice", "read me"))
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.OnRemoteReadEvent("Default/alice", 30); err != nil {
		t.Fatal(err)
	}

	cms, _ := db.GetCmsMessage("Default/alice", 30)
	if cms.ReadStatus != state.ReadRead {
		t.Errorf("read_status = %q, want terminal READ", cms.ReadStatus)
	}
	x, _ := db.GetXmsMessage(id)
	if !x.Read {
		t.Error("xms log row not marked read")
	}
	f, _ := db.GetFolder("Default/alice")
	if f.Modseq == 0 {
		t.Error("modseq not bumped")
	}

	// Unknown uid: silent no-op.
	if err := engine.OnRemoteReadEvent("Default/alice", 999); err != nil {
		t.Fatal(err)
	}
}

func TestRemoteDeleteEventRemovesLogRow(t *testing.T) {
	engine, db, _, _ := testEngine(t)

	id, err := engine.OnRemoteNewMessage(remoteSms("Default/alice", 31, "alice", "purge me"))
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.OnRemoteDeleteEvent("Default/alice", 31); err != nil {
		t.Fatal(err)
	}

	x, _ := db.GetXmsMessage(id)
	if x != nil {
		t.Error("xms row should be removed")
	}
	cms, _ := db.GetCmsMessage("Default/alice", 31)
	if cms.DeleteStatus != state.DeleteDeleted {
		t.Errorf("delete_status = %q, want terminal DELETED", cms.DeleteStatus)
	}
}

func TestSearchLocalMessageLinksUnmappedTwin(t *testing.T) {
	engine, db, b, sched := testEngine(t)

	// Local outgoing SMS, not yet pushed.
	xms := NewXmsHandler(db, b, sched, Settings{PushSms: true}, zap.NewNop())
	localID, err := xms.OnNativeXms(&bridge.XmsRecord{
		NativeID:  40,
		Contact:   "alice",
		Body:      "sent from this device",
		Type:      store.TypeSms,
		Direction: store.DirectionOutgoing,
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The same message observed on the remote store.
	msg := remoteSms("Default/alice", 50, "alice", "sent from this device")
	msg.Headers[remote.HeaderDirection] = remote.DirectionSent
	found, err := engine.SearchLocalMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatal("local twin not found")
	}
	if found.MessageID != localID {
		t.Errorf("linked %q, want %q", found.MessageID, localID)
	}
	if !found.UID.Valid || found.UID.Int64 != 50 {
		t.Errorf("uid = %+v, want 50", found.UID)
	}

	// Second lookup takes the direct (folder, uid) path.
	again, err := engine.SearchLocalMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != found.ID {
		t.Errorf("second lookup = %+v, want same row", again)
	}
}

func TestSearchLocalMessageUnknownReturnsNil(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	found, err := engine.SearchLocalMessage(remoteSms("Default/alice", 60, "alice", "never seen"))
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Errorf("got %+v, want nil for unknown message", found)
	}
}

func TestOnRemoteNewMessageUnsupportedType(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	msg := remoteSms("Default/alice", 70, "alice", "body")
	msg.Type = store.MessageType("CAROUSEL")
	_, err := engine.OnRemoteNewMessage(msg)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestOnFolderOpenedResetInvalidatesMappings(t *testing.T) {
	engine, db, _, _ := testEngine(t)

	if _, err := engine.OnRemoteNewMessage(remoteSms("Default/alice", 80, "alice", "body")); err != nil {
		t.Fatal(err)
	}
	if err := engine.OnFolderOpened("Default/alice", 1); err != nil {
		t.Fatal(err)
	}

	// Mailbox recreated remotely.
	if err := engine.OnFolderOpened("Default/alice", 2); err != nil {
		t.Fatal(err)
	}

	cms, _ := db.GetCmsMessage("Default/alice", 80)
	if cms != nil {
		t.Error("stale uid mapping should be cleared after reset")
	}
}
