// Package bridge adapts the platform SMS/MMS provider into abstract native
// events. The provider implementation is platform glue and lives outside
// this module; the engine only sees the Provider interface and the native.*
// bus events the Adapter publishes.
package bridge

import (
	"context"

	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// XmsRecord is a native SMS/MMS provider row, as observed by the platform.
type XmsRecord struct {
	NativeID  int64
	Contact   string
	Body      string
	MmsID     string // MMS transport message id, empty for SMS
	Type      store.MessageType
	Direction store.Direction
	Read      bool
	Timestamp int64
}

// DeleteEvent announces a native provider row disappearing.
type DeleteEvent struct {
	Type     store.MessageType
	NativeID int64
}

// ReadEvent announces a native row or a whole conversation being displayed.
type ReadEvent struct {
	Type     store.MessageType
	NativeID int64
	Contact  string // set for conversation-level events
}

// Provider abstracts the platform SMS/MMS store for snapshot reconciliation.
type Provider interface {
	// Snapshot returns every native row id of the given type with its
	// read flag.
	Snapshot(ctx context.Context, t store.MessageType) (map[int64]bool, error)
	// Get loads a single native row by id. Returns nil when the row is gone.
	Get(ctx context.Context, t store.MessageType, nativeID int64) (*XmsRecord, error)
}

// EmptyProvider is a Provider with no native rows, used on hosts without a
// telephony store.
type EmptyProvider struct{}

func (EmptyProvider) Snapshot(context.Context, store.MessageType) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

func (EmptyProvider) Get(context.Context, store.MessageType, int64) (*XmsRecord, error) {
	return nil, nil
}

// Adapter republishes native provider callbacks as native.* bus events.
// It does NOT call the sync engine directly: the engine subscribes to the
// bus independently, so platform dispatch threads never run handler code.
type Adapter struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewAdapter creates a new native bridge adapter.
func NewAdapter(b *bus.Bus, logger *zap.Logger) *Adapter {
	return &Adapter{bus: b, logger: logger}
}

// OnIncomingXms reports a new incoming SMS/MMS row.
func (a *Adapter) OnIncomingXms(rec *XmsRecord) {
	rec.Direction = store.DirectionIncoming
	a.publish("native.xms", rec)
}

// OnOutgoingXms reports a new outgoing SMS/MMS row.
func (a *Adapter) OnOutgoingXms(rec *XmsRecord) {
	rec.Direction = store.DirectionOutgoing
	a.publish("native.xms", rec)
}

// OnDeleteNative reports a native row deletion.
func (a *Adapter) OnDeleteNative(t store.MessageType, nativeID int64) {
	a.publish("native.deleted", DeleteEvent{Type: t, NativeID: nativeID})
}

// OnReadNative reports a single native row being displayed.
func (a *Adapter) OnReadNative(t store.MessageType, nativeID int64) {
	a.publish("native.read", ReadEvent{Type: t, NativeID: nativeID})
}

// OnReadNativeConversation reports a whole conversation being displayed.
func (a *Adapter) OnReadNativeConversation(contact string) {
	a.publish("native.read_conversation", ReadEvent{Contact: contact})
}

// OnDeleteNativeConversation reports a whole conversation being deleted.
func (a *Adapter) OnDeleteNativeConversation(contact string) {
	a.publish("native.delete_conversation", ReadEvent{Contact: contact})
}

func (a *Adapter) publish(kind string, payload any) {
	if a.logger != nil {
		a.logger.Debug("native event", zap.String("kind", kind))
	}
	a.bus.Publish(bus.NewEvent(kind, payload))
}
