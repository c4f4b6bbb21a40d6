package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/rcsync/internal/bridge"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler repairs drift between the native SMS/MMS provider and the
// shadow store: rows deleted, inserted or read natively while the engine
// was not observing events. It runs once at startup and optionally on a
// timer. Each per-id correction is applied independently and upserts are
// idempotent, so an aborted pass leaves no partial corruption; the drift
// simply persists until the next run.
type Reconciler struct {
	db       *store.DB
	provider bridge.Provider
	xms      *XmsEventHandler
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, provider bridge.Provider, xms *XmsEventHandler, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:       db,
		provider: provider,
		xms:      xms,
		bus:      b,
		logger:   logger,
	}
}

// Start runs one pass immediately and then one per interval until the
// context is cancelled. A non-positive interval disables the timer.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		if err := r.Run(ctx); err != nil {
			r.logError("startup reconciliation failed", err)
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Run(ctx); err != nil {
					r.logError("periodic reconciliation failed", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the periodic reconciliation.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Run executes one full reconciliation pass over both native types and
// finishes with a purge sweep of fully-acknowledged deleted rows.
func (r *Reconciler) Run(ctx context.Context) error {
	var errs []error
	report := SyncReport{}

	for _, t := range []store.MessageType{store.TypeSms, store.TypeMms} {
		rep, err := r.reconcileType(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", t, err))
			continue
		}
		report.Imported += rep.Imported
		report.Deleted += rep.Deleted
		report.Read += rep.Read
	}

	purged, err := r.db.PurgeDeletedMessages()
	if err != nil {
		errs = append(errs, fmt.Errorf("purge: %w", err))
	}
	report.Purged = purged

	if (report.Deleted > 0 || report.Read > 0) && r.xms.sched != nil {
		r.xms.sched.ScheduleUpdateFlags()
	}

	if r.logger != nil {
		r.logger.Info("reconciliation pass finished",
			zap.Int("imported", report.Imported),
			zap.Int("deleted", report.Deleted),
			zap.Int("read", report.Read),
			zap.Int64("purged", purged))
	}
	r.bus.Publish(bus.NewEvent("sync.completed", report))
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileType(ctx context.Context, t store.MessageType) (SyncReport, error) {
	report := SyncReport{}

	native, err := r.provider.Snapshot(ctx, t)
	if err != nil {
		return report, fmt.Errorf("native snapshot: %w", err)
	}
	shadow, err := r.db.GetNativeMessages(t)
	if err != nil {
		return report, fmt.Errorf("load shadow map: %w", err)
	}

	// Deleted-check: ids the shadow store still tethers but the provider
	// no longer has were deleted while the observer was down.
	for id, flags := range shadow {
		if _, ok := native[id]; ok {
			continue
		}
		if flags.DeleteStatus != state.DeleteNotDeleted {
			continue
		}
		if err := r.correctDeleted(t, id); err != nil {
			r.logError("deleted-check correction failed", err, zap.Int64("native_id", id))
			continue
		}
		report.Deleted++
	}

	// New-check and read-check over the native snapshot.
	for id, read := range native {
		flags, known := shadow[id]
		if !known {
			rec, err := r.provider.Get(ctx, t, id)
			if err != nil || rec == nil {
				r.logError("native row load failed", err, zap.Int64("native_id", id))
				continue
			}
			if _, err := r.xms.OnNativeXms(rec); err != nil {
				r.logError("native import failed", err, zap.Int64("native_id", id))
				continue
			}
			report.Imported++
			continue
		}
		if read && flags.ReadStatus == state.ReadUnread {
			if err := r.correctRead(t, id); err != nil {
				r.logError("read-check correction failed", err, zap.Int64("native_id", id))
				continue
			}
			report.Read++
		}
	}
	return report, nil
}

// correctDeleted applies a missed native deletion: the application log row
// (when still present) is removed and the remote deletion is requested.
func (r *Reconciler) correctDeleted(t store.MessageType, nativeID int64) error {
	x, err := r.db.GetXmsByNativeID(t, nativeID)
	if err != nil {
		return err
	}
	if x != nil {
		if err := r.db.DeleteXmsMessage(x.MessageID); err != nil {
			return err
		}
	}
	if err := r.db.RequestDeleteByNativeID(t, nativeID); err != nil {
		return err
	}
	if x != nil {
		r.bus.Publish(bus.NewEvent("message.deleted", MessagesDeleted{
			Contact:    x.Contact,
			MessageIDs: []string{x.MessageID},
		}))
	}
	return nil
}

// correctRead applies a missed native read.
func (r *Reconciler) correctRead(t store.MessageType, nativeID int64) error {
	x, err := r.db.GetXmsByNativeID(t, nativeID)
	if err != nil {
		return err
	}
	if x != nil {
		if err := r.db.MarkXmsRead(x.MessageID); err != nil {
			return err
		}
	}
	return r.db.UpdateReadStatusByNativeID(t, nativeID, state.ReadReportRequested)
}

func (r *Reconciler) logError(msg string, err error, fields ...zap.Field) {
	if r.logger == nil {
		return
	}
	r.logger.Error(msg, append(fields, zap.Error(err))...)
}
