// Package scheduler drains pending work against the remote message store:
// messages waiting for upload and read/delete flags waiting to be reported.
// The engine enqueues; this package owns the (fire-and-forget) remote round
// trips, so native event handling never blocks on network I/O.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/state"
	"github.com/matheus3301/rcsync/internal/store"
	"go.uber.org/zap"
)

// PushAck is the payload of "push.ack".
type PushAck struct {
	Folder    string
	MessageID string
	UID       int64
}

// Scheduler serializes pushes and flag reports on a single worker
// goroutine. Queued work survives process restarts implicitly: it is
// re-derived from the shadow store's PUSH_REQUESTED and *_REPORT_REQUESTED
// rows, so losing the in-memory queue only delays the work.
type Scheduler struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	folders map[string]struct{}
	flags   bool
	kick    chan struct{}
}

// New creates a new scheduler.
func New(db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		db:      db,
		remote:  rs,
		bus:     b,
		logger:  logger,
		folders: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// SchedulePushMessages queues the contact's folder for a push pass.
func (s *Scheduler) SchedulePushMessages(contact string) {
	s.mu.Lock()
	s.folders[store.FolderForContact(contact)] = struct{}{}
	s.mu.Unlock()
	s.wake()
}

// ScheduleUpdateFlags queues a flag-report pass.
func (s *Scheduler) ScheduleUpdateFlags() {
	s.mu.Lock()
	s.flags = true
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start begins the worker loop. A periodic tick retries work left queued
// by a transiently unavailable store.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the worker loop. Work already dispatched to the remote store
// runs to completion; everything else stays queued in the shadow store.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.kick:
			s.process(ctx)
		case <-ticker.C:
			s.process(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context) {
	s.mu.Lock()
	folders := s.folders
	flags := s.flags
	s.folders = make(map[string]struct{})
	s.flags = false
	s.mu.Unlock()

	for folder := range folders {
		if err := s.pushFolder(ctx, folder); err != nil {
			if errors.Is(err, remote.ErrServiceUnavailable) {
				// Leave the folder queued for the next tick.
				s.mu.Lock()
				s.folders[folder] = struct{}{}
				s.mu.Unlock()
			}
			s.logger.Warn("push pass failed", zap.String("folder", folder), zap.Error(err))
		}
	}
	if flags {
		if err := s.reportFlags(ctx); err != nil {
			if errors.Is(err, remote.ErrServiceUnavailable) {
				s.mu.Lock()
				s.flags = true
				s.mu.Unlock()
			}
			s.logger.Warn("flag report pass failed", zap.Error(err))
		}
	}
}

// pushFolder uploads every PUSH_REQUESTED row of a folder, oldest first.
func (s *Scheduler) pushFolder(ctx context.Context, folder string) error {
	pending, err := s.db.PushRequested(folder)
	if err != nil {
		return fmt.Errorf("load push queue: %w", err)
	}

	for _, m := range pending {
		payload, err := s.buildPayload(&m)
		if err != nil {
			s.logger.Error("payload build failed, message skipped",
				zap.String("message_id", m.MessageID), zap.Error(err))
			continue
		}
		uid, err := s.remote.PushMessage(ctx, folder, payload)
		if err != nil {
			return fmt.Errorf("push %s: %w", m.MessageID, err)
		}

		if err := s.db.MarkPushed(m.MessageType, m.MessageID, uid); err != nil {
			return err
		}
		if err := s.db.RecordUID(folder, uid); err != nil {
			return err
		}
		s.logger.Info("message pushed",
			zap.String("folder", folder),
			zap.String("message_id", m.MessageID),
			zap.Int64("uid", uid))
		s.bus.Publish(bus.NewEvent("push.ack", PushAck{
			Folder:    folder,
			MessageID: m.MessageID,
			UID:       uid,
		}))
	}
	return nil
}

// reportFlags pushes pending read/delete flag reports and advances the
// shadow rows to the REPORTED state. The terminal state is reached later,
// when the remote sync observes the flag back.
func (s *Scheduler) reportFlags(ctx context.Context) error {
	pending, err := s.db.PendingFlagReports()
	if err != nil {
		return fmt.Errorf("load flag queue: %w", err)
	}

	for _, m := range pending {
		if m.ReadStatus == state.ReadReportRequested {
			if err := s.remote.UpdateFlags(ctx, m.Folder, m.UID.Int64, []string{imap.SeenFlag}); err != nil {
				return fmt.Errorf("report seen %s: %w", m.MessageID, err)
			}
			if err := s.db.UpdateReadStatusByUID(m.Folder, m.UID.Int64, state.ReadReported); err != nil {
				return err
			}
		}
		if m.DeleteStatus == state.DeleteReportRequested {
			if err := s.remote.UpdateFlags(ctx, m.Folder, m.UID.Int64, []string{imap.DeletedFlag}); err != nil {
				return fmt.Errorf("report deleted %s: %w", m.MessageID, err)
			}
			if err := s.db.UpdateDeleteStatusByUID(m.Folder, m.UID.Int64, state.DeleteReported); err != nil {
				return err
			}
		}
		if _, err := s.db.BumpModseq(m.Folder); err != nil {
			return err
		}
	}
	return nil
}

// buildPayload assembles the mailbox payload for a message from its
// application log row.
func (s *Scheduler) buildPayload(m *store.CmsMessage) ([]byte, error) {
	switch m.MessageType {
	case store.TypeSms, store.TypeMms:
		x, err := s.db.GetXmsMessage(m.MessageID)
		if err != nil {
			return nil, err
		}
		if x == nil {
			return nil, fmt.Errorf("xms row %s not found", m.MessageID)
		}
		headers := map[string]string{
			remote.HeaderMessageID:  x.MmsID,
			remote.HeaderContact:    x.Contact,
			remote.HeaderDirection:  directionHeader(x.Direction),
			remote.HeaderCorrelator: x.Correlator,
		}
		return encodePayload(headers, x.Body), nil
	case store.TypeChatMessage, store.TypeFileTransfer:
		c, err := s.db.GetChatMessage(m.MessageID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("chat row %s not found", m.MessageID)
		}
		headers := map[string]string{
			remote.HeaderMessageID:      c.MessageID,
			remote.HeaderContributionID: c.ChatID,
			remote.HeaderContact:        c.Contact,
			remote.HeaderDirection:      directionHeader(c.Direction),
		}
		return encodePayload(headers, c.Content), nil
	default:
		return nil, fmt.Errorf("unsupported payload type %q", m.MessageType)
	}
}

func directionHeader(d store.Direction) string {
	if d == store.DirectionOutgoing {
		return remote.DirectionSent
	}
	return remote.DirectionReceived
}

func encodePayload(headers map[string]string, body string) []byte {
	var b strings.Builder
	for name, value := range headers {
		if value == "" {
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
