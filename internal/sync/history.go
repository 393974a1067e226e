package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/store"
)

const (
	progressEvery    = 50
	requestBatchSize = 50
)

// DefaultGuard is how long a sync waits for a backlog before giving up.
const DefaultGuard = 30 * time.Second

// HistoryRequester asks the provider for older messages of one chat.
// A nil anchor lets the provider choose.
type HistoryRequester interface {
	RequestHistory(ctx context.Context, oldest *store.Message, count int) error
}

// HistoryResult summarizes one applied backlog batch.
type HistoryResult struct {
	Stored  int
	Skipped int
	Dupes   int
}

// Progress is the payload of sync.history_progress and sync.history_done events.
type Progress struct {
	Processed int
	Total     int
	Text      string
}

type tracker struct {
	signal chan struct{}
	done   bool
}

// History replays provider backlogs into the store within the retention window.
type History struct {
	db       *store.DB
	bus      *bus.Bus
	dispatch Dispatcher
	logger   *zap.Logger
	guard    time.Duration
	now      func() time.Time

	mu       gosync.Mutex
	windows  map[string]int
	trackers map[string]*tracker
}

// NewHistory creates a history synchronizer. guard <= 0 uses DefaultGuard.
// dispatch receives the media downloads of replayed messages and may be nil.
func NewHistory(db *store.DB, b *bus.Bus, dispatch Dispatcher, logger *zap.Logger, guard time.Duration) *History {
	if guard <= 0 {
		guard = DefaultGuard
	}
	return &History{
		db:       db,
		bus:      b,
		dispatch: dispatch,
		logger:   logger,
		guard:    guard,
		now:      time.Now,
		windows:  make(map[string]int),
		trackers: make(map[string]*tracker),
	}
}

// Begin arms a fresh backlog tracker for Await and releases the Await of
// the previous one. The session's syncing flag belongs to the caller.
func (h *History) Begin(sessionID string) {
	h.mu.Lock()
	prev := h.trackers[sessionID]
	if prev != nil {
		prev.done = true
	}
	h.trackers[sessionID] = &tracker{signal: make(chan struct{}, 1)}
	h.mu.Unlock()
	if prev != nil {
		select {
		case prev.signal <- struct{}{}:
		default:
		}
	}
}

// Cancel drops a pending on-demand window and releases any Await.
func (h *History) Cancel(sessionID string) {
	h.mu.Lock()
	delete(h.windows, sessionID)
	t, ok := h.trackers[sessionID]
	if ok {
		t.done = true
	}
	h.mu.Unlock()
	if ok {
		select {
		case t.signal <- struct{}{}:
		default:
		}
	}
}

// Requested reports whether an on-demand sync is waiting for its backlog.
func (h *History) Requested(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.windows[sessionID]
	return ok
}

func (h *History) trackerFor(sessionID string) *tracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.trackers[sessionID]
	if !ok {
		t = &tracker{signal: make(chan struct{}, 1)}
		h.trackers[sessionID] = t
	}
	return t
}

// Apply stores the part of a backlog batch that falls inside the window.
// days is the session's retention; an on-demand Request overrides it until
// the final batch. A cancelled ctx means the connection epoch is gone and
// nothing is written.
func (h *History) Apply(ctx context.Context, sessionID string, days int, batch []*store.Message, final bool) (HistoryResult, error) {
	var res HistoryResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	h.mu.Lock()
	if override, ok := h.windows[sessionID]; ok {
		days = override
	}
	h.mu.Unlock()

	kept := make([]*store.Message, 0, len(batch))
	if days > 0 {
		cutoff := CutoffFor(h.now(), days).UnixMilli()
		for _, m := range batch {
			if m.Timestamp > 0 && m.Timestamp < cutoff {
				res.Skipped++
				continue
			}
			kept = append(kept, m)
		}
	} else {
		kept = append(kept, batch...)
	}

	for start := 0; start < len(kept); start += progressEvery {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+progressEvery, len(kept))
		n, err := h.db.UpsertMessages(kept[start:end])
		if err != nil {
			return res, fmt.Errorf("store history chunk: %w", err)
		}
		res.Stored += n
		res.Dupes += end - start - n
		h.enqueueMedia(kept[start:end])

		p := Progress{Processed: end, Total: len(kept), Text: fmt.Sprintf("syncing history: %d/%d", end, len(kept))}
		if err := h.db.SetSyncProgress(sessionID, p.Text); err != nil {
			return res, err
		}
		h.bus.Emit(bus.SyncHistoryProgress, sessionID, p)
	}

	t := h.trackerFor(sessionID)
	if final {
		if err := h.finish(sessionID, t, fmt.Sprintf("history synced: %d stored, %d skipped", res.Stored, res.Skipped)); err != nil {
			return res, err
		}
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}

	h.logger.Info("history batch applied",
		zap.String("session", sessionID),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", res.Dupes),
		zap.Bool("final", final))
	return res, nil
}

// enqueueMedia hands stored attachments to the media worker. Job ids are
// per message, so replaying a duplicate does not download it twice.
func (h *History) enqueueMedia(msgs []*store.Message) {
	if h.dispatch == nil {
		return
	}
	for _, m := range msgs {
		if m.Media.IsNone() || len(m.MediaRef) == 0 {
			continue
		}
		if err := h.dispatch.MediaDownload(m.SessionID, m.ProviderMessageID); err != nil {
			h.logger.Error("failed to enqueue media download", zap.Error(err), zap.String("msg_id", m.ProviderMessageID))
		}
	}
}

func (h *History) finish(sessionID string, t *tracker, text string) error {
	h.mu.Lock()
	t.done = true
	delete(h.windows, sessionID)
	h.mu.Unlock()

	if err := h.db.FinishHistorySync(sessionID, h.now(), text); err != nil {
		return err
	}
	h.bus.Emit(bus.SyncHistoryDone, sessionID, Progress{Text: text})
	return nil
}

// Await blocks until the backlog completes, ctx ends, or the guard elapses
// without a batch. Every batch re-arms the guard. On expiry the sync is
// recorded as complete: a provider with nothing to replay sends nothing.
func (h *History) Await(ctx context.Context, sessionID string) {
	t := h.trackerFor(sessionID)
	h.mu.Lock()
	done := t.done
	h.mu.Unlock()
	if done {
		return
	}
	timer := time.NewTimer(h.guard)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// The epoch is gone; its on-demand window goes with it.
			h.mu.Lock()
			if h.trackers[sessionID] == t {
				delete(h.windows, sessionID)
			}
			h.mu.Unlock()
			return
		case <-t.signal:
			h.mu.Lock()
			done := t.done
			h.mu.Unlock()
			if done {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.guard)
		case <-timer.C:
			h.mu.Lock()
			done := t.done
			h.mu.Unlock()
			if done || ctx.Err() != nil {
				return
			}
			h.logger.Warn("no history received before guard, marking sync complete",
				zap.String("session", sessionID), zap.Duration("guard", h.guard))
			if err := h.finish(sessionID, t, "history sync finished without backlog"); err != nil {
				h.logger.Error("failed to finish history sync", zap.String("session", sessionID), zap.Error(err))
			}
			return
		}
	}
}

// Request starts an on-demand sync of the last days days: the window
// applies to the batches it triggers, and the provider is asked for older
// messages of every known chat. On error nothing stays pending.
func (h *History) Request(ctx context.Context, sessionID string, days int, r HistoryRequester) error {
	h.mu.Lock()
	h.windows[sessionID] = days
	h.mu.Unlock()
	h.Begin(sessionID)

	if err := h.request(ctx, sessionID, r); err != nil {
		h.Cancel(sessionID)
		return err
	}
	return nil
}

func (h *History) request(ctx context.Context, sessionID string, r HistoryRequester) error {
	anchors, err := h.db.OldestPerChat(sessionID)
	if err != nil {
		return fmt.Errorf("load history anchors: %w", err)
	}
	if len(anchors) == 0 {
		return r.RequestHistory(ctx, nil, requestBatchSize)
	}
	var errs []error
	for i := range anchors {
		if err := r.RequestHistory(ctx, &anchors[i], requestBatchSize); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", anchors[i].ChatID, err))
		}
	}
	return errors.Join(errs...)
}
