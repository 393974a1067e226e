package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/store"
)

// Swept is the payload of sync.retention_swept events.
type Swept struct {
	Days    int
	Cutoff  time.Time
	Deleted int64
}

// Sweeper enforces per-session retention windows.
type Sweeper struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(db *store.DB, b *bus.Bus, logger *zap.Logger) *Sweeper {
	return &Sweeper{db: db, bus: b, logger: logger, now: time.Now}
}

// Sweep deletes every message of the session older than the start of the
// day days ago. A non-positive window keeps everything.
func (s *Sweeper) Sweep(sessionID string, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := CutoffFor(s.now(), days)
	n, err := s.db.DeleteMessagesBefore(sessionID, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("retention sweep",
			zap.String("session", sessionID),
			zap.Int("days", days),
			zap.Int64("deleted", n))
		s.bus.Emit(bus.SyncRetentionSwept, sessionID, Swept{Days: days, Cutoff: cutoff, Deleted: n})
	}
	return n, nil
}

// SweepAll sweeps every session with its configured window.
func (s *Sweeper) SweepAll() (int64, error) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, sess := range sessions {
		n, err := s.Sweep(sess.ID, sess.RetentionDays)
		if err != nil {
			s.logger.Error("retention sweep failed", zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// Run sweeps all sessions every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepAll(); err != nil {
				s.logger.Error("periodic retention sweep failed", zap.Error(err))
			}
		}
	}
}
