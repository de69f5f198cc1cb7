package dispatch

import (
	"context"
	"time"

	"wagate/internal/constants"
	"wagate/internal/logging"

	"github.com/sirupsen/logrus"
)

type RetentionStore interface {
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler prunes settled messages older than the retention window
type Scheduler struct {
	store         RetentionStore
	retentionDays int
	interval      time.Duration
	logger        *logrus.Entry
	now           func() time.Time
	stopCh        chan struct{}
}

func NewScheduler(store RetentionStore, retentionDays int, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = constants.RetentionIntervalHours * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logging.Component(logger, "retention"),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then on every interval
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting retention scheduler")

	s.RunCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.RunCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) RunCleanup(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	s.logger.WithField("retention_days", s.retentionDays).Info("Running scheduled cleanup")

	deleted, err := s.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old messages")
		return
	}
	s.logger.WithField("deleted", deleted).Info("Successfully completed cleanup")
}
