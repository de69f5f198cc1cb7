package dispatch

import (
	"context"
	"time"

	"wagate/internal/constants"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"

	"github.com/sirupsen/logrus"
)

type StaleMessageStore interface {
	ListStaleMessages(ctx context.Context, cutoff time.Time) ([]models.Message, error)
}

// StaleMonitor fails outbound messages that sat in QUEUED or PROCESSING longer
// than the stale threshold. Jobs lost in a crash end up here.
type StaleMonitor struct {
	store          StaleMessageStore
	processor      *Processor
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Entry
	stopCh         chan struct{}
}

func NewStaleMonitor(store StaleMessageStore, processor *Processor, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *StaleMonitor {
	if checkInterval <= 0 {
		checkInterval = constants.DefaultStaleCheckIntervalSec * time.Second
	}
	if staleThreshold <= 0 {
		staleThreshold = constants.DefaultStaleAfterMinutes * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &StaleMonitor{
		store:          store,
		processor:      processor,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logging.Component(logger, "stale-monitor"),
		stopCh:         make(chan struct{}),
	}
}

func (m *StaleMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting stale message monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *StaleMonitor) Stop() {
	close(m.stopCh)
}

// Check runs one sweep and returns how many messages it failed
func (m *StaleMonitor) Check(ctx context.Context) int {
	cutoff := m.processor.now().Add(-m.staleThreshold)
	stale, err := m.store.ListStaleMessages(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale messages")
		return 0
	}

	for _, msg := range stale {
		m.processor.fail(ctx, models.OutboundMessageJob{
			MessageID: msg.ID,
			SessionID: msg.SessionID,
			TenantID:  msg.TenantID,
			Recipient: msg.Counterpart,
		}, "processing timed out")
	}

	if len(stale) > 0 {
		m.processor.metrics.AddToCounter(metrics.StaleMessages, float64(len(stale)), nil, "Messages failed by the stale monitor")
		m.logger.WithFields(logrus.Fields{
			"stale_count": len(stale),
			"threshold":   m.staleThreshold,
		}).Warn("Failed messages stuck in dispatch")
	}
	return len(stale)
}
