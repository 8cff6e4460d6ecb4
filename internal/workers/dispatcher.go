package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"go.uber.org/zap"
)

var errMissingDeliverer = errors.New("notification deliverer dependency required")

// Deliverer hands one notification record to the external delivery channel.
type Deliverer interface {
	Deliver(ctx context.Context, record canvas.NotificationRecord) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, record canvas.NotificationRecord) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, record canvas.NotificationRecord) error {
	return f(ctx, record)
}

// NotificationDispatcherConfig wires the dispatcher.
type NotificationDispatcherConfig struct {
	CanvasService *canvas.Service
	Deliverer     Deliverer
	Interval      time.Duration
	BatchSize     int
	Logger        *zap.Logger
}

// NotificationDispatcher delivers pending notification records at least
// once. Records are only marked delivered after the adapter call succeeds,
// so a crash or failure re-delivers on the next tick.
type NotificationDispatcher struct {
	canvasService *canvas.Service
	deliverer     Deliverer
	interval      time.Duration
	batchSize     int
	logger        *zap.Logger
	ticking       atomic.Bool
}

const (
	defaultDispatchInterval = 10 * time.Second
	defaultDispatchBatch    = 50
)

// NewNotificationDispatcher validates dependencies and returns the
// dispatcher.
func NewNotificationDispatcher(cfg NotificationDispatcherConfig) (*NotificationDispatcher, error) {
	if cfg.CanvasService == nil {
		return nil, errMissingCanvasService
	}
	if cfg.Deliverer == nil {
		return nil, errMissingDeliverer
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultDispatchBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationDispatcher{
		canvasService: cfg.CanvasService,
		deliverer:     cfg.Deliverer,
		interval:      interval,
		batchSize:     batchSize,
		logger:        logger,
	}, nil
}

// Run polls until the context is cancelled. Ticks are non-reentrant.
func (d *NotificationDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.ticking.CompareAndSwap(false, true) {
				continue
			}
			d.Tick(ctx)
			d.ticking.Store(false)
		}
	}
}

// Tick delivers one bounded batch of pending records, oldest first. A
// delivery failure leaves the record pending and moves on to the rest of the
// batch.
func (d *NotificationDispatcher) Tick(ctx context.Context) {
	records, err := d.canvasService.PendingNotifications(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("pending notification listing failed", zap.Error(err))
		return
	}

	for _, record := range records {
		if err := d.deliverer.Deliver(ctx, record); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Error(err),
				zap.String("notification_id", record.NotificationID),
				zap.String("user_id", record.UserID))
			continue
		}
		if err := d.canvasService.MarkNotificationDelivered(ctx, record.NotificationID); err != nil {
			d.logger.Error("notification acknowledgement failed",
				zap.Error(err),
				zap.String("notification_id", record.NotificationID))
		}
	}
}
