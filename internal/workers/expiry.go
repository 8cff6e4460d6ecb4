package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"go.uber.org/zap"
)

var (
	errMissingCanvasService = errors.New("canvas service dependency required")
	errMissingBroadcaster   = errors.New("turn broadcaster dependency required")
)

// TurnBroadcaster pushes a turn advance to every live room member. The
// collaboration hub implements it.
type TurnBroadcaster interface {
	BroadcastTurnAdvanced(artworkID string, turn canvas.TurnState)
}

// TurnExpiryWorkerConfig wires the expiry worker.
type TurnExpiryWorkerConfig struct {
	CanvasService    *canvas.Service
	Broadcaster      TurnBroadcaster
	Interval         time.Duration
	SnapshotInterval int64
	Clock            func() time.Time
	Logger           *zap.Logger
}

// TurnExpiryWorker force-advances turns past their deadline. Ticks are
// non-reentrant: a tick that is still running makes the next one skip, never
// queue.
type TurnExpiryWorker struct {
	canvasService    *canvas.Service
	broadcaster      TurnBroadcaster
	interval         time.Duration
	snapshotInterval int64
	clock            func() time.Time
	logger           *zap.Logger
	ticking          atomic.Bool
}

const defaultExpiryInterval = 15 * time.Second

// NewTurnExpiryWorker validates dependencies and returns the worker.
func NewTurnExpiryWorker(cfg TurnExpiryWorkerConfig) (*TurnExpiryWorker, error) {
	if cfg.CanvasService == nil {
		return nil, errMissingCanvasService
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultExpiryInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnExpiryWorker{
		canvasService:    cfg.CanvasService,
		broadcaster:      cfg.Broadcaster,
		interval:         interval,
		snapshotInterval: cfg.SnapshotInterval,
		clock:            clock,
		logger:           logger,
	}, nil
}

// Run polls until the context is cancelled.
func (w *TurnExpiryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.ticking.CompareAndSwap(false, true) {
				continue
			}
			w.Tick(ctx)
			w.ticking.Store(false)
		}
	}
}

// Tick advances every due turn. A failure on one artwork is logged and does
// not stop the remaining due turns from being processed.
func (w *TurnExpiryWorker) Tick(ctx context.Context) {
	dueTurns, err := w.canvasService.DueTurns(ctx, w.clock().UTC())
	if err != nil {
		w.logger.Error("due turn listing failed", zap.Error(err))
		return
	}

	for _, dueTurn := range dueTurns {
		w.expireTurn(ctx, dueTurn)
	}
}

// expireTurn advances one due turn through the same routine the explicit
// submit path uses, acting on behalf of the expired participant.
func (w *TurnExpiryWorker) expireTurn(ctx context.Context, dueTurn canvas.TurnState) {
	artworkID, err := canvas.NewArtworkID(dueTurn.ArtworkID)
	if err != nil {
		w.logger.Error("due turn has invalid artwork id", zap.Error(err), zap.String("turn_id", dueTurn.TurnID))
		return
	}
	expiredUserID, err := canvas.NewUserID(dueTurn.ActiveParticipantUserID)
	if err != nil {
		w.logger.Error("due turn has invalid participant id", zap.Error(err), zap.String("turn_id", dueTurn.TurnID))
		return
	}

	completion, err := w.canvasService.CompleteTurn(ctx, artworkID, expiredUserID, canvas.TurnCompletionExpired, w.snapshotInterval)
	if err != nil {
		w.logger.Error("turn expiry advance failed",
			zap.Error(err),
			zap.String("artwork_id", dueTurn.ArtworkID),
			zap.String("turn_id", dueTurn.TurnID))
		return
	}

	w.broadcaster.BroadcastTurnAdvanced(dueTurn.ArtworkID, completion.NextTurn)
	w.logger.Info("turn expired",
		zap.String("artwork_id", dueTurn.ArtworkID),
		zap.String("expired_user_id", completion.PreviousUserID),
		zap.String("next_user_id", completion.NextTurn.ActiveParticipantUserID),
		zap.Int64("turn_number", completion.NextTurn.TurnNumber))
}
