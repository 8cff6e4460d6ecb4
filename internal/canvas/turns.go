package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAdvanceTurn  = "canvas.advance_turn"
	opDueTurns     = "canvas.due_turns"
	opCompleteTurn = "canvas.complete_turn"
)

// AdvanceTurn completes the active turn and activates the next participant
// in round-robin order, as one atomic unit. Both the explicit submit path
// and the expiry worker go through here: the caller must be the active
// participant, and for expiry the worker passes the expired user's own id.
func (s *Service) AdvanceTurn(ctx context.Context, artworkID ArtworkID, callerUserID UserID, reason TurnCompletionReason) (TurnState, error) {
	now := s.clock().UTC()
	var nextTurn TurnState

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		advanced, err := s.advanceTurnLocked(tx, artworkID, callerUserID, reason, now)
		if err != nil {
			return err
		}
		nextTurn = advanced
		return nil
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return TurnState{}, txErr
		}
		s.logError(opAdvanceTurn, "transaction_failed", txErr,
			zap.String("artwork_id", artworkID.String()),
			zap.String("user_id", callerUserID.String()))
		return TurnState{}, newServiceError(opAdvanceTurn, "transaction_failed", txErr)
	}
	return nextTurn, nil
}

func (s *Service) advanceTurnLocked(tx *gorm.DB, artworkID ArtworkID, callerUserID UserID, reason TurnCompletionReason, now time.Time) (TurnState, error) {
	var artwork Artwork
	err := tx.Where("artwork_id = ?", artworkID.String()).Take(&artwork).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TurnState{}, ErrArtworkNotFound
	}
	if err != nil {
		return TurnState{}, err
	}
	if artwork.Mode != string(ModeTurnBased) {
		return TurnState{}, ErrNotTurnBased
	}

	var active TurnState
	err = tx.Where("artwork_id = ? AND completed_at_s IS NULL", artworkID.String()).
		Take(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TurnState{}, ErrNoActiveTurn
	}
	if err != nil {
		return TurnState{}, err
	}
	if active.ActiveParticipantUserID != callerUserID.String() {
		return TurnState{}, fmt.Errorf("%w: active participant is %q", ErrNotActiveParticipant, active.ActiveParticipantUserID)
	}

	var participants []Participant
	if err := tx.Where("artwork_id = ?", artworkID.String()).
		Order("turn_index ASC").
		Find(&participants).Error; err != nil {
		return TurnState{}, err
	}

	currentIndex := -1
	for _, participant := range participants {
		if participant.UserID == active.ActiveParticipantUserID {
			currentIndex = participant.TurnIndex
			break
		}
	}
	if currentIndex < 0 {
		return TurnState{}, fmt.Errorf("active participant %q is not in the participant list", active.ActiveParticipantUserID)
	}

	nextIndex := (currentIndex + 1) % len(participants)
	nextRound := active.RoundNumber
	if nextIndex == 0 {
		nextRound++
	}

	completedAt := now.Unix()
	reasonValue := string(reason)
	result := tx.Model(&TurnState{}).
		Where("turn_id = ? AND completed_at_s IS NULL", active.TurnID).
		Updates(map[string]interface{}{
			"completed_at_s":    completedAt,
			"completion_reason": reasonValue,
		})
	if result.Error != nil {
		return TurnState{}, result.Error
	}
	if result.RowsAffected == 0 {
		return TurnState{}, ErrNoActiveTurn
	}

	turnID, err := s.idProvider.NewID()
	if err != nil {
		return TurnState{}, err
	}
	nextTurn := TurnState{
		TurnID:                  turnID,
		ArtworkID:               artworkID.String(),
		ActiveParticipantUserID: participants[nextIndex].UserID,
		RoundNumber:             nextRound,
		TurnNumber:              active.TurnNumber + 1,
		StartedAtSeconds:        now.Unix(),
		DueAtSeconds:            turnDeadline(artwork, now),
	}
	if err := tx.Create(&nextTurn).Error; err != nil {
		return TurnState{}, err
	}
	return nextTurn, nil
}

// DueTurns lists every still-active turn whose deadline has passed.
func (s *Service) DueTurns(ctx context.Context, now time.Time) ([]TurnState, error) {
	var turns []TurnState
	err := s.db.WithContext(ctx).
		Where("completed_at_s IS NULL AND due_at_s IS NOT NULL AND due_at_s <= ?", now.UTC().Unix()).
		Order("due_at_s ASC").
		Find(&turns).Error
	if err != nil {
		s.logError(opDueTurns, "query_failed", err)
		return nil, newServiceError(opDueTurns, "query_failed", err)
	}
	return turns, nil
}

// TurnCompletion aggregates everything a turn advance produced so callers
// can broadcast it.
type TurnCompletion struct {
	PreviousUserID string
	NextTurn       TurnState
}

// CompleteTurn advances the turn, records the accompanying snapshots, and
// enqueues turn notifications for the outgoing and incoming participants.
// snapshotInterval controls the extra periodic snapshot: when the new turn
// number is a multiple of it, a second snapshot tagged periodic is written.
func (s *Service) CompleteTurn(ctx context.Context, artworkID ArtworkID, callerUserID UserID, reason TurnCompletionReason, snapshotInterval int64) (TurnCompletion, error) {
	nextTurn, err := s.AdvanceTurn(ctx, artworkID, callerUserID, reason)
	if err != nil {
		return TurnCompletion{}, err
	}

	if _, err := s.RecordSnapshot(ctx, artworkID, SnapshotReasonTurnSubmitted); err != nil {
		s.logError(opCompleteTurn, "snapshot_failed", err, zap.String("artwork_id", artworkID.String()))
	} else if snapshotInterval > 0 && nextTurn.TurnNumber%snapshotInterval == 0 {
		if _, err := s.RecordSnapshot(ctx, artworkID, SnapshotReasonPeriodic); err != nil {
			s.logError(opCompleteTurn, "periodic_snapshot_failed", err, zap.String("artwork_id", artworkID.String()))
		}
	}

	previousUserID := callerUserID.String()
	if reason == TurnCompletionExpired {
		if err := s.enqueueTurnNotification(ctx, previousUserID, artworkID, NotificationTurnExpired, nextTurn); err != nil {
			s.logError(opCompleteTurn, "notification_enqueue_failed", err, zap.String("artwork_id", artworkID.String()))
		}
	}
	if err := s.enqueueTurnNotification(ctx, nextTurn.ActiveParticipantUserID, artworkID, NotificationTurnStarted, nextTurn); err != nil {
		s.logError(opCompleteTurn, "notification_enqueue_failed", err, zap.String("artwork_id", artworkID.String()))
	}

	return TurnCompletion{PreviousUserID: previousUserID, NextTurn: nextTurn}, nil
}
