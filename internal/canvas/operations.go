package canvas

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppendOperations = "canvas.append_operations"
	opOperationsSince  = "canvas.operations_since"
)

// OperationInput is one client-submitted operation awaiting persistence.
// Sequence and LamportTs are client-supplied and preserved verbatim; the
// creation time is server-observed.
type OperationInput struct {
	LayerID     string
	ActorUserID string
	ClientID    string
	ClientSeq   int64
	LamportTs   int64
	Type        OperationType
	PayloadJSON string
}

// AppendOperations validates and persists an operation batch atomically. The
// whole batch is rejected when any operation fails validation: a turn held by
// another participant (ErrTurnLocked), a layer outside the artwork or a
// locked layer receiving strokes (ErrInvalidLayer), or an actor field not
// matching the authenticated user (ErrInvalidActor).
func (s *Service) AppendOperations(ctx context.Context, artworkID ArtworkID, actorUserID UserID, inputs []OperationInput) ([]Operation, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	now := s.clock().UTC()
	persisted := make([]Operation, 0, len(inputs))

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		detail, err := s.loadArtworkForUser(tx, artworkID, actorUserID)
		if err != nil {
			return err
		}

		if detail.Artwork.Mode == string(ModeTurnBased) && detail.ActiveTurn != nil {
			if detail.ActiveTurn.ActiveParticipantUserID != actorUserID.String() {
				return ErrTurnLocked
			}
		}

		layersByID := make(map[string]Layer, len(detail.Layers))
		for _, layer := range detail.Layers {
			layersByID[layer.LayerID] = layer
		}

		for _, input := range inputs {
			if input.ActorUserID != actorUserID.String() {
				return fmt.Errorf("%w: %q", ErrInvalidActor, input.ActorUserID)
			}
			layer, exists := layersByID[input.LayerID]
			if !exists {
				return fmt.Errorf("%w: %q", ErrInvalidLayer, input.LayerID)
			}
			if layer.IsLocked && isStrokeOperation(input.Type) {
				return fmt.Errorf("%w: layer %q is locked", ErrInvalidLayer, input.LayerID)
			}

			operationID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			record := Operation{
				OperationID:      operationID,
				ArtworkID:        artworkID.String(),
				LayerID:          input.LayerID,
				ActorUserID:      input.ActorUserID,
				ClientID:         input.ClientID,
				ClientSeq:        input.ClientSeq,
				LamportTs:        input.LamportTs,
				Type:             string(input.Type),
				PayloadJSON:      input.PayloadJSON,
				CreatedAtSeconds: now.Unix(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			persisted = append(persisted, record)
		}
		return nil
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return nil, txErr
		}
		s.logError(opAppendOperations, "transaction_failed", txErr,
			zap.String("artwork_id", artworkID.String()),
			zap.String("user_id", actorUserID.String()))
		return nil, newServiceError(opAppendOperations, "transaction_failed", txErr)
	}
	return persisted, nil
}

// OperationsSince returns every operation with lamportTs strictly greater
// than cursor, ordered by (lamportTs, persistence order). A cursor of 0 means
// from the beginning.
func (s *Service) OperationsSince(ctx context.Context, artworkID ArtworkID, cursor int64) ([]Operation, error) {
	var operations []Operation
	err := s.db.WithContext(ctx).
		Where("artwork_id = ? AND lamport_ts > ?", artworkID.String(), cursor).
		Order("lamport_ts ASC, log_id ASC").
		Find(&operations).Error
	if err != nil {
		s.logError(opOperationsSince, "query_failed", err, zap.String("artwork_id", artworkID.String()))
		return nil, newServiceError(opOperationsSince, "query_failed", err)
	}
	return operations, nil
}

func isStrokeOperation(operationType OperationType) bool {
	return operationType == OperationStrokeAdd || operationType == OperationStrokeErase
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrArtworkNotFound) ||
		errors.Is(err, ErrTurnLocked) ||
		errors.Is(err, ErrInvalidLayer) ||
		errors.Is(err, ErrInvalidActor) ||
		errors.Is(err, ErrNotTurnBased) ||
		errors.Is(err, ErrNoActiveTurn) ||
		errors.Is(err, ErrNotActiveParticipant)
}
