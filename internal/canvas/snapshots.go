package canvas

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRecordSnapshot = "canvas.record_snapshot"
	opLatestSnapshot = "canvas.latest_snapshot"
)

// snapshotState is the serialized form stored in Snapshot.StateJSON. It lets
// a late joiner skip replaying the full log; the log stays authoritative.
type snapshotState struct {
	ArtworkID      string              `json:"artwork_id"`
	Layers         []snapshotLayer     `json:"layers"`
	Operations     []snapshotOperation `json:"operations"`
	AsOfLamportTs  int64               `json:"as_of_lamport_ts"`
	OperationCount int                 `json:"operation_count"`
}

type snapshotLayer struct {
	LayerID   string `json:"layer_id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	IsVisible bool   `json:"is_visible"`
	IsLocked  bool   `json:"is_locked"`
}

type snapshotOperation struct {
	OperationID string          `json:"operation_id"`
	LayerID     string          `json:"layer_id"`
	ActorUserID string          `json:"actor_user_id"`
	LamportTs   int64           `json:"lamport_ts"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RecordSnapshot serializes the artwork's current state from the operation
// log and persists it with the next version number.
func (s *Service) RecordSnapshot(ctx context.Context, artworkID ArtworkID, reason SnapshotReason) (Snapshot, error) {
	now := s.clock().UTC()
	var snapshot Snapshot

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var artwork Artwork
		err := tx.Where("artwork_id = ?", artworkID.String()).Take(&artwork).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrArtworkNotFound
		}
		if err != nil {
			return err
		}

		var layers []Layer
		if err := tx.Where("artwork_id = ?", artworkID.String()).
			Order("sort_order ASC").
			Find(&layers).Error; err != nil {
			return err
		}
		var operations []Operation
		if err := tx.Where("artwork_id = ?", artworkID.String()).
			Order("lamport_ts ASC, log_id ASC").
			Find(&operations).Error; err != nil {
			return err
		}

		state := snapshotState{
			ArtworkID:      artworkID.String(),
			Layers:         make([]snapshotLayer, 0, len(layers)),
			Operations:     make([]snapshotOperation, 0, len(operations)),
			OperationCount: len(operations),
		}
		for _, layer := range layers {
			state.Layers = append(state.Layers, snapshotLayer{
				LayerID:   layer.LayerID,
				Name:      layer.Name,
				SortOrder: layer.SortOrder,
				IsVisible: layer.IsVisible,
				IsLocked:  layer.IsLocked,
			})
		}
		for _, operation := range operations {
			if operation.LamportTs > state.AsOfLamportTs {
				state.AsOfLamportTs = operation.LamportTs
			}
			var payload json.RawMessage
			if operation.PayloadJSON != "" {
				payload = json.RawMessage(operation.PayloadJSON)
			}
			state.Operations = append(state.Operations, snapshotOperation{
				OperationID: operation.OperationID,
				LayerID:     operation.LayerID,
				ActorUserID: operation.ActorUserID,
				LamportTs:   operation.LamportTs,
				Type:        operation.Type,
				Payload:     payload,
			})
		}

		stateJSON, err := json.Marshal(state)
		if err != nil {
			return err
		}

		var latest Snapshot
		nextVersion := int64(1)
		err = tx.Where("artwork_id = ?", artworkID.String()).
			Order("version_number DESC").
			Take(&latest).Error
		if err == nil {
			nextVersion = latest.VersionNumber + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		snapshot = Snapshot{
			ArtworkID:        artworkID.String(),
			VersionNumber:    nextVersion,
			Reason:           string(reason),
			StateJSON:        string(stateJSON),
			CreatedAtSeconds: now.Unix(),
		}
		return tx.Create(&snapshot).Error
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return Snapshot{}, txErr
		}
		s.logError(opRecordSnapshot, "transaction_failed", txErr, zap.String("artwork_id", artworkID.String()))
		return Snapshot{}, newServiceError(opRecordSnapshot, "transaction_failed", txErr)
	}
	return snapshot, nil
}

// LatestSnapshot returns the newest snapshot for an artwork, or nil when
// none has been recorded yet.
func (s *Service) LatestSnapshot(ctx context.Context, artworkID ArtworkID) (*Snapshot, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Where("artwork_id = ?", artworkID.String()).
		Order("version_number DESC").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLatestSnapshot, "query_failed", err, zap.String("artwork_id", artworkID.String()))
		return nil, newServiceError(opLatestSnapshot, "query_failed", err)
	}
	return &snapshot, nil
}
