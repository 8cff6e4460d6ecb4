package canvas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opCreateArtwork = "canvas.create_artwork"

var (
	// ErrInvalidArtworkRequest indicates a creation request that fails
	// validation before touching storage.
	ErrInvalidArtworkRequest = errors.New("canvas: invalid artwork request")
)

// LayerRequest describes one layer of a new artwork.
type LayerRequest struct {
	Name      string
	SortOrder int
	IsVisible bool
	IsLocked  bool
}

// CreateArtworkRequest describes a new artwork. ParticipantUserIDs order
// defines the round-robin turn order.
type CreateArtworkRequest struct {
	Title               string
	Mode                ArtworkMode
	Width               int
	Height              int
	BasePhotoRef        string
	TurnDurationSeconds *int64
	ParticipantUserIDs  []string
	Layers              []LayerRequest
}

func (r CreateArtworkRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidArtworkRequest)
	}
	if r.Mode != ModeRealTime && r.Mode != ModeTurnBased {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidArtworkRequest, r.Mode)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: non-positive dimensions", ErrInvalidArtworkRequest)
	}
	if len(r.ParticipantUserIDs) == 0 {
		return fmt.Errorf("%w: no participants", ErrInvalidArtworkRequest)
	}
	seen := make(map[string]struct{}, len(r.ParticipantUserIDs))
	for _, rawUserID := range r.ParticipantUserIDs {
		if _, err := NewUserID(rawUserID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArtworkRequest, err)
		}
		if _, duplicate := seen[rawUserID]; duplicate {
			return fmt.Errorf("%w: duplicate participant %q", ErrInvalidArtworkRequest, rawUserID)
		}
		seen[rawUserID] = struct{}{}
	}
	if r.TurnDurationSeconds != nil && *r.TurnDurationSeconds <= 0 {
		return fmt.Errorf("%w: non-positive turn duration", ErrInvalidArtworkRequest)
	}
	return nil
}

// CreateArtwork persists the artwork, its participants, its layers, and (for
// turn-based mode) the first active turn as one atomic unit.
func (s *Service) CreateArtwork(ctx context.Context, request CreateArtworkRequest) (ArtworkDetail, error) {
	if err := request.validate(); err != nil {
		return ArtworkDetail{}, err
	}

	artworkID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateArtwork, "id_generation_failed", err)
		return ArtworkDetail{}, newServiceError(opCreateArtwork, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	detail := ArtworkDetail{}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		artwork := Artwork{
			ArtworkID:           artworkID,
			Title:               strings.TrimSpace(request.Title),
			Mode:                string(request.Mode),
			Width:               request.Width,
			Height:              request.Height,
			BasePhotoRef:        strings.TrimSpace(request.BasePhotoRef),
			TurnDurationSeconds: request.TurnDurationSeconds,
			CreatedAtSeconds:    now.Unix(),
		}
		if err := tx.Create(&artwork).Error; err != nil {
			return err
		}
		detail.Artwork = artwork

		participants := make([]Participant, 0, len(request.ParticipantUserIDs))
		for turnIndex, userID := range request.ParticipantUserIDs {
			participants = append(participants, Participant{
				ArtworkID: artworkID,
				UserID:    strings.TrimSpace(userID),
				TurnIndex: turnIndex,
			})
		}
		if err := tx.Create(&participants).Error; err != nil {
			return err
		}
		detail.Participants = participants

		layerRequests := request.Layers
		if len(layerRequests) == 0 {
			layerRequests = []LayerRequest{{Name: "Layer 1", SortOrder: baseLayerOffset(request), IsVisible: true}}
		}
		if request.BasePhotoRef != "" {
			layerRequests = append([]LayerRequest{{
				Name:      "Base Photo",
				SortOrder: 0,
				IsVisible: true,
				IsLocked:  true,
			}}, layerRequests...)
		}
		layers := make([]Layer, 0, len(layerRequests))
		for _, layerRequest := range layerRequests {
			layerID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			layers = append(layers, Layer{
				LayerID:   layerID,
				ArtworkID: artworkID,
				Name:      layerRequest.Name,
				SortOrder: layerRequest.SortOrder,
				IsVisible: layerRequest.IsVisible,
				IsLocked:  layerRequest.IsLocked,
			})
		}
		if err := tx.Create(&layers).Error; err != nil {
			return err
		}
		detail.Layers = layers

		if request.Mode == ModeTurnBased {
			firstTurn, turnErr := s.insertFirstTurn(tx, artwork, participants[0].UserID, now)
			if turnErr != nil {
				return turnErr
			}
			detail.ActiveTurn = &firstTurn
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrInvalidArtworkRequest) {
			return ArtworkDetail{}, txErr
		}
		s.logError(opCreateArtwork, "transaction_failed", txErr, zap.String("artwork_id", artworkID))
		return ArtworkDetail{}, newServiceError(opCreateArtwork, "transaction_failed", txErr)
	}
	return detail, nil
}

func (s *Service) insertFirstTurn(tx *gorm.DB, artwork Artwork, firstUserID string, now time.Time) (TurnState, error) {
	turnID, err := s.idProvider.NewID()
	if err != nil {
		return TurnState{}, err
	}
	turn := TurnState{
		TurnID:                  turnID,
		ArtworkID:               artwork.ArtworkID,
		ActiveParticipantUserID: firstUserID,
		RoundNumber:             1,
		TurnNumber:              1,
		StartedAtSeconds:        now.Unix(),
		DueAtSeconds:            turnDeadline(artwork, now),
	}
	if err := tx.Create(&turn).Error; err != nil {
		return TurnState{}, err
	}
	return turn, nil
}

func turnDeadline(artwork Artwork, now time.Time) *int64 {
	if artwork.TurnDurationSeconds == nil {
		return nil
	}
	dueAt := now.Unix() + *artwork.TurnDurationSeconds
	return &dueAt
}

func baseLayerOffset(request CreateArtworkRequest) int {
	if request.BasePhotoRef != "" {
		return 1
	}
	return 0
}
