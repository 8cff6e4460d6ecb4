package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Domain errors surfaced to the hub and mapped onto wire error codes there.
var (
	// ErrArtworkNotFound reports a missing artwork or a requesting user who
	// is not a participant; the two cases are indistinguishable on purpose.
	ErrArtworkNotFound = errors.New("canvas: artwork not found")
	// ErrTurnLocked reports an edit attempt by a non-active participant of
	// a turn-based artwork.
	ErrTurnLocked = errors.New("canvas: turn held by another participant")
	// ErrInvalidLayer reports an operation referencing a layer that does
	// not belong to the artwork or cannot receive it.
	ErrInvalidLayer = errors.New("canvas: invalid layer reference")
	// ErrInvalidActor reports an operation whose actor field does not
	// match the authenticated user.
	ErrInvalidActor = errors.New("canvas: operation actor mismatch")
	// ErrNotTurnBased reports a turn operation on a real-time artwork.
	ErrNotTurnBased = errors.New("canvas: artwork is not turn based")
	// ErrNoActiveTurn reports a turn advance with no active turn row.
	ErrNoActiveTurn = errors.New("canvas: no active turn")
	// ErrNotActiveParticipant reports a turn submit by a caller who does
	// not hold the active turn.
	ErrNotActiveParticipant = errors.New("canvas: caller does not hold the active turn")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const opServiceNew = "canvas.service.new"

// IDProvider generates identifiers for persisted records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the collaboration service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns all persistent collaboration state: artworks, the operation
// log, turn history, snapshots, and the notification queue.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ArtworkDetail aggregates the authoritative view of one artwork for a
// requesting participant.
type ArtworkDetail struct {
	Artwork      Artwork
	Participants []Participant
	Layers       []Layer
	ActiveTurn   *TurnState
}

const opArtworkForUser = "canvas.artwork_for_user"

// ArtworkForUser loads an artwork with its participants, layers, and active
// turn, keyed by (artworkID, requestingUserID). A missing artwork and a
// non-participant requester both yield ErrArtworkNotFound.
func (s *Service) ArtworkForUser(ctx context.Context, artworkID ArtworkID, userID UserID) (ArtworkDetail, error) {
	var detail ArtworkDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, loadErr := s.loadArtworkForUser(tx, artworkID, userID)
		if loadErr != nil {
			return loadErr
		}
		detail = loaded
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrArtworkNotFound) {
			return ArtworkDetail{}, err
		}
		s.logError(opArtworkForUser, "query_failed", err,
			zap.String("artwork_id", artworkID.String()),
			zap.String("user_id", userID.String()))
		return ArtworkDetail{}, newServiceError(opArtworkForUser, "query_failed", err)
	}
	return detail, nil
}

// loadArtworkForUser is the transactional body shared by ArtworkForUser and
// the operation append path.
func (s *Service) loadArtworkForUser(tx *gorm.DB, artworkID ArtworkID, userID UserID) (ArtworkDetail, error) {
	var membership Participant
	err := tx.Where("artwork_id = ? AND user_id = ?", artworkID.String(), userID.String()).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArtworkDetail{}, ErrArtworkNotFound
	}
	if err != nil {
		return ArtworkDetail{}, err
	}

	var artwork Artwork
	err = tx.Where("artwork_id = ?", artworkID.String()).Take(&artwork).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArtworkDetail{}, ErrArtworkNotFound
	}
	if err != nil {
		return ArtworkDetail{}, err
	}

	var participants []Participant
	if err := tx.Where("artwork_id = ?", artworkID.String()).
		Order("turn_index ASC").
		Find(&participants).Error; err != nil {
		return ArtworkDetail{}, err
	}

	var layers []Layer
	if err := tx.Where("artwork_id = ?", artworkID.String()).
		Order("sort_order ASC").
		Find(&layers).Error; err != nil {
		return ArtworkDetail{}, err
	}

	detail := ArtworkDetail{Artwork: artwork, Participants: participants, Layers: layers}

	if artwork.Mode == string(ModeTurnBased) {
		var active TurnState
		err := tx.Where("artwork_id = ? AND completed_at_s IS NULL", artworkID.String()).
			Take(&active).Error
		if err == nil {
			detail.ActiveTurn = &active
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return ArtworkDetail{}, err
		}
	}
	return detail, nil
}

const opListArtworks = "canvas.list_artworks"

// ListArtworks returns every artwork the user participates in, newest first.
func (s *Service) ListArtworks(ctx context.Context, userID UserID) ([]Artwork, error) {
	var artworks []Artwork
	err := s.db.WithContext(ctx).
		Joins("JOIN participants ON participants.artwork_id = artworks.artwork_id").
		Where("participants.user_id = ?", userID.String()).
		Order("artworks.created_at_s DESC").
		Find(&artworks).Error
	if err != nil {
		s.logError(opListArtworks, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListArtworks, "query_failed", err)
	}
	return artworks, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("canvas service error", attrs...)
}
