package canvas

import (
	"errors"
	"fmt"
	"strings"
)

// ArtworkMode selects how edits from multiple participants are accepted.
type ArtworkMode string

const (
	// ModeRealTime accepts edits from every participant simultaneously.
	ModeRealTime ArtworkMode = "real_time"
	// ModeTurnBased accepts edits only from the active turn holder.
	ModeTurnBased ArtworkMode = "turn_based"
)

// OperationType enumerates supported drawing operations.
type OperationType string

const (
	// OperationStrokeAdd appends a stroke to a layer.
	OperationStrokeAdd OperationType = "stroke.add"
	// OperationStrokeErase erases within a layer.
	OperationStrokeErase OperationType = "stroke.erase"
	// OperationLayerToggleVisibility flips layer visibility.
	OperationLayerToggleVisibility OperationType = "layer.toggle_visibility"
	// OperationLayerReorder changes layer sort order.
	OperationLayerReorder OperationType = "layer.reorder"
)

// TurnCompletionReason records why an active turn ended.
type TurnCompletionReason string

const (
	// TurnCompletionSubmitted marks an explicit submit by the turn holder.
	TurnCompletionSubmitted TurnCompletionReason = "submitted"
	// TurnCompletionExpired marks a deadline-driven forced advance.
	TurnCompletionExpired TurnCompletionReason = "expired"
)

// SnapshotReason records what triggered a snapshot.
type SnapshotReason string

const (
	// SnapshotReasonTurnSubmitted follows a turn advance.
	SnapshotReasonTurnSubmitted SnapshotReason = "turn_submitted"
	// SnapshotReasonPeriodic follows the configured turn interval.
	SnapshotReasonPeriodic SnapshotReason = "periodic"
	// SnapshotReasonManual is operator-requested.
	SnapshotReasonManual SnapshotReason = "manual"
)

// Notification types emitted by the collaboration core.
const (
	// NotificationTurnStarted tells a participant their turn began.
	NotificationTurnStarted = "turn_started"
	// NotificationTurnExpired tells a participant their turn timed out.
	NotificationTurnExpired = "turn_expired"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidArtworkID indicates an empty or oversized artwork identifier.
	ErrInvalidArtworkID = errors.New("canvas: invalid artwork id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("canvas: invalid user id")
	// ErrInvalidOperationType indicates an unrecognized operation type.
	ErrInvalidOperationType = errors.New("canvas: invalid operation type")
)

// ArtworkID represents a validated artwork identifier.
type ArtworkID string

// NewArtworkID validates raw input and returns an ArtworkID.
func NewArtworkID(rawInput string) (ArtworkID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidArtworkID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidArtworkID, maxIdentifierLength)
	}
	return ArtworkID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ArtworkID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseOperationType validates a raw operation type tag.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.TrimSpace(rawInput)) {
	case OperationStrokeAdd:
		return OperationStrokeAdd, nil
	case OperationStrokeErase:
		return OperationStrokeErase, nil
	case OperationLayerToggleVisibility:
		return OperationLayerToggleVisibility, nil
	case OperationLayerReorder:
		return OperationLayerReorder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// Artwork models the shared drawing. Immutable after creation except for the
// title and layer set.
type Artwork struct {
	ArtworkID           string `gorm:"column:artwork_id;primaryKey;size:190;not null"`
	Title               string `gorm:"column:title;size:190;not null"`
	Mode                string `gorm:"column:mode;size:32;not null"`
	Width               int    `gorm:"column:width;not null"`
	Height              int    `gorm:"column:height;not null"`
	BasePhotoRef        string `gorm:"column:base_photo_ref;size:190;not null;default:''"`
	TurnDurationSeconds *int64 `gorm:"column:turn_duration_s"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Artwork) TableName() string {
	return "artworks"
}

// Participant binds a user to an artwork at a fixed round-robin position.
type Participant struct {
	ArtworkID string `gorm:"column:artwork_id;primaryKey;size:190;not null;uniqueIndex:idx_participants_artwork_turn,priority:1"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	TurnIndex int    `gorm:"column:turn_index;not null;uniqueIndex:idx_participants_artwork_turn,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// Layer models one drawable layer of an artwork. A locked base-photo layer
// always sits at sort order 0 and never receives stroke operations.
type Layer struct {
	LayerID   string `gorm:"column:layer_id;primaryKey;size:190;not null"`
	ArtworkID string `gorm:"column:artwork_id;size:190;not null;index:idx_layers_artwork"`
	Name      string `gorm:"column:name;size:190;not null"`
	SortOrder int    `gorm:"column:sort_order;not null"`
	IsVisible bool   `gorm:"column:is_visible;not null;default:true"`
	IsLocked  bool   `gorm:"column:is_locked;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Layer) TableName() string {
	return "layers"
}

// Operation is one immutable entry of the append-only drawing log. LogID is
// the persistence order; LamportTs is the client-reported replay cursor.
type Operation struct {
	LogID            int64  `gorm:"column:log_id;primaryKey;autoIncrement"`
	OperationID      string `gorm:"column:operation_id;size:190;not null;uniqueIndex:idx_operations_operation_id"`
	ArtworkID        string `gorm:"column:artwork_id;size:190;not null;index:idx_operations_artwork_lamport,priority:1"`
	LayerID          string `gorm:"column:layer_id;size:190;not null"`
	ActorUserID      string `gorm:"column:actor_user_id;size:190;not null"`
	ClientID         string `gorm:"column:client_id;size:190;not null"`
	ClientSeq        int64  `gorm:"column:client_seq;not null"`
	LamportTs        int64  `gorm:"column:lamport_ts;not null;index:idx_operations_artwork_lamport,priority:2"`
	Type             string `gorm:"column:op_type;size:64;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "operations"
}

// TurnState is one row of the turn history. Exactly one row per turn-based
// artwork has a null CompletedAtSeconds at any time.
type TurnState struct {
	TurnID                  string  `gorm:"column:turn_id;primaryKey;size:190;not null"`
	ArtworkID               string  `gorm:"column:artwork_id;size:190;not null;index:idx_turns_artwork"`
	ActiveParticipantUserID string  `gorm:"column:active_participant_user_id;size:190;not null"`
	RoundNumber             int64   `gorm:"column:round_number;not null"`
	TurnNumber              int64   `gorm:"column:turn_number;not null"`
	StartedAtSeconds        int64   `gorm:"column:started_at_s;not null"`
	DueAtSeconds            *int64  `gorm:"column:due_at_s;index:idx_turns_due"`
	CompletedAtSeconds      *int64  `gorm:"column:completed_at_s"`
	CompletionReason        *string `gorm:"column:completion_reason;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (TurnState) TableName() string {
	return "turn_states"
}

// Snapshot is a cached serialized state at a point in the operation log.
// The operation log remains the source of truth.
type Snapshot struct {
	ArtworkID        string `gorm:"column:artwork_id;primaryKey;size:190;not null"`
	VersionNumber    int64  `gorm:"column:version_number;primaryKey;not null"`
	Reason           string `gorm:"column:reason;size:32;not null"`
	StateJSON        string `gorm:"column:state_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// NotificationRecord is a queued notification awaiting at-least-once
// delivery by the dispatcher.
type NotificationRecord struct {
	NotificationID     string  `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID             string  `gorm:"column:user_id;size:190;not null"`
	ArtworkID          *string `gorm:"column:artwork_id;size:190"`
	Type               string  `gorm:"column:notification_type;size:64;not null"`
	PayloadJSON        string  `gorm:"column:payload_json;type:text;not null;default:''"`
	Channel            string  `gorm:"column:channel;size:64;not null"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null;index:idx_notifications_pending,priority:2"`
	DeliveredAtSeconds *int64  `gorm:"column:delivered_at_s;index:idx_notifications_pending,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (NotificationRecord) TableName() string {
	return "notification_records"
}
