package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-server message type tags.
const (
	clientTypeHello           = "hello"
	clientTypeJoinArtwork     = "join_artwork"
	clientTypeLeaveArtwork    = "leave_artwork"
	clientTypeApplyOperations = "apply_operations"
	clientTypeRequestSync     = "request_sync"
)

// Server-to-client message type tags.
const (
	serverTypeHello        = "hello"
	serverTypeHelloAck     = "hello_ack"
	serverTypePresence     = "presence"
	serverTypeOperations   = "operations"
	serverTypeSnapshot     = "snapshot"
	serverTypeTurnAdvanced = "turn_advanced"
	serverTypeError        = "error"
)

var (
	// ErrMalformedMessage reports a payload that is not a valid message
	// envelope.
	ErrMalformedMessage = errors.New("wire: malformed message")
	// ErrUnknownMessageType reports an envelope with an unrecognized tag.
	ErrUnknownMessageType = errors.New("wire: unknown message type")
)

// OperationEnvelope is the wire shape of a single drawing operation, in both
// directions. The payload blob is opaque to the collaboration core.
type OperationEnvelope struct {
	OperationID string          `json:"operation_id,omitempty"`
	LayerID     string          `json:"layer_id"`
	ActorUserID string          `json:"actor_user_id"`
	ClientID    string          `json:"client_id"`
	ClientSeq   int64           `json:"client_seq"`
	LamportTs   int64           `json:"lamport_ts"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage is the closed union of messages a client may send.
type ClientMessage interface {
	isClientMessage()
}

// Hello authenticates the connection; it must be the first message.
type Hello struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// JoinArtwork subscribes the connection to an artwork room and requests a
// sync from SinceCursor.
type JoinArtwork struct {
	ArtworkID   string `json:"artwork_id"`
	SinceCursor int64  `json:"since_cursor"`
}

// LeaveArtwork unsubscribes the connection from an artwork room.
type LeaveArtwork struct {
	ArtworkID string `json:"artwork_id"`
}

// ApplyOperations submits a batch of drawing operations.
type ApplyOperations struct {
	ArtworkID  string              `json:"artwork_id"`
	Operations []OperationEnvelope `json:"operations"`
}

// RequestSync re-runs the sync procedure without changing room membership.
type RequestSync struct {
	ArtworkID string `json:"artwork_id"`
}

func (Hello) isClientMessage()           {}
func (JoinArtwork) isClientMessage()     {}
func (LeaveArtwork) isClientMessage()    {}
func (ApplyOperations) isClientMessage() {}
func (RequestSync) isClientMessage()     {}

type clientEnvelope struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound text payload into its concrete
// message type.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var envelope clientEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch envelope.Type {
	case clientTypeHello:
		var message Hello
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return message, nil
	case clientTypeJoinArtwork:
		var message JoinArtwork
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return message, nil
	case clientTypeLeaveArtwork:
		var message LeaveArtwork
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return message, nil
	case clientTypeApplyOperations:
		var message ApplyOperations
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return message, nil
	case clientTypeRequestSync:
		var message RequestSync
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
}

// ServerHello greets a newly opened connection and prompts authentication.
type ServerHello struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

// HelloAck confirms authentication.
type HelloAck struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	ServerTime int64  `json:"server_time"`
}

// Presence lists the users currently joined to a room.
type Presence struct {
	Type          string   `json:"type"`
	ArtworkID     string   `json:"artwork_id"`
	OnlineUserIDs []string `json:"online_user_ids"`
}

// Operations carries a persisted operation batch to room members.
type Operations struct {
	Type       string              `json:"type"`
	ArtworkID  string              `json:"artwork_id"`
	Operations []OperationEnvelope `json:"operations"`
}

// SnapshotMessage carries a point-in-time state snapshot during sync.
type SnapshotMessage struct {
	Type          string          `json:"type"`
	ArtworkID     string          `json:"artwork_id"`
	VersionNumber int64           `json:"version_number"`
	State         json.RawMessage `json:"state"`
}

// TurnAdvanced announces the new active turn of a turn-based artwork.
type TurnAdvanced struct {
	Type                    string `json:"type"`
	ArtworkID               string `json:"artwork_id"`
	ActiveParticipantUserID string `json:"active_participant_user_id"`
	TurnNumber              int64  `json:"turn_number"`
	DueAt                   *int64 `json:"due_at"`
}

// ErrorMessage reports a protocol, authorization, or consistency failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServerHello builds the connection greeting.
func NewServerHello(serverTime int64) ServerHello {
	return ServerHello{Type: serverTypeHello, ServerTime: serverTime}
}

// NewHelloAck builds the authentication acknowledgement.
func NewHelloAck(userID string, serverTime int64) HelloAck {
	return HelloAck{Type: serverTypeHelloAck, UserID: userID, ServerTime: serverTime}
}

// NewPresence builds a room presence announcement.
func NewPresence(artworkID string, onlineUserIDs []string) Presence {
	return Presence{Type: serverTypePresence, ArtworkID: artworkID, OnlineUserIDs: onlineUserIDs}
}

// NewOperations builds an operation broadcast.
func NewOperations(artworkID string, operations []OperationEnvelope) Operations {
	return Operations{Type: serverTypeOperations, ArtworkID: artworkID, Operations: operations}
}

// NewSnapshotMessage builds a snapshot sync message.
func NewSnapshotMessage(artworkID string, versionNumber int64, state json.RawMessage) SnapshotMessage {
	return SnapshotMessage{Type: serverTypeSnapshot, ArtworkID: artworkID, VersionNumber: versionNumber, State: state}
}

// NewTurnAdvanced builds a turn-advance announcement.
func NewTurnAdvanced(artworkID, activeParticipantUserID string, turnNumber int64, dueAt *int64) TurnAdvanced {
	return TurnAdvanced{
		Type:                    serverTypeTurnAdvanced,
		ArtworkID:               artworkID,
		ActiveParticipantUserID: activeParticipantUserID,
		TurnNumber:              turnNumber,
		DueAt:                   dueAt,
	}
}

// NewErrorMessage builds an error report.
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: serverTypeError, Code: code, Message: message}
}
