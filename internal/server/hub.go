package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/auth"
	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/wire"
	"go.uber.org/zap"
)

// Wire error codes reported to clients.
const (
	errCodeBadMessage           = "bad_message"
	errCodeAuthRequired         = "auth_required"
	errCodeAlreadyAuthenticated = "already_authenticated"
	errCodeInvalidToken         = "invalid_token"
	errCodeNotParticipant       = "not_participant"
	errCodeNotJoined            = "not_joined"
	errCodeTurnLocked           = "turn_locked"
	errCodeInvalidLayer         = "invalid_layer"
	errCodeInvalidActor         = "invalid_actor"
	errCodeInvalidOperation     = "invalid_operation"
	errCodeInternal             = "internal_error"
)

var (
	errMissingAuthenticator = errors.New("session authenticator dependency required")
	errMissingCanvasService = errors.New("canvas service dependency required")
)

// SessionAuthenticator resolves a bearer token into session claims.
type SessionAuthenticator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ClientTransport is the send side of one live connection. wire.Conn
// implements it; tests substitute fakes.
type ClientTransport interface {
	SendText(payload []byte) error
	Close()
}

// session is the in-memory context of one connection: authenticated user,
// client id, and joined rooms. It lives exactly as long as the transport.
type session struct {
	transport     ClientTransport
	authenticated bool
	userID        string
	clientID      string
	joined        map[string]struct{}
}

// HubConfig wires the collaboration hub dependencies.
type HubConfig struct {
	Authenticator SessionAuthenticator
	CanvasService *canvas.Service
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Hub authenticates connections, tracks room membership, routes inbound
// messages, and fans outbound messages out to room members. All shared maps
// are guarded by one mutex; every operation under it is short and
// non-blocking.
type Hub struct {
	mu       sync.Mutex
	sessions map[ClientTransport]*session
	rooms    map[string]map[*session]struct{}

	authenticator SessionAuthenticator
	canvasService *canvas.Service
	clock         func() time.Time
	logger        *zap.Logger
}

// NewHub validates dependencies and returns a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.CanvasService == nil {
		return nil, errMissingCanvasService
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:      make(map[ClientTransport]*session),
		rooms:         make(map[string]map[*session]struct{}),
		authenticator: cfg.Authenticator,
		canvasService: cfg.CanvasService,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Connect registers a new unauthenticated connection and greets it.
func (h *Hub) Connect(transport ClientTransport) {
	sess := &session{
		transport: transport,
		joined:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[transport] = sess
	h.mu.Unlock()

	h.send(transport, wire.NewServerHello(h.clock().UTC().Unix()))
}

// Disconnect removes the connection from every room it joined and announces
// updated presence to rooms that remain occupied.
func (h *Hub) Disconnect(transport ClientTransport) {
	h.mu.Lock()
	sess, known := h.sessions[transport]
	if !known {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, transport)

	affected := make([]string, 0, len(sess.joined))
	for artworkID := range sess.joined {
		members := h.rooms[artworkID]
		delete(members, sess)
		if len(members) == 0 {
			delete(h.rooms, artworkID)
			continue
		}
		affected = append(affected, artworkID)
	}
	h.mu.Unlock()

	for _, artworkID := range affected {
		h.broadcastPresence(artworkID)
	}
}

// HandleText routes one inbound text message through the per-connection
// state machine.
func (h *Hub) HandleText(transport ClientTransport, payload []byte) {
	h.mu.Lock()
	sess, known := h.sessions[transport]
	h.mu.Unlock()
	if !known {
		return
	}

	message, err := wire.DecodeClientMessage(payload)
	if err != nil {
		h.send(transport, wire.NewErrorMessage(errCodeBadMessage, err.Error()))
		return
	}

	ctx := context.Background()
	switch typed := message.(type) {
	case wire.Hello:
		h.handleHello(ctx, sess, typed)
	case wire.JoinArtwork:
		h.handleJoinArtwork(ctx, sess, typed)
	case wire.LeaveArtwork:
		h.handleLeaveArtwork(sess, typed)
	case wire.ApplyOperations:
		h.handleApplyOperations(ctx, sess, typed)
	case wire.RequestSync:
		h.handleRequestSync(ctx, sess, typed)
	}
}

func (h *Hub) handleHello(_ context.Context, sess *session, message wire.Hello) {
	if sess.authenticated {
		h.send(sess.transport, wire.NewErrorMessage(errCodeAlreadyAuthenticated, "connection is already authenticated"))
		return
	}

	claims, err := h.authenticator.ValidateToken(message.Token)
	if err != nil {
		h.send(sess.transport, wire.NewErrorMessage(errCodeInvalidToken, "session token rejected"))
		sess.transport.Close()
		return
	}

	h.mu.Lock()
	sess.authenticated = true
	sess.userID = claims.UserID
	sess.clientID = message.ClientID
	h.mu.Unlock()

	h.send(sess.transport, wire.NewHelloAck(claims.UserID, h.clock().UTC().Unix()))
}

func (h *Hub) requireAuth(sess *session) bool {
	if sess.authenticated {
		return true
	}
	h.send(sess.transport, wire.NewErrorMessage(errCodeAuthRequired, "authenticate with hello first"))
	return false
}

func (h *Hub) handleJoinArtwork(ctx context.Context, sess *session, message wire.JoinArtwork) {
	if !h.requireAuth(sess) {
		return
	}
	artworkID, userID, ok := h.identifiers(sess, message.ArtworkID)
	if !ok {
		return
	}

	detail, err := h.canvasService.ArtworkForUser(ctx, artworkID, userID)
	if err != nil {
		h.sendDomainError(sess.transport, err)
		return
	}

	h.mu.Lock()
	members, exists := h.rooms[artworkID.String()]
	if !exists {
		members = make(map[*session]struct{})
		h.rooms[artworkID.String()] = members
	}
	members[sess] = struct{}{}
	sess.joined[artworkID.String()] = struct{}{}
	h.mu.Unlock()

	h.syncArtwork(ctx, sess, artworkID, message.SinceCursor, detail)
	h.broadcastPresence(artworkID.String())
}

func (h *Hub) handleLeaveArtwork(sess *session, message wire.LeaveArtwork) {
	if !h.requireAuth(sess) {
		return
	}

	h.mu.Lock()
	delete(sess.joined, message.ArtworkID)
	members := h.rooms[message.ArtworkID]
	delete(members, sess)
	roomEmpty := len(members) == 0
	if roomEmpty {
		delete(h.rooms, message.ArtworkID)
	}
	h.mu.Unlock()

	if !roomEmpty {
		h.broadcastPresence(message.ArtworkID)
	}
}

func (h *Hub) handleApplyOperations(ctx context.Context, sess *session, message wire.ApplyOperations) {
	if !h.requireAuth(sess) {
		return
	}
	artworkID, userID, ok := h.identifiers(sess, message.ArtworkID)
	if !ok {
		return
	}

	h.mu.Lock()
	_, joined := sess.joined[artworkID.String()]
	h.mu.Unlock()
	if !joined {
		h.send(sess.transport, wire.NewErrorMessage(errCodeNotJoined, "join the artwork before applying operations"))
		return
	}

	inputs := make([]canvas.OperationInput, 0, len(message.Operations))
	for _, operation := range message.Operations {
		operationType, err := canvas.ParseOperationType(operation.Type)
		if err != nil {
			h.send(sess.transport, wire.NewErrorMessage(errCodeInvalidOperation, err.Error()))
			return
		}
		inputs = append(inputs, canvas.OperationInput{
			LayerID:     operation.LayerID,
			ActorUserID: operation.ActorUserID,
			ClientID:    operation.ClientID,
			ClientSeq:   operation.ClientSeq,
			LamportTs:   operation.LamportTs,
			Type:        operationType,
			PayloadJSON: string(operation.Payload),
		})
	}

	persisted, err := h.canvasService.AppendOperations(ctx, artworkID, userID, inputs)
	if err != nil {
		h.sendDomainError(sess.transport, err)
		return
	}

	h.broadcast(artworkID.String(), wire.NewOperations(artworkID.String(), operationEnvelopes(persisted)))
}

func (h *Hub) handleRequestSync(ctx context.Context, sess *session, message wire.RequestSync) {
	if !h.requireAuth(sess) {
		return
	}
	artworkID, userID, ok := h.identifiers(sess, message.ArtworkID)
	if !ok {
		return
	}

	detail, err := h.canvasService.ArtworkForUser(ctx, artworkID, userID)
	if err != nil {
		h.sendDomainError(sess.transport, err)
		return
	}
	h.syncArtwork(ctx, sess, artworkID, 0, detail)
}

// syncArtwork runs the sync procedure: latest snapshot first, then every
// operation past the cursor in (lamportTs, persistence order), then the
// active turn for turn-based artworks. It never mutates state and is safe to
// repeat.
func (h *Hub) syncArtwork(ctx context.Context, sess *session, artworkID canvas.ArtworkID, sinceCursor int64, detail canvas.ArtworkDetail) {
	snapshot, err := h.canvasService.LatestSnapshot(ctx, artworkID)
	if err != nil {
		h.sendDomainError(sess.transport, err)
		return
	}
	if snapshot != nil {
		h.send(sess.transport, wire.NewSnapshotMessage(artworkID.String(), snapshot.VersionNumber, json.RawMessage(snapshot.StateJSON)))
	}

	operations, err := h.canvasService.OperationsSince(ctx, artworkID, sinceCursor)
	if err != nil {
		h.sendDomainError(sess.transport, err)
		return
	}
	h.send(sess.transport, wire.NewOperations(artworkID.String(), operationEnvelopes(operations)))

	if detail.Artwork.Mode == string(canvas.ModeTurnBased) && detail.ActiveTurn != nil {
		turn := detail.ActiveTurn
		h.send(sess.transport, wire.NewTurnAdvanced(artworkID.String(), turn.ActiveParticipantUserID, turn.TurnNumber, turn.DueAtSeconds))
	}
}

// BroadcastTurnAdvanced announces a new active turn to the artwork's room.
// The expiry worker and the submit endpoint both call it after a completed
// advance.
func (h *Hub) BroadcastTurnAdvanced(artworkID string, turn canvas.TurnState) {
	h.broadcast(artworkID, wire.NewTurnAdvanced(artworkID, turn.ActiveParticipantUserID, turn.TurnNumber, turn.DueAtSeconds))
}

// broadcast delivers one message to every room member. Delivery is
// fire-and-forget per member: a failed send only closes that member.
func (h *Hub) broadcast(artworkID string, message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("broadcast encoding failed", zap.Error(err), zap.String("artwork_id", artworkID))
		return
	}

	h.mu.Lock()
	members := make([]*session, 0, len(h.rooms[artworkID]))
	for member := range h.rooms[artworkID] {
		members = append(members, member)
	}
	h.mu.Unlock()

	for _, member := range members {
		if err := member.transport.SendText(payload); err != nil {
			h.logger.Warn("broadcast delivery failed",
				zap.Error(err),
				zap.String("artwork_id", artworkID),
				zap.String("user_id", member.userID))
			member.transport.Close()
		}
	}
}

func (h *Hub) broadcastPresence(artworkID string) {
	h.mu.Lock()
	userIDSet := make(map[string]struct{})
	for member := range h.rooms[artworkID] {
		userIDSet[member.userID] = struct{}{}
	}
	h.mu.Unlock()

	onlineUserIDs := make([]string, 0, len(userIDSet))
	for userID := range userIDSet {
		onlineUserIDs = append(onlineUserIDs, userID)
	}
	sort.Strings(onlineUserIDs)

	h.broadcast(artworkID, wire.NewPresence(artworkID, onlineUserIDs))
}

func (h *Hub) identifiers(sess *session, rawArtworkID string) (canvas.ArtworkID, canvas.UserID, bool) {
	artworkID, err := canvas.NewArtworkID(rawArtworkID)
	if err != nil {
		h.send(sess.transport, wire.NewErrorMessage(errCodeBadMessage, err.Error()))
		return "", "", false
	}
	userID, err := canvas.NewUserID(sess.userID)
	if err != nil {
		h.send(sess.transport, wire.NewErrorMessage(errCodeAuthRequired, "authenticate with hello first"))
		return "", "", false
	}
	return artworkID, userID, true
}

func (h *Hub) sendDomainError(transport ClientTransport, err error) {
	switch {
	case errors.Is(err, canvas.ErrArtworkNotFound):
		h.send(transport, wire.NewErrorMessage(errCodeNotParticipant, "artwork not found for user"))
	case errors.Is(err, canvas.ErrTurnLocked):
		h.send(transport, wire.NewErrorMessage(errCodeTurnLocked, "another participant holds the active turn"))
	case errors.Is(err, canvas.ErrInvalidLayer):
		h.send(transport, wire.NewErrorMessage(errCodeInvalidLayer, "operation references an invalid layer"))
	case errors.Is(err, canvas.ErrInvalidActor):
		h.send(transport, wire.NewErrorMessage(errCodeInvalidActor, "operation actor does not match the session user"))
	default:
		h.logger.Error("hub request failed", zap.Error(err))
		h.send(transport, wire.NewErrorMessage(errCodeInternal, "request could not be processed"))
	}
}

func (h *Hub) send(transport ClientTransport, message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("message encoding failed", zap.Error(err))
		return
	}
	if err := transport.SendText(payload); err != nil {
		transport.Close()
	}
}

func operationEnvelopes(operations []canvas.Operation) []wire.OperationEnvelope {
	envelopes := make([]wire.OperationEnvelope, 0, len(operations))
	for _, operation := range operations {
		var payload json.RawMessage
		if operation.PayloadJSON != "" {
			payload = json.RawMessage(operation.PayloadJSON)
		}
		envelopes = append(envelopes, wire.OperationEnvelope{
			OperationID: operation.OperationID,
			LayerID:     operation.LayerID,
			ActorUserID: operation.ActorUserID,
			ClientID:    operation.ClientID,
			ClientSeq:   operation.ClientSeq,
			LamportTs:   operation.LamportTs,
			Type:        operation.Type,
			Payload:     payload,
		})
	}
	return envelopes
}
