package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "easel_user_id"

var (
	errMissingHub = errors.New("collaboration hub dependency required")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Authenticator    SessionAuthenticator
	CanvasService    *canvas.Service
	Hub              *Hub
	SnapshotInterval int64
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router: the REST surface around the core and
// the WebSocket upgrade endpoint feeding the hub.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.CanvasService == nil {
		return nil, errMissingCanvasService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		authenticator:    deps.Authenticator,
		canvasService:    deps.CanvasService,
		hub:              deps.Hub,
		snapshotInterval: deps.SnapshotInterval,
		logger:           logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleUpgrade)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/artworks", handler.handleCreateArtwork)
	protected.GET("/artworks", handler.handleListArtworks)
	protected.POST("/artworks/:artworkID/turn/submit", handler.handleSubmitTurn)

	return router, nil
}

type httpHandler struct {
	authenticator    SessionAuthenticator
	canvasService    *canvas.Service
	hub              *Hub
	snapshotInterval int64
	logger           *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUpgrade performs the handshake and hands the connection to the hub.
// The gin handler blocks for the lifetime of the connection.
func (h *httpHandler) handleUpgrade(c *gin.Context) {
	conn, err := wire.Upgrade(c.Writer, c.Request, h.logger)
	if err != nil {
		h.logger.Warn("upgrade handshake rejected", zap.Error(err))
		c.Abort()
		return
	}

	conn.OnText(func(payload []byte) {
		h.hub.HandleText(conn, payload)
	})
	conn.OnClose(func() {
		h.hub.Disconnect(conn)
	})
	conn.OnError(func(err error) {
		h.logger.Warn("connection failed", zap.Error(err))
	})

	h.hub.Connect(conn)
	conn.ReadLoop()
	c.Abort()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateToken(bearerToken(c.GetHeader("Authorization")))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func bearerToken(headerValue string) string {
	const prefix = "Bearer "
	if len(headerValue) <= len(prefix) || headerValue[:len(prefix)] != prefix {
		return ""
	}
	return headerValue[len(prefix):]
}

type createArtworkPayload struct {
	Title               string         `json:"title"`
	Mode                string         `json:"mode"`
	Width               int            `json:"width"`
	Height              int            `json:"height"`
	BasePhotoRef        string         `json:"base_photo_ref"`
	TurnDurationSeconds *int64         `json:"turn_duration_s"`
	ParticipantUserIDs  []string       `json:"participant_user_ids"`
	Layers              []layerPayload `json:"layers"`
}

type layerPayload struct {
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	IsVisible bool   `json:"is_visible"`
	IsLocked  bool   `json:"is_locked"`
}

type artworkResponsePayload struct {
	ArtworkID           string   `json:"artwork_id"`
	Title               string   `json:"title"`
	Mode                string   `json:"mode"`
	Width               int      `json:"width"`
	Height              int      `json:"height"`
	ParticipantUserIDs  []string `json:"participant_user_ids"`
	TurnDurationSeconds *int64   `json:"turn_duration_s,omitempty"`
}

func (h *httpHandler) handleCreateArtwork(c *gin.Context) {
	creatorID := c.GetString(userIDContextKey)

	var request createArtworkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	participantUserIDs := request.ParticipantUserIDs
	if len(participantUserIDs) == 0 {
		participantUserIDs = []string{creatorID}
	}

	layers := make([]canvas.LayerRequest, 0, len(request.Layers))
	for _, layer := range request.Layers {
		layers = append(layers, canvas.LayerRequest{
			Name:      layer.Name,
			SortOrder: layer.SortOrder,
			IsVisible: layer.IsVisible,
			IsLocked:  layer.IsLocked,
		})
	}

	detail, err := h.canvasService.CreateArtwork(c.Request.Context(), canvas.CreateArtworkRequest{
		Title:               request.Title,
		Mode:                canvas.ArtworkMode(request.Mode),
		Width:               request.Width,
		Height:              request.Height,
		BasePhotoRef:        request.BasePhotoRef,
		TurnDurationSeconds: request.TurnDurationSeconds,
		ParticipantUserIDs:  participantUserIDs,
		Layers:              layers,
	})
	if err != nil {
		if errors.Is(err, canvas.ErrInvalidArtworkRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("artwork creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "creation_failed"})
		return
	}

	c.JSON(http.StatusCreated, artworkResponse(detail))
}

func (h *httpHandler) handleListArtworks(c *gin.Context) {
	userID, err := canvas.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	artworks, err := h.canvasService.ListArtworks(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("artwork listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	response := make([]gin.H, 0, len(artworks))
	for _, artwork := range artworks {
		response = append(response, gin.H{
			"artwork_id": artwork.ArtworkID,
			"title":      artwork.Title,
			"mode":       artwork.Mode,
			"width":      artwork.Width,
			"height":     artwork.Height,
		})
	}
	c.JSON(http.StatusOK, gin.H{"artworks": response})
}

// handleSubmitTurn is the explicit-submit path of the turn state machine; it
// reuses the same advance routine as the expiry worker.
func (h *httpHandler) handleSubmitTurn(c *gin.Context) {
	userID, err := canvas.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	artworkID, err := canvas.NewArtworkID(c.Param("artworkID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_artwork_id"})
		return
	}

	completion, err := h.canvasService.CompleteTurn(c.Request.Context(), artworkID, userID, canvas.TurnCompletionSubmitted, h.snapshotInterval)
	if err != nil {
		switch {
		case errors.Is(err, canvas.ErrArtworkNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "artwork_not_found"})
		case errors.Is(err, canvas.ErrNotTurnBased):
			c.JSON(http.StatusConflict, gin.H{"error": "not_turn_based"})
		case errors.Is(err, canvas.ErrNoActiveTurn):
			c.JSON(http.StatusConflict, gin.H{"error": "no_active_turn"})
		case errors.Is(err, canvas.ErrNotActiveParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_active_participant"})
		default:
			h.logger.Error("turn submit failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
		}
		return
	}

	h.hub.BroadcastTurnAdvanced(artworkID.String(), completion.NextTurn)

	c.JSON(http.StatusOK, gin.H{
		"artwork_id":                 artworkID.String(),
		"active_participant_user_id": completion.NextTurn.ActiveParticipantUserID,
		"turn_number":                completion.NextTurn.TurnNumber,
		"round_number":               completion.NextTurn.RoundNumber,
		"due_at_s":                   completion.NextTurn.DueAtSeconds,
	})
}

func artworkResponse(detail canvas.ArtworkDetail) artworkResponsePayload {
	participantUserIDs := make([]string, 0, len(detail.Participants))
	for _, participant := range detail.Participants {
		participantUserIDs = append(participantUserIDs, participant.UserID)
	}
	return artworkResponsePayload{
		ArtworkID:           detail.Artwork.ArtworkID,
		Title:               detail.Artwork.Title,
		Mode:                detail.Artwork.Mode,
		Width:               detail.Artwork.Width,
		Height:              detail.Artwork.Height,
		ParticipantUserIDs:  participantUserIDs,
		TurnDurationSeconds: detail.Artwork.TurnDurationSeconds,
	}
}
