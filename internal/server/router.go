package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/journal"
	"github.com/octatecode/collabd/internal/room"
)

var (
	errMissingRoomManager = errors.New("room manager dependency required")
	errMissingRelay       = errors.New("relay dependency required")
)

// TokenIssuer mints session tokens for the POST /auth/token endpoint.
type TokenIssuer interface {
	IssueToken(userID string) (string, int64, error)
}

// StatsSource reports lifetime counters; the live counts come from the room
// manager directly.
type StatsSource interface {
	TotalCounts() (journal.Totals, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Rooms   *room.Manager
	Relay   http.HandlerFunc
	Tokens  TokenIssuer
	Journal StatsSource
	Logger  *zap.Logger
}

// NewHTTPHandler builds the metadata and websocket-upgrade router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomManager
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
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
		rooms:   deps.Rooms,
		tokens:  deps.Tokens,
		journal: deps.Journal,
		logger:  logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/stats", handler.handleStats)
	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/:id", handler.handleGetRoom)
	router.GET("/rooms/:id/peers", handler.handleGetPeers)
	router.POST("/maintenance/cleanup", handler.handleCleanup)
	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws", gin.WrapF(deps.Relay))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "not_found",
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
	})

	return router, nil
}

type httpHandler struct {
	rooms   *room.Manager
	tokens  TokenIssuer
	journal StatsSource
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	roomCount, peerCount := h.rooms.Stats()
	response := gin.H{
		"activeRooms":    roomCount,
		"connectedPeers": peerCount,
	}
	if h.journal != nil {
		totals, err := h.journal.TotalCounts()
		if err != nil {
			h.logger.Warn("journal totals failed", zap.Error(err))
		} else {
			response["totals"] = totals
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.GetAllRooms()})
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	snapshot, err := h.rooms.GetRoom(c.Param("id"))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleGetPeers(c *gin.Context) {
	peers, err := h.rooms.GetPeerList(c.Param("id"))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// handleCleanup triggers an immediate eviction sweep, the same one the
// scheduler runs periodically.
func (h *httpHandler) handleCleanup(c *gin.Context) {
	h.rooms.Sweep()
	roomCount, peerCount := h.rooms.Stats()
	c.JSON(http.StatusOK, gin.H{
		"activeRooms":    roomCount,
		"connectedPeers": peerCount,
	})
}

type tokenRequestPayload struct {
	UserID string `json:"userId"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	if h.tokens == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "token_issuing_disabled"})
		return
	}

	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(request.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}
