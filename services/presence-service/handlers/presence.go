package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

type PresenceHandler struct {
	service *services.PresenceService
	logger  *utils.Logger
}

func NewPresenceHandler(service *services.PresenceService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger,
	}
}

// Heartbeat handles POST /api/v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	if err := h.service.HandleHeartbeat(c.Request.Context(), middleware.UserID(c), req.SessionID); err != nil {
		h.respondError(c, "Failed to record heartbeat", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Presence updated",
	})
}

// SyncSubscriptions handles PUT /api/v1/presence/subscriptions
func (h *PresenceHandler) SyncSubscriptions(c *gin.Context) {
	var req models.SyncSubscriptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}

	targets, err := h.service.SyncSubscriptions(c.Request.Context(), middleware.UserID(c), req.UserIDs)
	if err != nil {
		h.respondError(c, "Failed to sync subscriptions", err)
		return
	}

	c.JSON(http.StatusOK, models.SubscriptionsResponse{UserIDs: targets})
}

// GetSubscriptions handles GET /api/v1/presence/subscriptions
func (h *PresenceHandler) GetSubscriptions(c *gin.Context) {
	targets, err := h.service.GetSubscriptions(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.respondError(c, "Failed to get subscriptions", err)
		return
	}

	c.JSON(http.StatusOK, models.SubscriptionsResponse{UserIDs: targets})
}

// BatchPresence handles POST /api/v1/presence/batch
func (h *PresenceHandler) BatchPresence(c *gin.Context) {
	var req models.BatchPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids is required"})
		return
	}

	presence, err := h.service.GetBatchPresence(c.Request.Context(), middleware.UserID(c), req.UserIDs)
	if err != nil {
		h.respondError(c, "Failed to get presence", err)
		return
	}

	c.JSON(http.StatusOK, models.BatchPresenceResponse{Presence: presence})
}

// SetPrivacy handles PUT /api/v1/presence/privacy
func (h *PresenceHandler) SetPrivacy(c *gin.Context) {
	var req models.PrivacyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
		return
	}

	if err := h.service.SetPrivacyMode(c.Request.Context(), middleware.UserID(c), req.Mode); err != nil {
		h.respondError(c, "Failed to update privacy mode", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

// SetStatus handles PUT /api/v1/presence/status
func (h *PresenceHandler) SetStatus(c *gin.Context) {
	var req models.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	if err := h.service.SetManualStatus(c.Request.Context(), middleware.UserID(c), req.Status); err != nil {
		h.respondError(c, "Failed to update status", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// GetOnlineUsers handles GET /api/v1/presence/online
func (h *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := h.service.OnlineUsers(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.respondError(c, "Failed to get online users", err)
		return
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}

func (h *PresenceHandler) respondError(c *gin.Context, msg string, err error) {
	respondError(c, h.logger, msg, err)
}

// respondError maps validation errors to 400 and everything else to 500.
func respondError(c *gin.Context, logger *utils.Logger, msg string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidUserID),
		errors.Is(err, services.ErrInvalidSessionID),
		errors.Is(err, services.ErrInvalidConversationID),
		errors.Is(err, services.ErrInvalidPrivacyMode),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrBatchTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(msg, "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
