package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

type TypingHandler struct {
	service *services.TypingService
	logger  *utils.Logger
}

func NewTypingHandler(service *services.TypingService, logger *utils.Logger) *TypingHandler {
	return &TypingHandler{
		service: service,
		logger:  logger,
	}
}

// StartTyping handles POST /api/v1/conversations/:id/typing
func (h *TypingHandler) StartTyping(c *gin.Context) {
	if err := h.service.StartTyping(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, h.logger, "Failed to set typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopTyping handles DELETE /api/v1/conversations/:id/typing
func (h *TypingHandler) StopTyping(c *gin.Context) {
	if err := h.service.StopTyping(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, h.logger, "Failed to clear typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetTyping handles GET /api/v1/conversations/:id/typing
func (h *TypingHandler) GetTyping(c *gin.Context) {
	conversationID := c.Param("id")
	users, err := h.service.GetTypingUsers(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, h.logger, "Failed to get typing users", err)
		return
	}

	c.JSON(http.StatusOK, models.TypingResponse{
		ConversationID: conversationID,
		UserIDs:        users,
	})
}

// ClearTyping handles DELETE /api/v1/conversations/:id/typing/all
func (h *TypingHandler) ClearTyping(c *gin.Context) {
	if err := h.service.ClearAllTyping(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to clear conversation typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}
