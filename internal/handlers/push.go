package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sealgram/sealgram/internal/push"
)

type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDPublicKey hands clients the key they need to subscribe.
func (h *PushHandler) VAPIDPublicKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push notifications disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vapid_public_key": key})
}

// Subscribe stores a Web Push subscription for the caller.
func (h *PushHandler) Subscribe(c *gin.Context) {
	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription"})
		return
	}

	if err := h.notifier.Subscribe(c.GetInt64("user_id"), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// Unsubscribe revokes the subscription for an endpoint.
func (h *PushHandler) Unsubscribe(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.notifier.Unsubscribe(c.GetInt64("user_id"), req.Endpoint); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
