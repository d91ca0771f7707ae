package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sealgram/sealgram/internal/codec"
	"github.com/sealgram/sealgram/internal/keyring"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/store"
)

type MessageHandler struct {
	store *store.Store
	codec *codec.Codec
}

func NewMessageHandler(st *store.Store, cdc *codec.Codec) *MessageHandler {
	return &MessageHandler{store: st, codec: cdc}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Save validates, encrypts and commits a message draft.
func (h *MessageHandler) Save(c *gin.Context) {
	actor := actorFrom(c)

	var draft codec.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.codec.SaveMessage(c.Param("id"), &draft, actor)
	if err != nil {
		writeCodecError(c, err)
		return
	}

	c.JSON(http.StatusCreated, codec.RedactForViewer(msg, actor.UserID))
}

// List returns a page of messages, newest first, redacted for the viewer.
func (h *MessageHandler) List(c *gin.Context) {
	actor := actorFrom(c)

	conv, err := h.store.GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}
	if !conv.HasParticipant(actor.UserID) && conv.Mode != models.ModeChannelPublic {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	msgs, err := h.store.ListMessages(conv.ID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, codec.RedactForViewer(msg, actor.UserID))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// Get returns a single message, redacted for the viewer.
func (h *MessageHandler) Get(c *gin.Context) {
	actor := actorFrom(c)

	msg, err := h.store.GetMessage(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	conv, err := h.store.GetConversation(msg.ConversationID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}
	if !conv.HasParticipant(actor.UserID) && conv.Mode != models.ModeChannelPublic {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	c.JSON(http.StatusOK, codec.RedactForViewer(msg, actor.UserID))
}

// Delete removes a message. Only the sender may delete.
func (h *MessageHandler) Delete(c *gin.Context) {
	actor := actorFrom(c)

	if err := h.codec.DeleteMessage(c.Param("id"), actor); err != nil {
		writeCodecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// writeCodecError maps codec failures onto HTTP responses. Permission
// failures stay detail-free; validation failures report every failing field.
func writeCodecError(c *gin.Context, err error) {
	var verrs codec.ValidationErrors
	switch {
	case errors.Is(err, codec.ErrPermission):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verrs})
	case errors.Is(err, keyring.ErrKeyResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
