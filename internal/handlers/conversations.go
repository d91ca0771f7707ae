package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sealgram/sealgram/internal/codec"
	"github.com/sealgram/sealgram/internal/keyring"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/push"
	"github.com/sealgram/sealgram/internal/readline"
	"github.com/sealgram/sealgram/internal/store"
)

// InfoBroadcaster pushes conversation-metadata change events to connected
// clients.
type InfoBroadcaster interface {
	InfoChanged(conv *models.Conversation, actorID int64)
}

type ConversationHandler struct {
	store     *store.Store
	keys      *keyring.Manager
	codec     *codec.Codec
	readlines *readline.Tracker
	notifier  *push.Notifier
	hub       InfoBroadcaster
}

func NewConversationHandler(st *store.Store, keys *keyring.Manager, cdc *codec.Codec,
	readlines *readline.Tracker, notifier *push.Notifier, hub InfoBroadcaster) *ConversationHandler {
	return &ConversationHandler{
		store:     st,
		keys:      keys,
		codec:     cdc,
		readlines: readlines,
		notifier:  notifier,
		hub:       hub,
	}
}

// ConversationView is a conversation as one viewer is allowed to see it: the
// name decrypted (or the placeholder), and only the viewer's own wrapped key
// entry.
type ConversationView struct {
	ID               string                     `json:"id"`
	Mode             models.Mode                `json:"mode"`
	Name             string                     `json:"name,omitempty"`
	HasName          bool                       `json:"has_name"`
	Participants     []int64                    `json:"participants"`
	ParticipantNames []string                   `json:"participant_names,omitempty"`
	Key              string                     `json:"key,omitempty"`
	LastMessage      *models.LastMessageRef     `json:"last_message,omitempty"`
	Readline         *int64                     `json:"readline,omitempty"`
	Notifications    models.NotificationSetting `json:"notifications"`
	UnreadCount      int                        `json:"unread_count"`
	UnreadKnown      bool                       `json:"unread_known"`
	CreatedAt        int64                      `json:"created_at"`
}

func (h *ConversationHandler) view(conv *models.Conversation, actor *keyring.Actor) *ConversationView {
	v := &ConversationView{
		ID:            conv.ID,
		Mode:          conv.Mode,
		Name:          h.keys.DecryptName(conv, actor),
		HasName:       conv.Name != nil,
		Participants:  conv.Participants,
		Key:           conv.Keys[actor.UserID],
		LastMessage:   conv.LastMessage,
		Readline:      conv.Readline,
		Notifications: conv.Notifications,
		CreatedAt:     conv.CreatedAt,
	}

	if users, err := h.store.GetUsers(conv.Participants); err == nil {
		short := len(conv.Participants) > 2
		for _, id := range conv.Participants {
			u, ok := users[id]
			if !ok {
				continue
			}
			if short {
				v.ParticipantNames = append(v.ParticipantNames, u.ShortName())
			} else {
				v.ParticipantNames = append(v.ParticipantNames, u.Name())
			}
		}
	}

	if count, known, err := h.readlines.UnreadCount(conv, actor.UserID); err == nil {
		v.UnreadCount = count
		v.UnreadKnown = known
	}
	return v
}

type CreateConversationRequest struct {
	Mode         models.Mode `json:"mode"`
	Participants []int64     `json:"participants"`
	Name         string      `json:"name"`
}

// Create opens a new conversation. The creator is always a participant; for
// encrypted modes every participant receives a wrapped key entry up front.
func (h *ConversationHandler) Create(c *gin.Context) {
	actor := actorFrom(c)

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation mode"})
		return
	}

	participants := req.Participants
	hasCreator := false
	for _, id := range participants {
		if id == actor.UserID {
			hasCreator = true
			break
		}
	}
	if !hasCreator {
		participants = append([]int64{actor.UserID}, participants...)
	}

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Mode:         req.Mode,
		Participants: participants,
		CreatedAt:    nowMillis(),
	}

	if err := h.store.CreateConversation(conv); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	if err := h.keys.EnsureParticipantKeys(conv, actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != "" {
		if err := h.keys.EncryptName(conv, actor, req.Name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.store.UpdateConversationName(conv.ID, conv.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save name"})
			return
		}
	}

	c.JSON(http.StatusCreated, h.view(conv, actor))
}

// List returns the viewer's conversations, most recently active first.
func (h *ConversationHandler) List(c *gin.Context) {
	actor := actorFrom(c)

	ids, err := h.store.ListConversationIDsForUser(actor.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversations"})
		return
	}

	views := make([]*ConversationView, 0, len(ids))
	for _, id := range ids {
		conv, err := h.store.GetConversationForViewer(id, actor.UserID)
		if err != nil {
			continue
		}
		views = append(views, h.view(conv, actor))
	}

	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// Get returns one conversation. Non-participants get 403 for everything but
// public channels; a missing id is indistinguishable from a forbidden one.
func (h *ConversationHandler) Get(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.view(conv, actor))
}

type RenameRequest struct {
	Name string `json:"name"`
}

// Rename sets or clears the conversation's display name. On encrypted modes
// the name is sealed with the conversation key before it is stored.
func (h *ConversationHandler) Rename(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadParticipant(c, actor)
	if !ok {
		return
	}

	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.keys.EncryptName(conv, actor, req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateConversationName(conv.ID, conv.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save name"})
		return
	}

	h.broadcastInfo(conv, actor, "changed the conversation name")
	c.JSON(http.StatusOK, h.view(conv, actor))
}

type ParticipantRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// AddParticipant grants an existing member's view of the conversation to a
// new user. On encrypted modes the new member receives a wrapped entry for
// the current conversation key; existing entries are untouched.
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadParticipant(c, actor)
	if !ok {
		return
	}

	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if conv.HasParticipant(req.UserID) {
		c.JSON(http.StatusOK, h.view(conv, actor))
		return
	}

	user, err := h.store.GetUser(req.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if err := h.store.AddParticipant(conv.ID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add participant"})
		return
	}
	conv.Participants = append(conv.Participants, req.UserID)

	if err := h.keys.EnsureParticipantKeys(conv, actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.broadcastInfo(conv, actor, "added "+user.Name())
	c.JSON(http.StatusOK, h.view(conv, actor))
}

// RemoveParticipant drops a user from the participant list. Their wrapped
// key entries are not revoked; there is no key rotation on removal.
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadParticipant(c, actor)
	if !ok {
		return
	}

	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !conv.HasParticipant(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a participant"})
		return
	}

	if err := h.store.RemoveParticipant(conv.ID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove participant"})
		return
	}
	conv.Participants = withoutID(conv.Participants, req.UserID)

	user, err := h.store.GetUser(req.UserID)
	name := "a participant"
	if err == nil {
		name = user.Name()
	}
	h.broadcastInfo(conv, actor, "removed "+name)
	c.JSON(http.StatusOK, h.view(conv, actor))
}

// Leave removes the caller from the conversation.
func (h *ConversationHandler) Leave(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadParticipant(c, actor)
	if !ok {
		return
	}

	if err := h.store.RemoveParticipant(conv.ID, actor.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave conversation"})
		return
	}
	conv.Participants = withoutID(conv.Participants, actor.UserID)

	h.broadcastInfo(conv, actor, "left the conversation")
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

type ReadlineRequest struct {
	// A pointer so zero (the epoch) stays a valid readline.
	Readline *int64 `json:"readline"`
}

// SaveReadline advances the caller's read position.
func (h *ConversationHandler) SaveReadline(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return
	}

	var req ReadlineRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Readline == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.readlines.SaveReadline(conv.ID, actor.UserID, *req.Readline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save readline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"readline": *req.Readline})
}

// ClearReadline resets the caller's read position to unset: the conversation
// reports unread with an unknown count.
func (h *ConversationHandler) ClearReadline(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return
	}

	if err := h.readlines.ClearReadline(conv.ID, actor.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear readline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type NotificationsRequest struct {
	Setting models.NotificationSetting `json:"setting"`
}

// SetNotifications stores the caller's notification preference for this
// conversation.
func (h *ConversationHandler) SetNotifications(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return
	}

	var req NotificationsRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Setting.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification setting"})
		return
	}

	if err := h.store.SetNotifications(conv.ID, actor.UserID, req.Setting); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save setting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"setting": req.Setting})
}

// UnreadCount reports the number of unread messages for one conversation.
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	actor := actorFrom(c)

	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return
	}

	count, known, err := h.readlines.UnreadCount(conv, actor.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count unread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count, "unread_known": known})
}

// UnreadSummary returns, for every conversation the caller is in, the unread
// count plus the messages past their readline, redacted per viewer. Clients
// poll this after reconnecting.
func (h *ConversationHandler) UnreadSummary(c *gin.Context) {
	actor := actorFrom(c)

	ids, err := h.store.ListConversationIDsForUser(actor.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversations"})
		return
	}

	type entry struct {
		ConversationID string            `json:"conversation_id"`
		UnreadCount    int               `json:"unread_count"`
		UnreadKnown    bool              `json:"unread_known"`
		Messages       []*models.Message `json:"messages,omitempty"`
	}

	summary := make([]*entry, 0, len(ids))
	for _, id := range ids {
		conv, err := h.store.GetConversationForViewer(id, actor.UserID)
		if err != nil {
			continue
		}

		e := &entry{ConversationID: id}
		e.UnreadCount, e.UnreadKnown, err = h.readlines.UnreadCount(conv, actor.UserID)
		if err != nil {
			continue
		}

		if e.UnreadKnown && e.UnreadCount > 0 && conv.Readline != nil {
			msgs, err := h.store.ListMessagesAfter(id, *conv.Readline)
			if err == nil {
				for _, msg := range msgs {
					e.Messages = append(e.Messages, codec.RedactForViewer(msg, actor.UserID))
				}
			}
		}
		if e.UnreadCount > 0 || !e.UnreadKnown {
			summary = append(summary, e)
		}
	}

	c.JSON(http.StatusOK, gin.H{"unread": summary})
}

// loadForViewer fetches the conversation with the viewer's own state, writing
// the error response itself when access is denied.
func (h *ConversationHandler) loadForViewer(c *gin.Context, actor *keyring.Actor) (*models.Conversation, bool) {
	conv, err := h.store.GetConversationForViewer(c.Param("id"), actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversation"})
		}
		return nil, false
	}
	if !conv.HasParticipant(actor.UserID) && conv.Mode != models.ModeChannelPublic {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return nil, false
	}
	return conv, true
}

// loadParticipant is loadForViewer restricted to actual participants; public
// channels still require membership for mutations.
func (h *ConversationHandler) loadParticipant(c *gin.Context, actor *keyring.Actor) (*models.Conversation, bool) {
	conv, ok := h.loadForViewer(c, actor)
	if !ok {
		return nil, false
	}
	if !conv.HasParticipant(actor.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return nil, false
	}
	return conv, true
}

// broadcastInfo records an informational message and pushes metadata-change
// events to connected and subscribed participants.
func (h *ConversationHandler) broadcastInfo(conv *models.Conversation, actor *keyring.Actor, text string) {
	if h.codec != nil {
		// The metadata change already committed; a missing info line is tolerable.
		if _, err := h.codec.SaveMessage(conv.ID, &codec.Draft{Text: &text, Informational: true}, actor); err != nil {
			log.Printf("failed to record info message for %s: %v", conv.ID, err)
		}
	}
	if h.hub != nil {
		h.hub.InfoChanged(conv, actor.UserID)
	}
	h.notifier.InfoChanged(conv, actor.UserID)
}

func withoutID(ids []int64, drop int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
