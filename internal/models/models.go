package models

import (
	"strings"
	"time"
)

// Mode selects a conversation's trust model and with it the whole key scheme.
type Mode int

const (
	// ModeChat encrypts every message with its own key, wrapped per recipient.
	ModeChat Mode = 0
	// ModeChannelPrivate shares one conversation key among all members.
	ModeChannelPrivate Mode = 1
	// ModeChannelPublic stores everything in cleartext.
	ModeChannelPublic Mode = 2
)

func (m Mode) Valid() bool {
	return m == ModeChat || m == ModeChannelPrivate || m == ModeChannelPublic
}

// Encrypted reports whether conversations in this mode carry key material.
func (m Mode) Encrypted() bool {
	return m != ModeChannelPublic
}

func (m Mode) String() string {
	switch m {
	case ModeChat:
		return "chat"
	case ModeChannelPrivate:
		return "private_channel"
	case ModeChannelPublic:
		return "public_channel"
	}
	return "unknown"
}

// NotificationSetting controls push delivery per viewer per conversation.
type NotificationSetting int

const (
	NotifyAll      NotificationSetting = 0
	NotifyMentions NotificationSetting = 1
	NotifyDirect   NotificationSetting = 2
	NotifyNone     NotificationSetting = 4
)

func (n NotificationSetting) Valid() bool {
	switch n {
	case NotifyAll, NotifyMentions, NotifyDirect, NotifyNone:
		return true
	}
	return false
}

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	PublicKey   string    `json:"public_key"`
	Sponsor     bool      `json:"sponsor"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// ShortName returns the first word of the display name, used when a
// conversation has more than two participants.
func (u *User) ShortName() string {
	name := u.Name()
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}

// LastMessageRef is a weak reference to a conversation's most recent message:
// an id plus the cached creation time, resolved through the store on demand.
type LastMessageRef struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Conversation's Keys map holds one wrapped-key blob per participant and is
// present only for encrypted modes. Readline and Notifications are per-viewer
// state, filled in when the conversation is loaded for a specific user.
type Conversation struct {
	ID            string              `json:"id"`
	Mode          Mode                `json:"mode"`
	Participants  []int64             `json:"participants"`
	Keys          map[int64]string    `json:"keys,omitempty"`
	Name          *string             `json:"name,omitempty"`
	LastMessage   *LastMessageRef     `json:"last_message,omitempty"`
	Readline      *int64              `json:"readline,omitempty"`
	Notifications NotificationSetting `json:"notification_setting"`
	CreatedAt     int64               `json:"created_at"`
}

// HasParticipant reports whether the user is in the participant set.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Attachment is an image or video payload. Before a message is persisted,
// Thumbnail and Data hold base64 bytes; afterwards they hold blob references
// under the attachment's content-addressable id.
type Attachment struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Thumbnail       *string  `json:"thumbnail,omitempty"`
	ThumbnailType   string   `json:"thumbnail_type,omitempty"`
	ThumbnailWidth  int      `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int      `json:"thumbnail_height,omitempty"`
	Data            string   `json:"data"`
	DataType        string   `json:"data_type"`
	DataWidth       int      `json:"data_width"`
	DataHeight      int      `json:"data_height"`
	DataDuration    *float64 `json:"data_duration,omitempty"`
}

// Message content is immutable once persisted. Mode and Encryption are
// denormalized from the parent conversation at creation. Key material is
// exclusive to the message: Keys (recipient id to wrapped key) in chat mode,
// Key (wrapped with the conversation key) in private channel mode, neither in
// public channel mode.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       int64            `json:"sender_id"`
	Mode           Mode             `json:"mode"`
	Encryption     bool             `json:"encryption"`
	Informational  bool             `json:"informational"`
	Text           *string          `json:"text,omitempty"`
	Images         []Attachment     `json:"images,omitempty"`
	Video          *Attachment      `json:"video,omitempty"`
	Key            *string          `json:"key,omitempty"`
	Keys           map[int64]string `json:"keys,omitempty"`
	CreatedAt      int64            `json:"created_at"`
}
