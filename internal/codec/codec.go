package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealgram/sealgram/internal/blob"
	"github.com/sealgram/sealgram/internal/crypto"
	"github.com/sealgram/sealgram/internal/keyring"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/store"
)

// ErrPermission is a detail-free rejection: the caller lacks access or the
// parent conversation does not exist. The two cases are deliberately not
// distinguishable.
var ErrPermission = errors.New("permission denied")

// ConversationStore is the slice of persistence the codec needs for parents.
type ConversationStore interface {
	GetConversation(id string) (*models.Conversation, error)
	SetLastMessage(convID string, ref *models.LastMessageRef) error
	LatestMessageRef(convID, excludeID string) (*models.LastMessageRef, error)
}

type MessageStore interface {
	InsertMessage(msg *models.Message) error
	GetMessage(id string) (*models.Message, error)
	DeleteMessage(id string) error
}

type SponsorChecker interface {
	IsSponsor(userID int64) (bool, error)
}

// ReadlineSaver advances the sender's read position after a commit.
type ReadlineSaver interface {
	SaveReadline(convID string, userID int64, readline int64) error
}

// Fanout is triggered after a non-informational message commits.
type Fanout interface {
	MessageCommitted(conv *models.Conversation, msg *models.Message)
}

// Draft is the caller-supplied message content before encryption. Attachment
// Data and Thumbnail fields carry base64 bytes.
type Draft struct {
	Text          *string             `json:"text,omitempty"`
	Images        []models.Attachment `json:"images,omitempty"`
	Video         *models.Attachment  `json:"video,omitempty"`
	Informational bool                `json:"informational,omitempty"`
}

// Codec owns per-message key material, content encryption and the side
// effects of a message commit.
type Codec struct {
	cipher    crypto.Cipher
	keys      *keyring.Manager
	convs     ConversationStore
	msgs      MessageStore
	sponsors  SponsorChecker
	blobs     blob.Store
	readlines ReadlineSaver
	fanout    Fanout
}

func New(cipher crypto.Cipher, keys *keyring.Manager, convs ConversationStore, msgs MessageStore,
	sponsors SponsorChecker, blobs blob.Store, readlines ReadlineSaver, fanout Fanout) *Codec {
	return &Codec{
		cipher:    cipher,
		keys:      keys,
		convs:     convs,
		msgs:      msgs,
		sponsors:  sponsors,
		blobs:     blobs,
		readlines: readlines,
		fanout:    fanout,
	}
}

// SaveMessage validates, encrypts and persists a draft, then runs the commit
// side effects: sender readline, lastMessage reference, notification fanout.
// Blob uploads happen before the record commits; a failed upload aborts the
// whole save and any blobs already uploaded are orphaned, not compensated.
func (c *Codec) SaveMessage(convID string, draft *Draft, actor *keyring.Actor) (*models.Message, error) {
	conv, err := c.convs.GetConversation(convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPermission
		}
		return nil, err
	}
	// Public channels are world-readable but member-writable.
	if !conv.HasParticipant(actor.UserID) {
		return nil, ErrPermission
	}

	sponsor, err := c.sponsors.IsSponsor(actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := validateDraft(draft, sponsor); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       actor.UserID,
		Mode:           conv.Mode,
		Informational:  draft.Informational,
		Text:           draft.Text,
		Video:          draft.Video,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if len(draft.Images) > 0 {
		msg.Images = append([]models.Attachment(nil), draft.Images...)
	}
	msg.Encryption = conv.Mode.Encrypted() && !msg.Informational

	var msgKey []byte
	if msg.Encryption {
		msgKey, err = c.encryptionKey(conv, msg, actor)
		if err != nil {
			return nil, err
		}
		if err := c.encryptContent(msg, msgKey); err != nil {
			return nil, err
		}
	}

	if err := validateMessageKeys(msg, conv); err != nil {
		return nil, err
	}

	if err := c.uploadAttachments(msg, msgKey); err != nil {
		return nil, err
	}

	if err := c.msgs.InsertMessage(msg); err != nil {
		return nil, err
	}

	if !msg.Informational {
		// Sequenced strictly after the persist: a sender has implicitly read
		// what they sent.
		if err := c.readlines.SaveReadline(conv.ID, actor.UserID, msg.CreatedAt); err != nil {
			return nil, err
		}
		ref := &models.LastMessageRef{ID: msg.ID, CreatedAt: msg.CreatedAt}
		if err := c.convs.SetLastMessage(conv.ID, ref); err != nil {
			return nil, err
		}
		conv.LastMessage = ref
		if c.fanout != nil {
			c.fanout.MessageCommitted(conv, msg)
		}
	}

	return msg, nil
}

// encryptionKey generates the message's own symmetric key and wraps it
// according to the conversation mode.
func (c *Codec) encryptionKey(conv *models.Conversation, msg *models.Message, actor *keyring.Actor) ([]byte, error) {
	msgKey, err := c.cipher.GenerateKey()
	if err != nil {
		return nil, err
	}

	switch conv.Mode {
	case models.ModeChat:
		// A fresh key per message, independently wrapped per recipient. A
		// user added later never receives entries for earlier messages.
		msg.Keys = make(map[int64]string, len(conv.Participants))
		for _, userID := range conv.Participants {
			wrapped, err := c.keys.WrapKeyFor(msgKey, userID)
			if err != nil {
				return nil, err
			}
			msg.Keys[userID] = wrapped
		}
	case models.ModeChannelPrivate:
		// One copy, sealed with the conversation's shared key. Every member
		// holding the channel key can open any historical message.
		convKey, err := c.keys.ResolveOwnKey(conv, actor)
		if err != nil {
			return nil, err
		}
		if convKey == nil {
			return nil, keyring.ErrKeyResolution
		}
		sealed, err := c.cipher.Encrypt(msgKey, convKey)
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(sealed)
		msg.Key = &encoded
	}

	return msgKey, nil
}

func (c *Codec) encryptContent(msg *models.Message, key []byte) error {
	if msg.Text != nil {
		ciphertext, err := c.cipher.Encrypt([]byte(*msg.Text), key)
		if err != nil {
			return err
		}
		encoded := base64.StdEncoding.EncodeToString(ciphertext)
		msg.Text = &encoded
	}

	for i := range msg.Images {
		if err := c.encryptAttachmentName(&msg.Images[i], key); err != nil {
			return err
		}
	}
	if msg.Video != nil {
		if err := c.encryptAttachmentName(msg.Video, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) encryptAttachmentName(a *models.Attachment, key []byte) error {
	ciphertext, err := c.cipher.Encrypt([]byte(a.Name), key)
	if err != nil {
		return err
	}
	a.Name = base64.StdEncoding.EncodeToString(ciphertext)
	return nil
}

// uploadAttachments mints a content-addressable id per attachment and pushes
// the raw bytes (encrypted when key is non-nil) to the blob store, replacing
// inline bytes with references.
func (c *Codec) uploadAttachments(msg *models.Message, key []byte) error {
	for i := range msg.Images {
		if err := c.uploadAttachment(&msg.Images[i], blob.BucketImages, key); err != nil {
			return err
		}
	}
	if msg.Video != nil {
		if err := c.uploadAttachment(msg.Video, blob.BucketVideos, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) uploadAttachment(a *models.Attachment, dataBucket string, key []byte) error {
	a.ID = uuid.NewString()

	if a.Thumbnail != nil {
		raw, err := base64.StdEncoding.DecodeString(*a.Thumbnail)
		if err != nil {
			return ValidationErrors{{Field: "thumbnail", Reason: "invalid base64"}}
		}
		if key != nil {
			if raw, err = c.cipher.Encrypt(raw, key); err != nil {
				return err
			}
		}
		ref, err := c.blobs.Upload(blob.BucketThumbnails, a.ID, raw)
		if err != nil {
			return fmt.Errorf("blob upload failed: %w", err)
		}
		a.Thumbnail = &ref
	}

	raw, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return ValidationErrors{{Field: "data", Reason: "invalid base64"}}
	}
	if key != nil {
		if raw, err = c.cipher.Encrypt(raw, key); err != nil {
			return err
		}
	}
	ref, err := c.blobs.Upload(dataBucket, a.ID, raw)
	if err != nil {
		return fmt.Errorf("blob upload failed: %w", err)
	}
	a.Data = ref
	return nil
}

// RedactForViewer returns a copy of the message safe to serialize for one
// viewer: the per-recipient key map is collapsed to the viewer's own entry.
// A private channel message is unaffected since its key is not per-recipient.
func RedactForViewer(msg *models.Message, viewerID int64) *models.Message {
	out := *msg
	if len(msg.Keys) > 0 {
		out.Keys = nil
		if wrapped, ok := msg.Keys[viewerID]; ok {
			out.Keys = map[int64]string{viewerID: wrapped}
		}
	}
	return &out
}

// ResolveMessageKey recovers the message's symmetric key for a viewer.
// Returns (nil, nil) for unencrypted messages and ErrKeyResolution when the
// viewer holds no usable entry; readers degrade, writers fail.
func (c *Codec) ResolveMessageKey(conv *models.Conversation, msg *models.Message, actor *keyring.Actor) ([]byte, error) {
	if !msg.Encryption {
		return nil, nil
	}

	switch msg.Mode {
	case models.ModeChat:
		wrapped, ok := msg.Keys[actor.UserID]
		if !ok {
			return nil, keyring.ErrKeyResolution
		}
		raw, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return nil, fmt.Errorf("malformed wrapped key: %w", err)
		}
		plaintext, err := c.cipher.Unwrap(raw, actor.PublicKey, actor.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap message key: %w", err)
		}
		if len(plaintext) < crypto.KeySize {
			return nil, fmt.Errorf("unwrapped message key too short")
		}
		return plaintext[:crypto.KeySize], nil

	case models.ModeChannelPrivate:
		convKey, err := c.keys.ResolveOwnKey(conv, actor)
		if err != nil {
			return nil, err
		}
		if convKey == nil {
			return nil, keyring.ErrKeyResolution
		}
		if msg.Key == nil {
			return nil, keyring.ErrKeyResolution
		}
		sealed, err := base64.StdEncoding.DecodeString(*msg.Key)
		if err != nil {
			return nil, fmt.Errorf("malformed message key: %w", err)
		}
		return c.cipher.Decrypt(sealed, convKey)
	}

	return nil, keyring.ErrKeyResolution
}

// DecryptText opens a message's text with its resolved key. A nil key
// returns the text as stored (unencrypted modes).
func (c *Codec) DecryptText(msg *models.Message, key []byte) (string, error) {
	if msg.Text == nil {
		return "", nil
	}
	if key == nil {
		return *msg.Text, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(*msg.Text)
	if err != nil {
		return "", fmt.Errorf("malformed text ciphertext: %w", err)
	}
	plaintext, err := c.cipher.Decrypt(ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DeleteMessage removes a message with its blob objects and, when it was the
// conversation's last message, points lastMessage at the preceding message
// by creation time, or clears it.
func (c *Codec) DeleteMessage(id string, actor *keyring.Actor) error {
	msg, err := c.msgs.GetMessage(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPermission
		}
		return err
	}
	if msg.SenderID != actor.UserID {
		return ErrPermission
	}

	conv, err := c.convs.GetConversation(msg.ConversationID)
	if err != nil {
		return err
	}

	if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
		ref, err := c.convs.LatestMessageRef(conv.ID, msg.ID)
		if err != nil {
			return err
		}
		if err := c.convs.SetLastMessage(conv.ID, ref); err != nil {
			return err
		}
	}

	for i := range msg.Images {
		c.deleteBlobs(&msg.Images[i], blob.BucketImages)
	}
	if msg.Video != nil {
		c.deleteBlobs(msg.Video, blob.BucketVideos)
	}

	return c.msgs.DeleteMessage(id)
}

func (c *Codec) deleteBlobs(a *models.Attachment, dataBucket string) {
	// Best effort: a missing blob must not block the delete.
	_ = c.blobs.Delete(blob.BucketThumbnails, a.ID)
	_ = c.blobs.Delete(dataBucket, a.ID)
}
