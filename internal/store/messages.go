package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sealgram/sealgram/internal/models"
)

const (
	attachmentKindImage = "image"
	attachmentKindVideo = "video"
)

// InsertMessage persists a message, its wrapped-key map and its attachment
// records in one transaction. Attachment Data/Thumbnail fields are expected to
// already hold blob references, not inline bytes.
func (s *Store) InsertMessage(msg *models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, mode, encryption, informational, text, key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, int(msg.Mode), msg.Encryption, msg.Informational, msg.Text, msg.Key, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	for userID, wrapped := range msg.Keys {
		if _, err := tx.Exec(`
			INSERT INTO message_keys (message_id, user_id, wrapped_key) VALUES (?, ?, ?)
		`, msg.ID, userID, wrapped); err != nil {
			return fmt.Errorf("failed to insert message key: %w", err)
		}
	}

	for i := range msg.Images {
		if err := insertAttachment(tx, msg.ID, attachmentKindImage, i, &msg.Images[i]); err != nil {
			return err
		}
	}
	if msg.Video != nil {
		if err := insertAttachment(tx, msg.ID, attachmentKindVideo, 0, msg.Video); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertAttachment(tx *sql.Tx, messageID, kind string, position int, a *models.Attachment) error {
	_, err := tx.Exec(`
		INSERT INTO attachments (id, message_id, kind, position, name, thumbnail, thumbnail_type,
			thumbnail_width, thumbnail_height, data, data_type, data_width, data_height, data_duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, messageID, kind, position, a.Name, a.Thumbnail, a.ThumbnailType,
		a.ThumbnailWidth, a.ThumbnailHeight, a.Data, a.DataType, a.DataWidth, a.DataHeight, a.DataDuration)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(id string) (*models.Message, error) {
	msg := &models.Message{ID: id}
	var mode int
	err := s.db.QueryRow(`
		SELECT conversation_id, sender_id, mode, encryption, informational, text, key, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ConversationID, &msg.SenderID, &mode, &msg.Encryption,
		&msg.Informational, &msg.Text, &msg.Key, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	msg.Mode = models.Mode(mode)

	if err := s.loadMessageDetail(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns messages in a conversation, newest first.
func (s *Store) ListMessages(convID string, limit, offset int) ([]*models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, mode, encryption, informational, text, key, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, convID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return s.scanMessages(rows)
}

// ListMessagesAfter returns the messages created strictly after the given
// timestamp, oldest first. Used by the unread pull summary.
func (s *Store) ListMessagesAfter(convID string, after int64) ([]*models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, mode, encryption, informational, text, key, created_at
		FROM messages WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at, id
	`, convID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return s.scanMessages(rows)
}

func (s *Store) scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var mode int
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &mode, &msg.Encryption,
			&msg.Informational, &msg.Text, &msg.Key, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Mode = models.Mode(mode)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for _, msg := range messages {
		if err := s.loadMessageDetail(msg); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (s *Store) loadMessageDetail(msg *models.Message) error {
	keyRows, err := s.db.Query(`
		SELECT user_id, wrapped_key FROM message_keys WHERE message_id = ?
	`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch message keys: %w", err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var userID int64
		var wrapped string
		if err := keyRows.Scan(&userID, &wrapped); err != nil {
			return fmt.Errorf("failed to scan message key: %w", err)
		}
		if msg.Keys == nil {
			msg.Keys = make(map[int64]string)
		}
		msg.Keys[userID] = wrapped
	}

	attRows, err := s.db.Query(`
		SELECT id, kind, name, thumbnail, thumbnail_type, thumbnail_width, thumbnail_height,
			data, data_type, data_width, data_height, data_duration
		FROM attachments WHERE message_id = ? ORDER BY position
	`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch attachments: %w", err)
	}
	defer attRows.Close()
	for attRows.Next() {
		var a models.Attachment
		var kind string
		var thumbType sql.NullString
		var thumbW, thumbH, dataW, dataH sql.NullInt64
		if err := attRows.Scan(&a.ID, &kind, &a.Name, &a.Thumbnail, &thumbType, &thumbW, &thumbH,
			&a.Data, &a.DataType, &dataW, &dataH, &a.DataDuration); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.ThumbnailType = thumbType.String
		a.ThumbnailWidth = int(thumbW.Int64)
		a.ThumbnailHeight = int(thumbH.Int64)
		a.DataWidth = int(dataW.Int64)
		a.DataHeight = int(dataH.Int64)
		if kind == attachmentKindVideo {
			video := a
			msg.Video = &video
		} else {
			msg.Images = append(msg.Images, a)
		}
	}
	return nil
}

// CountMessagesAfter counts messages in a conversation created strictly after
// the given timestamp. This is the unread-count query.
func (s *Store) CountMessagesAfter(convID string, after int64) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND created_at > ?
	`, convID, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// LatestMessageRef returns a weak reference to the newest message in the
// conversation, skipping excludeID, or nil when there is none.
func (s *Store) LatestMessageRef(convID, excludeID string) (*models.LastMessageRef, error) {
	ref := &models.LastMessageRef{}
	err := s.db.QueryRow(`
		SELECT id, created_at FROM messages
		WHERE conversation_id = ? AND id != ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, convID, excludeID).Scan(&ref.ID, &ref.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch latest message: %w", err)
	}
	return ref, nil
}

// DeleteMessage removes the message row with its key map and attachment
// records. Blob objects must be deleted by the caller first.
func (s *Store) DeleteMessage(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM message_keys WHERE message_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message keys: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM attachments WHERE message_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return tx.Commit()
}
