package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sealgram/sealgram/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQL-backed persistence layer. The core components talk to it
// through narrow interfaces declared where they are consumed.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateConversation inserts the conversation row and its participant set.
func (s *Store) CreateConversation(conv *models.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, mode, name, created_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, int(conv.Mode), conv.Name, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	for _, userID := range conv.Participants {
		if _, err := tx.Exec(`
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)
		`, conv.ID, userID); err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateConversationName overwrites the stored (possibly encrypted) name.
func (s *Store) UpdateConversationName(convID string, name *string) error {
	_, err := s.db.Exec("UPDATE conversations SET name = ? WHERE id = ?", name, convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation name: %w", err)
	}
	return nil
}

// GetConversation loads a conversation with its participants and key map.
// Viewer state (readline, notification setting) is not filled in.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	conv := &models.Conversation{ID: id}
	var mode int
	err := s.db.QueryRow(`
		SELECT mode, name, last_message_id, last_message_at, created_at
		FROM conversations WHERE id = ?
	`, id).Scan(&mode, &conv.Name, &nullString{&conv.LastMessage}, &nullLastAt{&conv.LastMessage}, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	conv.Mode = models.Mode(mode)

	rows, err := s.db.Query(`
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at, user_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
	}

	if conv.Mode.Encrypted() {
		keys, err := s.conversationKeys(id)
		if err != nil {
			return nil, err
		}
		conv.Keys = keys
	}

	return conv, nil
}

// GetConversationForViewer additionally fills in the viewer's readline and
// notification setting.
func (s *Store) GetConversationForViewer(id string, userID int64) (*models.Conversation, error) {
	conv, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}

	var readline sql.NullInt64
	var notifications int
	err = s.db.QueryRow(`
		SELECT readline, notifications FROM conversation_state
		WHERE conversation_id = ? AND user_id = ?
	`, id, userID).Scan(&readline, &notifications)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fetch viewer state: %w", err)
	}
	if readline.Valid {
		conv.Readline = &readline.Int64
	}
	conv.Notifications = models.NotificationSetting(notifications)

	return conv, nil
}

// ListConversationIDsForUser returns the ids of every conversation the user
// participates in, most recently active first.
func (s *Store) ListConversationIDsForUser(userID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) conversationKeys(convID string) (map[int64]string, error) {
	rows, err := s.db.Query(`
		SELECT user_id, wrapped_key FROM conversation_keys WHERE conversation_id = ?
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[int64]string)
	for rows.Next() {
		var userID int64
		var wrapped string
		if err := rows.Scan(&userID, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to scan conversation key: %w", err)
		}
		keys[userID] = wrapped
	}
	return keys, nil
}

// PutConversationKey stores a wrapped-key entry unless one already exists.
// Existing entries are never rewritten.
func (s *Store) PutConversationKey(convID string, userID int64, wrapped string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversation_keys (conversation_id, user_id, wrapped_key)
		VALUES (?, ?, ?)
	`, convID, userID, wrapped)
	if err != nil {
		return fmt.Errorf("failed to store conversation key: %w", err)
	}
	return nil
}

// DeleteConversationKeys removes every wrapped entry for a conversation. Used
// when a conversation is saved in public mode.
func (s *Store) DeleteConversationKeys(convID string) error {
	if _, err := s.db.Exec("DELETE FROM conversation_keys WHERE conversation_id = ?", convID); err != nil {
		return fmt.Errorf("failed to delete conversation keys: %w", err)
	}
	return nil
}

func (s *Store) AddParticipant(convID string, userID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)
	`, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant drops the membership row. The user's wrapped-key entry is
// left in place: there is no key rotation on removal.
func (s *Store) RemoveParticipant(convID string, userID int64) error {
	_, err := s.db.Exec(`
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// SetLastMessage updates the weak last-message reference. A nil ref clears it.
func (s *Store) SetLastMessage(convID string, ref *models.LastMessageRef) error {
	var id interface{}
	var at interface{}
	if ref != nil {
		id, at = ref.ID, ref.CreatedAt
	}
	_, err := s.db.Exec(`
		UPDATE conversations SET last_message_id = ?, last_message_at = ? WHERE id = ?
	`, id, at, convID)
	if err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}
	return nil
}

// SetReadline upserts the viewer's readline. A nil value resets it to unset.
func (s *Store) SetReadline(convID string, userID int64, readline *int64) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, readline)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET readline = excluded.readline
	`, convID, userID, readline)
	if err != nil {
		return fmt.Errorf("failed to save readline: %w", err)
	}
	return nil
}

// GetReadline returns the viewer's readline, or nil when unset.
func (s *Store) GetReadline(convID string, userID int64) (*int64, error) {
	var readline sql.NullInt64
	err := s.db.QueryRow(`
		SELECT readline FROM conversation_state WHERE conversation_id = ? AND user_id = ?
	`, convID, userID).Scan(&readline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch readline: %w", err)
	}
	if !readline.Valid {
		return nil, nil
	}
	return &readline.Int64, nil
}

func (s *Store) SetNotifications(convID string, userID int64, setting models.NotificationSetting) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, notifications)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET notifications = excluded.notifications
	`, convID, userID, int(setting))
	if err != nil {
		return fmt.Errorf("failed to save notification setting: %w", err)
	}
	return nil
}

// GetNotifications returns the notification settings of the given users for a
// conversation. Users without a state row default to NotifyAll.
func (s *Store) GetNotifications(convID string, userIDs []int64) (map[int64]models.NotificationSetting, error) {
	settings := make(map[int64]models.NotificationSetting, len(userIDs))
	for _, id := range userIDs {
		settings[id] = models.NotifyAll
	}
	rows, err := s.db.Query(`
		SELECT user_id, notifications FROM conversation_state WHERE conversation_id = ?
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notification settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		var setting int
		if err := rows.Scan(&userID, &setting); err != nil {
			return nil, fmt.Errorf("failed to scan notification setting: %w", err)
		}
		if _, ok := settings[userID]; ok {
			settings[userID] = models.NotificationSetting(setting)
		}
	}
	return settings, nil
}

// nullString scans last_message_id into a LastMessageRef, allocating it on
// first use.
type nullString struct {
	ref **models.LastMessageRef
}

func (n *nullString) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var id string
	switch v := value.(type) {
	case string:
		id = v
	case []byte:
		id = string(v)
	default:
		return fmt.Errorf("unexpected last_message_id type %T", value)
	}
	if *n.ref == nil {
		*n.ref = &models.LastMessageRef{}
	}
	(*n.ref).ID = id
	return nil
}

// nullLastAt scans last_message_at into the same LastMessageRef.
type nullLastAt struct {
	ref **models.LastMessageRef
}

func (n *nullLastAt) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	at, ok := value.(int64)
	if !ok {
		return fmt.Errorf("unexpected last_message_at type %T", value)
	}
	if *n.ref == nil {
		*n.ref = &models.LastMessageRef{}
	}
	(*n.ref).CreatedAt = at
	return nil
}
