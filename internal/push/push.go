package push

import (
	"database/sql"
	"encoding/json"
	"log"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/sealgram/sealgram/internal/models"
)

// Notifier fans a minimal notification payload out to every recipient of a
// committed message over Web Push. The payload never carries message content
// or key material; only enough for the client to render a teaser and route
// the tap.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
}

// Subscription is a stored Web Push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty;
// a nil Notifier is safe to call and sends nothing.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey, subscriber string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
	}
}

// VAPIDPublicKey returns the public VAPID key for clients to subscribe with.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Payload is the JSON body of a push notification. ParticipantNames is keyed
// by user id so the client can label any sender without another lookup; int64
// keys marshal as JSON strings.
type Payload struct {
	ConversationID      string           `json:"conversationId"`
	ConversationHasName bool             `json:"conversationHasName"`
	SenderDisplayName   string           `json:"senderDisplayName"`
	ParticipantNames    map[int64]string `json:"participantNames"`
	EventType           string           `json:"eventType"`
	MessageKind         string           `json:"messageKind,omitempty"`
}

// MessageKind classifies a message for the notification teaser.
func MessageKind(msg *models.Message) string {
	switch {
	case len(msg.Images) > 0:
		return "Photo"
	case msg.Video != nil:
		return "Video"
	default:
		return "Message"
	}
}

// Recipients returns who should be notified about a message, excluding the
// sender. For chats that is whoever holds a wrapped key entry; for channels,
// the participant list.
func Recipients(conv *models.Conversation, msg *models.Message) []int64 {
	var candidates []int64
	if msg.Mode == models.ModeChat && len(msg.Keys) > 0 {
		for userID := range msg.Keys {
			candidates = append(candidates, userID)
		}
	} else {
		candidates = conv.Participants
	}

	var out []int64
	for _, userID := range candidates {
		if userID != msg.SenderID {
			out = append(out, userID)
		}
	}
	return out
}

// MessageCommitted notifies every recipient of a freshly committed message.
// Sends run in the background; a commit never waits on push delivery.
func (n *Notifier) MessageCommitted(conv *models.Conversation, msg *models.Message) {
	if n == nil {
		return
	}
	n.fanOut(conv, msg.SenderID, Recipients(conv, msg), "message", MessageKind(msg))
}

// InfoChanged notifies participants that conversation metadata changed, e.g.
// a rename or membership update performed by actorID.
func (n *Notifier) InfoChanged(conv *models.Conversation, actorID int64) {
	if n == nil {
		return
	}
	var recipients []int64
	for _, userID := range conv.Participants {
		if userID != actorID {
			recipients = append(recipients, userID)
		}
	}
	n.fanOut(conv, actorID, recipients, "info", "")
}

func (n *Notifier) fanOut(conv *models.Conversation, senderID int64, recipients []int64, eventType, messageKind string) {
	if len(recipients) == 0 {
		return
	}

	users, err := n.participantUsers(conv.Participants, senderID)
	if err != nil {
		log.Printf("push: failed to load participants for %s: %v", conv.ID, err)
		return
	}

	data, _ := json.Marshal(buildPayload(conv, senderID, users, eventType, messageKind))

	for _, userID := range recipients {
		if n.muted(conv.ID, userID) {
			continue
		}
		subs, err := n.subscriptions(userID)
		if err != nil {
			log.Printf("push: failed to query subscriptions for user %d: %v", userID, err)
			continue
		}
		for _, sub := range subs {
			go n.sendToSubscription(sub, data)
		}
	}
}

func buildPayload(conv *models.Conversation, senderID int64, users map[int64]*models.User, eventType, messageKind string) Payload {
	p := Payload{
		ConversationID:      conv.ID,
		ConversationHasName: conv.Name != nil,
		ParticipantNames:    make(map[int64]string, len(conv.Participants)),
		EventType:           eventType,
		MessageKind:         messageKind,
	}
	if sender, ok := users[senderID]; ok {
		p.SenderDisplayName = sender.Name()
	}
	// With more than two people the short variant keeps the teaser compact.
	short := len(conv.Participants) > 2
	for _, userID := range conv.Participants {
		u, ok := users[userID]
		if !ok {
			continue
		}
		if short {
			p.ParticipantNames[userID] = u.ShortName()
		} else {
			p.ParticipantNames[userID] = u.Name()
		}
	}
	return p
}

// muted reports whether the user silenced this conversation.
func (n *Notifier) muted(convID string, userID int64) bool {
	var setting int
	err := n.db.QueryRow(
		"SELECT notifications FROM conversation_state WHERE conversation_id = ? AND user_id = ?",
		convID, userID,
	).Scan(&setting)
	if err != nil {
		// No row means the default setting: notify.
		return false
	}
	return models.NotificationSetting(setting) == models.NotifyNone
}

func (n *Notifier) subscriptions(userID int64) ([]Subscription, error) {
	rows, err := n.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (n *Notifier) participantUsers(participants []int64, senderID int64) (map[int64]*models.User, error) {
	ids := append([]int64(nil), participants...)
	seen := map[int64]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[senderID] {
		ids = append(ids, senderID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := n.db.Query(
		"SELECT id, username, display_name FROM users WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make(map[int64]*models.User, len(ids))
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName); err != nil {
			return nil, err
		}
		users[u.ID] = u
	}
	return users, rows.Err()
}

// Subscribe stores a Web Push subscription for the user, replacing any prior
// record for the same endpoint.
func (n *Notifier) Subscribe(userID int64, sub Subscription) error {
	if n == nil {
		return nil
	}
	_, err := n.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id,
			p256dh = excluded.p256dh, auth = excluded.auth, revoked_at = NULL`,
		userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth)
	return err
}

// Unsubscribe removes the subscription for an endpoint.
func (n *Notifier) Unsubscribe(userID int64, endpoint string) error {
	if n == nil {
		return nil
	}
	_, err := n.db.Exec(
		"UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP WHERE user_id = ? AND endpoint = ?",
		userID, endpoint)
	return err
}

func (n *Notifier) sendToSubscription(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		log.Printf("push: failed to send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription expired; clean it up.
	if resp.StatusCode == 410 || resp.StatusCode == 404 {
		n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint)
		log.Printf("push: removed expired subscription %s (status %d)", sub.Endpoint, resp.StatusCode)
	}
}
