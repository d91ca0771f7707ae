package push

import (
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sealgram/sealgram/internal/db"
	"github.com/sealgram/sealgram/internal/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(db.Schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func str(s string) *string { return &s }

func TestRecipientsExcludeSender(t *testing.T) {
	conv := &models.Conversation{ID: "c1", Mode: models.ModeChat, Participants: []int64{1, 2, 3}}
	msg := &models.Message{
		SenderID: 1,
		Mode:     models.ModeChat,
		Keys:     map[int64]string{1: "a", 2: "b", 3: "c"},
	}

	got := Recipients(conv, msg)
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %v", got)
	}
	for _, id := range got {
		if id == 1 {
			t.Fatal("sender included in recipients")
		}
	}
}

func TestRecipientsChannelUsesParticipants(t *testing.T) {
	conv := &models.Conversation{ID: "c1", Mode: models.ModeChannelPublic, Participants: []int64{1, 2}}
	msg := &models.Message{SenderID: 2, Mode: models.ModeChannelPublic}

	got := Recipients(conv, msg)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
}

func TestRecipientsSoloConversationEmpty(t *testing.T) {
	conv := &models.Conversation{ID: "c1", Mode: models.ModeChat, Participants: []int64{1}}
	msg := &models.Message{SenderID: 1, Mode: models.ModeChat, Keys: map[int64]string{1: "a"}}

	if got := Recipients(conv, msg); len(got) != 0 {
		t.Fatalf("expected no recipients, got %v", got)
	}
}

func TestMessageKind(t *testing.T) {
	if got := MessageKind(&models.Message{Images: []models.Attachment{{}}}); got != "Photo" {
		t.Fatalf("got %q", got)
	}
	if got := MessageKind(&models.Message{Video: &models.Attachment{}}); got != "Video" {
		t.Fatalf("got %q", got)
	}
	if got := MessageKind(&models.Message{Text: str("hi")}); got != "Message" {
		t.Fatalf("got %q", got)
	}
}

func TestNilNotifierIsInert(t *testing.T) {
	var n *Notifier
	if n := NewNotifier(nil, "", "", ""); n != nil {
		t.Fatal("expected nil notifier without VAPID keys")
	}
	n.MessageCommitted(&models.Conversation{}, &models.Message{})
	n.InfoChanged(&models.Conversation{}, 1)
	if n.VAPIDPublicKey() != "" {
		t.Fatal("nil notifier returned a key")
	}
	if err := n.Subscribe(1, Subscription{}); err != nil {
		t.Fatalf("Subscribe on nil notifier: %v", err)
	}
}

func TestSubscribeAndQuery(t *testing.T) {
	conn := testDB(t)
	n := NewNotifier(conn, "pub", "priv", "mailto:ops@example.com")

	if _, err := conn.Exec("INSERT INTO users (id, username, password_hash, public_key) VALUES (1, 'alice', 'x', 'pk')"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	sub := Subscription{Endpoint: "https://push.example/ep1", KeyP256dh: "dh", KeyAuth: "au"}
	if err := n.Subscribe(1, sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Resubscribing the same endpoint replaces, not duplicates.
	if err := n.Subscribe(1, sub); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}

	subs, err := n.subscriptions(1)
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != sub.Endpoint {
		t.Fatalf("got %v", subs)
	}

	if err := n.Unsubscribe(1, sub.Endpoint); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subs, err = n.subscriptions(1)
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatal("revoked subscription still returned")
	}
}

func TestMutedSetting(t *testing.T) {
	conn := testDB(t)
	n := NewNotifier(conn, "pub", "priv", "mailto:ops@example.com")

	if n.muted("c1", 1) {
		t.Fatal("missing row must default to notifying")
	}

	if _, err := conn.Exec(
		"INSERT INTO conversations (id, mode, created_at) VALUES ('c1', 0, 0)"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := conn.Exec(
		"INSERT INTO conversation_state (conversation_id, user_id, notifications) VALUES ('c1', 1, ?)",
		int(models.NotifyNone)); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if !n.muted("c1", 1) {
		t.Fatal("NotifyNone must mute")
	}

	if _, err := conn.Exec(
		"UPDATE conversation_state SET notifications = ? WHERE conversation_id = 'c1' AND user_id = 1",
		int(models.NotifyMentions)); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if n.muted("c1", 1) {
		t.Fatal("non-None settings must not mute")
	}
}

func TestPayloadParticipantNamesKeyedByID(t *testing.T) {
	alice := &models.User{ID: 1, Username: "alice", DisplayName: str("Alice Aster")}
	bob := &models.User{ID: 2, Username: "bob"}
	carol := &models.User{ID: 3, Username: "carol", DisplayName: str("Carol Cole")}
	users := map[int64]*models.User{1: alice, 2: bob, 3: carol}

	name := "ciphertext"
	conv := &models.Conversation{ID: "c1", Mode: models.ModeChat, Participants: []int64{1, 2}, Name: &name}
	p := buildPayload(conv, 1, users, "message", "Photo")

	if p.SenderDisplayName != "Alice Aster" || !p.ConversationHasName {
		t.Fatalf("payload = %+v", p)
	}
	// Two participants: full names, keyed by user id.
	if p.ParticipantNames[1] != "Alice Aster" || p.ParticipantNames[2] != "bob" {
		t.Fatalf("participant names = %v", p.ParticipantNames)
	}

	// More than two: the short variant, still id-keyed.
	conv.Participants = []int64{1, 2, 3}
	p = buildPayload(conv, 1, users, "message", "Message")
	if p.ParticipantNames[1] != "Alice" || p.ParticipantNames[3] != "Carol" {
		t.Fatalf("short participant names = %v", p.ParticipantNames)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var decoded struct {
		ParticipantNames map[string]string `json:"participantNames"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.ParticipantNames["2"] != "bob" {
		t.Fatalf("wire shape = %v, want id-keyed object", decoded.ParticipantNames)
	}
}

func TestParticipantUsersIncludesSender(t *testing.T) {
	conn := testDB(t)
	n := NewNotifier(conn, "pub", "priv", "mailto:ops@example.com")

	seed := `INSERT INTO users (id, username, password_hash, public_key, display_name) VALUES
		(1, 'alice', 'x', 'pk', 'Alice Aster'),
		(2, 'bob', 'x', 'pk', NULL),
		(3, 'carol', 'x', 'pk', 'Carol Cole')`
	if _, err := conn.Exec(seed); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	// Sender 3 is not in the participant list (already left) but still
	// needs a display name for the payload.
	users, err := n.participantUsers([]int64{1, 2}, 3)
	if err != nil {
		t.Fatalf("participantUsers: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	if users[1].Name() != "Alice Aster" || users[2].Name() != "bob" {
		t.Fatal("display-name fallback broken")
	}
	if users[1].ShortName() != "Alice" {
		t.Fatalf("short name = %q", users[1].ShortName())
	}
}
