package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sealgram/sealgram/internal/auth"
	"github.com/sealgram/sealgram/internal/blob"
	"github.com/sealgram/sealgram/internal/codec"
	"github.com/sealgram/sealgram/internal/crypto"
	"github.com/sealgram/sealgram/internal/db"
	"github.com/sealgram/sealgram/internal/keyring"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/push"
	"github.com/sealgram/sealgram/internal/readline"
	"github.com/sealgram/sealgram/internal/store"
)

type testApp struct {
	router *gin.Engine
	store  *store.Store
}

type testUser struct {
	id      int64
	token   string
	public  string
	private string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	conn := database.GetConn()

	cipher := crypto.NaCl{}
	st := store.New(conn)
	keys := keyring.New(cipher, st, st)
	tracker := readline.New(st, st)
	blobs := blob.NewFileStore(t.TempDir())
	var notifier *push.Notifier // push disabled in tests
	cdc := codec.New(cipher, keys, st, st, st, blobs, tracker, notifier)

	authSvc := auth.New(conn, "test-secret")
	authHandler := NewAuthHandler(authSvc)
	convHandler := NewConversationHandler(st, keys, cdc, tracker, notifier, nil)
	msgHandler := NewMessageHandler(st, cdc)
	userHandler := NewUserHandler(st)

	router := gin.New()
	router.POST("/api/register", authHandler.Register)
	router.POST("/api/login", authHandler.Login)

	api := router.Group("/api", authHandler.AuthMiddleware())
	api.GET("/users", userHandler.Search)
	api.GET("/users/:id", userHandler.Get)
	api.GET("/me", userHandler.Me)

	api.POST("/conversations", convHandler.Create)
	api.GET("/conversations", convHandler.List)
	api.GET("/conversations/unread", convHandler.UnreadSummary)
	api.GET("/conversations/:id", convHandler.Get)
	api.PUT("/conversations/:id/name", convHandler.Rename)
	api.POST("/conversations/:id/participants", convHandler.AddParticipant)
	api.DELETE("/conversations/:id/participants", convHandler.RemoveParticipant)
	api.POST("/conversations/:id/leave", convHandler.Leave)
	api.PUT("/conversations/:id/readline", convHandler.SaveReadline)
	api.DELETE("/conversations/:id/readline", convHandler.ClearReadline)
	api.PUT("/conversations/:id/notifications", convHandler.SetNotifications)
	api.GET("/conversations/:id/unread", convHandler.UnreadCount)

	api.POST("/conversations/:id/messages", msgHandler.Save)
	api.GET("/conversations/:id/messages", msgHandler.List)
	api.GET("/messages/:id", msgHandler.Get)
	api.DELETE("/messages/:id", msgHandler.Delete)

	return &testApp{router: router, store: st}
}

func (a *testApp) register(t *testing.T, username string) *testUser {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	u := &testUser{
		public:  base64.StdEncoding.EncodeToString(pub),
		private: base64.StdEncoding.EncodeToString(priv),
	}

	body, _ := json.Marshal(map[string]string{
		"username":   username,
		"password":   "password1",
		"public_key": u.public,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", username, w.Code, w.Body.String())
	}

	var resp struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	u.token = resp.Token
	u.id = resp.UserID
	return u
}

func (a *testApp) do(t *testing.T, u *testUser, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+u.token)
		req.Header.Set("X-Public-Key", u.public)
		req.Header.Set("X-Private-Key", u.private)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
}

func TestRegisterAndLogin(t *testing.T) {
	app := newTestApp(t)
	u := app.register(t, "alice")
	if u.token == "" || u.id == 0 {
		t.Fatal("registration did not yield a session")
	}

	w := app.do(t, nil, http.MethodPost, "/api/login", map[string]string{
		"username": "alice", "password": "password1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t)
	w := app.do(t, nil, http.MethodGet, "/api/conversations", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func createConversation(t *testing.T, app *testApp, u *testUser, mode models.Mode, participants []int64, name string) *ConversationView {
	t.Helper()
	w := app.do(t, u, http.MethodPost, "/api/conversations", map[string]interface{}{
		"mode": mode, "participants": participants, "name": name,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create conversation: status %d: %s", w.Code, w.Body.String())
	}
	var view ConversationView
	decode(t, w, &view)
	return &view
}

func TestChatConversationFlow(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	view := createConversation(t, app, alice, models.ModeChat, []int64{bob.id}, "")
	if len(view.Participants) != 2 {
		t.Fatalf("participants = %v", view.Participants)
	}
	if view.Key == "" {
		t.Fatal("creator has no wrapped key entry")
	}

	// Send a message.
	w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "hello bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("save message: status %d: %s", w.Code, w.Body.String())
	}
	var msg models.Message
	decode(t, w, &msg)
	if !msg.Encryption {
		t.Fatal("chat message not encrypted")
	}
	if msg.Text != nil && *msg.Text == "hello bob" {
		t.Fatal("message text stored in cleartext")
	}
	if len(msg.Keys) != 1 {
		t.Fatalf("sender's serialization has %d key entries, want their own only", len(msg.Keys))
	}

	// Bob lists messages and sees only his own key entry.
	w = app.do(t, bob, http.MethodGet, "/api/conversations/"+view.ID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list messages: status %d", w.Code)
	}
	var listing struct {
		Messages []*models.Message `json:"messages"`
	}
	decode(t, w, &listing)
	if len(listing.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(listing.Messages))
	}
	if _, ok := listing.Messages[0].Keys[alice.id]; ok {
		t.Fatal("bob's view leaks alice's wrapped key")
	}
	if _, ok := listing.Messages[0].Keys[bob.id]; !ok {
		t.Fatal("bob's view is missing his own wrapped key")
	}
}

func TestUnreadFlow(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	view := createConversation(t, app, alice, models.ModeChat, []int64{bob.id}, "")

	// Unset readline: unread with unknown count.
	w := app.do(t, bob, http.MethodGet, "/api/conversations/"+view.ID+"/unread", nil)
	var unread struct {
		UnreadCount int  `json:"unread_count"`
		UnreadKnown bool `json:"unread_known"`
	}
	decode(t, w, &unread)
	if unread.UnreadKnown {
		t.Fatal("expected unknown count before any readline")
	}

	// Set a readline in the past, then receive a message.
	if w := app.do(t, bob, http.MethodPut, "/api/conversations/"+view.ID+"/readline",
		map[string]int64{"readline": 1}); w.Code != http.StatusOK {
		t.Fatalf("save readline: status %d: %s", w.Code, w.Body.String())
	}
	if w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "ping"}); w.Code != http.StatusCreated {
		t.Fatalf("save message: status %d: %s", w.Code, w.Body.String())
	}

	w = app.do(t, bob, http.MethodGet, "/api/conversations/"+view.ID+"/unread", nil)
	decode(t, w, &unread)
	if !unread.UnreadKnown || unread.UnreadCount != 1 {
		t.Fatalf("unread = %+v, want count 1", unread)
	}

	// The summary lists the conversation with the pending message.
	w = app.do(t, bob, http.MethodGet, "/api/conversations/unread", nil)
	var summary struct {
		Unread []struct {
			ConversationID string            `json:"conversation_id"`
			UnreadCount    int               `json:"unread_count"`
			Messages       []*models.Message `json:"messages"`
		} `json:"unread"`
	}
	decode(t, w, &summary)
	if len(summary.Unread) != 1 || summary.Unread[0].UnreadCount != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Unread[0].Messages) != 1 {
		t.Fatal("summary is missing the unread message")
	}

	// Clearing resets to the unknown state.
	if w := app.do(t, bob, http.MethodDelete, "/api/conversations/"+view.ID+"/readline", nil); w.Code != http.StatusOK {
		t.Fatalf("clear readline: status %d", w.Code)
	}
	w = app.do(t, bob, http.MethodGet, "/api/conversations/"+view.ID+"/unread", nil)
	decode(t, w, &unread)
	if unread.UnreadKnown {
		t.Fatal("expected unknown count after clearing the readline")
	}
}

func TestReadlineZeroIsValid(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")

	view := createConversation(t, app, alice, models.ModeChat, nil, "")

	// Zero is the epoch, not "missing": the save must go through.
	w := app.do(t, alice, http.MethodPut, "/api/conversations/"+view.ID+"/readline",
		map[string]int64{"readline": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("save zero readline: status %d: %s", w.Code, w.Body.String())
	}

	var conv ConversationView
	w = app.do(t, alice, http.MethodGet, "/api/conversations/"+view.ID, nil)
	decode(t, w, &conv)
	if conv.Readline == nil || *conv.Readline != 0 {
		t.Fatalf("readline = %v, want 0", conv.Readline)
	}

	// A body without the field is still rejected.
	w = app.do(t, alice, http.MethodPut, "/api/conversations/"+view.ID+"/readline",
		map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing readline accepted: status %d", w.Code)
	}
}

func TestEncryptedNameRoundTrip(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	view := createConversation(t, app, alice, models.ModeChannelPrivate, []int64{bob.id}, "Weekend Plans")
	if !view.HasName || view.Name != "Weekend Plans" {
		t.Fatalf("creator's view = %+v", view)
	}

	// Bob decrypts the same name with his own key entry.
	w := app.do(t, bob, http.MethodGet, "/api/conversations/"+view.ID, nil)
	var bobView ConversationView
	decode(t, w, &bobView)
	if bobView.Name != "Weekend Plans" {
		t.Fatalf("bob sees %q", bobView.Name)
	}

	// The stored name is ciphertext.
	conv, err := app.store.GetConversation(view.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Name == nil || *conv.Name == "Weekend Plans" {
		t.Fatal("name stored in cleartext")
	}
}

func TestPermissionDenied(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	mallory := app.register(t, "mallory")

	view := createConversation(t, app, alice, models.ModeChat, nil, "")

	w := app.do(t, mallory, http.MethodGet, "/api/conversations/"+view.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-participant access: status %d", w.Code)
	}

	// A nonexistent conversation answers identically.
	w2 := app.do(t, mallory, http.MethodGet, "/api/conversations/no-such-id", nil)
	if w2.Code != http.StatusForbidden {
		t.Fatalf("missing conversation: status %d", w2.Code)
	}
	if w.Body.String() != w2.Body.String() {
		t.Fatal("forbidden and not-found responses are distinguishable")
	}
}

func TestPublicChannelReadableByAnyone(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	visitor := app.register(t, "visitor")

	view := createConversation(t, app, alice, models.ModeChannelPublic, nil, "Announcements")
	if w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "welcome"}); w.Code != http.StatusCreated {
		t.Fatalf("save message: status %d: %s", w.Code, w.Body.String())
	}

	w := app.do(t, visitor, http.MethodGet, "/api/conversations/"+view.ID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("visitor read: status %d", w.Code)
	}
	var listing struct {
		Messages []*models.Message `json:"messages"`
	}
	decode(t, w, &listing)
	if len(listing.Messages) != 1 || listing.Messages[0].Text == nil || *listing.Messages[0].Text != "welcome" {
		t.Fatalf("visitor sees %+v", listing.Messages)
	}

	// Reads are open to anyone; writes still require membership.
	if w := app.do(t, visitor, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "drive-by"}); w.Code != http.StatusForbidden {
		t.Fatalf("visitor write: status %d: %s", w.Code, w.Body.String())
	}
}

func TestAddParticipantToPrivateChannel(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	carol := app.register(t, "carol")

	view := createConversation(t, app, alice, models.ModeChannelPrivate, nil, "")
	if w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "before carol"}); w.Code != http.StatusCreated {
		t.Fatalf("save message: status %d: %s", w.Code, w.Body.String())
	}

	w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/participants",
		map[string]int64{"user_id": carol.id})
	if w.Code != http.StatusOK {
		t.Fatalf("add participant: status %d: %s", w.Code, w.Body.String())
	}

	// Carol holds a wrapped entry for the existing channel key.
	w = app.do(t, carol, http.MethodGet, "/api/conversations/"+view.ID, nil)
	var carolView ConversationView
	decode(t, w, &carolView)
	if carolView.Key == "" {
		t.Fatal("late joiner has no wrapped key entry")
	}

	// An informational join message was recorded, unencrypted.
	w = app.do(t, carol, http.MethodGet, "/api/conversations/"+view.ID+"/messages", nil)
	var listing struct {
		Messages []*models.Message `json:"messages"`
	}
	decode(t, w, &listing)
	foundInfo := false
	for _, msg := range listing.Messages {
		if msg.Informational {
			foundInfo = true
			if msg.Encryption {
				t.Fatal("informational message is encrypted")
			}
		}
	}
	if !foundInfo {
		t.Fatal("no informational message recorded for the membership change")
	}
}

func TestMessageDeleteBySenderOnly(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	view := createConversation(t, app, alice, models.ModeChat, []int64{bob.id}, "")
	w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]string{"text": "to be deleted"})
	var msg models.Message
	decode(t, w, &msg)

	if w := app.do(t, bob, http.MethodDelete, "/api/messages/"+msg.ID, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-sender delete: status %d", w.Code)
	}
	if w := app.do(t, alice, http.MethodDelete, "/api/messages/"+msg.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("sender delete: status %d: %s", w.Code, w.Body.String())
	}
}

func TestValidationErrorsReported(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")

	view := createConversation(t, app, alice, models.ModeChat, nil, "")

	// An image with every required field missing.
	w := app.do(t, alice, http.MethodPost, "/api/conversations/"+view.ID+"/messages",
		map[string]interface{}{
			"images": []map[string]string{{}},
		})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Fields []codec.ValidationError `json:"fields"`
	}
	decode(t, w, &resp)
	if len(resp.Fields) < 3 {
		t.Fatalf("expected every failing field reported, got %v", resp.Fields)
	}
}

func TestNotificationSetting(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")

	view := createConversation(t, app, alice, models.ModeChat, nil, "")

	w := app.do(t, alice, http.MethodPut, "/api/conversations/"+view.ID+"/notifications",
		map[string]int{"setting": int(models.NotifyNone)})
	if w.Code != http.StatusOK {
		t.Fatalf("set notifications: status %d: %s", w.Code, w.Body.String())
	}

	w = app.do(t, alice, http.MethodPut, "/api/conversations/"+view.ID+"/notifications",
		map[string]int{"setting": 99})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid setting accepted: status %d", w.Code)
	}
}

func TestUserDirectory(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	w := app.do(t, alice, http.MethodGet, "/api/users?q=bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search: status %d", w.Code)
	}
	var users []struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		PublicKey string `json:"public_key"`
	}
	decode(t, w, &users)
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("search results = %+v", users)
	}
	if users[0].PublicKey != bob.public {
		t.Fatal("public key not discoverable")
	}

	w = app.do(t, bob, http.MethodGet, fmt.Sprintf("/api/users/%d", alice.id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get user: status %d", w.Code)
	}
}
