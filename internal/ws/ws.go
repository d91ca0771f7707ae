package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sealgram/sealgram/internal/codec"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/push"
	"github.com/sealgram/sealgram/internal/readline"
)

type Hub struct {
	clients    map[int64]*Client
	broadcast  chan *delivery
	register   chan *Client
	unregister chan *Client
	readlines  *readline.Tracker
	mu         sync.RWMutex
}

type Client struct {
	userID int64
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
}

// Event is the wire shape for everything pushed over the socket.
type Event struct {
	Type           string          `json:"type"` // "message", "readline", "conversation"
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Readline       *int64          `json:"readline,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
}

// delivery pairs an event with its audience. The message inside is redacted
// per recipient at send time, never before.
type delivery struct {
	recipients []int64
	conv       *models.Conversation
	msg        *models.Message
	event      *Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(readlines *readline.Tracker) *Hub {
	return &Hub{
		clients:    make(map[int64]*Client),
		broadcast:  make(chan *delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		readlines:  readlines,
	}
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// MessageCommitted pushes a freshly committed message to every connected
// recipient, plus the sender so they receive the canonical record. Cached
// unread counts for the conversation are stale from this moment.
func (h *Hub) MessageCommitted(conv *models.Conversation, msg *models.Message) {
	if h.readlines != nil {
		h.readlines.InvalidateConversation(conv.ID)
	}

	recipients := append(push.Recipients(conv, msg), msg.SenderID)
	h.broadcast <- &delivery{recipients: recipients, conv: conv, msg: msg}
}

// InfoChanged tells participants that conversation metadata changed.
func (h *Hub) InfoChanged(conv *models.Conversation, actorID int64) {
	h.broadcast <- &delivery{
		recipients: conv.Participants,
		event: &Event{
			Type:           "conversation",
			ConversationID: conv.ID,
			UserID:         actorID,
		},
	}
}

// ReadlineChanged echoes a readline update back to the user's other devices.
func (h *Hub) ReadlineChanged(convID string, userID int64, rl *int64) {
	h.broadcast <- &delivery{
		recipients: []int64{userID},
		event: &Event{
			Type:           "readline",
			ConversationID: convID,
			Readline:       rl,
			UserID:         userID,
		},
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.userID] = client
			h.mu.Unlock()
			log.Printf("User %d connected (total: %d)", client.userID, len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("User %d disconnected (total: %d)", client.userID, len(h.clients))

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d *delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range d.recipients {
		client, ok := h.clients[userID]
		if !ok {
			continue
		}

		event := d.event
		if event == nil {
			// A message sent to viewer A must never carry viewer B's
			// wrapped key entry.
			event = &Event{
				Type:           "message",
				ConversationID: d.conv.ID,
				Message:        codec.RedactForViewer(d.msg, userID),
			}
		}

		select {
		case client.send <- event:
		default:
			log.Printf("Event channel full for user %d", userID)
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int64),
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, 256),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var event struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversation_id"`
			Readline       *int64 `json:"readline"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "readline":
			c.handleReadline(event.ConversationID, event.Readline)
		}
	}
}

func (c *Client) handleReadline(convID string, rl *int64) {
	if convID == "" || c.hub.readlines == nil {
		return
	}

	var err error
	if rl == nil {
		err = c.hub.readlines.ClearReadline(convID, c.userID)
	} else {
		err = c.hub.readlines.SaveReadline(convID, c.userID, *rl)
	}
	if err != nil {
		log.Printf("Failed to save readline: %v", err)
		return
	}

	c.hub.ReadlineChanged(convID, c.userID, rl)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
