package services

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"flowcrm/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// HubMessage is the wire format pushed to connected operators.
type HubMessage struct {
	Type      string    `json:"type"`
	UserID    uint      `json:"user_id"`
	Message   string    `json:"message"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type hubClient struct {
	ID     string
	UserID uint
	Conn   *websocket.Conn
	Send   chan HubMessage
	Hub    *NotificationHub
}

// NotificationHub fans notification messages out to the websocket clients of
// the targeted operator.
type NotificationHub struct {
	clients    map[string]*hubClient
	broadcast  chan HubMessage
	register   chan *hubClient
	unregister chan *hubClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var hubUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the deployment proxy
	},
}

func NewNotificationHub(logger *logrus.Logger) *NotificationHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan HubMessage),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		logger:     logger,
	}
}

func (h *NotificationHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("notification hub: client %s connected (user=%d)", client.ID, client.UserID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("notification hub: client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if message.UserID != 0 && client.UserID != message.UserID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Push queues a notification for delivery to the owning operator's clients.
// Non-blocking; with no consumer the message is dropped.
func (h *NotificationHub) Push(n *models.Notification) {
	msg := HubMessage{
		Type:      "notification",
		UserID:    n.UserID,
		Message:   n.Message,
		Token:     n.Token,
		CreatedAt: n.CreatedAt,
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *NotificationHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
// The operator id comes from the user_id query parameter.
func (h *NotificationHub) HandleWebSocket(c *gin.Context) {
	conn, err := hubUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("notification hub: upgrade failed: %v", err)
		return
	}

	userID, _ := strconv.ParseUint(c.Query("user_id"), 10, 32)
	client := &hubClient{
		ID:     fmt.Sprintf("client_%d", time.Now().UnixNano()),
		UserID: uint(userID),
		Conn:   conn,
		Send:   make(chan HubMessage, 64),
		Hub:    h,
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *hubClient) writePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		if err := c.Conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
