package stream

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

type hubClient struct {
	conn  *websocket.Conn
	users map[string]bool
	send  chan []byte
	once  sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub 把账户推送分发给订阅了对应 user_id 的 WebSocket 连接
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewHub builds a hub. A nil checkOrigin accepts every origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// ParseUsers splits repeated and comma separated user_id values.
func ParseUsers(values []string) map[string]bool {
	users := make(map[string]bool)
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				users[id] = true
			}
		}
	}
	return users
}

// ServeHTTP upgrades the request and subscribes it to ?user_id=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	users := ParseUsers(r.URL.Query()["user_id"])
	if len(users) == 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &hubClient{conn: conn, users: users, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.WithFields(log.Fields{"remote": r.RemoteAddr, "users": len(users)}).Info("account stream subscribed")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readPump only services control frames; clients never send data.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast delivers u to every connection subscribed to u.UserID and
// returns how many received it. Slow connections are dropped.
func (h *Hub) Broadcast(u *AccountUpdate) int {
	body, err := json.Marshal(u)
	if err != nil {
		log.Errorf("marshal account update: %v", err)
		return 0
	}

	var slow []*hubClient
	n := 0
	h.mu.RLock()
	for c := range h.clients {
		if !c.users[u.UserID] {
			continue
		}
		select {
		case c.send <- body:
			n++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.WithField("user", u.UserID).Warn("account stream client too slow, dropping")
		h.remove(c)
	}
	return n
}

// Consume is the RabbitMQ handler: undecodable bodies are logged and
// acknowledged so they are not redelivered forever.
func (h *Hub) Consume(body []byte) error {
	u, err := Decode(body)
	if err != nil {
		log.Warnf("drop account update: %v", err)
		return nil
	}
	h.Broadcast(u)
	return nil
}

// Clients returns the number of live connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
