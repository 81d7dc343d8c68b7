package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"guardloop/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 256 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents connect from arbitrary LAN addresses
	},
}

// Client is one agent's WebSocket connection.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	agentID     string
	connectedAt time.Time
}

// NewClient creates a client bound to the hub, pending its hello handshake.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 64),
		connectedAt: time.Now(),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("agent_id", c.agentID).Msg("agent connection read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		logger.Error().Err(err).Msg("failed to parse agent envelope")
		return
	}

	if env.Type == TypeHello {
		c.agentID = env.AgentID
		c.hub.dispatchHello(env.AgentID, env.Hostname, env.Platform)
		c.hub.Register(c)
		return
	}
	if env.Type == TypePing {
		c.sendPong()
		return
	}
	if c.agentID == "" {
		// Agents must hello before anything else is processed.
		return
	}
	c.hub.dispatchInbound(c.agentID, env)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error().Err(err).Str("agent_id", c.agentID).Msg("agent connection write error")
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

func (c *Client) sendPong() {
	data, _ := json.Marshal(Envelope{Type: TypePong})
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades an HTTP request to a WebSocket agent connection and
// registers it with hub once the agent's hello arrives.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	client := NewClient(hub, conn)
	go client.writePump()
	go client.readPump()
}
