package websocket

import (
	"sync"

	"guardloop/pkg/logger"
)

// InboundHandler processes one decoded envelope from an agent connection.
type InboundHandler func(agentID string, env Envelope)

// DisconnectHandler is called when an agent's connection drops.
type DisconnectHandler func(agentID string)

// HelloHandler is called with an agent's hello fields before its
// connection is registered, so the Gateway can create or refresh the
// agent's record first.
type HelloHandler func(agentID, hostname, platform string)

// Hub maintains the set of connected agent clients and routes outbound
// messages to the right one. One Client per agent, keyed by AgentID once
// its hello handshake is processed.
type Hub struct {
	clients map[string]*Client // agentID -> client

	register   chan *Client
	unregister chan *Client
	send       chan *BroadcastMessage

	mu sync.RWMutex

	onInbound    InboundHandler
	onDisconnect DisconnectHandler
	onHello      HelloHandler
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		send:       make(chan *BroadcastMessage, 256),
	}
}

// SetInboundHandler sets the callback invoked for every decoded envelope.
func (h *Hub) SetInboundHandler(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInbound = fn
}

// SetDisconnectHandler sets the callback invoked when an agent disconnects.
func (h *Hub) SetDisconnectHandler(fn DisconnectHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// SetHelloHandler sets the callback invoked with an agent's hello fields.
func (h *Hub) SetHelloHandler(fn HelloHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHello = fn
}

func (h *Hub) dispatchInbound(agentID string, env Envelope) {
	h.mu.RLock()
	fn := h.onInbound
	h.mu.RUnlock()
	if fn != nil {
		fn(agentID, env)
	}
}

func (h *Hub) dispatchHello(agentID, hostname, platform string) {
	h.mu.RLock()
	fn := h.onHello
	h.mu.RUnlock()
	if fn != nil {
		fn(agentID, hostname, platform)
	}
}

// Run starts the hub's main loop; call it from a single goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.agentID] = client
			h.mu.Unlock()
			logger.Info().Str("agent_id", client.agentID).Msg("agent connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.agentID]; ok && existing == client {
				delete(h.clients, client.agentID)
				close(client.send)
			}
			h.mu.Unlock()
			logger.Info().Str("agent_id", client.agentID).Msg("agent disconnected")

			h.mu.RLock()
			onDisconnect := h.onDisconnect
			h.mu.RUnlock()
			if onDisconnect != nil {
				onDisconnect(client.agentID)
			}

		case msg := <-h.send:
			h.mu.RLock()
			client, ok := h.clients[msg.AgentID]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case client.send <- msg.Data:
			default:
				// Outbound buffer full; the Dispatcher's natural cadence
				// will retry on the next tick.
			}
		}
	}
}

// Register adds a connected client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// SendTo queues data for delivery to agentID's connection, if connected.
func (h *Hub) SendTo(agentID string, data []byte) {
	h.send <- &BroadcastMessage{AgentID: agentID, Data: data}
}

// IsConnected reports whether agentID currently has a live connection.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[agentID]
	return ok
}

// ConnectedCount returns the number of connected agents.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
