package sse

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Client is an active SSE observer of one agent's session.
type Client struct {
	ClientID    string
	AgentID     string
	ConnectedAt time.Time
	MessageChan chan *Message
}

func NewClient(clientID, agentID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 100
	}
	return &Client{
		ClientID:    clientID,
		AgentID:     agentID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, buffer),
	}
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.MessageChan)
}

// Message is one SSE frame. SessionID and Sequence form the event id so
// observers can resume with Last-Event-ID.
type Message struct {
	Event     string          `json:"event"`
	SessionID uuid.UUID       `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Data      json.RawMessage `json:"data"`
}

// ID renders "<sessionId>:<sequence>", or the bare sequence for messages
// without a session.
func (m *Message) ID() string {
	if m.SessionID == uuid.Nil {
		return strconv.FormatInt(m.Sequence, 10)
	}
	return m.SessionID.String() + ":" + strconv.FormatInt(m.Sequence, 10)
}

// ParseID is the inverse of ID for session scoped ids.
func ParseID(raw string) (uuid.UUID, int64, bool) {
	sid, seq, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return uuid.Nil, 0, false
	}
	sessionID, err := uuid.Parse(sid)
	if err != nil {
		return uuid.Nil, 0, false
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return uuid.Nil, 0, false
	}
	return sessionID, n, true
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		c.Close()
		delete(h.clients, client.ClientID)
	}
}

func (h *Hub) GetClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToAgent sends msg to every observer of agentID and returns how
// many clients accepted it. Clients with a full buffer miss the message.
func (h *Hub) BroadcastToAgent(agentID string, msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.AgentID == agentID && trySend(c, msg) {
			sent++
		}
	}
	return sent
}

// Publish implements studio.Sink.
func (h *Hub) Publish(_ context.Context, agentID string, u studio.Update) error {
	msg, err := NewMessage(u)
	if err != nil {
		return err
	}
	h.BroadcastToAgent(agentID, msg)
	return nil
}

// NewMessage wraps an update as an SSE frame.
func NewMessage(u studio.Update) (*Message, error) {
	var (
		data []byte
		err  error
	)
	switch u.Type {
	case studio.UpdateChange:
		data, err = json.Marshal(u.Change)
	case studio.UpdatePresence:
		data, err = json.Marshal(u.Presence)
	default:
		data, err = json.Marshal(u.Welcome)
	}
	if err != nil {
		return nil, err
	}
	return &Message{Event: string(u.Type), SessionID: u.SessionID, Sequence: u.Sequence, Data: data}, nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
