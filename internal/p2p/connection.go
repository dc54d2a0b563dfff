package p2p

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from a peer
	maxMessageSize = 1024 * 1024 // 1 MB
)

// Connection represents one authenticated WebSocket channel to a peer
type Connection struct {
	PeerID           string
	IsAuthenticated  bool
	ConnectedAt      time.Time
	LastActivity     time.Time
	MessagesSent     int64
	MessagesReceived int64

	conn       *websocket.Conn
	writeMutex sync.Mutex
	stateMutex sync.RWMutex
	connected  bool
}

// newConnection wraps an upgraded/dialled websocket for a peer
func newConnection(peerID string, conn *websocket.Conn) *Connection {
	now := time.Now()
	return &Connection{
		PeerID:       peerID,
		ConnectedAt:  now,
		LastActivity: now,
		conn:         conn,
		connected:    true,
	}
}

// Send marshals, signs nothing (callers sign), and writes a message frame.
// Safe for concurrent use; gorilla websocket allows one writer at a time.
func (c *Connection) Send(msg *Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %v", c.PeerID, err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("connection to %s is closed", c.PeerID)
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message to %s: %v", c.PeerID, err)
	}

	c.stateMutex.Lock()
	c.MessagesSent++
	c.LastActivity = time.Now()
	c.stateMutex.Unlock()

	return nil
}

// readMessage blocks on the next frame and parses it
func (c *Connection) readMessage() (*Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		return nil, err
	}

	c.stateMutex.Lock()
	c.MessagesReceived++
	c.LastActivity = time.Now()
	c.stateMutex.Unlock()

	return msg, nil
}

// IsConnected reports whether the underlying socket is still usable
func (c *Connection) IsConnected() bool {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.connected
}

// Close tears down the socket. Idempotent.
func (c *Connection) Close() error {
	c.stateMutex.Lock()
	if !c.connected {
		c.stateMutex.Unlock()
		return nil
	}
	c.connected = false
	c.stateMutex.Unlock()

	return c.conn.Close()
}

// Stats returns a snapshot of the connection counters
func (c *Connection) Stats() map[string]interface{} {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()

	return map[string]interface{}{
		"peer_id":           c.PeerID,
		"is_authenticated":  c.IsAuthenticated,
		"connected_at":      c.ConnectedAt,
		"last_activity":     c.LastActivity,
		"messages_sent":     c.MessagesSent,
		"messages_received": c.MessagesReceived,
	}
}
