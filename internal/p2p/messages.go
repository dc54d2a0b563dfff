package p2p

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of a P2P message
type MessageType string

const (
	// Transport-internal types
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeAuth         MessageType = "auth"
	MessageTypeAuthResponse MessageType = "auth_response"

	// Application types, forwarded to the transport handler
	MessageTypeDiscovery MessageType = "discovery"
	MessageTypeData      MessageType = "data"
	MessageTypeSync      MessageType = "sync"
	MessageTypeEvent     MessageType = "event"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
)

// DefaultTTL is the hop budget carried by every message. It is decremented
// only when the hub relays a message; direct sends never touch it.
const DefaultTTL = 3

// Message is the wire envelope exchanged between nodes
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	FromNode  string                 `json:"from_node"`
	ToNode    string                 `json:"to_node"`
	Timestamp float64                `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Signature string                 `json:"signature"`
	TTL       int                    `json:"ttl"`
}

// NewMessage creates a new unsigned message with standard fields
func NewMessage(msgType MessageType, fromNode, toNode string, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		FromNode:  fromNode,
		ToNode:    toNode,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:   payload,
		TTL:       DefaultTTL,
	}
}

// signingBase returns the canonical string the signature covers: the
// envelope identity plus the payload. encoding/json emits map keys sorted,
// so the payload encoding is stable across a JSON round trip.
func (msg *Message) signingBase() string {
	ts := strconv.FormatFloat(msg.Timestamp, 'f', 6, 64)
	payload, _ := json.Marshal(msg.Payload)
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", msg.ID, msg.Type, msg.FromNode, msg.ToNode, ts, payload)
}

// Sign computes the HMAC-SHA256 signature of the message with the shared
// secret and stores it on the message
func (msg *Message) Sign(secret []byte) {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg.signingBase()))
	msg.Signature = hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
// A message with an empty signature never verifies.
func (msg *Message) Verify(secret []byte) bool {
	if msg.Signature == "" {
		return false
	}

	expected, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg.signingBase()))
	return hmac.Equal(mac.Sum(nil), expected)
}

// Marshal serializes the message to JSON bytes
func (msg *Message) Marshal() ([]byte, error) {
	return json.Marshal(msg)
}

// UnmarshalMessage deserializes JSON bytes to a message
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %v", err)
	}
	return &msg, nil
}

// Validate performs basic validation on the envelope
func (msg *Message) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.FromNode == "" {
		return fmt.Errorf("message from_node is required")
	}
	if msg.Timestamp == 0 {
		return fmt.Errorf("message timestamp is required")
	}

	switch msg.Type {
	case MessageTypeAuth:
		if challenge, _ := msg.Payload["challenge"].(string); challenge == "" {
			return fmt.Errorf("auth message requires a challenge")
		}
	case MessageTypeAuthResponse:
		if challenge, _ := msg.Payload["challenge"].(string); challenge == "" {
			return fmt.Errorf("auth_response message requires the echoed challenge")
		}
	case MessageTypePong:
		if pingID, _ := msg.Payload["ping_id"].(string); pingID == "" {
			return fmt.Errorf("pong message requires ping_id")
		}
	}

	return nil
}

// IsTransportInternal reports whether the transport consumes this type
// itself instead of forwarding it to the handler
func (t MessageType) IsTransportInternal() bool {
	switch t {
	case MessageTypePing, MessageTypePong, MessageTypeAuth, MessageTypeAuthResponse:
		return true
	default:
		return false
	}
}

// CreateAuth creates a signed auth message carrying a random challenge
func CreateAuth(fromNode, toNode string, secret []byte) (*Message, string, error) {
	challengeBytes := make([]byte, 16)
	if _, err := rand.Read(challengeBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate auth challenge: %v", err)
	}
	challenge := hex.EncodeToString(challengeBytes)

	msg := NewMessage(MessageTypeAuth, fromNode, toNode, map[string]interface{}{
		"challenge": challenge,
	})
	msg.Sign(secret)
	return msg, challenge, nil
}

// CreateAuthResponse creates a signed auth_response echoing the challenge
func CreateAuthResponse(fromNode, toNode, challenge string, secret []byte) *Message {
	msg := NewMessage(MessageTypeAuthResponse, fromNode, toNode, map[string]interface{}{
		"challenge": challenge,
	})
	msg.Sign(secret)
	return msg
}

// CreatePing creates a signed ping message
func CreatePing(fromNode, toNode string, secret []byte) *Message {
	msg := NewMessage(MessageTypePing, fromNode, toNode, map[string]interface{}{
		"sent_at": float64(time.Now().UnixNano()) / float64(time.Second),
	})
	msg.Sign(secret)
	return msg
}

// CreatePong creates a signed pong response matched to the originating ping
func CreatePong(fromNode, toNode, pingID string, secret []byte) *Message {
	msg := NewMessage(MessageTypePong, fromNode, toNode, map[string]interface{}{
		"ping_id": pingID,
	})
	msg.Sign(secret)
	return msg
}
