package p2p

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

type capturedEvents struct {
	mu            sync.Mutex
	messages      []*Message
	connected     []string
	disconnected  []string
	messageSignal chan struct{}
}

func newCapturedEvents() *capturedEvents {
	return &capturedEvents{messageSignal: make(chan struct{}, 16)}
}

func (c *capturedEvents) OnMessage(msg *Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.messageSignal <- struct{}{}
}

func (c *capturedEvents) OnPeerConnected(peerID string) {
	c.mu.Lock()
	c.connected = append(c.connected, peerID)
	c.mu.Unlock()
}

func (c *capturedEvents) OnPeerDisconnected(peerID string) {
	c.mu.Lock()
	c.disconnected = append(c.disconnected, peerID)
	c.mu.Unlock()
}

func (c *capturedEvents) lastMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

func setupTransport(t *testing.T, nodeID string) (*Transport, *capturedEvents) {
	t.Helper()

	cm := utils.NewConfigManager("")
	cm.SetConfig("connect_timeout", "2s")
	cm.SetConfig("ping_timeout", "2s")
	logger := utils.NewLogsManager(cm)

	transport := NewTransport(cm, logger, nodeID, testSecret)
	events := newCapturedEvents()
	transport.SetHandler(events)

	t.Cleanup(func() {
		transport.Stop()
		logger.Close()
	})

	return transport, events
}

// serveTransport exposes a transport's WebSocket handler on an ephemeral
// port and returns the host and port to dial.
func serveTransport(t *testing.T, transport *Transport) (string, int) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(transport.HandleWebSocket))
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("Failed to parse test server port: %v", err)
	}
	return parsed.Hostname(), port
}

func dialRaw(t *testing.T, host string, port int) *websocket.Conn {
	t.Helper()

	endpoint := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(port), Path: WSPath}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		t.Fatalf("Failed to dial test transport: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAuthGateRejectsNonAuthFirstFrame(t *testing.T) {
	transport, _ := setupTransport(t, "node-b")
	host, port := serveTransport(t, transport)

	conn := dialRaw(t, host, port)

	msg := NewMessage(MessageTypeData, "node-a", "node-b", map[string]interface{}{"x": 1})
	msg.Sign(testSecret)
	data, _ := msg.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write first frame: %v", err)
	}

	// The gate closes the socket without replying
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after a non-auth first frame")
	}

	if peers := transport.ConnectedPeers(); len(peers) != 0 {
		t.Errorf("Expected no registered peers, got %v", peers)
	}
}

func TestAuthGateRejectsBadSignature(t *testing.T) {
	transport, _ := setupTransport(t, "node-b")
	host, port := serveTransport(t, transport)

	conn := dialRaw(t, host, port)

	auth, _, err := CreateAuth("node-a", "node-b", []byte("not-the-shared-secret"))
	if err != nil {
		t.Fatalf("Failed to build auth message: %v", err)
	}
	data, _ := auth.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after a badly signed auth")
	}
}

func TestAuthGateAcceptsValidAuth(t *testing.T) {
	transport, _ := setupTransport(t, "node-b")
	host, port := serveTransport(t, transport)

	conn := dialRaw(t, host, port)

	auth, challenge, err := CreateAuth("node-a", "node-b", testSecret)
	if err != nil {
		t.Fatalf("Failed to build auth message: %v", err)
	}
	data, _ := auth.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected an auth response, got read error: %v", err)
	}

	response, err := UnmarshalMessage(frame)
	if err != nil {
		t.Fatalf("Failed to parse auth response: %v", err)
	}
	if response.Type != MessageTypeAuthResponse {
		t.Errorf("Expected auth_response, got %s", response.Type)
	}
	if echoed, _ := response.Payload["challenge"].(string); echoed != challenge {
		t.Errorf("Auth response challenge %q does not match sent challenge %q", echoed, challenge)
	}
	if !response.Verify(testSecret) {
		t.Error("Auth response is not verifiable")
	}

	waitFor(t, func() bool {
		_, exists := transport.GetConnection("node-a")
		return exists
	}, "connection registration")
}

func TestConnectAndSendBetweenTransports(t *testing.T) {
	transportA, _ := setupTransport(t, "node-a")
	transportB, eventsB := setupTransport(t, "node-b")
	host, port := serveTransport(t, transportB)

	if !transportA.Connect(context.Background(), "node-b", host, port) {
		t.Fatal("Failed to connect to peer transport")
	}

	if _, exists := transportA.GetConnection("node-b"); !exists {
		t.Fatal("Dialer did not register the connection")
	}
	waitFor(t, func() bool {
		_, exists := transportB.GetConnection("node-a")
		return exists
	}, "acceptor connection registration")

	err := transportA.SendMessage("node-b", MessageTypeData, map[string]interface{}{
		"greeting": "hello",
	})
	if err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	select {
	case <-eventsB.messageSignal:
	case <-time.After(2 * time.Second):
		t.Fatal("Receiver handler never saw the message")
	}

	msg := eventsB.lastMessage()
	if msg.FromNode != "node-a" {
		t.Errorf("Expected message from node-a, got %s", msg.FromNode)
	}
	if greeting, _ := msg.Payload["greeting"].(string); greeting != "hello" {
		t.Errorf("Payload did not survive transport: %v", msg.Payload)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	transportA, _ := setupTransport(t, "node-a")
	transportB, _ := setupTransport(t, "node-b")
	host, port := serveTransport(t, transportB)

	if !transportA.Connect(context.Background(), "node-b", host, port) {
		t.Fatal("Failed to connect to peer transport")
	}
	if !transportA.Connect(context.Background(), "node-b", host, port) {
		t.Error("Second connect to an already connected peer should succeed")
	}
	if peers := transportA.ConnectedPeers(); len(peers) != 1 {
		t.Errorf("Expected one connection, got %v", peers)
	}
}

func TestPingMeasuresLatency(t *testing.T) {
	transportA, _ := setupTransport(t, "node-a")
	transportB, _ := setupTransport(t, "node-b")
	host, port := serveTransport(t, transportB)

	if !transportA.Connect(context.Background(), "node-b", host, port) {
		t.Fatal("Failed to connect to peer transport")
	}

	latency, err := transportA.Ping("node-b")
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if latency <= 0 {
		t.Errorf("Expected a positive latency, got %f", latency)
	}

	// The correlation entry is removed once the pong is matched
	transportA.pingMutex.Lock()
	pending := len(transportA.pendingPings)
	transportA.pingMutex.Unlock()
	if pending != 0 {
		t.Errorf("Expected no pending pings after a matched pong, got %d", pending)
	}
}

func TestPingUnknownPeerFails(t *testing.T) {
	transport, _ := setupTransport(t, "node-a")

	if _, err := transport.Ping("node-x"); err == nil {
		t.Error("Expected ping to an unknown peer to fail")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	transport, _ := setupTransport(t, "node-a")

	err := transport.SendMessage("node-x", MessageTypeData, nil)
	if err == nil || !strings.Contains(err.Error(), "no connection") {
		t.Errorf("Expected a no-connection error, got %v", err)
	}
}

func waitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
