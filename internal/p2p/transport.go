package p2p

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// WSPath is the WebSocket endpoint peers dial for P2P connections
const WSPath = "/ws/p2p/"

// TransportHandler receives transport events. PING/PONG and the auth
// handshake are consumed inside the transport and never reach the handler.
type TransportHandler interface {
	OnMessage(msg *Message)
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)
}

// Transport maintains authenticated bidirectional WebSocket channels to peers
type Transport struct {
	config  *utils.ConfigManager
	logger  *utils.LogsManager
	nodeID  string
	secret  []byte
	handler TransportHandler

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	conns      map[string]*Connection
	connsMutex sync.RWMutex

	pendingPings map[string]chan struct{}
	pingMutex    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTransport creates a transport bound to this node's identity and secret
func NewTransport(config *utils.ConfigManager, logger *utils.LogsManager, nodeID string, secret []byte) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		config: config,
		logger: logger,
		nodeID: nodeID,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers authenticate with signed envelopes, not origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:        make(map[string]*Connection),
		pendingPings: make(map[string]chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetHandler registers the single consumer of transport events
func (t *Transport) SetHandler(handler TransportHandler) {
	t.handler = handler
}

// Start begins listening for inbound peer connections on the P2P port
func (t *Transport) Start() error {
	port := t.config.GetConfigInt("p2p_port", 8001, 1024, 65535)
	addr := fmt.Sprintf(":%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind P2P transport to %s: %v", addr, err)
	}
	t.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, t.HandleWebSocket)

	t.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 0, // long-lived websocket connections
		IdleTimeout: 0,
	}

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error(fmt.Sprintf("P2P transport server error: %v", err), "transport")
		}
	}()

	t.logger.Info(fmt.Sprintf("P2P transport listening on port %d", port), "transport")
	return nil
}

// HandleWebSocket upgrades an inbound connection and enforces the auth gate:
// the first frame must be a valid signed auth message or the socket is
// closed without a reply.
func (t *Transport) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn(fmt.Sprintf("WebSocket upgrade failed: %v", err), "transport")
		return
	}

	authTimeout := t.config.GetConfigDuration("connect_timeout", 10*time.Second)
	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(authTimeout))

	_, data, err := wsConn.ReadMessage()
	if err != nil {
		wsConn.Close()
		return
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		t.logger.Warn("Rejecting connection: malformed first frame", "transport")
		wsConn.Close()
		return
	}

	if msg.Type != MessageTypeAuth {
		t.logger.Warn(fmt.Sprintf("Rejecting connection: first frame type '%s', expected auth", msg.Type), "transport")
		wsConn.Close()
		return
	}

	if err := msg.Validate(); err != nil || !msg.Verify(t.secret) {
		t.logger.Warn(fmt.Sprintf("Rejecting connection: auth verification failed for claimed peer %s", msg.FromNode), "transport")
		wsConn.Close()
		return
	}

	challenge, _ := msg.Payload["challenge"].(string)
	response := CreateAuthResponse(t.nodeID, msg.FromNode, challenge, t.secret)

	conn := newConnection(msg.FromNode, wsConn)
	conn.IsAuthenticated = true

	if err := conn.Send(response); err != nil {
		t.logger.Warn(fmt.Sprintf("Failed to send auth response to %s: %v", msg.FromNode, err), "transport")
		conn.Close()
		return
	}

	wsConn.SetReadDeadline(time.Time{})
	t.registerConnection(conn)
	go t.readLoop(conn)
}

// Connect dials a peer, authenticates, and registers the connection.
// Returns false (with no error surfaced upward) on any connection failure.
func (t *Transport) Connect(ctx context.Context, peerID, address string, port int) bool {
	if _, exists := t.GetConnection(peerID); exists {
		return true
	}

	timeout := t.config.GetConfigDuration("connect_timeout", 10*time.Second)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", address, port), Path: WSPath}

	wsConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		t.logger.Debug(fmt.Sprintf("Failed to connect to %s at %s: %v", peerID, endpoint.Host, err), "transport")
		return false
	}

	auth, challenge, err := CreateAuth(t.nodeID, peerID, t.secret)
	if err != nil {
		t.logger.Error(fmt.Sprintf("Failed to build auth message: %v", err), "transport")
		wsConn.Close()
		return false
	}

	conn := newConnection(peerID, wsConn)
	if err := conn.Send(auth); err != nil {
		t.logger.Debug(fmt.Sprintf("Failed to send auth to %s: %v", peerID, err), "transport")
		conn.Close()
		return false
	}

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(timeout))

	response, err := conn.readMessage()
	if err != nil {
		t.logger.Debug(fmt.Sprintf("No auth response from %s: %v", peerID, err), "transport")
		conn.Close()
		return false
	}

	echoed, _ := response.Payload["challenge"].(string)
	if response.Type != MessageTypeAuthResponse || !response.Verify(t.secret) || echoed != challenge {
		t.logger.Warn(fmt.Sprintf("Auth handshake with %s failed, closing", peerID), "transport")
		conn.Close()
		return false
	}

	wsConn.SetReadDeadline(time.Time{})
	conn.IsAuthenticated = true
	t.registerConnection(conn)
	go t.readLoop(conn)

	t.logger.Info(fmt.Sprintf("Connected to peer %s at %s", peerID, endpoint.Host), "transport")
	return true
}

// readLoop pumps frames from one connection until it closes
func (t *Transport) readLoop(conn *Connection) {
	defer func() {
		t.removeConnection(conn.PeerID)
		conn.Close()
		if t.handler != nil {
			t.handler.OnPeerDisconnected(conn.PeerID)
		}
	}()

	for {
		msg, err := conn.readMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug(fmt.Sprintf("Connection to %s closed: %v", conn.PeerID, err), "transport")
			}
			return
		}

		// Signed envelopes only once authenticated; a bad signature is a
		// protocol violation and terminates the connection.
		if msg.Signature == "" || !msg.Verify(t.secret) {
			t.logger.Warn(fmt.Sprintf("Signature verification failed on message from %s, closing connection", conn.PeerID), "transport")
			return
		}

		switch msg.Type {
		case MessageTypePing:
			pong := CreatePong(t.nodeID, msg.FromNode, msg.ID, t.secret)
			if err := conn.Send(pong); err != nil {
				t.logger.Debug(fmt.Sprintf("Failed to send pong to %s: %v", conn.PeerID, err), "transport")
			}

		case MessageTypePong:
			if pingID, ok := msg.Payload["ping_id"].(string); ok {
				t.resolvePing(pingID)
			}

		case MessageTypeAuth, MessageTypeAuthResponse:
			// Handshake already completed; ignore duplicates

		default:
			if t.handler != nil {
				t.handler.OnMessage(msg)
			}
		}
	}
}

// Send delivers a pre-built message to a connected peer, signing it first
func (t *Transport) Send(peerID string, msg *Message) error {
	conn, exists := t.GetConnection(peerID)
	if !exists {
		return fmt.Errorf("no connection to peer %s", peerID)
	}

	msg.Sign(t.secret)
	return conn.Send(msg)
}

// SendMessage builds, signs and delivers a message to a connected peer
func (t *Transport) SendMessage(peerID string, msgType MessageType, payload map[string]interface{}) error {
	return t.Send(peerID, NewMessage(msgType, t.nodeID, peerID, payload))
}

// Ping measures round-trip latency to a peer. The pong is matched to its
// ping by correlation id through a pending-request map; an unmatched ping
// times out after ping_timeout.
func (t *Transport) Ping(peerID string) (float64, error) {
	conn, exists := t.GetConnection(peerID)
	if !exists {
		return 0, fmt.Errorf("no connection to peer %s", peerID)
	}

	ping := CreatePing(t.nodeID, peerID, t.secret)

	done := make(chan struct{})
	t.pingMutex.Lock()
	t.pendingPings[ping.ID] = done
	t.pingMutex.Unlock()

	defer func() {
		t.pingMutex.Lock()
		delete(t.pendingPings, ping.ID)
		t.pingMutex.Unlock()
	}()

	start := time.Now()
	if err := conn.Send(ping); err != nil {
		return 0, err
	}

	timeout := t.config.GetConfigDuration("ping_timeout", 5*time.Second)
	select {
	case <-done:
		return float64(time.Since(start).Microseconds()) / 1000.0, nil
	case <-time.After(timeout):
		return 0, fmt.Errorf("ping to %s timed out", peerID)
	case <-t.ctx.Done():
		return 0, fmt.Errorf("transport is shutting down")
	}
}

func (t *Transport) resolvePing(pingID string) {
	t.pingMutex.Lock()
	done, exists := t.pendingPings[pingID]
	if exists {
		delete(t.pendingPings, pingID)
	}
	t.pingMutex.Unlock()

	if exists {
		close(done)
	}
}

// Broadcast fans a message out to every connected peer except exclude.
// Individual send failures are isolated so one dead peer cannot abort the
// broadcast. Returns the number of peers the message was sent to.
func (t *Transport) Broadcast(msgType MessageType, payload map[string]interface{}, exclude string) int {
	t.connsMutex.RLock()
	peers := make([]string, 0, len(t.conns))
	for peerID := range t.conns {
		if peerID != exclude {
			peers = append(peers, peerID)
		}
	}
	t.connsMutex.RUnlock()

	var wg sync.WaitGroup
	var sent int64
	var sentMutex sync.Mutex

	for _, peerID := range peers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := t.SendMessage(id, msgType, payload); err != nil {
				t.logger.Debug(fmt.Sprintf("Broadcast to %s failed: %v", id, err), "transport")
				return
			}
			sentMutex.Lock()
			sent++
			sentMutex.Unlock()
		}(peerID)
	}
	wg.Wait()

	return int(sent)
}

func (t *Transport) registerConnection(conn *Connection) {
	t.connsMutex.Lock()
	if existing, exists := t.conns[conn.PeerID]; exists {
		existing.Close()
	}
	t.conns[conn.PeerID] = conn
	t.connsMutex.Unlock()

	if t.handler != nil {
		t.handler.OnPeerConnected(conn.PeerID)
	}
}

func (t *Transport) removeConnection(peerID string) {
	t.connsMutex.Lock()
	delete(t.conns, peerID)
	t.connsMutex.Unlock()
}

// GetConnection returns the live connection for a peer, if any
func (t *Transport) GetConnection(peerID string) (*Connection, bool) {
	t.connsMutex.RLock()
	defer t.connsMutex.RUnlock()
	conn, exists := t.conns[peerID]
	return conn, exists
}

// ConnectedPeers returns the ids of all currently connected peers
func (t *Transport) ConnectedPeers() []string {
	t.connsMutex.RLock()
	defer t.connsMutex.RUnlock()

	peers := make([]string, 0, len(t.conns))
	for peerID := range t.conns {
		peers = append(peers, peerID)
	}
	return peers
}

// Disconnect closes the connection to a peer, if any
func (t *Transport) Disconnect(peerID string) {
	if conn, exists := t.GetConnection(peerID); exists {
		conn.Close()
	}
}

// Stop shuts down the listener and closes all peer connections
func (t *Transport) Stop() error {
	t.cancel()

	t.connsMutex.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*Connection)
	t.connsMutex.Unlock()

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}

	return nil
}
