package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/discovery"
	"github.com/unibos-labs/unibos-node/internal/p2p"
	"github.com/unibos-labs/unibos-node/internal/utils"
	"github.com/unibos-labs/unibos-node/internal/workers"
)

// Version of the node software, advertised via mDNS and the hub registry
const Version = "1.0.0"

// Offline operation types the manager queues
const (
	OpRelayMessage = "relay_message"
)

// MessageListener receives application messages after the manager has
// verified and routed them
type MessageListener interface {
	OnPeerMessage(msg *p2p.Message)
}

// Manager is the composition root of the node: it owns discovery, transport,
// the hub client and the merged peer table, and decides direct-vs-relay
// routing for outbound messages.
type Manager struct {
	config *utils.ConfigManager
	logger *utils.LogsManager

	nodeID   string
	hostname string
	secret   []byte

	discovery *discovery.Service
	transport *p2p.Transport
	hub       *p2p.HubClient
	db        *database.SQLiteManager
	pool      *workers.WorkerPool

	peers      map[string]*PeerInfo
	peersMutex sync.RWMutex

	listeners      []MessageListener
	listenersMutex sync.RWMutex

	discoveryEnabled bool
	transportEnabled bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager wires the node's components around a shared config and database
func NewManager(config *utils.ConfigManager, logger *utils.LogsManager, db *database.SQLiteManager, pool *workers.WorkerPool) *Manager {
	nodeID := config.GetConfigWithDefault("node_id", "")
	if nodeID == "" {
		nodeID = uuid.New().String()
		config.SetConfig("node_id", nodeID)
		logger.Info(fmt.Sprintf("Generated node id %s", nodeID), "core")
	}

	hostname := config.GetConfigWithDefault("hostname", "")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	secret := []byte(config.GetConfigWithDefault("secret_key", ""))

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:   config,
		logger:   logger,
		nodeID:   nodeID,
		hostname: hostname,
		secret:   secret,
		db:       db,
		pool:     pool,
		peers:    make(map[string]*PeerInfo),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.discovery = discovery.NewService(config, logger, nodeID, Version, runtime.GOOS)
	m.discovery.SetListener(m)

	m.transport = p2p.NewTransport(config, logger, nodeID, secret)
	m.transport.SetHandler(m)

	m.hub = p2p.NewHubClient(config, logger, nodeID, secret)

	return m
}

// NodeID returns this node's identity
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Transport exposes the transport for the API layer's WebSocket route
func (m *Manager) Transport() *p2p.Transport {
	return m.transport
}

// AddMessageListener registers a consumer of verified application messages
func (m *Manager) AddMessageListener(listener MessageListener) {
	m.listenersMutex.Lock()
	defer m.listenersMutex.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Start brings up transport, discovery and the periodic loops. Subsystem
// failures degrade the node instead of aborting startup; GetStatus reports
// what is actually running.
func (m *Manager) Start() error {
	if m.running {
		return nil
	}

	if err := m.transport.Start(); err != nil {
		m.logger.Error(fmt.Sprintf("Transport failed to start: %v", err), "core")
		m.transportEnabled = false
	} else {
		m.transportEnabled = true
	}

	m.discoveryEnabled = m.discovery.Start(true)

	m.wg.Add(1)
	go m.healthCheckLoop()

	m.wg.Add(1)
	go m.staleSweepLoop()

	if m.hub != nil {
		m.wg.Add(1)
		go m.hubSyncLoop()
	}

	m.running = true
	m.logger.Info(fmt.Sprintf("Manager started (node %s, discovery: %v, transport: %v, hub: %v)",
		m.nodeID, m.discoveryEnabled, m.transportEnabled, m.hub != nil), "core")
	return nil
}

// Stop shuts down subsystems and joins the background loops
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	m.running = false

	m.discovery.Stop()
	m.cancel()
	m.wg.Wait()

	if err := m.transport.Stop(); err != nil {
		m.logger.Error(fmt.Sprintf("Transport shutdown failed: %v", err), "core")
	}

	m.logger.Info("Manager stopped", "core")
}

// OnPeerDiscovered merges an mDNS sighting into the peer table. A peer the
// hub already told us about widens to BOTH; auto-connect is attempted when
// enabled and no connection exists yet.
func (m *Manager) OnPeerDiscovered(node *discovery.DiscoveredNode) {
	m.peersMutex.Lock()

	peer, exists := m.peers[node.NodeID]
	if !exists {
		peer = &PeerInfo{
			NodeID:        node.NodeID,
			DiscoveredVia: ViaMDNS,
			FirstSeen:     time.Now(),
		}
		m.peers[node.NodeID] = peer
	}

	peer.Hostname = node.Hostname
	peer.Version = node.Version
	peer.Platform = node.Platform
	peer.Capabilities = node.Capabilities
	peer.MergeAddresses(node.Addresses)
	peer.AddPath(PathDirect)
	peer.LastSeen = time.Now()

	shouldConnect := m.config.GetConfigBool("p2p_auto_connect", true) &&
		m.transportEnabled && !peer.IsConnected
	addresses := make([]discovery.NodeAddress, len(peer.Addresses))
	copy(addresses, peer.Addresses)

	m.peersMutex.Unlock()

	m.logger.Debug(fmt.Sprintf("Peer %s discovered via mDNS (%d addresses)", node.NodeID, len(addresses)), "core")

	if shouldConnect {
		nodeID := node.NodeID
		if err := m.pool.Submit(func() {
			m.tryConnect(nodeID, addresses)
		}); err != nil {
			m.logger.Debug(fmt.Sprintf("Auto-connect to %s not scheduled: %v", nodeID, err), "core")
		}
	}
}

// OnPeerRemoved narrows the peer's path when its mDNS service disappears.
// The entry itself survives until the stale sweep evicts it.
func (m *Manager) OnPeerRemoved(nodeID string) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()

	peer, exists := m.peers[nodeID]
	if !exists {
		return
	}
	if !peer.IsConnected {
		peer.RemovePath(PathDirect)
	}
	m.logger.Debug(fmt.Sprintf("Peer %s left mDNS (path now %s)", nodeID, peer.ConnectionPath), "core")
}

// OnPeerConnected records a successful transport handshake
func (m *Manager) OnPeerConnected(peerID string) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()

	peer, exists := m.peers[peerID]
	if !exists {
		peer = &PeerInfo{
			NodeID:        peerID,
			DiscoveredVia: ViaManual,
			FirstSeen:     time.Now(),
		}
		m.peers[peerID] = peer
	}

	peer.IsConnected = true
	peer.AddPath(PathDirect)
	peer.LastSeen = time.Now()

	m.logger.Info(fmt.Sprintf("Peer %s connected", peerID), "core")
}

// OnPeerDisconnected records a lost transport connection
func (m *Manager) OnPeerDisconnected(peerID string) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()

	if peer, exists := m.peers[peerID]; exists {
		peer.IsConnected = false
	}
	m.logger.Info(fmt.Sprintf("Peer %s disconnected", peerID), "core")
}

// OnMessage fans a transport-delivered application message out to listeners
func (m *Manager) OnMessage(msg *p2p.Message) {
	m.peersMutex.Lock()
	if peer, exists := m.peers[msg.FromNode]; exists {
		peer.LastSeen = time.Now()
	}
	m.peersMutex.Unlock()

	m.dispatch(msg)
}

func (m *Manager) dispatch(msg *p2p.Message) {
	m.listenersMutex.RLock()
	listeners := make([]MessageListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMutex.RUnlock()

	for _, l := range listeners {
		l.OnPeerMessage(msg)
	}
}

// tryConnect dials each known address in order and stops at the first success
func (m *Manager) tryConnect(peerID string, addresses []discovery.NodeAddress) {
	timeout := m.config.GetConfigDuration("connect_timeout", 10*time.Second)

	for _, addr := range addresses {
		ctx, cancel := context.WithTimeout(m.ctx, timeout)
		ok := m.transport.Connect(ctx, peerID, addr.IP, addr.Port)
		cancel()

		if ok {
			return
		}
	}
	m.logger.Debug(fmt.Sprintf("Could not connect to %s on any of %d addresses", peerID, len(addresses)), "core")
}

// ConnectPeer dials a peer at an explicit address and records it in the table
func (m *Manager) ConnectPeer(peerID, address string, port int) bool {
	m.peersMutex.Lock()
	peer, exists := m.peers[peerID]
	if !exists {
		peer = &PeerInfo{
			NodeID:        peerID,
			DiscoveredVia: ViaManual,
			FirstSeen:     time.Now(),
		}
		m.peers[peerID] = peer
	}
	peer.MergeAddresses([]discovery.NodeAddress{{IP: address, Port: port}})
	peer.LastSeen = time.Now()
	m.peersMutex.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.GetConfigDuration("connect_timeout", 10*time.Second))
	defer cancel()
	return m.transport.Connect(ctx, peerID, address, port)
}

// SendMessage routes an application message: a live transport connection
// wins; otherwise a hub-reachable peer goes through the relay; otherwise the
// send fails. A failed relay is queued for offline retry before the error is
// returned.
func (m *Manager) SendMessage(peerID string, msgType p2p.MessageType, payload map[string]interface{}) error {
	if _, connected := m.transport.GetConnection(peerID); connected {
		return m.transport.SendMessage(peerID, msgType, payload)
	}

	m.peersMutex.RLock()
	peer, exists := m.peers[peerID]
	var path ConnectionPath
	if exists {
		path = peer.ConnectionPath
	}
	m.peersMutex.RUnlock()

	if !exists {
		return fmt.Errorf("unknown peer %s", peerID)
	}

	if (path == PathHub || path == PathBoth) && m.hub != nil {
		msg := p2p.NewMessage(msgType, m.nodeID, peerID, payload)
		msg.Sign(m.secret)

		ctx, cancel := context.WithTimeout(m.ctx, m.config.GetConfigDuration("connect_timeout", 10*time.Second))
		defer cancel()

		if err := m.hub.RelayMessage(ctx, msg); err != nil {
			m.queueRelayRetry(msg)
			return fmt.Errorf("hub relay to %s failed: %v", peerID, err)
		}
		return nil
	}

	return fmt.Errorf("no route to peer %s (path %s, not connected)", peerID, path)
}

// queueRelayRetry stores an undeliverable relay message in the offline queue
func (m *Manager) queueRelayRetry(msg *p2p.Message) {
	data, err := msg.Marshal()
	if err != nil {
		return
	}

	expires := time.Now().Add(24 * time.Hour)
	_, err = m.db.Offline.Enqueue(&database.OfflineOperation{
		ID:            uuid.New().String(),
		OperationType: OpRelayMessage,
		TargetNode:    msg.ToNode,
		Payload:       string(data),
		Priority:      5,
		MaxRetries:    m.config.GetConfigInt("offline_max_retries", 5, 1, 20),
		ExpiresAt:     &expires,
	})
	if err != nil {
		m.logger.Error(fmt.Sprintf("Failed to queue relay retry for %s: %v", msg.ToNode, err), "core")
	}
}

// RetryRelay is the offline-queue handler for spooled relay messages
func (m *Manager) RetryRelay(ctx context.Context, op *database.OfflineOperation) error {
	if m.hub == nil {
		return fmt.Errorf("no hub configured")
	}

	msg, err := p2p.UnmarshalMessage([]byte(op.Payload))
	if err != nil {
		return fmt.Errorf("corrupt queued message: %v", err)
	}

	// Direct delivery may have become possible since the message was queued
	if _, connected := m.transport.GetConnection(msg.ToNode); connected {
		return m.transport.Send(msg.ToNode, msg)
	}

	return m.hub.RelayMessage(ctx, msg)
}

// Broadcast sends to every connected peer, returning the delivery count
func (m *Manager) Broadcast(msgType p2p.MessageType, payload map[string]interface{}) int {
	return m.transport.Broadcast(msgType, payload, "")
}

// healthCheckLoop pings every connected peer and records latency
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.config.GetConfigDuration("health_check_interval", 60*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkPeerHealth()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) checkPeerHealth() {
	for _, peerID := range m.transport.ConnectedPeers() {
		latency, err := m.transport.Ping(peerID)
		if err != nil {
			m.logger.Debug(fmt.Sprintf("Health check ping to %s failed: %v", peerID, err), "core")
			continue
		}

		m.peersMutex.Lock()
		if peer, exists := m.peers[peerID]; exists {
			peer.LatencyMS = latency
			peer.LastSeen = time.Now()
		}
		m.peersMutex.Unlock()
	}
}

// hubSyncLoop announces this node and merges the hub's registry periodically
func (m *Manager) hubSyncLoop() {
	defer m.wg.Done()

	// First sync right away so the node shows up without waiting a tick
	m.syncWithHub()

	interval := m.config.GetConfigDuration("hub_sync_interval", 300*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.syncWithHub()
		case <-m.ctx.Done():
			return
		}
	}
}

// syncWithHub runs one announce + discover + pending-pickup cycle. Hub
// failures are logged and retried next tick.
func (m *Manager) syncWithHub() {
	timeout := m.config.GetConfigDuration("connect_timeout", 10*time.Second)
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	ip := ""
	if addrs := discovery.LocalAddresses(); len(addrs) > 0 {
		ip = addrs[0]
	}
	announce := p2p.HubNode{
		ID:        m.nodeID,
		Hostname:  m.hostname,
		IPAddress: ip,
		Port:      m.config.GetConfigInt("p2p_port", 8001, 1024, 65535),
		Version:   Version,
		Platform:  runtime.GOOS,
	}
	if err := m.hub.Announce(ctx, announce); err != nil {
		m.logger.Debug(fmt.Sprintf("Hub announce failed: %v", err), "core")
	}

	nodes, err := m.hub.DiscoverNodes(ctx)
	if err != nil {
		m.logger.Debug(fmt.Sprintf("Hub discovery failed, retrying next cycle: %v", err), "core")
		return
	}
	m.mergeHubNodes(nodes)

	pending, err := m.hub.FetchPendingRelayed(ctx)
	if err != nil {
		m.logger.Debug(fmt.Sprintf("Pending relay pickup failed: %v", err), "core")
		return
	}
	for _, msg := range pending {
		m.acceptRelayed(msg)
	}
}

// mergeHubNodes folds the hub registry into the peer table. A hub entry for
// a peer we already reach directly widens the path to BOTH.
func (m *Manager) mergeHubNodes(nodes []p2p.HubNode) {
	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()

	for _, node := range nodes {
		if node.ID == m.nodeID {
			continue
		}

		peer, exists := m.peers[node.ID]
		if !exists {
			peer = &PeerInfo{
				NodeID:        node.ID,
				DiscoveredVia: ViaHub,
				FirstSeen:     time.Now(),
			}
			m.peers[node.ID] = peer
		}

		if peer.Hostname == "" {
			peer.Hostname = node.Hostname
		}
		if node.Version != "" {
			peer.Version = node.Version
		}
		if node.Platform != "" {
			peer.Platform = node.Platform
		}
		if node.IPAddress != "" {
			peer.MergeAddresses([]discovery.NodeAddress{{IP: node.IPAddress, Port: node.Port}})
		}
		peer.AddPath(PathHub)
		peer.LastSeen = time.Now()
	}
}

// acceptRelayed verifies and dispatches a message picked up from the hub spool
func (m *Manager) acceptRelayed(msg *p2p.Message) {
	if msg == nil {
		return
	}
	if msg.ToNode != m.nodeID {
		m.logger.Warn(fmt.Sprintf("Dropping relayed message %s addressed to %s", msg.ID, msg.ToNode), "core")
		return
	}
	if !msg.Verify(m.secret) {
		m.logger.Warn(fmt.Sprintf("Dropping relayed message %s with bad signature from %s", msg.ID, msg.FromNode), "core")
		return
	}
	if msg.TTL <= 0 {
		m.logger.Debug(fmt.Sprintf("Dropping relayed message %s with exhausted ttl", msg.ID), "core")
		return
	}

	m.dispatch(msg)
}

// staleSweepLoop evicts peers unseen past the eviction timeout and runs
// database maintenance
func (m *Manager) staleSweepLoop() {
	defer m.wg.Done()

	interval := m.config.GetConfigDuration("peer_stale_timeout", 30*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepStalePeers()
			if err := m.db.PerformMaintenance(); err != nil {
				m.logger.Error(fmt.Sprintf("Database maintenance failed: %v", err), "core")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepStalePeers() {
	evictAfter := m.config.GetConfigDuration("peer_evict_timeout", 24*time.Hour)
	cutoff := time.Now().Add(-evictAfter)

	m.peersMutex.Lock()
	defer m.peersMutex.Unlock()

	for id, peer := range m.peers {
		if !peer.IsConnected && peer.LastSeen.Before(cutoff) {
			delete(m.peers, id)
			m.logger.Info(fmt.Sprintf("Evicted stale peer %s (last seen %s)", id, peer.LastSeen.Format(time.RFC3339)), "core")
		}
	}
}

// GetPeer returns a copy of one peer's state
func (m *Manager) GetPeer(peerID string) (*PeerInfo, bool) {
	m.peersMutex.RLock()
	defer m.peersMutex.RUnlock()

	peer, exists := m.peers[peerID]
	if !exists {
		return nil, false
	}
	copied := *peer
	return &copied, true
}

// GetPeers returns a snapshot of the whole peer table
func (m *Manager) GetPeers() []*PeerInfo {
	m.peersMutex.RLock()
	defer m.peersMutex.RUnlock()

	peers := make([]*PeerInfo, 0, len(m.peers))
	for _, peer := range m.peers {
		copied := *peer
		peers = append(peers, &copied)
	}
	return peers
}

// GetStatus reports the node's observable state, degraded subsystems included
func (m *Manager) GetStatus() map[string]interface{} {
	m.peersMutex.RLock()
	total := len(m.peers)
	connected := 0
	peerStates := make([]map[string]interface{}, 0, total)
	for _, peer := range m.peers {
		if peer.IsConnected {
			connected++
		}
		peerStates = append(peerStates, map[string]interface{}{
			"node_id":         peer.NodeID,
			"hostname":        peer.Hostname,
			"connection_path": peer.ConnectionPath,
			"is_connected":    peer.IsConnected,
			"latency_ms":      peer.LatencyMS,
			"discovered_via":  peer.DiscoveredVia,
			"last_seen":       peer.LastSeen,
		})
	}
	m.peersMutex.RUnlock()

	return map[string]interface{}{
		"node_id":           m.nodeID,
		"hostname":          m.hostname,
		"version":           Version,
		"discovery_enabled": m.discoveryEnabled,
		"advertising":       m.discovery.IsAdvertising(),
		"transport_enabled": m.transportEnabled,
		"hub_configured":    m.hub != nil,
		"peers_total":       total,
		"peers_connected":   connected,
		"peers":             peerStates,
	}
}

// StatusJSON renders GetStatus for the CLI status command
func (m *Manager) StatusJSON() (string, error) {
	data, err := json.MarshalIndent(m.GetStatus(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
