package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/discovery"
	"github.com/unibos-labs/unibos-node/internal/p2p"
	"github.com/unibos-labs/unibos-node/internal/utils"
	"github.com/unibos-labs/unibos-node/internal/workers"
)

type recordedMessages struct {
	mu       sync.Mutex
	messages []*p2p.Message
}

func (r *recordedMessages) OnPeerMessage(msg *p2p.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordedMessages) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func setupManager(t *testing.T, hubURL string) *Manager {
	t.Helper()

	cm := utils.NewConfigManager("")
	cm.SetConfig("database_file", ":memory:")
	cm.SetConfig("secret_key", "test-shared-secret")
	cm.SetConfig("node_id", "node-self")
	cm.SetConfig("p2p_auto_connect", false)
	cm.SetConfig("connect_timeout", "2s")
	if hubURL != "" {
		cm.SetConfig("hub_url", hubURL)
	}
	logger := utils.NewLogsManager(cm)

	db, err := database.NewSQLiteManager(cm, logger)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}

	pool := workers.NewWorkerPool(context.Background(), 1, logger)

	manager := NewManager(cm, logger, db, pool)

	t.Cleanup(func() {
		db.Close()
		logger.Close()
	})

	return manager
}

func discoveredNode(nodeID string, ips ...string) *discovery.DiscoveredNode {
	addrs := make([]discovery.NodeAddress, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, discovery.NodeAddress{IP: ip, Port: 8001})
	}
	return &discovery.DiscoveredNode{
		NodeID:    nodeID,
		Hostname:  nodeID + "-host",
		Addresses: addrs,
		Version:   "1.0.0",
		Platform:  "linux",
	}
}

func TestPeerDiscoveryMergesAddresses(t *testing.T) {
	m := setupManager(t, "")

	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10"))
	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10", "10.0.0.5"))

	peers := m.GetPeers()
	if len(peers) != 1 {
		t.Fatalf("Expected a single peer entry, got %d", len(peers))
	}

	peer, _ := m.GetPeer("peer-1")
	if len(peer.Addresses) != 2 {
		t.Errorf("Expected the address union, got %v", peer.Addresses)
	}
	if peer.ConnectionPath != PathDirect {
		t.Errorf("Expected path DIRECT, got %s", peer.ConnectionPath)
	}
	if peer.DiscoveredVia != ViaMDNS {
		t.Errorf("Expected discovery via mdns, got %s", peer.DiscoveredVia)
	}
}

func TestConnectionPathWidensToBoth(t *testing.T) {
	m := setupManager(t, "")

	// mDNS first, hub second
	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10"))
	m.mergeHubNodes([]p2p.HubNode{{ID: "peer-1", IPAddress: "203.0.113.9", Port: 8001}})

	peer, _ := m.GetPeer("peer-1")
	if peer.ConnectionPath != PathBoth {
		t.Errorf("Expected path BOTH after both channels, got %s", peer.ConnectionPath)
	}
	if len(peer.Addresses) != 2 {
		t.Errorf("Expected addresses from both channels, got %v", peer.Addresses)
	}

	// Hub first, mDNS second
	m.mergeHubNodes([]p2p.HubNode{{ID: "peer-2", IPAddress: "203.0.113.10", Port: 8001}})
	peer, _ = m.GetPeer("peer-2")
	if peer.ConnectionPath != PathHub || peer.DiscoveredVia != ViaHub {
		t.Errorf("Expected a hub-only peer, got %s via %s", peer.ConnectionPath, peer.DiscoveredVia)
	}

	m.OnPeerDiscovered(discoveredNode("peer-2", "192.168.1.11"))
	peer, _ = m.GetPeer("peer-2")
	if peer.ConnectionPath != PathBoth {
		t.Errorf("Expected path BOTH, got %s", peer.ConnectionPath)
	}
}

func TestPeerRemovalNarrowsPath(t *testing.T) {
	m := setupManager(t, "")

	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10"))
	m.mergeHubNodes([]p2p.HubNode{{ID: "peer-1", IPAddress: "203.0.113.9", Port: 8001}})

	m.OnPeerRemoved("peer-1")

	peer, exists := m.GetPeer("peer-1")
	if !exists {
		t.Fatal("Expected the peer entry to survive an mDNS disappearance")
	}
	if peer.ConnectionPath != PathHub {
		t.Errorf("Expected BOTH to narrow to HUB, got %s", peer.ConnectionPath)
	}

	m.OnPeerRemoved("peer-1")
	peer, _ = m.GetPeer("peer-1")
	if peer.ConnectionPath != PathHub {
		t.Errorf("Removing an absent channel changed the path to %s", peer.ConnectionPath)
	}
}

func TestMergeHubNodesSkipsSelf(t *testing.T) {
	m := setupManager(t, "")

	m.mergeHubNodes([]p2p.HubNode{{ID: "node-self", IPAddress: "192.168.1.1", Port: 8001}})

	if _, exists := m.GetPeer("node-self"); exists {
		t.Error("Expected our own registry entry to be skipped")
	}
}

func TestSendMessageToUnknownPeer(t *testing.T) {
	m := setupManager(t, "")

	if err := m.SendMessage("peer-x", p2p.MessageTypeData, nil); err == nil {
		t.Error("Expected sending to an unknown peer to fail")
	}
}

func TestSendMessageWithoutRoute(t *testing.T) {
	m := setupManager(t, "")

	// Known via mDNS but not connected, and no hub configured
	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10"))

	if err := m.SendMessage("peer-1", p2p.MessageTypeData, nil); err == nil {
		t.Error("Expected sending without a connection or relay path to fail")
	}
}

func TestSendMessageRelaysThroughHub(t *testing.T) {
	var mu sync.Mutex
	var relayed []p2p.RelayRequest

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/p2p/relay/" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req p2p.RelayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		relayed = append(relayed, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"delivered"}`))
	}))
	defer hub.Close()

	m := setupManager(t, hub.URL)

	m.mergeHubNodes([]p2p.HubNode{{ID: "peer-1", IPAddress: "203.0.113.9", Port: 8001}})

	err := m.SendMessage("peer-1", p2p.MessageTypeData, map[string]interface{}{"k": "v"})
	if err != nil {
		t.Fatalf("Relay send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(relayed) != 1 {
		t.Fatalf("Expected 1 relayed message, got %d", len(relayed))
	}
	msg := relayed[0].Message
	if relayed[0].ToNode != "peer-1" || msg.ToNode != "peer-1" || msg.FromNode != "node-self" {
		t.Errorf("Relay envelope not addressed as expected: %+v", relayed[0])
	}
	if !msg.Verify([]byte("test-shared-secret")) {
		t.Error("Relayed message was not signed")
	}
}

func TestFailedRelayIsQueuedForRetry(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hub overloaded", http.StatusServiceUnavailable)
	}))
	defer hub.Close()

	m := setupManager(t, hub.URL)
	m.mergeHubNodes([]p2p.HubNode{{ID: "peer-1", IPAddress: "203.0.113.9", Port: 8001}})

	if err := m.SendMessage("peer-1", p2p.MessageTypeData, nil); err == nil {
		t.Fatal("Expected the relay failure to surface")
	}

	outstanding, err := m.db.Offline.CountOutstanding()
	if err != nil {
		t.Fatalf("Failed to count queued operations: %v", err)
	}
	if outstanding != 1 {
		t.Fatalf("Expected the message to be queued for retry, got %d operations", outstanding)
	}

	ops, err := m.db.Offline.DuePending(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Failed to list queued operations: %v", err)
	}
	if len(ops) != 1 || ops[0].OperationType != OpRelayMessage || ops[0].TargetNode != "peer-1" {
		t.Errorf("Queued operation not shaped as expected: %+v", ops[0])
	}
}

func TestAcceptRelayedFiltersInvalidMessages(t *testing.T) {
	m := setupManager(t, "")

	events := &recordedMessages{}
	m.AddMessageListener(events)

	secret := []byte("test-shared-secret")

	// Addressed to someone else
	misaddressed := p2p.NewMessage(p2p.MessageTypeData, "peer-1", "node-other", nil)
	misaddressed.Sign(secret)
	m.acceptRelayed(misaddressed)

	// Bad signature
	forged := p2p.NewMessage(p2p.MessageTypeData, "peer-1", "node-self", nil)
	forged.Sign([]byte("wrong-secret"))
	m.acceptRelayed(forged)

	// Exhausted hop budget
	exhausted := p2p.NewMessage(p2p.MessageTypeData, "peer-1", "node-self", nil)
	exhausted.TTL = 0
	exhausted.Sign(secret)
	m.acceptRelayed(exhausted)

	if events.count() != 0 {
		t.Fatalf("Expected all invalid messages to be dropped, %d reached the listener", events.count())
	}

	valid := p2p.NewMessage(p2p.MessageTypeData, "peer-1", "node-self", map[string]interface{}{"k": "v"})
	valid.Sign(secret)
	m.acceptRelayed(valid)

	if events.count() != 1 {
		t.Errorf("Expected the valid message to be dispatched, got %d", events.count())
	}
}

func TestSweepStalePeersEvicts(t *testing.T) {
	m := setupManager(t, "")

	m.OnPeerDiscovered(discoveredNode("peer-stale", "192.168.1.10"))
	m.OnPeerDiscovered(discoveredNode("peer-fresh", "192.168.1.11"))
	m.OnPeerDiscovered(discoveredNode("peer-connected", "192.168.1.12"))

	old := time.Now().Add(-48 * time.Hour)
	m.peersMutex.Lock()
	m.peers["peer-stale"].LastSeen = old
	m.peers["peer-connected"].LastSeen = old
	m.peers["peer-connected"].IsConnected = true
	m.peersMutex.Unlock()

	m.sweepStalePeers()

	if _, exists := m.GetPeer("peer-stale"); exists {
		t.Error("Expected the stale peer to be evicted")
	}
	if _, exists := m.GetPeer("peer-fresh"); !exists {
		t.Error("Expected the fresh peer to survive")
	}
	// A live connection is never evicted on age alone
	if _, exists := m.GetPeer("peer-connected"); !exists {
		t.Error("Expected the connected peer to survive")
	}
}

func TestGetStatusCountsPeers(t *testing.T) {
	m := setupManager(t, "")

	m.OnPeerDiscovered(discoveredNode("peer-1", "192.168.1.10"))
	m.OnPeerConnected("peer-1")
	m.OnPeerDiscovered(discoveredNode("peer-2", "192.168.1.11"))

	status := m.GetStatus()
	if status["node_id"] != "node-self" {
		t.Errorf("Expected node_id node-self, got %v", status["node_id"])
	}
	if status["peers_total"] != 2 || status["peers_connected"] != 1 {
		t.Errorf("Expected 2 peers with 1 connected, got %v/%v",
			status["peers_total"], status["peers_connected"])
	}
	if status["hub_configured"] != false {
		t.Error("Expected no hub to be configured")
	}
}

func TestConnectionPathTransitions(t *testing.T) {
	p := &PeerInfo{}

	p.AddPath(PathDirect)
	if p.ConnectionPath != PathDirect {
		t.Errorf("Expected DIRECT, got %s", p.ConnectionPath)
	}
	p.AddPath(PathDirect)
	if p.ConnectionPath != PathDirect {
		t.Errorf("Re-adding a path changed it to %s", p.ConnectionPath)
	}
	p.AddPath(PathHub)
	if p.ConnectionPath != PathBoth {
		t.Errorf("Expected BOTH, got %s", p.ConnectionPath)
	}
	p.RemovePath(PathHub)
	if p.ConnectionPath != PathDirect {
		t.Errorf("Expected BOTH minus HUB to be DIRECT, got %s", p.ConnectionPath)
	}
	p.RemovePath(PathDirect)
	if p.ConnectionPath != PathNone {
		t.Errorf("Expected NONE, got %s", p.ConnectionPath)
	}
}
