package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

type recordedEvents struct {
	mu         sync.Mutex
	discovered []*DiscoveredNode
	removed    []string
}

func (r *recordedEvents) OnPeerDiscovered(node *DiscoveredNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, node)
}

func (r *recordedEvents) OnPeerRemoved(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, nodeID)
}

func (r *recordedEvents) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discovered), len(r.removed)
}

func setupService(t *testing.T, nodeID string) (*Service, *recordedEvents) {
	t.Helper()

	cm := utils.NewConfigManager("")
	logger := utils.NewLogsManager(cm)
	t.Cleanup(func() { logger.Close() })

	service := NewService(cm, logger, nodeID, "1.0.0", "linux")
	events := &recordedEvents{}
	service.SetListener(events)
	return service, events
}

func makeNode(nodeID, ip string, port int) *DiscoveredNode {
	return &DiscoveredNode{
		NodeID:    nodeID,
		Hostname:  nodeID + "-host",
		Addresses: []NodeAddress{{IP: ip, Port: port}},
		Version:   "1.0.0",
		Platform:  "linux",
	}
}

func TestTxtToMap(t *testing.T) {
	txt := txtToMap([]string{
		"node_id=abc-123",
		"version=1.0.0",
		"modules=inventory;sales",
		"malformed",
		"=empty-key",
		" platform = linux ",
	})

	if txt["node_id"] != "abc-123" {
		t.Errorf("Expected node_id abc-123, got %q", txt["node_id"])
	}
	if txt["modules"] != "inventory;sales" {
		t.Errorf("Expected raw modules value, got %q", txt["modules"])
	}
	if txt["platform"] != "linux" {
		t.Errorf("Expected whitespace to be trimmed, got %q", txt["platform"])
	}
	if _, exists := txt["malformed"]; exists {
		t.Error("Entries without '=' should be dropped")
	}
	if _, exists := txt[""]; exists {
		t.Error("Empty keys should be dropped")
	}
}

func TestParseEntryFiltersSelf(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		HostName: "peer-host.local.",
		Port:     8001,
		Text:     []string{"node_id=self-node", "version=1.0.0"},
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.10")},
	}

	if _, ok := parseEntry(entry, "self-node"); ok {
		t.Error("Expected our own announcement to be filtered")
	}

	node, ok := parseEntry(entry, "other-node")
	if !ok {
		t.Fatal("Expected a foreign announcement to parse")
	}
	if node.NodeID != "self-node" || node.Hostname != "peer-host.local" {
		t.Errorf("Entry not parsed as expected: %+v", node)
	}
}

func TestParseEntryRequiresNodeID(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		Port:     8001,
		Text:     []string{"version=1.0.0"},
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.10")},
	}

	if _, ok := parseEntry(entry, "me"); ok {
		t.Error("Expected an entry without node_id to be dropped")
	}
}

func TestParseEntryDeduplicatesAddresses(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		HostName: "peer-host.local.",
		Port:     8001,
		Text:     []string{"node_id=peer-1", "modules=inventory;sales"},
		AddrIPv4: []net.IP{
			net.ParseIP("192.168.1.10"),
			net.ParseIP("192.168.1.10"),
			net.ParseIP("10.0.0.3"),
		},
	}

	node, ok := parseEntry(entry, "me")
	if !ok {
		t.Fatal("Expected the entry to parse")
	}
	if len(node.Addresses) != 2 {
		t.Errorf("Expected 2 deduplicated addresses, got %v", node.Addresses)
	}
	if len(node.Capabilities.Modules) != 2 || node.Capabilities.Modules[0] != "inventory" {
		t.Errorf("Modules not parsed: %v", node.Capabilities.Modules)
	}
}

func TestPrimaryAddressSkipsLinkLocal(t *testing.T) {
	node := &DiscoveredNode{
		Addresses: []NodeAddress{
			{IP: "169.254.11.2", Port: 8001},
			{IP: "fe80::1", Port: 8001},
			{IP: "192.168.1.10", Port: 8001},
		},
	}
	if got := node.PrimaryAddress(); got != "192.168.1.10" {
		t.Errorf("Expected the routable address, got %s", got)
	}

	linkLocalOnly := &DiscoveredNode{
		Addresses: []NodeAddress{{IP: "169.254.11.2", Port: 8001}},
	}
	if got := linkLocalOnly.PrimaryAddress(); got != "169.254.11.2" {
		t.Errorf("Expected the link-local fallback, got %s", got)
	}

	if got := (&DiscoveredNode{}).PrimaryAddress(); got != "" {
		t.Errorf("Expected an empty address for an addressless node, got %q", got)
	}
}

func TestApplySnapshotEmitsEvents(t *testing.T) {
	service, events := setupService(t, "me")

	// First snapshot: two new peers
	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-1": makeNode("peer-1", "192.168.1.10", 8001),
		"peer-2": makeNode("peer-2", "192.168.1.11", 8001),
	})

	discovered, removed := events.counts()
	if discovered != 2 || removed != 0 {
		t.Fatalf("Expected 2 discovered / 0 removed, got %d/%d", discovered, removed)
	}

	// Identical snapshot: no events
	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-1": makeNode("peer-1", "192.168.1.10", 8001),
		"peer-2": makeNode("peer-2", "192.168.1.11", 8001),
	})
	discovered, removed = events.counts()
	if discovered != 2 || removed != 0 {
		t.Errorf("Unchanged snapshot emitted events: %d/%d", discovered, removed)
	}

	// peer-2 vanishes, peer-1 changes address
	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-1": makeNode("peer-1", "10.0.0.5", 8001),
	})
	discovered, removed = events.counts()
	if discovered != 3 {
		t.Errorf("Expected the address change to re-announce peer-1, got %d discovered events", discovered)
	}
	if removed != 1 || events.removed[0] != "peer-2" {
		t.Errorf("Expected peer-2 removal, got %v", events.removed)
	}
}

func TestApplySnapshotPreservesDiscoveredAt(t *testing.T) {
	service, _ := setupService(t, "me")

	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-1": makeNode("peer-1", "192.168.1.10", 8001),
	})
	first := service.GetDiscoveredPeers()[0].DiscoveredAt

	time.Sleep(10 * time.Millisecond)
	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-1": makeNode("peer-1", "192.168.1.10", 8001),
	})

	peer := service.GetDiscoveredPeers()[0]
	if !peer.DiscoveredAt.Equal(first) {
		t.Error("Expected the original discovery time to survive refreshes")
	}
	if !peer.LastSeen.After(first) {
		t.Error("Expected last_seen to advance")
	}
}

func TestGetDiscoveredPeersReturnsSortedCopies(t *testing.T) {
	service, _ := setupService(t, "me")

	service.applySnapshot(map[string]*DiscoveredNode{
		"peer-b": makeNode("peer-b", "192.168.1.11", 8001),
		"peer-a": makeNode("peer-a", "192.168.1.10", 8001),
	})

	peers := service.GetDiscoveredPeers()
	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(peers))
	}
	if peers[0].NodeID != "peer-a" || peers[1].NodeID != "peer-b" {
		t.Errorf("Expected a sorted snapshot, got %s, %s", peers[0].NodeID, peers[1].NodeID)
	}

	// Mutating the returned copy must not touch the service's table
	peers[0].Hostname = "mutated"
	if service.GetDiscoveredPeers()[0].Hostname == "mutated" {
		t.Error("Expected GetDiscoveredPeers to return copies")
	}
}

func TestStartWithInjectedResolver(t *testing.T) {
	service, events := setupService(t, "me")
	service.config.SetConfig("mdns_scan_timeout", "100ms")
	service.config.SetConfig("mdns_refresh_interval", "50ms")

	service.resolve = func(ctx context.Context, serviceType, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		if serviceType != ServiceType || domain != Domain {
			t.Errorf("Unexpected browse target %s %s", serviceType, domain)
		}
		go func() {
			entry := &zeroconf.ServiceEntry{
				HostName: "peer-host.local.",
				Port:     8001,
				Text:     []string{"node_id=peer-1", "version=1.0.0", "platform=linux"},
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.10")},
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
			}
		}()
		return nil
	}

	if !service.Start(false) {
		t.Fatal("Expected the service to start in browse-only mode")
	}
	defer service.Stop()

	if service.IsAdvertising() {
		t.Error("Browse-only start should not advertise")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := events.counts(); d > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	peers := service.GetDiscoveredPeers()
	if len(peers) != 1 || peers[0].NodeID != "peer-1" {
		t.Fatalf("Expected peer-1 to be discovered, got %v", peers)
	}
}
