package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

const (
	// ServiceType is the mDNS service type shared by all UNIBOS nodes
	ServiceType = "_unibos._tcp"
	// Domain is the mDNS domain
	Domain = "local."
)

// NodeAddress is one reachable endpoint of a discovered node
type NodeAddress struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Interface string `json:"interface,omitempty"`
}

// Capabilities describes what a node advertises it can do
type Capabilities struct {
	HasGPU    bool     `json:"has_gpu"`
	HasCamera bool     `json:"has_camera"`
	Modules   []string `json:"modules"`
}

// DiscoveredNode is the transient in-memory record of a peer seen via mDNS
type DiscoveredNode struct {
	NodeID       string        `json:"node_id"`
	Hostname     string        `json:"hostname"`
	Addresses    []NodeAddress `json:"addresses"`
	Version      string        `json:"version"`
	Platform     string        `json:"platform"`
	Capabilities Capabilities  `json:"capabilities"`
	DiscoveredAt time.Time     `json:"discovered_at"`
	LastSeen     time.Time     `json:"last_seen"`
}

// PrimaryAddress prefers a routable address over link-local ones and falls
// back to the first known address.
func (n *DiscoveredNode) PrimaryAddress() string {
	for _, addr := range n.Addresses {
		if !strings.HasPrefix(addr.IP, "169.254.") && !strings.HasPrefix(addr.IP, "fe80:") {
			return addr.IP
		}
	}
	if len(n.Addresses) > 0 {
		return n.Addresses[0].IP
	}
	return ""
}

// Listener receives discovery events. Implemented by the core manager.
type Listener interface {
	OnPeerDiscovered(node *DiscoveredNode)
	OnPeerRemoved(nodeID string)
}

// Service advertises this node via mDNS and browses for peers announcing
// the same service type.
type Service struct {
	config *utils.ConfigManager
	logger *utils.LogsManager

	nodeID   string
	version  string
	platform string
	port     int

	listener Listener

	server  *zeroconf.Server
	resolve func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	nodes map[string]*DiscoveredNode
	mutex sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewService creates the discovery service for this node's identity
func NewService(config *utils.ConfigManager, logger *utils.LogsManager, nodeID, version, platform string) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:   config,
		logger:   logger,
		nodeID:   nodeID,
		version:  version,
		platform: platform,
		port:     config.GetConfigInt("p2p_port", 8001, 1024, 65535),
		nodes:    make(map[string]*DiscoveredNode),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetListener registers the consumer of discovery events
func (s *Service) SetListener(listener Listener) {
	s.listener = listener
}

// Start registers the mDNS service (when registerService is true) and
// begins browsing for peers. Registration failure, including a name
// collision with another responder, degrades to browse-only mode. Only a
// broken mDNS stack (no resolver) returns false; the error is logged, never
// propagated.
func (s *Service) Start(registerService bool) bool {
	if s.running {
		return true
	}

	if registerService {
		if err := s.register(); err != nil {
			s.logger.Warn(fmt.Sprintf("mDNS registration failed, continuing in browse-only mode: %v", err), "discovery")
		}
	}

	if s.resolve == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Failed to create mDNS resolver: %v", err), "discovery")
			s.shutdownServer()
			return false
		}
		s.resolve = resolver.Browse
	}

	s.wg.Add(1)
	go s.browseLoop()

	s.running = true
	s.logger.Info(fmt.Sprintf("Discovery started for service %s (advertising: %v)", ServiceType, s.server != nil), "discovery")
	return true
}

func (s *Service) register() error {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = s.nodeID
	}
	instance := fmt.Sprintf("%s-%s", hostname, shortID(s.nodeID))

	txt := []string{
		"node_id=" + s.nodeID,
		"version=" + s.version,
		"platform=" + s.platform,
		"type=node",
	}
	if modules := s.config.GetConfigSlice("modules", nil); len(modules) > 0 {
		txt = append(txt, "modules="+strings.Join(modules, ";"))
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, s.port, txt, nil)
	if err != nil {
		return err
	}

	s.server = server
	return nil
}

// browseLoop runs periodic scans and diffs consecutive snapshots to produce
// discovered/removed events.
func (s *Service) browseLoop() {
	defer s.wg.Done()

	// Prime the peer table immediately
	s.runScan()

	interval := s.config.GetConfigDuration("mdns_refresh_interval", 10*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) runScan() {
	scanTimeout := s.config.GetConfigDuration("mdns_scan_timeout", 3*time.Second)
	scanCtx, cancel := context.WithTimeout(s.ctx, scanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]*DiscoveredNode)
	var collectedMutex sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				node, ok := parseEntry(entry, s.nodeID)
				if !ok {
					continue
				}
				collectedMutex.Lock()
				collected[node.NodeID] = node
				collectedMutex.Unlock()
			}
		}
	}()

	if err := s.resolve(scanCtx, ServiceType, Domain, entries); err != nil {
		s.logger.Debug(fmt.Sprintf("mDNS browse failed: %v", err), "discovery")
		cancel()
		<-collectorDone
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMutex.Lock()
	snapshot := collected
	collectedMutex.Unlock()

	s.applySnapshot(snapshot)
}

func (s *Service) applySnapshot(next map[string]*DiscoveredNode) {
	now := time.Now()

	s.mutex.Lock()
	previous := s.nodes
	for id, node := range next {
		node.LastSeen = now
		if old, exists := previous[id]; exists {
			node.DiscoveredAt = old.DiscoveredAt
		} else {
			node.DiscoveredAt = now
		}
	}
	s.nodes = next
	s.mutex.Unlock()

	if s.listener == nil {
		return
	}

	for id, node := range next {
		old, existed := previous[id]
		if !existed || !nodesEqual(old, node) {
			s.listener.OnPeerDiscovered(node)
		}
	}
	for id := range previous {
		if _, exists := next[id]; !exists {
			s.listener.OnPeerRemoved(id)
		}
	}
}

// GetDiscoveredPeers returns a point-in-time snapshot of discovered nodes
func (s *Service) GetDiscoveredPeers() []*DiscoveredNode {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	peers := make([]*DiscoveredNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		copied := *node
		peers = append(peers, &copied)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeID < peers[j].NodeID
	})
	return peers
}

// IsAdvertising reports whether this node registered its own mDNS service
func (s *Service) IsAdvertising() bool {
	return s.server != nil
}

// Stop shuts down advertising and browsing
func (s *Service) Stop() {
	if !s.running {
		return
	}
	s.running = false

	s.cancel()
	s.wg.Wait()
	s.shutdownServer()

	s.logger.Info("Discovery stopped", "discovery")
}

func (s *Service) shutdownServer() {
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (*DiscoveredNode, bool) {
	txt := txtToMap(entry.Text)

	nodeID := txt["node_id"]
	if nodeID == "" || nodeID == selfNodeID {
		return nil, false
	}

	var addresses []NodeAddress
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, NodeAddress{IP: raw, Port: entry.Port})
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].IP < addresses[j].IP })

	hostname := strings.TrimSuffix(entry.HostName, ".")
	if hostname == "" {
		hostname = entry.Instance
	}

	var modules []string
	if txt["modules"] != "" {
		modules = strings.Split(txt["modules"], ";")
	}

	return &DiscoveredNode{
		NodeID:    nodeID,
		Hostname:  hostname,
		Addresses: addresses,
		Version:   txt["version"],
		Platform:  txt["platform"],
		Capabilities: Capabilities{
			HasGPU:    txt["has_gpu"] == "true",
			HasCamera: txt["has_camera"] == "true",
			Modules:   modules,
		},
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func nodesEqual(a, b *DiscoveredNode) bool {
	if a.NodeID != b.NodeID ||
		a.Hostname != b.Hostname ||
		a.Version != b.Version ||
		a.Platform != b.Platform ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LocalAddresses lists this host's non-loopback unicast addresses, used
// when announcing to the hub.
func LocalAddresses() []string {
	var out []string

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				out = append(out, ip4.String())
			}
		}
	}

	return out
}
