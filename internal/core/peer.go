package core

import (
	"strings"
	"time"

	"github.com/unibos-labs/unibos-node/internal/discovery"
)

// ConnectionPath describes how a peer is reachable
type ConnectionPath string

const (
	PathNone   ConnectionPath = "NONE"
	PathDirect ConnectionPath = "DIRECT"
	PathHub    ConnectionPath = "HUB"
	PathBoth   ConnectionPath = "BOTH"
)

// Discovery channels a peer can arrive through
const (
	ViaMDNS   = "mdns"
	ViaHub    = "hub"
	ViaManual = "manual"
)

// PeerInfo is the manager's merged view of one peer, combining mDNS
// discovery and the hub registry
type PeerInfo struct {
	NodeID         string                  `json:"node_id"`
	Hostname       string                  `json:"hostname"`
	Addresses      []discovery.NodeAddress `json:"addresses"`
	Version        string                  `json:"version"`
	Platform       string                  `json:"platform"`
	Capabilities   discovery.Capabilities  `json:"capabilities"`
	ConnectionPath ConnectionPath          `json:"connection_path"`
	IsConnected    bool                    `json:"is_connected"`
	LatencyMS      float64                 `json:"latency_ms"`
	DiscoveredVia  string                  `json:"discovered_via"`
	FirstSeen      time.Time               `json:"first_seen"`
	LastSeen       time.Time               `json:"last_seen"`
}

// MergeAddresses unions new addresses into the peer's list, keyed by IP
func (p *PeerInfo) MergeAddresses(addrs []discovery.NodeAddress) {
	known := make(map[string]struct{}, len(p.Addresses))
	for _, a := range p.Addresses {
		known[a.IP] = struct{}{}
	}
	for _, a := range addrs {
		if _, exists := known[a.IP]; exists {
			continue
		}
		known[a.IP] = struct{}{}
		p.Addresses = append(p.Addresses, a)
	}
}

// AddPath widens the connection path: a peer seen via a second channel
// becomes BOTH, never narrows.
func (p *PeerInfo) AddPath(path ConnectionPath) {
	switch {
	case p.ConnectionPath == PathNone || p.ConnectionPath == "":
		p.ConnectionPath = path
	case p.ConnectionPath == path || p.ConnectionPath == PathBoth:
	default:
		p.ConnectionPath = PathBoth
	}
}

// RemovePath narrows the connection path when a channel goes away
func (p *PeerInfo) RemovePath(path ConnectionPath) {
	switch p.ConnectionPath {
	case path:
		p.ConnectionPath = PathNone
	case PathBoth:
		if path == PathDirect {
			p.ConnectionPath = PathHub
		} else if path == PathHub {
			p.ConnectionPath = PathDirect
		}
	}
}

// PrimaryAddress prefers a routable address over link-local ones
func (p *PeerInfo) PrimaryAddress() string {
	for _, addr := range p.Addresses {
		if !strings.HasPrefix(addr.IP, "169.254.") && !strings.HasPrefix(addr.IP, "fe80:") {
			return addr.IP
		}
	}
	if len(p.Addresses) > 0 {
		return p.Addresses[0].IP
	}
	return ""
}
