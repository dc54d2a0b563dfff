package database

import (
	"testing"
	"time"
)

func TestRegistryUpsertAndGet(t *testing.T) {
	registry := setupTestDB(t).Registry

	node := &RegisteredNode{
		NodeID:    "node-a",
		Hostname:  "workstation-1",
		IPAddress: "192.168.1.10",
		Port:      8001,
		Version:   "1.0.0",
		Platform:  "linux",
	}
	if err := registry.Upsert(node); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	loaded, err := registry.Get("node-a")
	if err != nil {
		t.Fatalf("Failed to load node: %v", err)
	}
	if loaded == nil {
		t.Fatal("Registered node not found")
	}
	if loaded.Hostname != "workstation-1" || loaded.Port != 8001 {
		t.Errorf("Node fields not persisted: %+v", loaded)
	}
	if !loaded.IsActive {
		t.Error("Expected a freshly registered node to be active")
	}
	if loaded.Capabilities != "{}" {
		t.Errorf("Expected default capabilities '{}', got %q", loaded.Capabilities)
	}
}

func TestRegistryUpsertRefreshesExistingNode(t *testing.T) {
	registry := setupTestDB(t).Registry

	if err := registry.Upsert(&RegisteredNode{NodeID: "node-a", IPAddress: "192.168.1.10", Port: 8001}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if err := registry.Upsert(&RegisteredNode{NodeID: "node-a", IPAddress: "192.168.1.99", Port: 8002}); err != nil {
		t.Fatalf("Failed to re-upsert: %v", err)
	}

	loaded, _ := registry.Get("node-a")
	if loaded.IPAddress != "192.168.1.99" || loaded.Port != 8002 {
		t.Errorf("Re-announce did not refresh the entry: %+v", loaded)
	}

	nodes, err := registry.ListActive()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("Expected a single registry entry, got %d", len(nodes))
	}
}

func TestRegistryGetUnknownNode(t *testing.T) {
	registry := setupTestDB(t).Registry

	loaded, err := registry.Get("node-x")
	if err != nil {
		t.Fatalf("Lookup errored: %v", err)
	}
	if loaded != nil {
		t.Error("Expected nil for an unknown node")
	}
}

func TestRegistryDeactivateStale(t *testing.T) {
	registry := setupTestDB(t).Registry

	if err := registry.Upsert(&RegisteredNode{NodeID: "node-a", IPAddress: "192.168.1.10"}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	// Everything was seen just now, so a past cutoff deactivates nothing
	deactivated, err := registry.DeactivateStale(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Failed to deactivate: %v", err)
	}
	if deactivated != 0 {
		t.Errorf("Expected no nodes deactivated, got %d", deactivated)
	}

	// A future cutoff catches the node
	deactivated, err = registry.DeactivateStale(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to deactivate: %v", err)
	}
	if deactivated != 1 {
		t.Errorf("Expected 1 node deactivated, got %d", deactivated)
	}

	nodes, _ := registry.ListActive()
	if len(nodes) != 0 {
		t.Errorf("Expected no active nodes, got %d", len(nodes))
	}

	// A touch reactivates it
	if err := registry.Touch("node-a"); err != nil {
		t.Fatalf("Failed to touch: %v", err)
	}
	nodes, _ = registry.ListActive()
	if len(nodes) != 1 {
		t.Errorf("Expected the touched node to be active again, got %d", len(nodes))
	}
}
