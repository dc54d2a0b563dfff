package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/p2p"
	"github.com/unibos-labs/unibos-node/internal/sync"
)

// handleAnnounce registers or refreshes a node in the hub registry
func (s *APIServer) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var node p2p.HubNode
	if err := readJSON(r, &node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if node.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := s.dbManager.Registry.Upsert(&database.RegisteredNode{
		NodeID:    node.ID,
		Hostname:  node.Hostname,
		IPAddress: node.IPAddress,
		Port:      node.Port,
		Version:   node.Version,
		Platform:  node.Platform,
	})
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to register node %s: %v", node.ID, err), "api")
		writeError(w, http.StatusInternalServerError, "failed to register node")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "node_id": node.ID})
}

// handleDiscover lists the active registry entries
func (s *APIServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodes, err := s.dbManager.Registry.ListActive()
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to list registered nodes: %v", err), "api")
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	out := make([]p2p.HubNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, p2p.HubNode{
			ID:        n.NodeID,
			Hostname:  n.Hostname,
			IPAddress: n.IPAddress,
			Port:      n.Port,
			Version:   n.Version,
			Platform:  n.Platform,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRelay accepts a signed message for hub-mediated delivery. The ttl is
// decremented here; a live connection to the target forwards immediately,
// otherwise the message is spooled for pickup.
func (s *APIServer) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req p2p.RelayRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == nil || req.ToNode == "" {
		writeError(w, http.StatusBadRequest, "to_node and message are required")
		return
	}

	msg := req.Message
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret := []byte(s.config.GetConfigWithDefault("secret_key", ""))
	if !msg.Verify(secret) {
		writeError(w, http.StatusUnauthorized, "message signature verification failed")
		return
	}

	msg.TTL--
	if msg.TTL <= 0 {
		s.logger.Debug(fmt.Sprintf("Dropping relay message %s with exhausted ttl", msg.ID), "api")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": "ttl exhausted"})
		return
	}

	// Immediate forwarding when the target is connected to the hub
	if _, connected := s.manager.Transport().GetConnection(req.ToNode); connected {
		if err := s.manager.Transport().Send(req.ToNode, msg); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
			return
		}
	}

	envelope, err := msg.Marshal()
	if err != nil {
		writeError(w, http.StatusBadRequest, "message could not be encoded")
		return
	}

	stored, err := s.dbManager.RelaySpool.Spool(&database.SpooledMessage{
		MessageID: msg.ID,
		ToNode:    req.ToNode,
		Envelope:  string(envelope),
		TTL:       msg.TTL,
	})
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to spool relay message %s: %v", msg.ID, err), "api")
		writeError(w, http.StatusInternalServerError, "failed to spool message")
		return
	}

	status := "spooled"
	if !stored {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleRelayPending drains the spool for the requesting node
func (s *APIServer) handleRelayPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	spooled, err := s.dbManager.RelaySpool.DrainPending(nodeID)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to drain relay spool for %s: %v", nodeID, err), "api")
		writeError(w, http.StatusInternalServerError, "failed to drain spool")
		return
	}

	messages := make([]*p2p.Message, 0, len(spooled))
	for _, m := range spooled {
		msg, err := p2p.UnmarshalMessage([]byte(m.Envelope))
		if err != nil {
			s.logger.Warn(fmt.Sprintf("Dropping corrupt spooled message %s: %v", m.MessageID, err), "api")
			continue
		}
		messages = append(messages, msg)
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleSyncInit opens a sync session
func (s *APIServer) handleSyncInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sync.InitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.syncEngine.Init(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncPull pages through a session's pending records
func (s *APIServer) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sync.PullRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.syncEngine.Pull(&req)
	if err == sync.ErrSessionNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncPush applies a batch of record mutations
func (s *APIServer) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sync.PushRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.syncEngine.Push(&req)
	if err == sync.ErrSessionNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error(fmt.Sprintf("Sync push failed: %v", err), "api")
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncComplete closes a session, or reports its unresolved conflicts
func (s *APIServer) handleSyncComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.syncEngine.Complete(req.SessionID)
	if err == sync.ErrSessionNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncStatus reports whether the calling node is fully reconciled
func (s *APIServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	resp, err := s.syncEngine.Status(nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResolveConflict applies a resolution strategy to an open conflict
func (s *APIServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ConflictID string                 `json:"conflict_id"`
		Strategy   string                 `json:"strategy"`
		ResolvedBy string                 `json:"resolved_by"`
		Resolution map[string]interface{} `json:"resolution"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConflictID == "" || req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "conflict_id and strategy are required")
		return
	}

	conflict, err := s.syncEngine.ResolveConflict(req.ConflictID, req.Strategy, req.ResolvedBy, req.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolvedAt := ""
	if conflict.ResolvedAt != nil {
		resolvedAt = conflict.ResolvedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflict_id": conflict.ID,
		"resolved":    conflict.Resolved,
		"strategy":    conflict.Strategy,
		"resolved_by": conflict.ResolvedBy,
		"resolved_at": resolvedAt,
	})
}
