package api

import (
	"net/http"

	"github.com/unibos-labs/unibos-node/internal/p2p"
)

// handleNodeStatus reports the manager's observable state
func (s *APIServer) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := s.manager.GetStatus()
	status["api_port"] = s.port
	status["hub_mode"] = s.hubMode
	writeJSON(w, http.StatusOK, status)
}

// handlePeers lists the merged peer table
func (s *APIServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": s.manager.GetPeers(),
	})
}

// handleConnectPeer dials a peer at an explicit address
func (s *APIServer) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		NodeID  string `json:"node_id"`
		Address string `json:"address"`
		Port    int    `json:"port"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" || req.Address == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "node_id, address and port are required")
		return
	}

	connected := s.manager.ConnectPeer(req.NodeID, req.Address, req.Port)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":   req.NodeID,
		"connected": connected,
	})
}

// handleSendMessage routes an application message to a peer
func (s *APIServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ToNode  string                 `json:"to_node"`
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToNode == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "to_node and type are required")
		return
	}

	msgType := p2p.MessageType(req.Type)
	if msgType.IsTransportInternal() {
		writeError(w, http.StatusBadRequest, "transport-internal message types cannot be sent")
		return
	}

	if err := s.manager.SendMessage(req.ToNode, msgType, req.Payload); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sent":  false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sent": true})
}
