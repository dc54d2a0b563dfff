package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/unibos-labs/unibos-node/internal/api/middleware"
	"github.com/unibos-labs/unibos-node/internal/core"
	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/p2p"
	"github.com/unibos-labs/unibos-node/internal/sync"
	"github.com/unibos-labs/unibos-node/internal/utils"
)

// APIServer serves the node's HTTP surface: status and peer routes in every
// mode, plus the registry/relay/sync endpoints when running as a hub.
type APIServer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	server   *http.Server
	listener net.Listener
	port     string

	logger     *utils.LogsManager
	config     *utils.ConfigManager
	manager    *core.Manager
	dbManager  *database.SQLiteManager
	syncEngine *sync.Engine
	jwtManager *middleware.JWTManager

	hubMode   bool
	startTime time.Time
}

// NewAPIServer creates a new API server instance. A non-nil sync engine
// enables the hub-side routes.
func NewAPIServer(
	config *utils.ConfigManager,
	logger *utils.LogsManager,
	manager *core.Manager,
	dbManager *database.SQLiteManager,
	syncEngine *sync.Engine,
) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	secret := []byte(config.GetConfigWithDefault("secret_key", ""))
	jwtManager := middleware.NewJWTManager(secret, "unibos-node")

	return &APIServer{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		config:     config,
		manager:    manager,
		dbManager:  dbManager,
		syncEngine: syncEngine,
		jwtManager: jwtManager,
		hubMode:    syncEngine != nil,
		startTime:  time.Now(),
	}
}

// Start binds the first available port from api_port + api_fallback_ports
// and begins serving
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "8000")
	s.port = apiPort

	fallbackPorts := parsePortList(s.config.GetConfigWithDefault("api_fallback_ports", "8080,8081"))
	ports := append([]string{apiPort}, fallbackPorts...)

	var err error
	for _, port := range ports {
		s.listener, err = net.Listen("tcp", fmt.Sprintf(":%s", port))
		if err == nil {
			s.port = port
			s.logger.Info(fmt.Sprintf("API server bound to port %s", port), "api")
			break
		}
	}
	if s.listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Handler:      middleware.CORSMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info(fmt.Sprintf("API server started (hub mode: %v)", s.hubMode), "api")
	return nil
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/node/status", s.handleNodeStatus)

	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/peers/connect", s.handleConnectPeer)
	mux.HandleFunc("/api/messages/send", s.handleSendMessage)

	// Peer-to-peer WebSocket endpoint, shared with the API port's mux
	mux.HandleFunc(p2p.WSPath, s.manager.Transport().HandleWebSocket)

	if s.hubMode {
		auth := s.jwtManager.AuthMiddleware

		mux.Handle("/api/v1/nodes/announce/", auth(http.HandlerFunc(s.handleAnnounce)))
		mux.Handle("/api/v1/nodes/discover/", auth(http.HandlerFunc(s.handleDiscover)))
		mux.Handle("/api/v1/p2p/relay/pending/", auth(http.HandlerFunc(s.handleRelayPending)))
		mux.Handle("/api/v1/p2p/relay/", auth(http.HandlerFunc(s.handleRelay)))

		mux.Handle("/sync/init/", auth(http.HandlerFunc(s.handleSyncInit)))
		mux.Handle("/sync/pull/", auth(http.HandlerFunc(s.handleSyncPull)))
		mux.Handle("/sync/push/", auth(http.HandlerFunc(s.handleSyncPush)))
		mux.Handle("/sync/complete/", auth(http.HandlerFunc(s.handleSyncComplete)))
		mux.Handle("/sync/status/", auth(http.HandlerFunc(s.handleSyncStatus)))
		mux.Handle("/sync/conflicts/resolve/", auth(http.HandlerFunc(s.handleResolveConflict)))
	}

	s.logger.Debug("API routes registered", "api")
}

// handleHealth returns API health status
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	return s.port
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
