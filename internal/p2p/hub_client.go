package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// HubNode is one entry in the hub's node-discovery listing
type HubNode struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
	Version   string `json:"version"`
	Platform  string `json:"platform"`
}

// RelayRequest is the body of a hub relay POST
type RelayRequest struct {
	ToNode  string   `json:"to_node"`
	Message *Message `json:"message"`
}

// HubClient talks to the central hub's HTTP API: node discovery,
// announcement, and relay fallback when no direct connection exists.
type HubClient struct {
	baseURL string
	nodeID  string
	secret  []byte
	client  *http.Client
	logger  *utils.LogsManager
}

// NewHubClient creates a client for the configured hub, or nil when no hub
// URL is configured (standalone operation).
func NewHubClient(config *utils.ConfigManager, logger *utils.LogsManager, nodeID string, secret []byte) *HubClient {
	baseURL := config.GetConfigWithDefault("hub_url", "")
	if baseURL == "" {
		return nil
	}

	timeout := config.GetConfigDuration("connect_timeout", 10*time.Second)

	return &HubClient{
		baseURL: baseURL,
		nodeID:  nodeID,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// bearerToken mints a short-lived HS256 token from the shared secret so the
// hub can attribute requests to this node.
func (h *HubClient) bearerToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   h.nodeID,
		Issuer:    "unibos-node",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.secret)
}

func (h *HubClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build hub request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := h.bearerToken()
	if err != nil {
		return fmt.Errorf("failed to sign hub token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hub request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode hub response: %v", err)
		}
	}

	return nil
}

// DiscoverNodes fetches the hub's node listing
func (h *HubClient) DiscoverNodes(ctx context.Context) ([]HubNode, error) {
	var nodes []HubNode
	if err := h.do(ctx, http.MethodGet, "/api/v1/nodes/discover/", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Announce registers or refreshes this node in the hub's registry
func (h *HubClient) Announce(ctx context.Context, node HubNode) error {
	return h.do(ctx, http.MethodPost, "/api/v1/nodes/announce/", node, nil)
}

// RelayMessage posts a signed message for hub-mediated delivery. Returns an
// error when the hub is unreachable or rejects the message; the caller
// decides whether to queue the operation for retry.
func (h *HubClient) RelayMessage(ctx context.Context, msg *Message) error {
	req := RelayRequest{ToNode: msg.ToNode, Message: msg}
	return h.do(ctx, http.MethodPost, "/api/v1/p2p/relay/", req, nil)
}

// FetchPendingRelayed retrieves and drains messages the hub spooled for
// this node while it was unreachable.
func (h *HubClient) FetchPendingRelayed(ctx context.Context) ([]*Message, error) {
	path := "/api/v1/p2p/relay/pending/?node_id=" + url.QueryEscape(h.nodeID)

	var messages []*Message
	if err := h.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// BaseURL returns the configured hub endpoint
func (h *HubClient) BaseURL() string {
	return h.baseURL
}
