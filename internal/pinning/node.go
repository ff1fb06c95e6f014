package pinning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeProvider pins files through an IPFS node's HTTP API (the /api/v0/add
// endpoint shape), authenticated with HTTP basic credentials as hosted nodes
// expect.
type NodeProvider struct {
	endpoint  string
	projectID string
	secret    string
	client    *http.Client
}

// NewNodeProvider creates a NodeProvider for the given add-endpoint URL and
// basic-auth credentials. Credentials may be empty for unauthenticated nodes.
func NewNodeProvider(endpoint, projectID, secret string) *NodeProvider {
	return &NodeProvider{
		endpoint:  endpoint,
		projectID: projectID,
		secret:    secret,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider identifier.
func (p *NodeProvider) Name() string {
	return "ipfs-node"
}

// nodeResponse is the subset of the add response we read.
type nodeResponse struct {
	Hash string `json:"Hash"`
}

// Pin uploads the bytes as a multipart file and returns the reported hash.
func (p *NodeProvider) Pin(ctx context.Context, data []byte, name string) (string, error) {
	body, contentType, err := multipartFile(data, name)
	if err != nil {
		return "", fmt.Errorf("ipfs-node: build request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("ipfs-node: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if p.projectID != "" {
		req.SetBasicAuth(p.projectID, p.secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs-node: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ipfs-node: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out nodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ipfs-node: decode response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("ipfs-node: response missing hash")
	}
	return out.Hash, nil
}

// Compile-time interface check.
var _ Provider = (*NodeProvider)(nil)
