package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// PinataProvider pins files through a Pinata-style keyed pinning API.
type PinataProvider struct {
	endpoint  string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewPinataProvider creates a PinataProvider for the given endpoint and API
// credentials. It uses a default HTTP client with a 30-second timeout.
func NewPinataProvider(endpoint, apiKey, apiSecret string) *PinataProvider {
	return &PinataProvider{
		endpoint:  endpoint,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider identifier.
func (p *PinataProvider) Name() string {
	return "pinata"
}

// pinataResponse is the subset of the pin response we read.
type pinataResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Pin uploads the bytes as a multipart file and returns the reported hash.
func (p *PinataProvider) Pin(ctx context.Context, data []byte, name string) (string, error) {
	body, contentType, err := multipartFile(data, name)
	if err != nil {
		return "", fmt.Errorf("pinata: build request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("pinata: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("pinata_api_key", p.apiKey)
	req.Header.Set("pinata_secret_api_key", p.apiSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("pinata: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out pinataResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pinata: decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("pinata: response missing hash")
	}
	return out.IpfsHash, nil
}

// multipartFile builds a single-file multipart body under the field name
// "file" and returns it with the matching Content-Type header value.
func multipartFile(data []byte, name string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// Compile-time interface check.
var _ Provider = (*PinataProvider)(nil)
