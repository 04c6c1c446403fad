package cardvendor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls the partner gift-card vendor API. Issue calls are slow
// (observed in the minutes), so the default timeout is generous and callers
// must never hold database locks across a purchase.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config represents the client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient constructs a vendor client targeting the supplied base URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type issueRequest struct {
	MerchantCode string `json:"merchant_code"`
	TemplateID   string `json:"template_id"`
	Count        int    `json:"count"`
	Denomination int64  `json:"denomination"`
}

type issueResponse struct {
	Codes []string `json:"codes"`
}

// PurchaseBatch requests batchSize card codes of the given denomination. The
// vendor may fulfil partially; the returned slice can be shorter than
// requested and callers commit whatever arrived.
func (c *Client) PurchaseBatch(ctx context.Context, merchantCode, templateID string, batchSize int, denomination int64) ([]string, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("cardvendor: client not configured")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("cardvendor: batch size must be positive")
	}
	body, err := json.Marshal(issueRequest{
		MerchantCode: strings.TrimSpace(merchantCode),
		TemplateID:   strings.TrimSpace(templateID),
		Count:        batchSize,
		Denomination: denomination,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/cards/issue", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cardvendor: issue request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cardvendor: unexpected status %d", resp.StatusCode)
	}
	var payload issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("cardvendor: decode response: %w", err)
	}
	codes := make([]string, 0, len(payload.Codes))
	for _, code := range payload.Codes {
		if trimmed := strings.TrimSpace(code); trimmed != "" {
			codes = append(codes, trimmed)
		}
	}
	return codes, nil
}
