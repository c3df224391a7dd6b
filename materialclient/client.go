package materialclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
)

const consumePath = "/v1/materials/consume"

// Client calls the material service to draw down the pots, soil and labels a batch uses.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// New builds a client against baseURL. An empty apiKey sends no key header.
func New(baseURL, apiKey string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("material service url is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MATERIAL_SERVICE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewFromEnv reads MATERIAL_SERVICE_URL and MATERIAL_SERVICE_API_KEY.
func NewFromEnv() (*Client, error) {
	return New(config.MaterialServiceURL(), config.MaterialServiceAPIKey())
}

// Consume posts one consumption request. A 409 carries shortages and is not an error.
func (c *Client) Consume(ctx context.Context, req models.MaterialConsumptionRequest) (*models.MaterialConsumptionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+consumePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		httpReq.Header.Set("X-Correlation-Id", correlationId)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusConflict && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, fmt.Errorf("material service error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed models.MaterialConsumptionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode material service response: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		parsed.Success = false
	}
	return &parsed, nil
}

var _ models.MaterialConsumer = (*Client)(nil)
