package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceClient is a JSON HTTP client for the external price service
// (Jupiter price API shape: data keyed by mint, price as a string).
type PriceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPriceClient creates a price service client
func NewPriceClient(baseURL, apiKey string, timeout time.Duration) *PriceClient {
	return &PriceClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"data"`
}

// USDPrice returns the current USD price for a mint
func (c *PriceClient) USDPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?ids=%s", c.baseURL, mint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("price service error %d: %s", resp.StatusCode, string(data))
	}

	var parsed priceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal: %w", err)
	}

	entry := parsed.Data[mint]
	if entry == nil || entry.Price == "" {
		return decimal.Zero, fmt.Errorf("no price for mint %s", mint)
	}

	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", entry.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for mint %s", price, mint)
	}
	return price, nil
}
