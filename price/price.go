// Package price fetches the expected oracle prices published by the price service.
package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

const defaultTimeout = 5 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMissingPrice is returned when the price document has no price field.
var ErrMissingPrice = errors.New("price field missing")

type priceDocument struct {
	Price *decimal.Decimal `json:"price"`
}

// Client reads {baseURL}/expected_{oracle}.json documents.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. A non-positive timeout uses the default of 5s.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("price: base url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Decimal returns the expected price of oracle.
func (c *Client) Decimal(ctx context.Context, oracle string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/expected_%s.json", c.baseURL, oracle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	var doc priceDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", url, err)
	}
	if doc.Price == nil {
		return decimal.Zero, fmt.Errorf("%s: %w", url, ErrMissingPrice)
	}
	return *doc.Price, nil
}

// Fetch returns the expected price of oracle as a float, the unit the oracle
// watcher compares between ticks.
func (c *Client) Fetch(ctx context.Context, oracle string) (float64, error) {
	d, err := c.Decimal(ctx, oracle)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
