// Package indexer queries the subgraph for perpetuals that have open interest.
package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	defaultTimeout = 5 * time.Second

	// perpetualsQuery selects perpetuals in the Normal (2) or Emergency (3) state
	// with non-zero open interest.
	perpetualsQuery = `{ perpetuals(where: {openInterest_not: "0", state_in: [2, 3]}) { id oracleAddress } }`
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Perpetual is one indexer record. ID has the "pool-index" form.
type Perpetual struct {
	ID            string `json:"id"`
	OracleAddress string `json:"oracleAddress"`
}

type graphRequest struct {
	Query string `json:"query"`
}

type graphError struct {
	Message string `json:"message"`
}

type graphResponse struct {
	Data struct {
		Perpetuals []Perpetual `json:"perpetuals"`
	} `json:"data"`
	Errors []graphError `json:"errors"`
}

// Client posts GraphQL queries to a subgraph endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// New creates a Client for url. A non-positive timeout uses the default of 5s.
func New(url string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("indexer: url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Perpetuals returns every perpetual that currently has open interest.
func (c *Client) Perpetuals(ctx context.Context) ([]Perpetual, error) {
	body, err := json.Marshal(graphRequest{Query: perpetualsQuery})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("query %s: status %d: %s", c.url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", out.Errors[0].Message)
	}
	return out.Data.Perpetuals, nil
}
