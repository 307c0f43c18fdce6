package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// QueryClient runs instant queries against a Prometheus-compatible API.
type QueryClient struct {
	baseURL string
	client  *http.Client
}

// QueryResult represents the /api/v1/query response.
type QueryResult struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Data   QueryData `json:"data"`
}

// QueryData holds the query result data.
type QueryData struct {
	ResultType string         `json:"resultType"`
	Result     []MetricResult `json:"result"`
}

// MetricResult is one sample of an instant vector.
type MetricResult struct {
	Metric map[string]string `json:"metric"`
	Value  [2]interface{}    `json:"value"`
}

// NewQueryClient creates a client for the API rooted at baseURL.
func NewQueryClient(baseURL string) *QueryClient {
	return &QueryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Query executes a PromQL instant query.
func (c *QueryClient) Query(ctx context.Context, query string) (QueryResult, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/query")
	if err != nil {
		return QueryResult{}, fmt.Errorf("invalid base URL: %w", err)
	}

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueryResult{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return QueryResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return result, fmt.Errorf("query failed: %s", result.Error)
	}

	return result, nil
}

// Value runs query and returns the first sample. An empty vector is 0.
func (c *QueryClient) Value(ctx context.Context, query string) (float64, error) {
	result, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return extractFloatValue(result)
}

func extractFloatValue(result QueryResult) (float64, error) {
	if len(result.Data.Result) == 0 {
		return 0, nil
	}

	valueStr, ok := result.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("value is not a string")
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}

	return value, nil
}
