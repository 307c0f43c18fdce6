package http

import "github.com/fyrsmithlabs/prgate/internal/history"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs  []history.Summary `json:"runs"`
	Count int               `json:"count"`
}
