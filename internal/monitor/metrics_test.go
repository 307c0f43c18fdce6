package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(value string) QueryResult {
	return QueryResult{
		Status: "success",
		Data: QueryData{
			ResultType: "vector",
			Result: []MetricResult{
				{Metric: map[string]string{"job": "prgate"}, Value: [2]interface{}{float64(1699564800), value}},
			},
		},
	}
}

func TestQueryClient_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("query"))
		_ = json.NewEncoder(w).Encode(vector("1"))
	}))
	defer server.Close()

	result, err := NewQueryClient(server.URL+"/").Query(context.Background(), "up")
	require.NoError(t, err)
	assert.Equal(t, "vector", result.Data.ResultType)
	require.Len(t, result.Data.Result, 1)
	assert.Equal(t, "prgate", result.Data.Result[0].Metric["job"])
}

func TestQueryClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: "status code 500",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{invalid json"))
			},
			want: "failed to decode response",
		},
		{
			name: "query error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(QueryResult{Status: "error", Error: "parse error at char 4"})
			},
			want: "parse error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewQueryClient(server.URL).Query(context.Background(), "up")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQueryClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewQueryClient(server.URL).Query(ctx, "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")
}

func TestQueryClient_Value(t *testing.T) {
	tests := []struct {
		name    string
		result  QueryResult
		want    float64
		wantErr bool
	}{
		{name: "sample", result: vector("45.7"), want: 45.7},
		{name: "empty vector", result: QueryResult{Status: "success"}, want: 0},
		{name: "not a number", result: vector("NaN-ish"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.result)
			}))
			defer server.Close()

			v, err := NewQueryClient(server.URL).Value(context.Background(), "x")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 0.001)
		})
	}
}
