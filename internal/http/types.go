package http

import (
	"github.com/fyrsmithlabs/medagent/internal/cache"
	"github.com/fyrsmithlabs/medagent/internal/gateway"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ResearchRequest is the request body for POST /api/v1/research.
type ResearchRequest struct {
	Query           string `json:"query"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
}

// SourcesResponse is the response body for GET /api/v1/sources.
type SourcesResponse struct {
	Sources []gateway.SourceInfo `json:"sources"`
	Cache   CacheStatus          `json:"cache"`
}

// CacheStatus summarizes the source result cache.
type CacheStatus struct {
	cache.Stats
	HitRatio float64 `json:"hit_ratio"`
}
