package models

import (
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/resource"
)

// ContextResponse describes one live refresh context
type ContextResponse struct {
	Name        livecontext.Name `json:"name"`
	Subscribers int              `json:"subscribers"`
	Resources   []string         `json:"resources,omitempty"`
}

// ResourceResponse is the current value of one data hook
type ResourceResponse struct {
	resource.Info
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// InvalidateResponse reports what an invalidation reached
type InvalidateResponse struct {
	Accepted []livecontext.Name `json:"accepted"`
}

// HealthResponse is returned by /healthz and /readyz
type HealthResponse struct {
	Status string `json:"status"`
}
