package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// ProcessorMetrics is returned by GET /v1/metrics/recurring.
type ProcessorMetrics struct {
	Runs           int64   `json:"runs"`
	FailedRuns     int64   `json:"failedRuns"`
	Materialized   int64   `json:"materialized"`
	Duplicates     int64   `json:"duplicates"`
	Stale          int64   `json:"stale"`
	FailedTemplate int64   `json:"failedTemplates"`
	Deactivated    int64   `json:"deactivated"`
	FailureRate    float64 `json:"failureRate"`
	GroupCacheHit  float64 `json:"groupCacheHitRate"`
	Period         string  `json:"period"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
