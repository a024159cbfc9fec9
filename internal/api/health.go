package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResponse represents a comprehensive health check response
type HealthCheckResponse struct {
	Status        HealthStatus           `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	EngineVersion string                 `json:"engine_version"`
	GitCommit     string                 `json:"git_commit,omitempty"`
	BuildTime     string                 `json:"build_time,omitempty"`
	Uptime        string                 `json:"uptime"`
	Checks        map[string]HealthCheck `json:"checks"`
	System        SystemInfo             `json:"system"`
	RequestID     string                 `json:"request_id,omitempty"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	GOMAXPROCS    int    `json:"gomaxprocs"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	MemoryTotal   uint64 `json:"memory_total_bytes"`
	MemorySys     uint64 `json:"memory_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// MetricsResponse reports request counters and run activity.
type MetricsResponse struct {
	Timestamp     string               `json:"timestamp"`
	EngineVersion string               `json:"engine_version"`
	Uptime        string               `json:"uptime"`
	System        SystemInfo           `json:"system"`
	Operations    map[string]OpMetrics `json:"operations"`
	ActiveRuns    int                  `json:"active_runs"`
	StoredRuns    int                  `json:"stored_runs"`
	Unreported    int                  `json:"unreported_runs"`
	AvgScore      float64              `json:"avg_score"`
	RequestID     string               `json:"request_id,omitempty"`
}

// OpMetrics represents operation-specific metrics
type OpMetrics struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	ErrorRequests   uint64  `json:"error_requests"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	LastRequest     string  `json:"last_request,omitempty"`
}

// opMetrics accumulates OpMetrics per "METHOD /route".
type opMetrics struct {
	mu    sync.Mutex
	ops   map[string]*OpMetrics
	total map[string]time.Duration
}

func newOpMetrics() *opMetrics {
	return &opMetrics{
		ops:   make(map[string]*OpMetrics),
		total: make(map[string]time.Duration),
	}
}

func (m *opMetrics) record(op string, status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	om, ok := m.ops[op]
	if !ok {
		om = &OpMetrics{}
		m.ops[op] = om
	}
	om.TotalRequests++
	if status >= 400 {
		om.ErrorRequests++
	} else {
		om.SuccessRequests++
	}
	m.total[op] += d
	om.AvgDurationMs = float64(m.total[op].Microseconds()) / 1000 / float64(om.TotalRequests)
	om.LastRequest = time.Now().UTC().Format(time.RFC3339)
}

func (m *opMetrics) snapshot() map[string]OpMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpMetrics, len(m.ops))
	for k, v := range m.ops {
		out[k] = *v
	}
	return out
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	start := time.Now()

	checks := map[string]HealthCheck{
		"books":    s.checkBooksHealth(),
		"database": s.checkDatabaseHealth(r.Context()),
		"backend":  s.checkBackendHealth(),
		"archive":  s.checkArchiveHealth(),
	}

	overall := HealthStatusHealthy
	for _, c := range checks {
		switch c.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	response := HealthCheckResponse{
		Status:        overall,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EngineVersion: EngineVersion,
		GitCommit:     GitCommit,
		BuildTime:     BuildTime,
		Uptime:        time.Since(s.startTime).String(),
		Checks:        checks,
		System:        s.getSystemInfo(),
		RequestID:     requestID,
	}

	statusCode := http.StatusOK
	if overall == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	s.audit.LogAuditEvent(requestID, "health_check", "system", string(overall), map[string]interface{}{
		"duration":    time.Since(start),
		"checks":      len(checks),
		"status_code": statusCode,
	})

	s.writeJSON(w, statusCode, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	response := MetricsResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EngineVersion: EngineVersion,
		Uptime:        time.Since(s.startTime).String(),
		System:        s.getSystemInfo(),
		Operations:    s.metrics.snapshot(),
		ActiveRuns:    s.sessions.Len(),
		RequestID:     requestID,
	}
	if s.db != nil {
		if st, err := s.db.Stats(r.Context()); err == nil {
			response.StoredRuns = st.Runs
			response.Unreported = st.Unreported
			response.AvgScore = st.AvgScore
		} else {
			s.logger.Printf("metrics_stats_failed request_id=%s err=%v", requestID, err)
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	ready := true
	message := "Ready"
	if len(s.books.List()) == 0 {
		ready = false
		message = "No books available"
	} else if s.db == nil {
		ready = false
		message = "Database not initialized"
	} else if err := s.db.Ping(r.Context()); err != nil {
		ready = false
		message = "Database unreachable"
	}

	response := map[string]interface{}{
		"ready":          ready,
		"message":        message,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"engine_version": EngineVersion,
		"request_id":     requestID,
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":          true,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"engine_version": EngineVersion,
		"uptime":         time.Since(s.startTime).String(),
		"request_id":     middleware.GetReqID(r.Context()),
	})
}

func (s *Server) checkBooksHealth() HealthCheck {
	start := time.Now()
	n := len(s.books.List())
	status := HealthStatusHealthy
	message := fmt.Sprintf("%d books available", n)
	if n == 0 {
		status = HealthStatusUnhealthy
		message = "No books available"
	}
	return healthCheck(status, message, start)
}

func (s *Server) checkDatabaseHealth(ctx context.Context) HealthCheck {
	start := time.Now()
	if s.db == nil {
		return healthCheck(HealthStatusUnhealthy, "Database not initialized", start)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		return healthCheck(HealthStatusUnhealthy, "Database ping failed: "+err.Error(), start)
	}
	return healthCheck(HealthStatusHealthy, "Database connection healthy", start)
}

// checkBackendHealth reports configuration only. It never calls the backend.
func (s *Server) checkBackendHealth() HealthCheck {
	start := time.Now()
	if s.backend == nil || !s.backend.Configured() {
		return healthCheck(HealthStatusDegraded, "Backend not configured; runs are stored but not reported", start)
	}
	return healthCheck(HealthStatusHealthy, "Backend configured", start)
}

func (s *Server) checkArchiveHealth() HealthCheck {
	start := time.Now()
	if s.archiver == nil {
		return healthCheck(HealthStatusHealthy, "Archive disabled", start)
	}
	return healthCheck(HealthStatusHealthy, "Archive enabled", start)
}

func healthCheck(status HealthStatus, message string, start time.Time) HealthCheck {
	return HealthCheck{
		Status:      status,
		Message:     message,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
		Duration:    time.Since(start).String(),
	}
}

func (s *Server) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		MemoryAlloc:   m.Alloc,
		MemoryTotal:   m.TotalAlloc,
		MemorySys:     m.Sys,
		GCCycles:      m.NumGC,
	}
}
