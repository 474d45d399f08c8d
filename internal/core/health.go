package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// PipelineHealth contains health metrics for one view with its drop rate
type PipelineHealth struct {
	State           PipelineState `json:"state"`
	Paused          bool          `json:"paused"`
	FramesCaptured  uint64        `json:"frames_captured"`
	FramesProcessed uint64        `json:"frames_processed"`
	PayloadsSent    uint64        `json:"payloads_sent"`
	DropRate        float64       `json:"drop_rate"`
	Reconnects      uint64        `json:"reconnects"`
	LastError       string        `json:"last_error,omitempty"`
}

// HealthStatus represents the health state of the camlink service
type HealthStatus struct {
	Status         string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	PipelinesUp    int                       `json:"pipelines_up"`
	PipelinesTotal int                       `json:"pipelines_total"`
	MQTTConnected  bool                      `json:"mqtt_connected"`
	Pipelines      map[string]PipelineHealth `json:"pipelines,omitempty"`
}

// HealthCheck returns the current health status of the service.
//
// A service with no streaming pipeline is unhealthy. A stalled view or a
// configured but unreachable broker makes it degraded.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(started).Seconds()),
		PipelinesTotal: len(s.pipelines),
		Pipelines:      make(map[string]PipelineHealth),
	}
	if !running {
		status.UptimeSeconds = 0
	}

	if s.emitter != nil && s.emitter.IsConnected() {
		status.MQTTConnected = true
	}

	for _, p := range s.pipelines {
		st := p.Status()
		if st.State == StateStreaming {
			status.PipelinesUp++
		}
		status.Pipelines[st.Name] = PipelineHealth{
			State:           st.State,
			Paused:          st.Paused,
			FramesCaptured:  st.Metrics.FramesCaptured,
			FramesProcessed: st.Metrics.FramesProcessed,
			PayloadsSent:    st.Metrics.PayloadsSent,
			DropRate:        st.Metrics.SendDropRate(),
			Reconnects:      st.Metrics.Reconnects,
			LastError:       st.LastError,
		}
	}

	// Determine overall health status
	switch {
	case !running || status.PipelinesUp == 0:
		status.Status = "unhealthy"
	case status.PipelinesUp < status.PipelinesTotal:
		status.Status = "degraded"
	case s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
// Returns 200 if the service process is alive
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 only if at least one view is streaming
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics endpoint in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	instance := s.cfg.InstanceID
	fmt.Fprintf(w, "camlink_uptime_seconds{instance=%q} %.0f\n", instance, time.Since(started).Seconds())

	for _, p := range s.pipelines {
		st := p.Status()
		m := st.Metrics
		labels := fmt.Sprintf("instance=%q,view=%q", instance, st.Name)
		counters := []struct {
			name  string
			value uint64
		}{
			{"camlink_frames_captured_total", m.FramesCaptured},
			{"camlink_frames_evicted_total", m.FramesEvicted},
			{"camlink_frames_processed_total", m.FramesProcessed},
			{"camlink_process_failures_total", m.ProcessFailures},
			{"camlink_payloads_evicted_total", m.PayloadsEvicted},
			{"camlink_payloads_sent_total", m.PayloadsSent},
			{"camlink_send_failures_total", m.SendFailures},
			{"camlink_paused_dropped_total", m.PausedDropped},
			{"camlink_device_errors_total", m.DeviceErrors},
			{"camlink_reconnects_total", m.Reconnects},
			{"camlink_datagrams_total", st.Transport.Datagrams},
			{"camlink_bytes_sent_total", st.Transport.BytesSent},
		}
		for _, c := range counters {
			fmt.Fprintf(w, "%s{%s} %d\n", c.name, labels, c.value)
		}

		streaming := 0
		if st.State == StateStreaming {
			streaming = 1
		}
		fmt.Fprintf(w, "camlink_pipeline_streaming{%s} %d\n", labels, streaming)
		fmt.Fprintf(w, "camlink_cycle_ms{%s} %d\n", labels, st.CycleMS)
	}
}

// StartHealthServer starts the HTTP health check server on the given port
// This runs in a separate goroutine and does not block
func (s *Service) StartHealthServer(port string) error {
	mux := http.NewServeMux()

	// Register health check endpoints
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	// Start server in goroutine (non-blocking)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
