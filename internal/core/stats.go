package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// logStats logs per-view counters periodically and warns when a view is
// dropping frames.
func (s *Service) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]MetricsSnapshot, len(s.pipelines))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.pipelines {
				st := p.Status()
				m := st.Metrics
				prev := last[st.Name]
				last[st.Name] = m

				slog.Debug("pipeline stats",
					"pipeline", st.Name,
					"state", st.State,
					"frames_captured", m.FramesCaptured,
					"frames_processed", m.FramesProcessed,
					"payloads_sent", m.PayloadsSent,
					"datagrams", st.Transport.Datagrams,
					"cycle_ms", st.CycleMS,
				)

				// Log dropped frames if any since the last tick
				if d := m.FramesEvicted - prev.FramesEvicted; d > 0 {
					slog.Warn("processing falling behind capture",
						"pipeline", st.Name,
						"dropped_count", d,
					)
				}
				if d := (m.PayloadsEvicted + m.SendFailures) - (prev.PayloadsEvicted + prev.SendFailures); d > 0 {
					slog.Warn("sender dropping payloads",
						"pipeline", st.Name,
						"dropped_count", d,
						"drop_rate", float64(int(m.SendDropRate()*10000))/10000,
					)
				}
			}
		}
	}
}

// publishHealth publishes the health snapshot on the MQTT health topic.
func (s *Service) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health not published", "error", err)
			}
		}
	}
}
