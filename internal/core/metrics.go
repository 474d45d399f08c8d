package core

import "sync/atomic"

// Metrics holds the counters of one pipeline. They survive device reopens.
type Metrics struct {
	FramesCaptured atomic.Uint64
	NoFrame        atomic.Uint64
	FramesEvicted  atomic.Uint64 // capture → process edge

	FramesProcessed atomic.Uint64
	ProcessFailures atomic.Uint64
	PayloadsEvicted atomic.Uint64 // process → send edge
	MetadataEmitted atomic.Uint64

	PayloadsSent  atomic.Uint64
	SendFailures  atomic.Uint64
	PausedDropped atomic.Uint64

	DeviceErrors atomic.Uint64
	Reconnects   atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	FramesCaptured  uint64 `json:"frames_captured"`
	NoFrame         uint64 `json:"no_frame"`
	FramesEvicted   uint64 `json:"frames_evicted"`
	FramesProcessed uint64 `json:"frames_processed"`
	ProcessFailures uint64 `json:"process_failures"`
	PayloadsEvicted uint64 `json:"payloads_evicted"`
	MetadataEmitted uint64 `json:"metadata_emitted"`
	PayloadsSent    uint64 `json:"payloads_sent"`
	SendFailures    uint64 `json:"send_failures"`
	PausedDropped   uint64 `json:"paused_dropped"`
	DeviceErrors    uint64 `json:"device_errors"`
	Reconnects      uint64 `json:"reconnects"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesCaptured:  m.FramesCaptured.Load(),
		NoFrame:         m.NoFrame.Load(),
		FramesEvicted:   m.FramesEvicted.Load(),
		FramesProcessed: m.FramesProcessed.Load(),
		ProcessFailures: m.ProcessFailures.Load(),
		PayloadsEvicted: m.PayloadsEvicted.Load(),
		MetadataEmitted: m.MetadataEmitted.Load(),
		PayloadsSent:    m.PayloadsSent.Load(),
		SendFailures:    m.SendFailures.Load(),
		PausedDropped:   m.PausedDropped.Load(),
		DeviceErrors:    m.DeviceErrors.Load(),
		Reconnects:      m.Reconnects.Load(),
	}
}

// SendDropRate is the share of processed payloads that never left the host.
func (s MetricsSnapshot) SendDropRate() float64 {
	total := s.PayloadsSent + s.SendFailures + s.PausedDropped + s.PayloadsEvicted
	if total == 0 {
		return 0
	}
	return float64(s.SendFailures+s.PausedDropped+s.PayloadsEvicted) / float64(total)
}
