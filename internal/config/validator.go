package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	maxQueueCapacity = 10
	maxChunkSize     = 65506 // largest UDP payload minus the flag byte
	maxRingBuffers   = 8
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.CycleMS == 0 {
		cfg.CycleMS = 250
	}
	if cfg.CycleMS < 0 {
		return fmt.Errorf("cycle_ms must be > 0")
	}
	if cfg.WarmupS < 0 {
		return fmt.Errorf("warmup_s must be >= 0")
	}

	if err := validateNetwork(&cfg.Network); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if len(cfg.Views()) == 0 {
		return fmt.Errorf("camera: at least one view device is required")
	}
	if err := validateProcessor(&cfg.ImageProcessor); err != nil {
		return fmt.Errorf("image_processor: %w", err)
	}
	if err := validateTransport(&cfg.Transport); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := validateQueues(&cfg.Queues); err != nil {
		return fmt.Errorf("queues: %w", err)
	}
	if err := validateReconnect(&cfg.Reconnect); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	// MQTT is optional; topics default only when a broker is set
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("camlink/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("camlink/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Metadata == "" {
			cfg.MQTT.Topics.Metadata = fmt.Sprintf("camlink/frames/%s", cfg.InstanceID)
		}
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":  1,
			"health":   0,
			"metadata": 0,
		}
	}
	for topic, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos[%s] must be 0, 1 or 2, got %d", topic, qos)
		}
	}

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	}

	validateReceiver(&cfg.Receiver)
	return nil
}

func validateNetwork(n *NetworkConfig) error {
	if n.DestIP == "" {
		n.DestIP = "127.0.0.1"
	}
	if net.ParseIP(n.DestIP) == nil {
		return fmt.Errorf("dest_ip %q is not an IP address", n.DestIP)
	}
	if n.TopViewPort == 0 {
		n.TopViewPort = 50000
	}
	if n.BottomViewPort == 0 {
		n.BottomViewPort = 50001
	}
	for _, port := range []int{n.TopViewPort, n.BottomViewPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range 1-65535", port)
		}
	}
	if n.TopViewPort == n.BottomViewPort {
		return fmt.Errorf("top_view_port and bottom_view_port must differ")
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	// Both devices unset means the stock two-camera rig
	if c.TopViewDevice == "" && c.BottomViewDevice == "" {
		c.TopViewDevice = "/dev/video0"
		c.BottomViewDevice = "/dev/video2"
	}
	if c.TopViewDevice == "" {
		c.TopViewDevice = DisabledDevice
	}
	if c.BottomViewDevice == "" {
		c.BottomViewDevice = DisabledDevice
	}
	if c.TopViewDevice != DisabledDevice && c.TopViewDevice == c.BottomViewDevice {
		return fmt.Errorf("top and bottom views share device %s", c.TopViewDevice)
	}

	if c.Width == 0 {
		c.Width = 800
	}
	if c.Height == 0 {
		c.Height = 600
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if c.PixelFormat == "" {
		c.PixelFormat = "MJPG"
	}
	if len(c.PixelFormat) != 4 {
		return fmt.Errorf("pixel_format must be a 4-character fourcc, got %q", c.PixelFormat)
	}
	c.PixelFormat = strings.ToUpper(c.PixelFormat)
	if c.FPS < 0 {
		return fmt.Errorf("fps must be >= 0")
	}
	if c.Buffers == 0 {
		c.Buffers = 4
	}
	if c.Buffers < 1 || c.Buffers > maxRingBuffers {
		return fmt.Errorf("buffers must be in 1-%d, got %d", maxRingBuffers, c.Buffers)
	}
	if c.PollTimeoutMS == 0 {
		c.PollTimeoutMS = 1000
	}
	if c.PollTimeoutMS < 0 {
		return fmt.Errorf("poll_timeout_ms must be > 0")
	}
	return nil
}

func validateProcessor(p *ProcessorConfig) error {
	switch p.Kind {
	case "":
		p.Kind = "jpeg"
	case "passthrough", "jpeg", "analysis":
	default:
		return fmt.Errorf("unknown kind %q (must be 'passthrough', 'jpeg' or 'analysis')", p.Kind)
	}
	if p.JPEGQuality == 0 {
		p.JPEGQuality = 80
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in 1-100, got %d", p.JPEGQuality)
	}
	if p.ResizeWidth == 0 {
		p.ResizeWidth = 640
	}
	if p.ResizeWidth < 0 {
		return fmt.Errorf("resize_width must be >= 0")
	}
	if p.Contrast == 0 {
		p.Contrast = 1.0
	}
	if p.Contrast < 0 {
		return fmt.Errorf("contrast must be > 0")
	}
	return nil
}

func validateTransport(t *TransportConfig) error {
	if t.ChunkSize == 0 {
		t.ChunkSize = 1400
	}
	if t.ChunkSize < 1 || t.ChunkSize > maxChunkSize {
		return fmt.Errorf("chunk_size must be in 1-%d, got %d", maxChunkSize, t.ChunkSize)
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 5
	}
	if t.RetryBackoffUS == 0 {
		t.RetryBackoffUS = 500
	}
	if t.MaxRetries < 0 || t.RetryBackoffUS < 0 || t.PaceEvery < 0 || t.PaceDelayUS < 0 {
		return fmt.Errorf("retry and pacing values must be >= 0")
	}
	return nil
}

func validateQueues(q *QueuesConfig) error {
	if q.Frames == 0 {
		q.Frames = 2
	}
	if q.Payloads == 0 {
		q.Payloads = 1
	}
	if q.Frames < 1 || q.Frames > maxQueueCapacity || q.Payloads < 1 || q.Payloads > maxQueueCapacity {
		return fmt.Errorf("capacities must be in 1-%d", maxQueueCapacity)
	}
	return nil
}

func validateReconnect(r *ReconnectConfig) error {
	if r.MaxRetries == 0 {
		r.MaxRetries = 5
	}
	if r.InitialDelayMS == 0 {
		r.InitialDelayMS = 1000
	}
	if r.MaxDelayMS == 0 {
		r.MaxDelayMS = 30000
	}
	if r.MaxRetries < 0 || r.InitialDelayMS < 0 || r.MaxDelayMS < 0 {
		return fmt.Errorf("values must be >= 0")
	}
	if r.MaxDelayMS < r.InitialDelayMS {
		return fmt.Errorf("max_delay_ms (%d) < initial_delay_ms (%d)", r.MaxDelayMS, r.InitialDelayMS)
	}
	return nil
}

func validateReceiver(r *ReceiverConfig) {
	if r.ListenIP == "" {
		r.ListenIP = "0.0.0.0"
	}
	if r.SaveEvery <= 0 {
		r.SaveEvery = 1
	}
	if r.MaxMessageSize <= 0 {
		r.MaxMessageSize = 16 << 20
	}
	if r.StatsIntervalS <= 0 {
		r.StatsIntervalS = 10
	}
}
