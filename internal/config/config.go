package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete camlink configuration.
//
// Loaded once at startup and never modified afterwards.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	CycleMS          int             `yaml:"cycle_ms"`           // Processing cycle (default: 250)
	WarmupS          int             `yaml:"warmup_s"`           // FPS measurement before streaming (0 disables)
	Network          NetworkConfig   `yaml:"network"`
	Camera           CameraConfig    `yaml:"camera"`
	ImageProcessor   ProcessorConfig `yaml:"image_processor"`
	Transport        TransportConfig `yaml:"transport"`
	Queues           QueuesConfig    `yaml:"queues"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
	Receiver         ReceiverConfig  `yaml:"receiver"`
}

// NetworkConfig contains the streaming destination
type NetworkConfig struct {
	DestIP         string `yaml:"dest_ip"`
	TopViewPort    int    `yaml:"top_view_port"`
	BottomViewPort int    `yaml:"bottom_view_port"`
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	TopViewDevice    string `yaml:"top_view_device"`    // "none" disables the view
	BottomViewDevice string `yaml:"bottom_view_device"` // "none" disables the view
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	PixelFormat      string `yaml:"pixel_format"` // fourcc: MJPG, YUYV
	FPS              int    `yaml:"fps"`          // 0 keeps the driver default
	Buffers          int    `yaml:"buffers"`      // mmap ring size
	PollTimeoutMS    int    `yaml:"poll_timeout_ms"`
}

// ProcessorConfig selects and tunes the frame processor
type ProcessorConfig struct {
	Kind        string  `yaml:"kind"`         // passthrough, jpeg, analysis
	JPEGQuality int     `yaml:"jpeg_quality"` // 1-100
	ResizeWidth int     `yaml:"resize_width"` // 0 keeps the captured width
	Contrast    float64 `yaml:"contrast"`     // alpha, 1.0 = unchanged
	Brightness  float64 `yaml:"brightness"`   // beta, 0 = unchanged
	Blur        bool    `yaml:"blur"`         // 5x5 box blur before encoding
}

// TransportConfig tunes fragmentation and send retries
type TransportConfig struct {
	ChunkSize      int `yaml:"chunk_size"` // datagram body bytes (MTU - 1)
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffUS int `yaml:"retry_backoff_us"`
	PaceEvery      int `yaml:"pace_every"`
	PaceDelayUS    int `yaml:"pace_delay_us"`
}

// QueuesConfig sets the capacity of each pipeline edge
type QueuesConfig struct {
	Frames   int `yaml:"frames"`   // capture → process
	Payloads int `yaml:"payloads"` // process → send
}

// ReconnectConfig controls device reopen after a failure
type ReconnectConfig struct {
	Enabled        *bool `yaml:"enabled"` // default: true
	MaxRetries     int   `yaml:"max_retries"`
	InitialDelayMS int   `yaml:"initial_delay_ms"`
	MaxDelayMS     int   `yaml:"max_delay_ms"`
}

// MQTTConfig contains MQTT broker settings (empty broker disables MQTT)
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Health   string `yaml:"health"`
	Metadata string `yaml:"metadata"`
}

// HealthConfig configures the HTTP health endpoint
type HealthConfig struct {
	Port string `yaml:"port"` // "off" disables the server
}

// HealthDisabled turns the health server off when used as its port.
const HealthDisabled = "off"

// ReceiverConfig configures camlink-recv
type ReceiverConfig struct {
	ListenIP       string `yaml:"listen_ip"`
	HTTPAddr       string `yaml:"http_addr"`        // live viewer, empty disables
	SaveDir        string `yaml:"save_dir"`         // JPEG snapshots, empty disables
	SaveEvery      int    `yaml:"save_every"`       // save one frame out of N
	RecordPath     string `yaml:"record_path"`      // msgpack recording, empty disables
	MaxMessageSize int    `yaml:"max_message_size"` // reassembly limit in bytes
	StatsIntervalS int    `yaml:"stats_interval_s"`
}

// DisabledDevice turns a view off when used as its device path.
const DisabledDevice = "none"

// View is one enabled camera pipeline.
type View struct {
	Name   string
	Device string
	Port   int
}

// Views returns the enabled views, top first.
func (c *Config) Views() []View {
	var views []View
	if c.Camera.TopViewDevice != DisabledDevice {
		views = append(views, View{Name: "top", Device: c.Camera.TopViewDevice, Port: c.Network.TopViewPort})
	}
	if c.Camera.BottomViewDevice != DisabledDevice {
		views = append(views, View{Name: "bottom", Device: c.Camera.BottomViewDevice, Port: c.Network.BottomViewPort})
	}
	return views
}

// Cycle returns the processing cycle.
func (c *Config) Cycle() time.Duration {
	return time.Duration(c.CycleMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// IsEnabled reports whether the device supervisor reopens failed devices.
func (r *ReconnectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// InitialDelay returns the first reopen backoff.
func (r *ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff ceiling.
func (r *ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// PollTimeout returns the device poll timeout.
func (c *CameraConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes and validates them.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{InstanceID: "camlink"}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}
