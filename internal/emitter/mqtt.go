package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/framequeue"
)

// metadataBacklog bounds metadata waiting for the broker; older records are dropped.
const metadataBacklog = 16

// MQTTEmitter publishes health snapshots and per-frame metadata to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	metadata *framequeue.Queue[processor.Metadata]

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		metadata:  framequeue.New[processor.Metadata](metadataBacklog),
		published: make(map[string]uint64),
	}
}

// BrokerURL returns the broker address with a tcp:// scheme when none is given.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// EmitMetadata queues frame metadata for publishing. Never blocks; when the
// broker falls behind the oldest records are dropped.
func (e *MQTTEmitter) EmitMetadata(meta processor.Metadata) {
	e.metadata.Push(meta)
}

// Run publishes queued metadata until ctx is cancelled.
func (e *MQTTEmitter) Run(ctx context.Context) {
	defer e.metadata.Shutdown()

	for {
		meta, ok := e.metadata.Pop(ctx)
		if !ok {
			return
		}
		if err := e.PublishMetadata(meta); err != nil {
			slog.Debug("metadata not published", "source", meta.Source, "seq", meta.Seq, "error", err)
		}
	}
}

// MetadataTopic returns the topic for one view: {metadata}/{source}.
func (e *MQTTEmitter) MetadataTopic(source string) string {
	return fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Metadata, source)
}

// PublishMetadata publishes one metadata record as msgpack
func (e *MQTTEmitter) PublishMetadata(meta processor.Metadata) error {
	payload, err := EncodeMetadata(meta)
	if err != nil {
		e.countError()
		return err
	}
	return e.publish(e.MetadataTopic(meta.Source), e.cfg.MQTT.QoS["metadata"], payload)
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	e.metadata.Shutdown()

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected:       e.connected,
		Published:       published,
		Errors:          e.errors,
		MetadataDropped: e.metadata.Stats().Evicted,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected       bool              `json:"connected"`
	Published       map[string]uint64 `json:"published"`
	Errors          uint64            `json:"errors"`
	MetadataDropped uint64            `json:"metadata_dropped"`
}

// IsConnected returns connection status
func (e *MQTTEmitter) IsConnected() bool { return e.isConnected() }

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// EncodeMetadata serializes metadata with msgpack.
func EncodeMetadata(meta processor.Metadata) ([]byte, error) {
	b, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

// DecodeMetadata parses a msgpack metadata record.
func DecodeMetadata(b []byte) (processor.Metadata, error) {
	var meta processor.Metadata
	if err := msgpack.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}
