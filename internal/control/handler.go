package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-camlink/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	mu        sync.Mutex
	stopped   bool
	callbacks CommandCallbacks

	// shutdownDelay lets the response leave before the service stops
	shutdownDelay time.Duration
}

// CommandCallbacks contains callback functions for commands.
//
// view is "" for all views.
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	OnPause     func(view string) error
	OnResume    func(view string) error
	OnSetCycle  func(cycle time.Duration) error
	OnShutdown  func() error
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	// Process commands
	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// ParseCommand decodes a JSON command.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, err
	}
	if cmd.Command == "" {
		return cmd, fmt.Errorf("missing command field")
	}
	return cmd, nil
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes its response
func (h *Handler) handleCommand(cmd Command) {
	resp := h.Execute(cmd)
	h.sendResponse(resp)

	if cmd.Command == "shutdown" && resp.Status == "success" {
		// Trigger shutdown asynchronously, after the response is out
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
	}
}

// Execute runs cmd against the callbacks and builds the response.
// The shutdown callback itself is deferred to handleCommand.
func (h *Handler) Execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause_streaming", "resume_streaming":
		paused := cmd.Command == "pause_streaming"
		fn := h.callbacks.OnResume
		if paused {
			fn = h.callbacks.OnPause
		}
		if fn == nil {
			return notImplemented(resp)
		}
		view, _ := cmd.Params["view"].(string)
		if err := fn(view); err != nil {
			return failed(resp, err)
		}
		resp.Status = "paused"
		if !paused {
			resp.Status = "resumed"
		}
		resp.Data = map[string]interface{}{
			"view":             viewOrAll(view),
			"streaming_active": !paused,
		}

	case "set_cycle":
		if h.callbacks.OnSetCycle == nil {
			return notImplemented(resp)
		}
		ms, ok := cmd.Params["cycle_ms"].(float64)
		if !ok {
			return failed(resp, fmt.Errorf("missing or invalid 'cycle_ms' parameter"))
		}
		if ms < 10 || ms > 10000 {
			return failed(resp, fmt.Errorf("invalid cycle: %.0fms (must be between 10 and 10000)", ms))
		}
		if err := h.callbacks.OnSetCycle(time.Duration(ms) * time.Millisecond); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"cycle_ms": int(ms)}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return notImplemented(resp)
		}
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = fmt.Sprintf("%s not implemented", resp.CommandAck)
	return resp
}

func failed(resp Response, err error) Response {
	resp.Status = "error"
	resp.Error = err.Error()
	return resp
}

func viewOrAll(view string) string {
	if view == "" {
		return "all"
	}
	return view
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
