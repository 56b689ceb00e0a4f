// Package door talks to the door controller over MQTT: commands go out
// through an Emitter, door-originated events come back through a Listener.
package door

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/smartlock/internal/config"
)

// Command payloads understood by the door controller.
const (
	PayloadUnlock     = "unlock"
	PayloadActivate   = "activate"
	PayloadDeactivate = "deactivate"
	PayloadAck        = "ack"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrEmptyPassword is returned by ChangePassword for an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
)

const publishTimeout = 2 * time.Second

// Commander sends commands to the door controller.
type Commander interface {
	Unlock() error
	ChangePassword(password string) error
	Activate() error
	Deactivate() error
	AckAlert() error
	Stats() Stats
	Disconnect() error
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// ConnectHook runs after every successful connection, including reconnects.
// The broker session is clean, so subscriptions must be renewed here.
type ConnectHook func(c mqtt.Client)

// Emitter publishes door commands to the MQTT broker
type Emitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client // shared with the Listener

	newClient func(*mqtt.ClientOptions) mqtt.Client

	hooksMu sync.Mutex
	hooks   []ConnectHook

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

var _ Commander = (*Emitter)(nil)

// NewEmitter creates an unconnected emitter.
func NewEmitter(cfg config.MQTTConfig) *Emitter {
	return &Emitter{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. An unreachable broker is not
// fatal: paho keeps retrying in the background and publishes fail until it connects.
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = e.handleConnect
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.Client = e.newClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("mqtt broker not reachable yet, retrying in background", "broker", e.cfg.Broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// OnConnect registers a hook. Register hooks before Connect.
func (e *Emitter) OnConnect(h ConnectHook) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, h)
	e.hooksMu.Unlock()
}

// handleConnect is the paho OnConnect callback; paho runs it on its own goroutine.
func (e *Emitter) handleConnect(c mqtt.Client) {
	e.setConnected(true)
	slog.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)

	e.hooksMu.Lock()
	hooks := append([]ConnectHook(nil), e.hooks...)
	e.hooksMu.Unlock()
	for _, h := range hooks {
		h(c)
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Unlock asks the door to open.
func (e *Emitter) Unlock() error {
	return e.publish(e.cfg.Topics.Control, PayloadUnlock)
}

// ChangePassword sends the new keypad password.
func (e *Emitter) ChangePassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	return e.publish(e.cfg.Topics.Password, password)
}

// Activate enables the lock system.
func (e *Emitter) Activate() error {
	return e.publish(e.cfg.Topics.Activate(), PayloadActivate)
}

// Deactivate disables the lock system.
func (e *Emitter) Deactivate() error {
	return e.publish(e.cfg.Topics.Deactivate(), PayloadDeactivate)
}

// AckAlert acknowledges an alert raised by the door controller.
func (e *Emitter) AckAlert() error {
	return e.publish(e.cfg.Topics.AlertAck, PayloadAck)
}

func (e *Emitter) publish(topic, payload string) error {
	if e.Client == nil || !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("door command published", "topic", topic, "qos", e.cfg.QoS)
	return nil
}

// Disconnect closes the MQTT connection
func (e *Emitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// NopEmitter logs commands instead of publishing them. Used when MQTT is disabled.
type NopEmitter struct {
	mu    sync.Mutex
	count map[string]uint64
}

var _ Commander = (*NopEmitter)(nil)

// NewNopEmitter creates a NopEmitter.
func NewNopEmitter() *NopEmitter { return &NopEmitter{count: map[string]uint64{}} }

func (n *NopEmitter) record(cmd string) error {
	n.mu.Lock()
	n.count[cmd]++
	n.mu.Unlock()
	slog.Info("mqtt disabled, door command not sent", "command", cmd)
	return nil
}

func (n *NopEmitter) Unlock() error { return n.record(PayloadUnlock) }

func (n *NopEmitter) ChangePassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	return n.record("password")
}

func (n *NopEmitter) Activate() error   { return n.record(PayloadActivate) }
func (n *NopEmitter) Deactivate() error { return n.record(PayloadDeactivate) }
func (n *NopEmitter) AckAlert() error   { return n.record(PayloadAck) }
func (n *NopEmitter) Disconnect() error { return nil }

func (n *NopEmitter) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	published := make(map[string]uint64, len(n.count))
	for k, v := range n.count {
		published[k] = v
	}
	return Stats{Published: published}
}
