package door

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/smartlock/internal/config"
	"github.com/andresmejia3/smartlock/internal/types"
)

// unknownName is recorded for events the door reports on its own (keypad, forced entry).
const unknownName = "Unknown"

// EventLogger records door events.
type EventLogger interface {
	Insert(ctx context.Context, t types.EventType, name string) (types.LogEntry, error)
}

// AlertAcker acknowledges alerts back to the door.
type AlertAcker interface {
	AckAlert() error
}

type doorEvent struct {
	kind  types.EventType
	topic string
}

// Listener subscribes to door events and records them. The paho callback
// only enqueues; a single goroutine owns logging and acknowledgement.
// Subscribe is registered as an Emitter ConnectHook so the subscription
// survives broker restarts.
type Listener struct {
	topics config.MQTTTopics
	qos    byte
	events EventLogger
	acker  AlertAcker
	queue  chan doorEvent
	log    *slog.Logger

	mu      sync.Mutex
	client  mqtt.Client
	subs    uint64
	dropped uint64
	handled uint64
	done    chan struct{}
}

// NewListener creates a listener. It receives nothing until Subscribe runs.
func NewListener(cfg config.MQTTConfig, events EventLogger, acker AlertAcker) *Listener {
	return &Listener{
		topics: cfg.Topics,
		qos:    cfg.QoS,
		events: events,
		acker:  acker,
		queue:  make(chan doorEvent, 32),
		log:    slog.With("component", "door-listener"),
		done:   make(chan struct{}),
	}
}

// Start launches the event actor. It stops when ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	go l.processEvents(ctx)
}

// Subscribe (re)subscribes to the door event topics on c. Failures are
// logged; the next reconnect tries again.
func (l *Listener) Subscribe(c mqtt.Client) {
	if err := l.subscribe(c); err != nil {
		l.log.Error("door event subscription failed", "error", err)
	}
}

func (l *Listener) subscribe(c mqtt.Client) error {
	filters := map[string]byte{l.topics.Opened: l.qos, l.topics.Alert: l.qos}
	l.log.Info("subscribing to door events", "opened", l.topics.Opened, "alert", l.topics.Alert)

	token := c.SubscribeMultiple(filters, l.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("door event subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("door event subscription failed: %w", err)
	}

	l.mu.Lock()
	l.client = c
	l.subs++
	l.mu.Unlock()
	return nil
}

// Stop unsubscribes. The actor exits with its context.
func (l *Listener) Stop() {
	l.mu.Lock()
	c := l.client
	l.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Unsubscribe(l.topics.Opened, l.topics.Alert).WaitTimeout(time.Second)
	}
}

// Subscriptions counts successful subscriptions, one per connection.
func (l *Listener) Subscriptions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs
}

// Done is closed when the actor has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var ev doorEvent
	switch msg.Topic() {
	case l.topics.Opened:
		ev = doorEvent{kind: types.EventOpen, topic: msg.Topic()}
	case l.topics.Alert:
		ev = doorEvent{kind: types.EventAlert, topic: msg.Topic()}
	default:
		l.log.Debug("ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}

	select {
	case l.queue <- ev:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.log.Warn("door event queue full, dropping event", "topic", msg.Topic())
	}
}

func (l *Listener) processEvents(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.queue:
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev doorEvent) {
	if _, err := l.events.Insert(ctx, ev.kind, unknownName); err != nil {
		l.log.Error("failed to record door event", "event_type", ev.kind, "error", err)
	}
	if ev.kind == types.EventAlert {
		l.log.Warn("door alert received")
		if err := l.acker.AckAlert(); err != nil {
			l.log.Error("failed to acknowledge alert", "error", err)
		}
	}

	l.mu.Lock()
	l.handled++
	l.mu.Unlock()
}

// Counts returns handled and dropped event counts.
func (l *Listener) Counts() (handled, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handled, l.dropped
}
