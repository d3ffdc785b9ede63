package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// NotificationType names a pool change.
type NotificationType string

// Notification types.
const (
	NotifyServerAdded            NotificationType = "server_added"
	NotifyServerRemoved          NotificationType = "server_removed"
	NotifyServerUpdated          NotificationType = "server_updated"
	NotifyServerActivated        NotificationType = "server_activated"
	NotifyServerDeactivated      NotificationType = "server_deactivated"
	NotifyWeightChanged          NotificationType = "weight_changed"
	NotifyStatusChanged          NotificationType = "status_changed"
	NotifyCircuitStateChanged    NotificationType = "circuit_state_changed"
	NotifyConnectionLimitReached NotificationType = "connection_limit_reached"
	NotifyStrategyChanged        NotificationType = "strategy_changed"
	NotifyConfigUpdated          NotificationType = "config_updated"
	NotifyRecoveryAttempted      NotificationType = "recovery_attempted"
	NotifyHealthCheckForced      NotificationType = "health_check_forced"
)

// Notification describes one pool change.
type Notification struct {
	Type      NotificationType `json:"type"`
	ServerID  string           `json:"serverId,omitempty"`
	Actor     string           `json:"actor"`
	RequestID string           `json:"requestId,omitempty"`
	TraceID   string           `json:"traceId,omitempty"`
	Time      time.Time        `json:"timestamp"`
	Details   map[string]any   `json:"details,omitempty"`
}

// Observer receives pool notifications. Calls for one observer are
// sequential and in publish order.
type Observer interface {
	OnPoolNotification(n Notification)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(n Notification)

// OnPoolNotification implements Observer.
func (f ObserverFunc) OnPoolNotification(n Notification) {
	f(n)
}

// DefaultNotificationQueueSize is the per-subscriber buffer.
const DefaultNotificationQueueSize = 256

// Notifier fans notifications out to subscribers without blocking the
// publisher. Each subscriber owns a bounded queue drained by its own
// goroutine; when the queue is full the notification is dropped for that
// subscriber and counted.
type Notifier struct {
	queueSize int
	logger    observability.Logger
	onDrop    func(NotificationType)

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	dropped atomic.Int64
}

type subscription struct {
	observer Observer
	ch       chan Notification
	done     chan struct{}
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) NotifierOption {
	return func(nt *Notifier) {
		if n > 0 {
			nt.queueSize = n
		}
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger observability.Logger) NotifierOption {
	return func(nt *Notifier) {
		nt.logger = logger
	}
}

// WithDropHandler is called for every dropped notification.
func WithDropHandler(fn func(NotificationType)) NotifierOption {
	return func(nt *Notifier) {
		nt.onDrop = fn
	}
}

// NewNotifier creates a Notifier.
func NewNotifier(opts ...NotifierOption) *Notifier {
	n := &Notifier{
		queueSize: DefaultNotificationQueueSize,
		logger:    observability.NopLogger(),
		subs:      make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers o and returns a function that unsubscribes it and
// waits for its queue to drain. Subscribing to a closed notifier returns
// a no-op unsubscribe.
func (n *Notifier) Subscribe(o Observer) (unsubscribe func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return func() {}
	}
	n.nextID++
	id := n.nextID
	sub := &subscription{
		observer: o,
		ch:       make(chan Notification, n.queueSize),
		done:     make(chan struct{}),
	}
	n.subs[id] = sub
	n.mu.Unlock()

	go n.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			_, ok := n.subs[id]
			if ok {
				delete(n.subs, id)
				close(sub.ch)
			}
			n.mu.Unlock()
			<-sub.done
		})
	}
}

func (n *Notifier) drain(sub *subscription) {
	defer close(sub.done)
	for msg := range sub.ch {
		n.deliver(sub.observer, msg)
	}
}

func (n *Notifier) deliver(o Observer, msg Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("pool observer panicked",
				observability.String("type", string(msg.Type)),
				observability.Any("panic", r),
			)
		}
	}()
	o.OnPoolNotification(msg)
}

// Publish enqueues msg for every subscriber. It never blocks.
func (n *Notifier) Publish(msg Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for _, sub := range n.subs {
		select {
		case sub.ch <- msg:
		default:
			n.dropped.Add(1)
			n.logger.Warn("pool notification dropped",
				observability.String("type", string(msg.Type)),
				observability.String("server_id", msg.ServerID),
			)
			if n.onDrop != nil {
				n.onDrop(msg.Type)
			}
		}
	}
}

// Dropped returns the number of notifications dropped so far.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting notifications and waits until every subscriber
// has drained its queue or ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*subscription, 0, len(n.subs))
	for id, sub := range n.subs {
		close(sub.ch)
		subs = append(subs, sub)
		delete(n.subs, id)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
