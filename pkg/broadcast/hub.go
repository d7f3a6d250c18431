package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
)

// Conn is the write side of an observer transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Observer is one connected dashboard client with its own outbound queue.
type Observer struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn    Conn
	sendCh  chan []byte
	closed  atomic.Bool
	mu      sync.Mutex
	dropped atomic.Int64
	done    chan struct{}
}

func NewObserver(conn Conn, remoteAddr string) *Observer {
	return &Observer{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		done:        make(chan struct{}),
	}
}

// Enqueue hands b to the writer without blocking. Full or closed queues drop.
func (o *Observer) Enqueue(b []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() || o.sendCh == nil {
		return false
	}
	select {
	case o.sendCh <- b:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// Dropped counts messages skipped because the queue was full.
func (o *Observer) Dropped() int64 { return o.dropped.Load() }

// Done is closed once the writer has exited.
func (o *Observer) Done() <-chan struct{} { return o.done }

func (o *Observer) close() error {
	o.mu.Lock()
	if o.closed.CompareAndSwap(false, true) && o.sendCh != nil {
		close(o.sendCh)
	}
	o.mu.Unlock()
	return o.conn.Close()
}

// stop ends the writer after it drains the queue and leaves conn open.
func (o *Observer) stop() {
	o.mu.Lock()
	if o.closed.CompareAndSwap(false, true) && o.sendCh != nil {
		close(o.sendCh)
	}
	o.mu.Unlock()
}

func (o *Observer) loop(cfg Config, onFail func(error)) {
	defer close(o.done)
	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-o.sendCh:
			if !ok {
				return
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				onFail(err)
				return
			}
		case <-ping.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				onFail(err)
				return
			}
		}
	}
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = logging.NewComponentLogger(l, "broadcast")
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.metrics = o
		}
	}
}

// Hub fans events out to every registered observer. Broadcast never blocks
// on a slow or dead observer.
type Hub struct {
	cfg       Config
	mu        sync.RWMutex
	observers map[string]*Observer
	logger    *slog.Logger
	metrics   metrics.Observer
}

func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:       cfg.withDefaults(),
		observers: make(map[string]*Observer),
		logger:    logging.NewComponentLogger(slog.Default(), "broadcast"),
		metrics:   metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add registers o and starts its writer.
func (h *Hub) Add(o *Observer) {
	o.mu.Lock()
	o.sendCh = make(chan []byte, h.cfg.QueueSize)
	o.mu.Unlock()

	h.mu.Lock()
	h.observers[o.ID] = o
	n := len(h.observers)
	h.mu.Unlock()

	go o.loop(h.cfg, func(err error) {
		h.logger.Debug("observer_write_failed",
			slog.String("observer_id", o.ID),
			errorsx.ReasonAttr(errorsx.ReasonTransportSend),
			slog.String("error", err.Error()))
		h.Remove(o.ID)
	})
	h.logger.Info("observer_connected", slog.String("observer_id", o.ID), slog.Int("observers", n))
	h.record("observer_connected", n)
}

// Remove deregisters and closes the observer. It is safe to call repeatedly.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	n := len(h.observers)
	h.mu.Unlock()
	if !ok {
		return false
	}
	_ = o.close()
	h.logger.Info("observer_disconnected", slog.String("observer_id", id), slog.Int("observers", n))
	h.record("observer_disconnected", n)
	return true
}

// Detach deregisters the observer and waits for its writer to exit without
// closing the connection, which now belongs to another handler.
func (h *Hub) Detach(id string) bool {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	n := len(h.observers)
	h.mu.Unlock()
	if !ok {
		return false
	}
	o.stop()
	<-o.done
	h.logger.Info("observer_detached", slog.String("observer_id", id), slog.Int("observers", n))
	h.record("observer_disconnected", n)
	return true
}

// Broadcast marshals the event once and enqueues it on every observer.
// It returns how many observers accepted it.
func (h *Hub) Broadcast(typ frames.EventType, data any) int {
	b, err := json.Marshal(frames.Envelope{Type: typ, Data: data})
	if err != nil {
		h.logger.Error("broadcast_marshal_failed", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return 0
	}
	h.mu.RLock()
	targets := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, o := range targets {
		if o.Enqueue(b) {
			delivered++
		}
	}
	h.logger.Debug("broadcast",
		slog.String("type", string(typ)),
		slog.Int("delivered", delivered),
		slog.Int("observers", len(targets)))
	return delivered
}

// SendTo enqueues an event for a single observer.
func (h *Hub) SendTo(id string, typ frames.EventType, data any) bool {
	h.mu.RLock()
	o := h.observers[id]
	h.mu.RUnlock()
	if o == nil {
		return false
	}
	b, err := json.Marshal(frames.Envelope{Type: typ, Data: data})
	if err != nil {
		return false
	}
	return o.Enqueue(b)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// CloseAll disconnects every observer after letting each writer flush what
// is already queued, bounded by the write timeout.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	list := make([]*Observer, 0, len(h.observers))
	for id, o := range h.observers {
		list = append(list, o)
		delete(h.observers, id)
	}
	h.mu.Unlock()
	for i, o := range list {
		o.stop()
		select {
		case <-o.done:
		case <-time.After(h.cfg.WriteTimeout):
		}
		_ = o.conn.Close()
		h.record("observer_disconnected", len(list)-i-1)
	}
	if len(list) > 0 {
		h.logger.Info("observers_closed", slog.Int("observers", len(list)))
	}
}

func (h *Hub) record(name string, n int) {
	metrics.Record(h.metrics, name, float64(n), map[string]string{"component": "broadcast"})
}
