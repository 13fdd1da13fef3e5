// Package broadcaster implements the Broadcaster: best-effort,
// non-blocking fan-out of LocationUpdate events to downstream websocket
// subscribers. It adapts the teacher's handlers.WebSocketHandler
// connection-hub pattern (sync.Map of connections, ping/pong
// keep-alive) into a bounded per-subscriber outbox that drops the
// oldest buffered event on overflow rather than blocking ingestion.
package broadcaster

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096

	// DefaultQueueCapacity bounds each subscriber's outbox; once full,
	// Emit drops the oldest buffered event to make room for the newest.
	DefaultQueueCapacity = 256
)

type subscriber struct {
	id     string
	conn   *websocket.Conn
	outbox chan *models.LocationUpdate
	once   sync.Once
	done   chan struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Broadcaster fans out LocationUpdate events to every currently
// registered websocket subscriber. Emit never blocks the caller beyond
// a bounded channel send attempt: a slow or disconnected subscriber
// only loses its own backlog, never stalls ingestion.
type Broadcaster struct {
	logger        *zap.Logger
	queueCapacity int
	upgrader      websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber

	emitted uint64
	dropped uint64
}

// New constructs a Broadcaster with the given per-subscriber outbox
// capacity (DefaultQueueCapacity if <= 0).
func New(queueCapacity int, logger *zap.Logger) *Broadcaster {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Broadcaster{
		logger:        logger,
		queueCapacity: queueCapacity,
		subs:          make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Emit fans update out to every registered subscriber without blocking
// relative to ingestion. A subscriber whose outbox is full has its
// oldest buffered event evicted to make room, matching the component
// design's "drop oldest on overflow" rule.
func (b *Broadcaster) Emit(update *models.LocationUpdate) {
	atomic.AddUint64(&b.emitted, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.outbox <- update:
		default:
			select {
			case <-sub.outbox:
				atomic.AddUint64(&b.dropped, 1)
			default:
			}
			select {
			case sub.outbox <- update:
			default:
			}
		}
	}
}

// EmittedCount and DroppedCount expose counters for HealthMonitor and
// operational metrics.
func (b *Broadcaster) EmittedCount() uint64 { return atomic.LoadUint64(&b.emitted) }
func (b *Broadcaster) DroppedCount() uint64 { return atomic.LoadUint64(&b.dropped) }

// SubscriberCount reports how many downstream consumers are currently
// connected.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ServeWS upgrades an HTTP request to a websocket connection and
// registers it as a broadcast subscriber until the connection closes.
// The wire framing is one JSON LocationUpdate per message; anything
// further is out of scope.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		id:     r.RemoteAddr + "-" + time.Now().Format(time.RFC3339Nano),
		conn:   conn,
		outbox: make(chan *models.LocationUpdate, b.queueCapacity),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.writePump(sub)
	go b.readPump(sub)
	return nil
}

func (b *Broadcaster) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.unregister(sub)
	}()

	for {
		select {
		case <-sub.done:
			return
		case update, ok := <-sub.outbox:
			if !ok {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				b.logger.Warn("failed to marshal location update", zap.Error(err))
				continue
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains control frames (pong keep-alives); subscribers
// are not expected to send application data.
func (b *Broadcaster) readPump(sub *subscriber) {
	defer b.unregister(sub)

	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) unregister(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Close disconnects every registered subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
