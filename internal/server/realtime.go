package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultBufferSize   = 16
)

// RealtimeConn is the part of a websocket connection the hub writes to.
type RealtimeConn interface {
	Write(ctx context.Context, messageType websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Hub keeps the realtime connections of this process and fans change hints
// out to all of them. Delivery is best effort: every connection has its own
// buffered queue drained by a writer goroutine, and a full queue drops the
// message for that connection.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[RealtimeConn]*realtimeSubscriber
	writeTimeout time.Duration
	bufferSize   int
	logger       *zap.Logger
}

type realtimeSubscriber struct {
	conn   RealtimeConn
	stream chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers:  make(map[RealtimeConn]*realtimeSubscriber),
		writeTimeout: defaultWriteTimeout,
		bufferSize:   defaultBufferSize,
		logger:       logger,
	}
}

// Register adds conn and starts its writer. Registering the same connection
// twice is a no-op.
func (h *Hub) Register(conn RealtimeConn) {
	h.mu.Lock()
	if _, ok := h.subscribers[conn]; ok {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	subscriber := &realtimeSubscriber{
		conn:   conn,
		stream: make(chan []byte, h.bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	h.subscribers[conn] = subscriber
	count := len(h.subscribers)
	h.mu.Unlock()

	go h.writeLoop(subscriber)
	h.logger.Debug("realtime client connected", zap.Int("connections", count))
}

// Unregister removes conn and stops its writer. Unknown connections are
// ignored.
func (h *Hub) Unregister(conn RealtimeConn) {
	h.mu.Lock()
	subscriber, ok := h.subscribers[conn]
	delete(h.subscribers, conn)
	count := len(h.subscribers)
	h.mu.Unlock()
	if ok {
		subscriber.cancel()
		h.logger.Debug("realtime client disconnected", zap.Int("connections", count))
	}
}

// Count reports the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast queues event for every registered connection and reports how
// many queues accepted it. It never waits on a peer.
func (h *Hub) Broadcast(event protocol.RealtimeEvent) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("realtime event encode failed", zap.String("event", string(event.Event)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*realtimeSubscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		targets = append(targets, subscriber)
	}
	h.mu.RUnlock()

	queued := 0
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- data:
			queued++
		default:
			h.logger.Debug("realtime queue full, dropping event", zap.String("event", string(event.Event)))
		}
	}
	return queued
}

func (h *Hub) writeLoop(subscriber *realtimeSubscriber) {
	for {
		select {
		case <-subscriber.ctx.Done():
			return
		case data := <-subscriber.stream:
			writeCtx, cancel := context.WithTimeout(subscriber.ctx, h.writeTimeout)
			err := subscriber.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if subscriber.ctx.Err() != nil {
					return
				}
				h.logger.Debug("realtime write failed", zap.Error(err))
				h.Unregister(subscriber.conn)
				_ = subscriber.conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := h.subscribers
	h.subscribers = make(map[RealtimeConn]*realtimeSubscriber)
	h.mu.Unlock()
	for conn, subscriber := range targets {
		subscriber.cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ServeWebSocket accepts the upgrade and keeps the connection registered
// until the peer goes away. Messages from clients are discarded.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	h.Register(conn)
	defer func() {
		h.Unregister(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
