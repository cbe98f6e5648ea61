package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/coder/websocket"
)

type recordingConn struct {
	mu       sync.Mutex
	messages [][]byte
	writeErr error
	closed   bool
}

func (c *recordingConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitForMessages polls until the writer goroutine has delivered expected
// messages and returns a copy of them.
func (c *recordingConn) waitForMessages(t *testing.T, expected int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		received := append([][]byte(nil), c.messages...)
		c.mu.Unlock()
		if len(received) >= expected {
			return received
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d messages, got %d", expected, len(received))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stalledConn never completes a write before its context ends.
type stalledConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stalledConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *stalledConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestHubBroadcastDeliversToEveryConnection(t *testing.T) {
	hub := NewHub(nil)
	first := &recordingConn{}
	second := &recordingConn{}
	hub.Register(first)
	hub.Register(second)
	hub.Register(second)

	if count := hub.Count(); count != 2 {
		t.Fatalf("expected 2 connections, got %d", count)
	}

	delivered := hub.Broadcast(protocol.RealtimeEvent{
		Event: protocol.EventProductUpdated,
		Data:  map[string]any{"id": "P1"},
	})
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	for _, conn := range []*recordingConn{first, second} {
		messages := conn.waitForMessages(t, 1)
		if len(messages) != 1 {
			t.Fatalf("expected one message, got %d", len(messages))
		}
		if got := string(messages[0]); got != `{"event":"product_updated","data":{"id":"P1"}}` {
			t.Fatalf("unexpected message %s", got)
		}
	}
}

func TestHubBroadcastDropsFailingConnectionOnly(t *testing.T) {
	hub := NewHub(nil)
	healthy := &recordingConn{}
	broken := &recordingConn{writeErr: errors.New("broken pipe")}
	hub.Register(healthy)
	hub.Register(broken)

	hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventInvoiceAdded})
	healthy.waitForMessages(t, 1)
	waitForCount(t, hub, 1)
	if !broken.isClosed() {
		t.Fatalf("expected failing connection to be closed")
	}
}

func TestHubBroadcastDoesNotWaitForStalledConnection(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	stalled := &stalledConn{}
	healthy := &recordingConn{}
	hub.Register(stalled)
	hub.Register(healthy)

	started := time.Now()
	for range defaultBufferSize + 4 {
		hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventProductUpdated})
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("broadcast blocked on a stalled peer for %s", elapsed)
	}
	healthy.waitForMessages(t, 1)
}

func TestHubBroadcastDropsEventsWhenQueueIsFull(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	hub.Register(&stalledConn{})

	queued := 0
	for range defaultBufferSize + 5 {
		queued += hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventStockChanged})
	}
	if queued > defaultBufferSize+1 {
		t.Fatalf("expected overflow to be dropped, %d events queued", queued)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected stalled connection to stay registered")
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	conn := &recordingConn{}
	hub.Register(conn)
	hub.Unregister(conn)
	hub.Unregister(conn)
	hub.Unregister(&recordingConn{})

	if hub.Count() != 0 {
		t.Fatalf("expected empty hub, got %d", hub.Count())
	}
	if delivered := hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventStockChanged}); delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
}

func TestHubToleratesConcurrentRegistration(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := &recordingConn{}
			hub.Register(conn)
			hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventProductUpdated})
			hub.Unregister(conn)
		}()
	}
	wg.Wait()
	if hub.Count() != 0 {
		t.Fatalf("expected empty hub, got %d", hub.Count())
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	conn := &recordingConn{}
	hub.Register(conn)
	hub.Close()

	if !conn.isClosed() {
		t.Fatalf("expected connection to be closed")
	}
	if hub.Count() != 0 {
		t.Fatalf("expected empty hub after close")
	}
}

func TestHubServeWebSocketTracksLifecycle(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWebSocket))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	waitForCount(t, hub, 1)

	hub.Broadcast(protocol.RealtimeEvent{Event: protocol.EventStockChanged, Data: map[string]any{"id": "P1", "stock": 3}})
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}
	event, err := protocol.DecodeRealtimeEvent(data)
	if err != nil {
		t.Fatalf("failed to decode broadcast: %v", err)
	}
	if event.Event != protocol.EventStockChanged {
		t.Fatalf("unexpected event %s", event.Event)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, hub, 0)
}

func waitForCount(t *testing.T, hub *Hub, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, got %d", expected, hub.Count())
}
