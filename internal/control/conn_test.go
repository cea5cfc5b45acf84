package control

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/logging"
)

func newTestConnPair(t *testing.T) (*Conn, *websocket.Conn, func()) {
	t.Helper()
	var serverConn *Conn
	ready := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = newConn(ws, "fp-test", "device-test", logging.New(logging.LevelSilent, "test"))
		go serverConn.writeLoop()
		close(ready)
		serverConn.readLoop(func(payload []byte) {})
	}))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	<-ready

	return serverConn, clientConn, func() {
		clientConn.Close()
		ts.Close()
	}
}

func TestEnqueueDeliversFramedMessage(t *testing.T) {
	serverConn, clientConn, cleanup := newTestConnPair(t)
	defer cleanup()

	if err := serverConn.Enqueue(map[string]string{"type": "NOISE_EVENT"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", messageType)
	}
	if len(data) < 4 {
		t.Fatalf("frame too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		t.Fatalf("length prefix %d does not match payload %d", n, len(data)-4)
	}

	var decoded map[string]string
	if err := json.Unmarshal(data[4:], &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["type"] != "NOISE_EVENT" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}

func TestEnqueueDropsOldestWhenQueueIsFull(t *testing.T) {
	c := newConn(nil, "fp-1", "device-1", logging.New(logging.LevelSilent, "test"))

	for i := 0; i < outboundQueueSize+5; i++ {
		if err := c.Enqueue(map[string]int{"n": i}); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	if got := c.DroppedCount(); got != 5 {
		t.Fatalf("expected 5 dropped frames, got %d", got)
	}
	if got := len(c.outbound); got != outboundQueueSize {
		t.Fatalf("expected queue to stay at capacity %d, got %d", outboundQueueSize, got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	serverConn, _, cleanup := newTestConnPair(t)
	defer cleanup()

	serverConn.Close()
	serverConn.Close() // must not panic or block on a second close
}

func TestStreamSessionTracking(t *testing.T) {
	c := newConn(nil, "fp-1", "device-1", logging.New(logging.LevelSilent, "test"))

	gateA := c.trackStreamSession("session-a")
	c.trackStreamSession("session-b")
	if got := len(c.ownedStreamSessions()); got != 2 {
		t.Fatalf("expected 2 owned sessions, got %d", got)
	}

	done := make(chan struct{})
	go func() {
		gateA.WaitForProcessed()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForProcessed returned before untrackStreamSession")
	case <-time.After(20 * time.Millisecond):
	}

	c.untrackStreamSession("session-a")
	owned := c.ownedStreamSessions()
	if len(owned) != 1 || owned[0] != "session-b" {
		t.Fatalf("expected only session-b to remain, got %v", owned)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForProcessed did not unblock after untrackStreamSession")
	}
}

func TestStreamSessionGateReleasedOnClose(t *testing.T) {
	serverConn, _, cleanup := newTestConnPair(t)
	defer cleanup()

	gate := serverConn.trackStreamSession("session-c")
	done := make(chan struct{})
	go func() {
		gate.WaitForProcessed()
		close(done)
	}()

	serverConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForProcessed did not unblock after Close")
	}
}
