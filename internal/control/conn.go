package control

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/events"
	"github.com/cribcall/cribcall/internal/logging"
)

const (
	// outboundQueueSize is the per-connection bounded outbound queue depth;
	// on overflow the oldest pending frame is dropped, per spec.md §4.9.
	outboundQueueSize = 32

	idleTimeout       = 30 * time.Second
	writeWait         = 10 * time.Second
)

// Conn is a single trusted WebSocket connection's state: {certFingerprint,
// deviceId, connectedAt, outbound queue}, per spec.md §4.5.
type Conn struct {
	ws              *websocket.Conn
	CertFingerprint string
	DeviceID        string
	ConnectedAt     time.Time

	log logging.Logger

	outbound chan []byte

	mu            sync.Mutex
	dropped       int
	closed        bool
	streamGates   map[string]events.Gate

	writeDone chan struct{}
}

func newConn(ws *websocket.Conn, certFingerprint, deviceID string, log logging.Logger) *Conn {
	c := &Conn{
		ws:               ws,
		CertFingerprint:  certFingerprint,
		DeviceID:         deviceID,
		ConnectedAt:      time.Now(),
		log:              log,
		outbound:         make(chan []byte, outboundQueueSize),
		streamGates:      make(map[string]events.Gate),
		writeDone:        make(chan struct{}),
	}
	return c
}

// Enqueue appends v, marshaled as JSON, to the outbound queue. When the
// queue is full the oldest pending frame is dropped and a counter
// incremented, per spec.md §4.9's backpressure rule; Enqueue itself never
// blocks the caller.
func (c *Conn) Enqueue(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for {
		select {
		case c.outbound <- payload:
			return nil
		default:
		}
		select {
		case <-c.outbound:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
			return nil
		}
	}
}

// DroppedCount returns how many outbound frames have been dropped for
// backpressure since the connection opened.
func (c *Conn) DroppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// writeLoop drains the outbound queue in enqueue order, writing each frame
// as a length-prefixed binary message so clients can batch reads, until the
// connection is closed.
func (c *Conn) writeLoop() {
	defer close(c.writeDone)
	for payload := range c.outbound {
		frame := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
		copy(frame[4:], payload)

		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Debugf("control conn %s: write failed: %v", c.DeviceID, err)
			return
		}
	}
}

// readLoop reads both plain-text and length-prefixed binary frames,
// decoding each into an Envelope-tagged message and dispatching it to
// handle. It resets the idle deadline on every successful read.
func (c *Conn) readLoop(handle func(payload []byte)) error {
	c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	// RFC 6455 control-frame PING must be answered with PONG echoing the
	// payload; gorilla's default handler already does this, set explicitly
	// so the behaviour does not depend on library defaults.
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(idleTimeout))

		switch messageType {
		case websocket.TextMessage:
			handle(data)
		case websocket.BinaryMessage:
			if len(data) < 4 {
				continue
			}
			n := binary.BigEndian.Uint32(data[:4])
			if uint32(len(data)-4) != n {
				continue
			}
			handle(data[4:])
		default:
			continue
		}
	}
}

// Close shuts the connection down, ending all stream sessions it owns.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.outbound)
	c.ws.Close()
	<-c.writeDone

	// Any stream session still owned by this connection never got an
	// untrackStreamSession call (the disconnect raced its teardown), so
	// release its gate here rather than leaving a WaitForProcessed caller
	// blocked forever.
	c.mu.Lock()
	for id, g := range c.streamGates {
		g.Processed()
		delete(c.streamGates, id)
	}
	c.mu.Unlock()
}

// trackStreamSession records that this connection owns sessionID and
// returns a gate the media layer can wait on for this session's teardown.
func (c *Conn) trackStreamSession(sessionID string) events.Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := events.New()
	c.streamGates[sessionID] = g
	return g
}

// untrackStreamSession marks sessionID's teardown complete, releasing any
// goroutine blocked in that session's gate's WaitForProcessed.
func (c *Conn) untrackStreamSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.streamGates[sessionID]; ok {
		g.Processed()
		delete(c.streamGates, sessionID)
	}
}

// ownedStreamSessions returns the ids of every stream session this
// connection owns, to be torn down on disconnect.
func (c *Conn) ownedStreamSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.streamGates))
	for id := range c.streamGates {
		out = append(out, id)
	}
	return out
}
