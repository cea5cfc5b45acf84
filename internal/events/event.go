// Package events provides Gate, a one-shot synchronization primitive: a
// goroutine can wait until another goroutine has raised and processed a
// state transition, then proceed. Adapted from the teacher's internal
// event-bit gate (internal/events/event.go), which used the same
// lock-as-a-latch trick to let the device's event loop block callers until a
// state transition had been fully applied.
package events

import "sync"

// Gate lets one goroutine block until another has marked a transition
// processed. Used by the control server to let a WebSocket connection's
// owned stream sessions observe that a disconnect has been fully torn down
// before the connection's resources are released.
type Gate interface {
	// Processed releases any goroutine blocked in WaitForProcessed.
	Processed()
	// WaitForProcessed blocks until Processed is called.
	WaitForProcessed()
}

type gate struct {
	lock sync.Mutex
}

// New creates an already-latched Gate: the first WaitForProcessed call
// blocks until Processed is called once.
func New() Gate {
	g := &gate{}
	g.lock.Lock()
	return g
}

func (g *gate) WaitForProcessed() {
	g.lock.Lock()
}

func (g *gate) Processed() {
	g.lock.Unlock()
}
