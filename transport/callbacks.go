package transport

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomdul/dul"
)

// Lifecycle callback handlers. Handlers run on the protocol goroutines, in
// registration order; a panicking handler is logged and isolated, it never
// destabilizes the engine or the other handlers.
type (
	// PeerConnectedHandler fires when an inbound transport connection is
	// accepted, before the opening message arrives.
	PeerConnectedHandler func(addr net.Addr)

	// ConnectionConfirmedHandler fires when a requestor's active open
	// completes.
	ConnectionConfirmedHandler func(associationID uuid.UUID)

	// ConnectionClosedHandler fires when an association ends, with why.
	ConnectionClosedHandler func(associationID uuid.UUID, reason dul.CloseReason)
)

// callbacks holds the registered handlers. Registration is expected at
// startup; dispatch takes a snapshot under the lock and runs outside it.
type callbacks struct {
	mu        sync.Mutex
	connected []PeerConnectedHandler
	confirmed []ConnectionConfirmedHandler
	closed    []ConnectionClosedHandler
	logger    *slog.Logger
}

func (c *callbacks) onPeerConnected(h PeerConnectedHandler) {
	c.mu.Lock()
	c.connected = append(c.connected, h)
	c.mu.Unlock()
}

func (c *callbacks) onConnectionConfirmed(h ConnectionConfirmedHandler) {
	c.mu.Lock()
	c.confirmed = append(c.confirmed, h)
	c.mu.Unlock()
}

func (c *callbacks) onConnectionClosed(h ConnectionClosedHandler) {
	c.mu.Lock()
	c.closed = append(c.closed, h)
	c.mu.Unlock()
}

func (c *callbacks) firePeerConnected(addr net.Addr) {
	c.mu.Lock()
	handlers := append([]PeerConnectedHandler(nil), c.connected...)
	c.mu.Unlock()
	for _, h := range handlers {
		c.dispatch("peer-connected", func() { h(addr) })
	}
}

func (c *callbacks) fireConnectionConfirmed(id uuid.UUID) {
	c.mu.Lock()
	handlers := append([]ConnectionConfirmedHandler(nil), c.confirmed...)
	c.mu.Unlock()
	for _, h := range handlers {
		c.dispatch("connection-confirmed", func() { h(id) })
	}
}

func (c *callbacks) fireConnectionClosed(id uuid.UUID, reason dul.CloseReason) {
	c.mu.Lock()
	handlers := append([]ConnectionClosedHandler(nil), c.closed...)
	c.mu.Unlock()
	for _, h := range handlers {
		c.dispatch("connection-closed", func() { h(id, reason) })
	}
}

// dispatch runs one handler, containing any panic.
func (c *callbacks) dispatch(trigger string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Callback handler panicked", "trigger", trigger, "panic", r)
		}
	}()
	fn()
}
