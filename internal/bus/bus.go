// Package bus wires together the dispatcher, listeners, connections, peer
// identities and policy engine into one running broker core (spec.md §3's
// top-level Bus object).
package bus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bitstreamout/dbus-broker/internal/connection"
	"github.com/bitstreamout/dbus-broker/internal/controller"
	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/listener"
	"github.com/bitstreamout/dbus-broker/internal/logger"
	"github.com/bitstreamout/dbus-broker/internal/metrics"
	"github.com/bitstreamout/dbus-broker/internal/selinux"
	"github.com/bitstreamout/dbus-broker/internal/user"
)

// Config controls policy knobs exposed at the bus level.
type Config struct {
	// AllowAnonymous permits the SASL ANONYMOUS mechanism on every accepted
	// connection, bypassing peer-credential verification.
	AllowAnonymous bool
}

// Bus owns one Dispatcher and every Listener/Connection registered on it. It
// implements controller.Bus so the controller can install new listeners on
// behalf of a peer.
type Bus struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	identities *user.Registry
	policy     selinux.Engine

	mu          sync.Mutex
	listeners   []*listener.Listener
	connections map[string]*connection.Connection
}

// New constructs a Bus driven by d. d must not yet be running.
func New(d *dispatch.Dispatcher, cfg Config) *Bus {
	return &Bus{
		cfg:         cfg,
		dispatcher:  d,
		identities:  user.NewRegistry(),
		policy:      selinux.NewFallback(),
		connections: make(map[string]*connection.Connection),
	}
}

// AddListener installs fd as a new listening socket. Implements
// controller.Bus, so a peer may ask the controller to add further listening
// sockets at runtime (spec.md §4.5's AddListener method).
func (b *Bus) AddListener(fd int) error {
	l, err := listener.New(b.dispatcher, fd, b.onAccept)
	if err != nil {
		return fmt.Errorf("bus: add listener: %w", err)
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
	return nil
}

// ConnectionCount returns the number of connections currently tracked.
func (b *Bus) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// Close tears down every listener and connection, releasing their fds.
func (b *Bus) Close() {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	conns := make([]*connection.Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		c.Close(nil)
	}
}

func (b *Bus) onAccept(a listener.Accepted) {
	id := uuid.NewString()
	identity := b.identities.Ref(a.UID, a.GID, a.PID)

	conn, err := connection.NewServer(b.dispatcher, a.FD, id, identity, b.cfg.AllowAnonymous, b.onMessage, b.onClose)
	if err != nil {
		logger.Warn("bus: failed to register accepted connection", logger.KeyFD, a.FD, logger.KeyError, err.Error())
		b.identities.Unref(identity)
		return
	}
	if err := conn.Open(); err != nil {
		logger.Warn("bus: failed to open accepted connection", logger.KeyConnectionID, id, logger.KeyError, err.Error())
		conn.Close(err)
		return
	}

	b.mu.Lock()
	b.connections[id] = conn
	b.mu.Unlock()

	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()
	logger.Info("connection accepted", logger.KeyConnectionID, id, logger.KeyUID, a.UID)
}

func (b *Bus) onMessage(c *connection.Connection, msg *dbus.Message) {
	if err := controller.Dispatch(b, c, msg); err != nil {
		logger.Warn("bus: controller dispatch failed", logger.KeyConnectionID, c.ID, logger.KeyError, err.Error())
	}
}

func (b *Bus) onClose(c *connection.Connection, cause error) {
	b.mu.Lock()
	delete(b.connections, c.ID)
	b.mu.Unlock()

	if c.Identity != nil {
		b.identities.Unref(c.Identity)
	}

	causeLabel := "eof"
	if cause != nil {
		causeLabel = "error"
	}
	metrics.ConnectionsClosed.WithLabelValues(causeLabel).Inc()
	metrics.ConnectionsActive.Dec()

	if cause != nil {
		logger.Info("connection closed", logger.KeyConnectionID, c.ID, logger.KeyError, cause.Error())
	} else {
		logger.Info("connection closed", logger.KeyConnectionID, c.ID)
	}
}
