// Package transport runs the network side of the upper layer: a TCP (or TLS)
// acceptor for inbound associations, an active opener for outbound ones, and
// a registry of every association currently alive. Each accepted or dialed
// connection gets its own state machine from the dul package; the service
// only shepherds their lifecycle.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
	"github.com/caio-sobreiro/dicomdul/dul"
	"github.com/caio-sobreiro/dicomdul/negotiate"
	"github.com/caio-sobreiro/dicomdul/pdu"
)

const (
	// DefaultMaxConcurrent caps simultaneous inbound associations. Excess
	// connections queue at the accept stage until a slot frees up.
	DefaultMaxConcurrent = 100

	// Accept retry backoff bounds for transient accept failures.
	DefaultAcceptRetryMin = 10 * time.Millisecond
	DefaultAcceptRetryMax = 1 * time.Second

	// DefaultConnectTimeout bounds outbound dials when Connect is given a
	// zero timeout.
	DefaultConnectTimeout = 30 * time.Second
)

// Config carries the service-wide settings shared by every association.
type Config struct {
	// AETitle identifies this node in association responses. Optional; if
	// empty the acceptor echoes whatever title the peer called.
	AETitle string

	// MaxConcurrent limits inbound associations handled at once.
	// Defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	// ARTIMTimeout bounds how long a half-open association may sit without
	// progress. Zero means dul.DefaultARTIMTimeout.
	ARTIMTimeout time.Duration

	// MaxPDULength is the largest data unit this node is willing to
	// receive. Zero means types.DefaultMaxPDULength.
	MaxPDULength uint32

	ImplementationClassUID string
	ImplementationVersion  string

	// DataHandler receives the payload of every data transfer unit that
	// arrives on an established association. Optional; without it inbound
	// data is logged and dropped.
	DataHandler func(assoc *dul.Association, payload []byte)

	// TLS, when set, wraps both the listener and outbound dials.
	TLS *tls.Config

	// AcceptRetryMin and AcceptRetryMax bound the exponential backoff used
	// when Accept fails transiently.
	AcceptRetryMin time.Duration
	AcceptRetryMax time.Duration

	Logger *slog.Logger
}

// Option tweaks the service configuration.
type Option func(*Config)

// WithLogger overrides the logger used by the service.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxConcurrent limits how many inbound associations run at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) {
		c.MaxConcurrent = n
	}
}

// WithARTIMTimeout sets the request/reject timer for every association.
func WithARTIMTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ARTIMTimeout = timeout
	}
}

// WithTLS wraps the listener and outbound dials with the given TLS config.
func WithTLS(tlsCfg *tls.Config) Option {
	return func(c *Config) {
		c.TLS = tlsCfg
	}
}

// Service accepts, opens and tracks associations.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	negotiator *negotiate.Negotiator
	callbacks  callbacks

	tmb tomb.Tomb
	sem chan struct{}

	mu       sync.Mutex
	listener net.Listener
	machines map[uuid.UUID]*dul.Machine
}

// NewService builds a service around the given negotiation policy. The
// negotiator decides which presentation contexts inbound peers get; outbound
// associations carry their own proposal and do not consult it.
func NewService(negotiator *negotiate.Negotiator, cfg Config, opts ...Option) (*Service, error) {
	if negotiator == nil {
		return nil, errors.New("transport: negotiator is required")
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.AcceptRetryMin <= 0 {
		cfg.AcceptRetryMin = DefaultAcceptRetryMin
	}
	if cfg.AcceptRetryMax <= 0 {
		cfg.AcceptRetryMax = DefaultAcceptRetryMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		negotiator: negotiator,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		machines:   make(map[uuid.UUID]*dul.Machine),
	}
	s.callbacks.logger = cfg.Logger
	return s, nil
}

// OnPeerConnected registers a handler for inbound transport connections.
func (s *Service) OnPeerConnected(h PeerConnectedHandler) {
	s.callbacks.onPeerConnected(h)
}

// OnConnectionConfirmed registers a handler for completed outbound opens.
func (s *Service) OnConnectionConfirmed(h ConnectionConfirmedHandler) {
	s.callbacks.onConnectionConfirmed(h)
}

// OnConnectionClosed registers a handler for association teardown.
func (s *Service) OnConnectionClosed(h ConnectionClosedHandler) {
	s.callbacks.onConnectionClosed(h)
}

// Listen binds addr and serves inbound associations until Shutdown. There is
// no default port; addr must carry one explicitly.
func (s *Service) Listen(addr string) error {
	if addr == "" {
		return errors.New("transport: listen address is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln until Shutdown closes it. Transient accept
// failures are retried with exponential backoff; a full concurrency budget
// queues further connections at the accept stage rather than refusing them.
func (s *Service) Serve(ln net.Listener) error {
	s.mu.Lock()
	if !s.tmb.Alive() {
		s.mu.Unlock()
		ln.Close()
		return errors.New("transport: already shut down")
	}
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("transport: already serving")
	}
	s.listener = ln
	s.mu.Unlock()

	s.tmb.Go(func() error {
		<-s.tmb.Dying()
		ln.Close()
		return nil
	})
	s.logger.Info("Listening for associations", "address", ln.Addr().String())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.AcceptRetryMin
	bo.MaxInterval = s.cfg.AcceptRetryMax
	bo.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.tmb.Alive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			wait := bo.NextBackOff()
			s.logger.Warn("Accept failed, retrying", "error", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-s.tmb.Dying():
				return nil
			}
			continue
		}
		bo.Reset()

		select {
		case s.sem <- struct{}{}:
		case <-s.tmb.Dying():
			conn.Close()
			return nil
		}
		if err := s.startAcceptor(conn); err != nil {
			s.logger.Error("Failed to start association", "error", err, "remote", conn.RemoteAddr().String())
			conn.Close()
			<-s.sem
		}
	}
}

// startAcceptor spins up the state machine for one inbound connection.
func (s *Service) startAcceptor(conn net.Conn) error {
	s.callbacks.firePeerConnected(conn.RemoteAddr())

	var m *dul.Machine
	registered := make(chan struct{})
	opts := dul.Options{
		Logger:                 s.logger,
		ARTIMTimeout:           s.cfg.ARTIMTimeout,
		MaxPDULength:           s.cfg.MaxPDULength,
		ImplementationClassUID: s.cfg.ImplementationClassUID,
		ImplementationVersion:  s.cfg.ImplementationVersion,
		AETitle:                s.cfg.AETitle,
		Negotiator:             s.negotiator,
		OnData: func(payload []byte) {
			<-registered
			s.deliverData(m, payload)
		},
		OnClosed: func(reason dul.CloseReason, err error) {
			<-registered
			s.unregister(m.Association().ID)
			s.callbacks.fireConnectionClosed(m.Association().ID, reason)
			<-s.sem
		},
	}
	machine, err := dul.NewAcceptor(conn, opts)
	if err != nil {
		close(registered)
		return err
	}
	m = machine
	s.register(m)
	close(registered)
	return nil
}

// Connect opens an association to address, sending req once the transport is
// up. It returns as soon as the connection is confirmed; negotiation then
// proceeds in the background and can be awaited with WaitEstablished on the
// returned machine. timeout bounds the dial only; zero means
// DefaultConnectTimeout.
func (s *Service) Connect(ctx context.Context, address string, timeout time.Duration, req *pdu.AssociateRQ) (*dul.Machine, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dial := func(ctx context.Context) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout}
		if s.cfg.TLS != nil {
			td := &tls.Dialer{NetDialer: d, Config: s.cfg.TLS}
			return td.DialContext(ctx, "tcp", address)
		}
		return d.DialContext(ctx, "tcp", address)
	}

	var m *dul.Machine
	registered := make(chan struct{})
	confirmed := make(chan struct{})
	opts := dul.Options{
		Logger:                 s.logger,
		ARTIMTimeout:           s.cfg.ARTIMTimeout,
		MaxPDULength:           s.cfg.MaxPDULength,
		ImplementationClassUID: s.cfg.ImplementationClassUID,
		ImplementationVersion:  s.cfg.ImplementationVersion,
		Request:                req,
		OnTransportConfirmed:   func() { close(confirmed) },
		OnData: func(payload []byte) {
			<-registered
			s.deliverData(m, payload)
		},
		OnClosed: func(reason dul.CloseReason, err error) {
			<-registered
			s.unregister(m.Association().ID)
			s.callbacks.fireConnectionClosed(m.Association().ID, reason)
		},
	}
	machine, err := dul.NewRequestor(dial, opts)
	if err != nil {
		close(registered)
		return nil, err
	}
	m = machine
	s.register(m)
	close(registered)

	select {
	case <-confirmed:
		s.callbacks.fireConnectionConfirmed(m.Association().ID)
		return m, nil
	case <-m.Done():
		err := m.Err()
		if err == nil {
			err = fmt.Errorf("association closed: %s", m.CloseReason())
		}
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	case <-ctx.Done():
		m.Abort()
		<-m.Done()
		return nil, ctx.Err()
	}
}

// Associations snapshots the live registry.
func (s *Service) Associations() []*dul.Association {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*dul.Association, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m.Association())
	}
	return out
}

// Association looks up a live association by identifier.
func (s *Service) Association(id uuid.UUID) (*dul.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	return m, ok
}

// Abort aborts the identified association if it is still registered.
func (s *Service) Abort(id uuid.UUID) bool {
	m, ok := s.Association(id)
	if !ok {
		return false
	}
	m.Abort()
	return true
}

// Shutdown stops accepting, aborts every live association and waits up to
// grace for them to wind down. Associations still alive after the grace
// period get their sockets force closed and are reported in the returned
// error.
func (s *Service) Shutdown(grace time.Duration) error {
	s.tmb.Kill(nil)

	s.mu.Lock()
	serving := s.listener != nil
	machines := make([]*dul.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	for _, m := range machines {
		m.Kill(dicomerr.ErrServiceShutdown)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	stragglers := 0
	expired := false
	for _, m := range machines {
		if expired {
			select {
			case <-m.Done():
			default:
				stragglers++
			}
			continue
		}
		select {
		case <-m.Done():
		case <-timer.C:
			expired = true
			select {
			case <-m.Done():
			default:
				stragglers++
			}
		}
	}

	if stragglers > 0 {
		// A straggler is typically pinned in a socket write to a peer
		// that stopped reading; closing the socket is the only way to
		// unblock it.
		for _, m := range machines {
			select {
			case <-m.Done():
			default:
				m.ForceClose()
			}
		}
		for _, m := range machines {
			<-m.Done()
		}
	}

	if serving {
		// Wait for the listener watcher; the accept loop itself runs on
		// the caller's goroutine and exits once the listener closes.
		s.tmb.Wait()
	}
	if stragglers > 0 {
		return fmt.Errorf("shutdown: %d associations force closed after %s", stragglers, grace)
	}
	s.logger.Info("Service stopped", "associations_closed", len(machines))
	return nil
}

func (s *Service) deliverData(m *dul.Machine, payload []byte) {
	if s.cfg.DataHandler == nil {
		s.logger.Debug("No data handler registered, dropping payload",
			"association_id", m.Association().ID, "bytes", len(payload))
		return
	}
	s.cfg.DataHandler(m.Association(), payload)
}

func (s *Service) register(m *dul.Machine) {
	s.mu.Lock()
	s.machines[m.Association().ID] = m
	s.mu.Unlock()
}

func (s *Service) unregister(id uuid.UUID) {
	s.mu.Lock()
	delete(s.machines, id)
	s.mu.Unlock()
}
