// Package dul implements the DICOM Upper Layer association state machine
// (DICOM Part 8, Section 9.2): one machine per transport connection,
// consuming events from a single per-association queue and driving the PDU
// exchange, the ARTIM timer and the negotiation.
package dul

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
	"github.com/caio-sobreiro/dicomdul/negotiate"
	"github.com/caio-sobreiro/dicomdul/pdu"
	"github.com/caio-sobreiro/dicomdul/types"
)

// DefaultARTIMTimeout bounds how long an acceptor waits for the opening
// A-ASSOCIATE-RQ after the transport connection opened.
const DefaultARTIMTimeout = 30 * time.Second

// Options configures a Machine. The zero value is not usable: acceptors need
// a Negotiator, requestors a Request.
type Options struct {
	Logger       *slog.Logger
	ARTIMTimeout time.Duration // default DefaultARTIMTimeout
	MaxPDULength uint32        // offered to the peer; default 16384

	ImplementationClassUID string
	ImplementationVersion  string

	// AETitle is the acceptor's own title, echoed as the called AE title
	// in the accept when set.
	AETitle string

	// Negotiator resolves inbound association requests (acceptor role).
	Negotiator *negotiate.Negotiator

	// Request is the association proposal to send (requestor role).
	Request *pdu.AssociateRQ

	// OnData receives P-DATA-TF payloads once the association is
	// established. The engine never interprets them.
	OnData func(payload []byte)

	// OnTransportConfirmed fires when a requestor's active open completed.
	OnTransportConfirmed func()

	// OnClosed fires exactly once when the machine reaches its terminal
	// state, after the transport connection is closed.
	OnClosed func(reason CloseReason, err error)
}

// Machine is one association state machine. It owns its Connection, Timer
// and Association exclusively; everything else talks to it through events.
type Machine struct {
	tmb    tomb.Tomb
	opts   Options
	logger *slog.Logger

	assoc *Association
	conn  *pdu.Conn
	dial  func(ctx context.Context) (net.Conn, error)
	artim *Timer

	// Pre-encoded association request (requestor role).
	requestPayload []byte

	// Guarded copy of conn so ForceClose can reach the socket from outside
	// the run loop. All I/O still goes through conn.
	transportMu sync.Mutex
	transport   *pdu.Conn

	events      chan event
	established chan struct{}

	// Written only by the run loop; read by others after Done().
	closeReason CloseReason
	closeErr    error

	// Reason to report once the peer closes, while in
	// StateAwaitingTransportClose. Run loop only.
	pendingReason CloseReason
	pendingErr    error
}

// NewAcceptor starts a machine in acceptor role over an already accepted
// transport connection. It performs AE-5: arm the ARTIM timer and wait for
// the opening A-ASSOCIATE-RQ.
func NewAcceptor(nc net.Conn, opts Options) (*Machine, error) {
	if opts.Negotiator == nil {
		return nil, errors.New("dul: acceptor needs a negotiator")
	}
	m := newMachine(RoleAcceptor, opts)
	m.bindTransport(pdu.NewConn(nc))
	m.tmb.Go(m.run)
	return m, nil
}

// NewRequestor starts a machine in requestor role. It performs AE-1: issue
// the active open through dial, then send the association request.
func NewRequestor(dial func(ctx context.Context) (net.Conn, error), opts Options) (*Machine, error) {
	if dial == nil {
		return nil, errors.New("dul: requestor needs a dial function")
	}
	if opts.Request == nil {
		return nil, errors.New("dul: requestor needs an association request")
	}
	if len(opts.Request.Contexts) == 0 {
		return nil, errors.New("dul: association request proposes no presentation contexts")
	}
	for _, pc := range opts.Request.Contexts {
		if pc.ID%2 == 0 {
			return nil, fmt.Errorf("dul: presentation context ID %d is not odd", pc.ID)
		}
	}
	if id := opts.Request.UserInfo.Identity; id != nil {
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("dul: %w", err)
		}
	}
	// Encode up front so an unrepresentable request fails here instead of
	// mid-handshake.
	payload, err := opts.Request.Encode()
	if err != nil {
		return nil, fmt.Errorf("dul: %w", err)
	}
	m := newMachine(RoleRequestor, opts)
	m.dial = dial
	m.requestPayload = payload
	m.tmb.Go(m.run)
	return m, nil
}

func newMachine(role Role, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ARTIMTimeout <= 0 {
		opts.ARTIMTimeout = DefaultARTIMTimeout
	}
	if opts.MaxPDULength == 0 {
		opts.MaxPDULength = types.DefaultMaxPDULength
	}

	assoc := newAssociation(role, opts.MaxPDULength)
	return &Machine{
		opts:   opts,
		logger: opts.Logger.With("association_id", assoc.ID, "role", role.String()),
		assoc:  assoc,
		artim:  NewTimer(),
		events: make(chan event, 8),

		established: make(chan struct{}),
	}
}

// Association returns the session owned by this machine.
func (m *Machine) Association() *Association {
	return m.assoc
}

// Established is closed once the association reaches the established state.
func (m *Machine) Established() <-chan struct{} {
	return m.established
}

// Done is closed once the machine reached its terminal state and all its
// goroutines exited.
func (m *Machine) Done() <-chan struct{} {
	return m.tmb.Dead()
}

// CloseReason reports why the association ended. Valid after Done.
func (m *Machine) CloseReason() CloseReason {
	return m.closeReason
}

// Err reports the terminal error, if any. Valid after Done.
func (m *Machine) Err() error {
	return m.closeErr
}

// WaitEstablished blocks until the association is established, the machine
// terminates, or ctx expires.
func (m *Machine) WaitEstablished(ctx context.Context) error {
	select {
	case <-m.established:
		return nil
	case <-m.tmb.Dead():
		if m.closeErr != nil {
			return m.closeErr
		}
		return fmt.Errorf("association closed: %s", m.closeReason)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort requests an immediate, non-negotiated termination. It is deliverable
// in any state, including mid-connect, and returns without waiting for the
// teardown to finish.
func (m *Machine) Abort() {
	m.post(event{kind: evtLocalAbort})
}

// Kill aborts the machine through its tomb. Used by the transport service
// during shutdown; reason may be nil.
func (m *Machine) Kill(reason error) {
	m.tmb.Kill(reason)
}

// ForceClose tears the transport down immediately, unblocking any read or
// write in flight so the run loop can exit. A machine stuck writing to a peer
// that stopped reading never observes Kill; this is the escalation for it.
func (m *Machine) ForceClose() {
	m.tmb.Kill(nil)
	m.transportMu.Lock()
	c := m.transport
	m.transportMu.Unlock()
	if c != nil {
		c.Close()
	}
}

// bindTransport records the connection in the slot ForceClose reads. The run
// loop keeps using conn directly.
func (m *Machine) bindTransport(c *pdu.Conn) {
	m.conn = c
	m.transportMu.Lock()
	m.transport = c
	m.transportMu.Unlock()
}

// Release performs the orderly release handshake from the established state
// and waits for it to complete.
func (m *Machine) Release(ctx context.Context) error {
	if m.assoc.State() != StateEstablished {
		return dicomerr.ErrNotEstablished
	}
	m.post(event{kind: evtLocalRelease})
	select {
	case <-m.tmb.Dead():
		if m.closeReason == ReasonReleased {
			return nil
		}
		if m.closeErr != nil {
			return m.closeErr
		}
		return fmt.Errorf("release ended with %s", m.closeReason)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendData sends one P-DATA-TF payload on the established association. The
// payload is opaque to the engine.
func (m *Machine) SendData(payload []byte) error {
	if m.assoc.State() != StateEstablished {
		return dicomerr.ErrNotEstablished
	}
	m.post(event{kind: evtLocalData, data: payload})
	return nil
}

// post delivers an event into the run loop, dropping it when the machine is
// already dying.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.tmb.Dying():
	}
}

func (m *Machine) run() error {
	defer m.finish()

	switch m.assoc.Role {
	case RoleAcceptor:
		// AE-5: transport accepted, bound the wait for the opening
		// message. The timer is armed once, never per byte.
		m.assoc.setState(StateAwaitingAssociateRQ)
		m.artim.Start(m.opts.ARTIMTimeout)
		m.startReader()
	case RoleRequestor:
		// AE-1: issue the active open.
		m.assoc.setState(StateAwaitingTransportOpen)
		m.tmb.Go(m.dialPeer)
	}

	for {
		select {
		case <-m.tmb.Dying():
			m.onDying()
		case <-m.artim.C():
			m.onARTIMExpired()
		case ev := <-m.events:
			m.handleEvent(ev)
		}
		if m.assoc.State() == StateIdle {
			return nil
		}
	}
}

func (m *Machine) finish() {
	// Move the tomb to dying so a reader blocked on a full event queue
	// falls through its post and exits.
	m.tmb.Kill(nil)
	m.artim.Stop()
	if m.conn != nil {
		m.conn.Close()
	}
	if m.closeReason == ReasonNone {
		m.closeReason = ReasonTransportError
	}
	m.logger.Info("Association ended", "reason", m.closeReason.String(), "error", m.closeErr)
	if m.opts.OnClosed != nil {
		m.opts.OnClosed(m.closeReason, m.closeErr)
	}
}

// dialPeer runs the active open in its own goroutine so a local abort stays
// deliverable while the connect is in flight.
func (m *Machine) dialPeer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-m.tmb.Dying():
			cancel()
		case <-done:
		}
	}()

	nc, err := m.dial(ctx)
	if err != nil {
		m.post(event{kind: evtTransportFailed, err: dicomerr.NewTransportError("connect", err)})
		return nil
	}

	conn := pdu.NewConn(nc)
	select {
	case m.events <- event{kind: evtTransportConfirmed, conn: conn}:
	case <-m.tmb.Dying():
		conn.Close()
	}
	return nil
}

func (m *Machine) startReader() {
	m.tmb.Go(m.readLoop)
}

// readLoop turns the framed byte stream into events. It is the only reader
// of the connection; arrival order equals processing order.
func (m *Machine) readLoop() error {
	for {
		raw, err := m.conn.ReadPDU()
		if err != nil {
			var unrecognized *dicomerr.UnrecognizedPDUError
			var framing *dicomerr.FramingError
			switch {
			case errors.As(err, &unrecognized):
				// Keep draining: the machine aborts and then
				// waits for the peer to close.
				m.post(event{kind: evtPDUError, err: err})
				continue
			case errors.Is(err, io.EOF):
				m.post(event{kind: evtTransportClosed})
				return nil
			case errors.As(err, &framing):
				m.post(event{kind: evtPDUError, err: err})
				return nil
			default:
				m.post(event{kind: evtTransportClosed, err: err})
				return nil
			}
		}
		m.post(event{kind: evtPDUReceived, raw: raw})
	}
}

func (m *Machine) handleEvent(ev event) {
	switch ev.kind {
	case evtTransportConfirmed:
		m.onTransportConfirmed(ev.conn)
	case evtTransportFailed:
		m.terminate(ReasonTransportError, ev.err)
	case evtTransportClosed:
		m.onTransportClosed(ev.err)
	case evtPDUReceived:
		m.onPDU(ev.raw)
	case evtPDUError:
		m.onPDUError(ev.err)
	case evtLocalRelease:
		m.onLocalRelease()
	case evtLocalAbort:
		m.onLocalAbort()
	case evtLocalData:
		m.onLocalData(ev.data)
	}
}

// onTransportConfirmed is AE-2: the active open completed, send the
// association request.
func (m *Machine) onTransportConfirmed(conn *pdu.Conn) {
	if m.assoc.State() != StateAwaitingTransportOpen {
		conn.Close()
		return
	}
	m.bindTransport(conn)
	m.startReader()

	if m.opts.OnTransportConfirmed != nil {
		m.opts.OnTransportConfirmed()
	}

	if err := m.conn.WritePDU(types.TypeAssociateRQ, m.requestPayload); err != nil {
		m.terminate(ReasonTransportError, err)
		return
	}
	m.logger.Debug("Sent A-ASSOCIATE-RQ", "remote_addr", m.conn.RemoteAddr())
	m.assoc.setState(StateAwaitingAssociateResponse)
}

func (m *Machine) onPDU(raw *pdu.RawPDU) {
	m.logger.Debug("Received PDU", "type", types.PDUTypeName(raw.Type), "length", len(raw.Data))

	switch m.assoc.State() {
	case StateAwaitingAssociateRQ:
		switch raw.Type {
		case types.TypeAssociateRQ:
			m.onAssociateRQ(raw.Data)
		case types.TypeAbort:
			m.onPeerAbort(raw.Data)
		default:
			m.abortUnexpected(raw.Type)
		}

	case StateAwaitingAssociateResponse:
		switch raw.Type {
		case types.TypeAssociateAC:
			m.onAssociateAC(raw.Data)
		case types.TypeAssociateRJ:
			m.onAssociateRJ(raw.Data)
		case types.TypeAbort:
			m.onPeerAbort(raw.Data)
		default:
			m.abortUnexpected(raw.Type)
		}

	case StateEstablished:
		switch raw.Type {
		case types.TypePDataTF:
			m.deliverData(raw.Data)
		case types.TypeReleaseRQ:
			m.onPeerRelease()
		case types.TypeAbort:
			m.onPeerAbort(raw.Data)
		default:
			m.abortUnexpected(raw.Type)
		}

	case StateAwaitingReleaseResponse:
		switch raw.Type {
		case types.TypeReleaseRP:
			// AR-3: release confirmed, close the transport.
			m.terminate(ReasonReleased, nil)
		case types.TypePDataTF:
			// Data may still arrive until the peer confirms.
			m.deliverData(raw.Data)
		case types.TypeAbort:
			m.onPeerAbort(raw.Data)
		default:
			m.abortUnexpected(raw.Type)
		}

	case StateAwaitingTransportClose:
		// An abort or reject is on the wire; ignore whatever else the
		// peer sends until it closes.
	}
}

// onAssociateRQ stops the ARTIM timer, negotiates, and answers with an
// accept or a reject (AE-4 on reject).
func (m *Machine) onAssociateRQ(payload []byte) {
	m.artim.Stop()

	rq, err := pdu.DecodeAssociateRQ(payload)
	if err != nil {
		m.logger.Warn("Malformed A-ASSOCIATE-RQ", "error", err)
		m.abortInvalid(err)
		return
	}

	res := m.opts.Negotiator.Negotiate(rq)
	if !res.Accepted() {
		m.logger.Info("Rejecting association",
			"calling_ae", rq.CallingAETitle,
			"cause", res.Cause)
		if err := m.conn.WritePDU(types.TypeAssociateRJ, res.Rejection.Encode()); err != nil {
			m.terminate(ReasonTransportError, err)
			return
		}
		m.terminate(ReasonRejected, dicomerr.NewAssociationRejectedError(
			res.Rejection.Result, res.Rejection.Source, res.Rejection.Reason))
		return
	}

	calledAE := rq.CalledAETitle
	if m.opts.AETitle != "" {
		calledAE = m.opts.AETitle
	}
	ac := &pdu.AssociateAC{
		CalledAETitle:  calledAE,
		CallingAETitle: rq.CallingAETitle,
		Contexts:       res.Contexts,
		UserInfo: pdu.UserInfo{
			MaxPDULength:           m.opts.MaxPDULength,
			ImplementationClassUID: m.opts.ImplementationClassUID,
			ImplementationVersion:  m.opts.ImplementationVersion,
			ExtendedNegotiations:   res.ExtendedResponses,
			RoleSelections:         res.RoleResponses,
			IdentityResponse:       res.IdentityResponse,
			HasIdentityResponse:    res.HasIdentityResponse,
		},
	}
	acPayload, err := ac.Encode()
	if err != nil {
		// A local response that cannot be framed, such as an oversized
		// identity response from the verifier. Abort rather than send a
		// corrupt accept.
		m.logger.Error("A-ASSOCIATE-AC does not encode", "error", err)
		abort := &pdu.Abort{Source: pdu.AbortSourceServiceProvider}
		_ = m.conn.WritePDU(types.TypeAbort, abort.Encode())
		m.terminate(ReasonAbortedLocal, err)
		return
	}
	if err := m.conn.WritePDU(types.TypeAssociateAC, acPayload); err != nil {
		m.terminate(ReasonTransportError, err)
		return
	}

	m.assoc.setNegotiated(calledAE, rq.CallingAETitle, rq.UserInfo.MaxPDULength,
		res.Contexts, res.ExtendedResponses, res.IdentityResponse, res.HasIdentityResponse)
	m.logger.Info("Association established",
		"calling_ae", rq.CallingAETitle,
		"called_ae", calledAE,
		"contexts", len(res.Contexts))
	m.assoc.setState(StateEstablished)
	close(m.established)
}

// onAssociateAC is AE-3: the peer accepted; record the negotiated outcome.
func (m *Machine) onAssociateAC(payload []byte) {
	ac, err := pdu.DecodeAssociateAC(payload)
	if err != nil {
		m.logger.Warn("Malformed A-ASSOCIATE-AC", "error", err)
		m.abortInvalid(err)
		return
	}

	proposed := make(map[byte][]string, len(m.opts.Request.Contexts))
	for _, pc := range m.opts.Request.Contexts {
		proposed[pc.ID] = pc.TransferSyntaxes
	}
	for _, reply := range ac.Contexts {
		syntaxes, ok := proposed[reply.ID]
		if !ok {
			m.abortInvalid(fmt.Errorf("accept names context %d which was never proposed", reply.ID))
			return
		}
		if reply.Result.Accepted() && !contains(syntaxes, reply.TransferSyntax) {
			m.abortInvalid(fmt.Errorf("accept chose transfer syntax %q not proposed for context %d",
				reply.TransferSyntax, reply.ID))
			return
		}
	}

	m.assoc.setNegotiated(ac.CalledAETitle, ac.CallingAETitle, ac.UserInfo.MaxPDULength,
		ac.Contexts, ac.UserInfo.ExtendedNegotiations,
		ac.UserInfo.IdentityResponse, ac.UserInfo.HasIdentityResponse)
	m.logger.Info("Association established",
		"called_ae", ac.CalledAETitle,
		"contexts", len(ac.Contexts))
	m.assoc.setState(StateEstablished)
	close(m.established)
}

// onAssociateRJ is AE-4 on the requestor side: the peer refused.
func (m *Machine) onAssociateRJ(payload []byte) {
	rj, err := pdu.DecodeAssociateRJ(payload)
	if err != nil {
		m.abortInvalid(err)
		return
	}
	m.terminate(ReasonRejected, dicomerr.NewAssociationRejectedError(rj.Result, rj.Source, rj.Reason))
}

func (m *Machine) onPeerAbort(payload []byte) {
	var abortErr error = dicomerr.ErrAssociationAborted
	if ab, err := pdu.DecodeAbort(payload); err == nil {
		abortErr = dicomerr.NewAbortError(ab.Source, ab.Reason)
	}
	// AA-3: close the transport and report the abort upward.
	m.terminate(ReasonAbortedPeer, abortErr)
}

// onPeerRelease answers a peer's orderly release from the established state.
func (m *Machine) onPeerRelease() {
	if err := m.conn.WritePDU(types.TypeReleaseRP, pdu.EncodeRelease()); err != nil {
		m.terminate(ReasonTransportError, err)
		return
	}
	m.terminate(ReasonReleased, nil)
}

// onLocalRelease is AR-1: send the release request and await confirmation.
func (m *Machine) onLocalRelease() {
	if m.assoc.State() != StateEstablished {
		return
	}
	if err := m.conn.WritePDU(types.TypeReleaseRQ, pdu.EncodeRelease()); err != nil {
		m.terminate(ReasonTransportError, err)
		return
	}
	m.assoc.setState(StateAwaitingReleaseResponse)
}

// onLocalAbort is AA-1: write an abort if the socket is still writable, then
// close without linger. The transport close is immediate; the engine never
// silently disconnects from any other path.
func (m *Machine) onLocalAbort() {
	switch m.assoc.State() {
	case StateIdle:
		return
	case StateAwaitingTransportOpen:
		// Mid-connect: terminating the run loop cancels the dial.
		m.terminate(ReasonAbortedLocal, nil)
	case StateAwaitingTransportClose:
		// An abort is already on the wire; just stop waiting.
		m.terminate(m.pendingReason, m.pendingErr)
	default:
		abort := &pdu.Abort{Source: pdu.AbortSourceServiceUser}
		if err := m.conn.WritePDU(types.TypeAbort, abort.Encode()); err != nil {
			m.logger.Debug("Abort not writable", "error", err)
		}
		m.terminate(ReasonAbortedLocal, nil)
	}
}

func (m *Machine) onLocalData(payload []byte) {
	if m.assoc.State() != StateEstablished {
		return
	}
	if err := m.conn.WritePDU(types.TypePDataTF, payload); err != nil {
		m.terminate(ReasonTransportError, err)
	}
}

func (m *Machine) deliverData(payload []byte) {
	if m.opts.OnData != nil {
		m.opts.OnData(payload)
	}
}

func (m *Machine) onPDUError(err error) {
	if m.assoc.State() == StateAwaitingTransportClose {
		// Already aborting; keep waiting for the peer to close.
		return
	}

	var unrecognized *dicomerr.UnrecognizedPDUError
	if errors.As(err, &unrecognized) {
		m.logger.Warn("Unrecognized PDU type", "type", fmt.Sprintf("0x%02X", unrecognized.PDUType))
		m.sendAbortAndAwaitClose(pdu.AbortReasonUnrecognizedPDU, err)
		return
	}

	// Framing error: the stream is no longer synchronized, so there is no
	// reader left to observe the peer's close. Abort and close now.
	m.logger.Warn("Framing error", "error", err)
	abort := &pdu.Abort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonInvalidPDUParam}
	if werr := m.conn.WritePDU(types.TypeAbort, abort.Encode()); werr != nil {
		m.logger.Debug("Abort not writable", "error", werr)
	}
	m.terminate(ReasonAbortedLocal, err)
}

// abortUnexpected is AA-8: a recognized PDU arrived in a state that does not
// allow it.
func (m *Machine) abortUnexpected(pduType byte) {
	m.logger.Warn("Unexpected PDU for state",
		"type", types.PDUTypeName(pduType),
		"state", m.assoc.State().String())
	m.sendAbortAndAwaitClose(pdu.AbortReasonUnexpectedPDU,
		fmt.Errorf("unexpected %s in state %s", types.PDUTypeName(pduType), m.assoc.State()))
}

// abortInvalid aborts after a PDU that decoded incorrectly.
func (m *Machine) abortInvalid(err error) {
	m.sendAbortAndAwaitClose(pdu.AbortReasonInvalidPDUParam, err)
}

// sendAbortAndAwaitClose writes an A-ABORT and enters the
// awaiting-transport-close state, re-arming the ARTIM timer so a peer that
// never closes cannot pin the connection (PS3.8 Section 9.1.4 case d).
func (m *Machine) sendAbortAndAwaitClose(abortReason byte, cause error) {
	abort := &pdu.Abort{Source: pdu.AbortSourceServiceProvider, Reason: abortReason}
	if err := m.conn.WritePDU(types.TypeAbort, abort.Encode()); err != nil {
		m.terminate(ReasonAbortedLocal, cause)
		return
	}
	m.pendingReason = ReasonAbortedLocal
	m.pendingErr = cause
	m.artim.Start(m.opts.ARTIMTimeout)
	m.assoc.setState(StateAwaitingTransportClose)
}

func (m *Machine) onARTIMExpired() {
	switch m.assoc.State() {
	case StateAwaitingAssociateRQ:
		// AA-2: the peer never identified itself. Close without
		// sending anything.
		m.logger.Info("Timed out waiting for A-ASSOCIATE-RQ")
		m.terminate(ReasonTimedOut, nil)
	case StateAwaitingTransportClose:
		m.terminate(m.pendingReason, m.pendingErr)
	}
}

func (m *Machine) onTransportClosed(err error) {
	switch m.assoc.State() {
	case StateAwaitingTransportClose:
		// The close we were waiting for.
		m.terminate(m.pendingReason, m.pendingErr)
	default:
		// AA-4: the peer vanished; implicit abort.
		if err == nil {
			err = dicomerr.ErrConnectionClosed
		}
		m.terminate(ReasonTransportError, err)
	}
}

// onDying handles a tomb kill (service shutdown): abort best effort and
// return immediately.
func (m *Machine) onDying() {
	if m.conn != nil && m.assoc.State() != StateIdle && m.assoc.State() != StateAwaitingTransportClose {
		abort := &pdu.Abort{Source: pdu.AbortSourceServiceUser}
		_ = m.conn.WritePDU(types.TypeAbort, abort.Encode())
	}
	reason := ReasonAbortedLocal
	if m.assoc.State() == StateAwaitingTransportClose && m.pendingReason != ReasonNone {
		reason = m.pendingReason
	}
	m.terminate(reason, m.tmb.Err())
}

// terminate closes the transport (no linger) and moves to idle, the terminal
// state. The run loop exits right after.
func (m *Machine) terminate(reason CloseReason, err error) {
	m.artim.Stop()
	if m.conn != nil {
		m.conn.Close()
	}
	m.closeReason = reason
	m.closeErr = err
	m.assoc.setState(StateIdle)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
