package dul

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
	"github.com/caio-sobreiro/dicomdul/negotiate"
	"github.com/caio-sobreiro/dicomdul/pdu"
	"github.com/caio-sobreiro/dicomdul/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNegotiator() *negotiate.Negotiator {
	caps := negotiate.NewCapabilities().
		Add(types.VerificationSOPClass, types.ImplicitVRLittleEndian)
	return negotiate.New(caps)
}

func testRequest() *pdu.AssociateRQ {
	return &pdu.AssociateRQ{
		CalledAETitle:  "SCP",
		CallingAETitle: "SCU",
		Contexts: []pdu.ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass,
				TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
		UserInfo: pdu.UserInfo{MaxPDULength: types.DefaultMaxPDULength},
	}
}

func encodePDU(t *testing.T, e interface{ Encode() ([]byte, error) }) []byte {
	t.Helper()
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return b
}

// peer drives the remote end of a pipe with raw framed PDUs.
type peer struct {
	t    *testing.T
	conn net.Conn
}

func (p *peer) write(pduType byte, payload []byte) {
	p.t.Helper()
	if err := pdu.WriteRaw(p.conn, &pdu.RawPDU{Type: pduType, Data: payload}); err != nil {
		p.t.Fatalf("Peer write failed: %v", err)
	}
}

func (p *peer) read(wantType byte) *pdu.RawPDU {
	p.t.Helper()
	raw, err := pdu.ReadRaw(p.conn)
	if err != nil {
		p.t.Fatalf("Peer read failed: %v", err)
	}
	if raw.Type != wantType {
		p.t.Fatalf("Peer read %s, expected %s",
			types.PDUTypeName(raw.Type), types.PDUTypeName(wantType))
	}
	return raw
}

func (p *peer) expectEOF() {
	p.t.Helper()
	if _, err := pdu.ReadRaw(p.conn); err == nil {
		p.t.Fatal("Expected the machine to close the transport")
	}
}

func waitDone(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Machine never terminated")
	}
}

func startAcceptor(t *testing.T, opts Options) (*Machine, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Negotiator == nil {
		opts.Negotiator = testNegotiator()
	}
	m, err := NewAcceptor(local, opts)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %v", err)
	}
	t.Cleanup(func() { remote.Close() })
	return m, &peer{t: t, conn: remote}
}

func startRequestor(t *testing.T, opts Options) (*Machine, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Request == nil {
		opts.Request = testRequest()
	}
	dial := func(ctx context.Context) (net.Conn, error) { return local, nil }
	m, err := NewRequestor(dial, opts)
	if err != nil {
		t.Fatalf("NewRequestor failed: %v", err)
	}
	t.Cleanup(func() { remote.Close() })
	return m, &peer{t: t, conn: remote}
}

func TestAcceptorEstablishAndPeerRelease(t *testing.T) {
	m, p := startAcceptor(t, Options{AETitle: "ECHO_SCP"})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))

	raw := p.read(types.TypeAssociateAC)
	ac, err := pdu.DecodeAssociateAC(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ASSOCIATE-AC: %v", err)
	}
	if ac.CalledAETitle != "ECHO_SCP" {
		t.Errorf("Called AE title = %q", ac.CalledAETitle)
	}
	if len(ac.Contexts) != 1 || !ac.Contexts[0].Result.Accepted() {
		t.Fatalf("Context replies = %+v", ac.Contexts)
	}

	select {
	case <-m.Established():
	case <-time.After(time.Second):
		t.Fatal("Association never established")
	}
	if m.Association().State() != StateEstablished {
		t.Errorf("State = %v", m.Association().State())
	}

	p.write(types.TypeReleaseRQ, pdu.EncodeRelease())
	p.read(types.TypeReleaseRP)

	waitDone(t, m)
	if m.CloseReason() != ReasonReleased {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	if m.Err() != nil {
		t.Errorf("Unexpected terminal error: %v", m.Err())
	}
}

func TestAcceptorRejects(t *testing.T) {
	m, p := startAcceptor(t, Options{Negotiator: negotiate.New(negotiate.NewCapabilities())})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))

	raw := p.read(types.TypeAssociateRJ)
	rj, err := pdu.DecodeAssociateRJ(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ASSOCIATE-RJ: %v", err)
	}
	if rj.Result != dicomerr.RejectedPermanent {
		t.Errorf("Result = %v", rj.Result)
	}
	p.expectEOF()

	waitDone(t, m)
	if m.CloseReason() != ReasonRejected {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	var rejected *dicomerr.AssociationRejectedError
	if !errors.As(m.Err(), &rejected) {
		t.Errorf("Terminal error = %v", m.Err())
	}
}

func TestAcceptorARTIMTimeout(t *testing.T) {
	m, p := startAcceptor(t, Options{ARTIMTimeout: 30 * time.Millisecond})

	waitDone(t, m)
	if m.CloseReason() != ReasonTimedOut {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	// AA-2 closes without sending anything.
	p.expectEOF()
}

func TestAcceptorUnexpectedPDU(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	// P-DATA before any association request is AA-8.
	p.write(types.TypePDataTF, []byte{0x00})

	raw := p.read(types.TypeAbort)
	ab, err := pdu.DecodeAbort(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ABORT: %v", err)
	}
	if ab.Source != pdu.AbortSourceServiceProvider || ab.Reason != pdu.AbortReasonUnexpectedPDU {
		t.Errorf("Abort = %+v", ab)
	}

	// The machine holds the connection until the peer closes.
	p.conn.Close()
	waitDone(t, m)
	if m.CloseReason() != ReasonAbortedLocal {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestAcceptorUnrecognizedPDUType(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(0xAA, []byte{0x00})

	raw := p.read(types.TypeAbort)
	ab, err := pdu.DecodeAbort(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ABORT: %v", err)
	}
	if ab.Reason != pdu.AbortReasonUnrecognizedPDU {
		t.Errorf("Abort reason = 0x%02X", ab.Reason)
	}

	p.conn.Close()
	waitDone(t, m)
}

func TestAcceptorAbortCloseBoundByARTIM(t *testing.T) {
	m, p := startAcceptor(t, Options{ARTIMTimeout: 30 * time.Millisecond})

	p.write(types.TypePDataTF, []byte{0x00})
	p.read(types.TypeAbort)

	// Peer never closes; the timer must reclaim the connection.
	waitDone(t, m)
	if m.CloseReason() != ReasonAbortedLocal {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestRequestorEstablishDataAndRelease(t *testing.T) {
	m, p := startRequestor(t, Options{})

	raw := p.read(types.TypeAssociateRQ)
	rq, err := pdu.DecodeAssociateRQ(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ASSOCIATE-RQ: %v", err)
	}

	ac := &pdu.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		Contexts: []pdu.ContextReply{
			{ID: 1, Result: types.ContextAccepted, TransferSyntax: types.ImplicitVRLittleEndian},
		},
		UserInfo: pdu.UserInfo{MaxPDULength: 32768},
	}
	p.write(types.TypeAssociateAC, encodePDU(t, ac))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitEstablished(ctx); err != nil {
		t.Fatalf("WaitEstablished failed: %v", err)
	}

	local, remote := m.Association().MaxPDULengths()
	if local != types.DefaultMaxPDULength || remote != 32768 {
		t.Errorf("Max PDU lengths = %d, %d", local, remote)
	}
	if _, ok := m.Association().AcceptedContext(1); !ok {
		t.Error("Context 1 should be accepted")
	}

	payload := []byte{0x01, 0x02, 0x03}
	if err := m.SendData(payload); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	got := p.read(types.TypePDataTF)
	if !bytes.Equal(got.Data, payload) {
		t.Errorf("P-DATA payload = %v", got.Data)
	}

	releaseDone := make(chan error, 1)
	go func() { releaseDone <- m.Release(context.Background()) }()

	p.read(types.TypeReleaseRQ)
	p.write(types.TypeReleaseRP, pdu.EncodeRelease())

	select {
	case err := <-releaseDone:
		if err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Release never completed")
	}
	if m.CloseReason() != ReasonReleased {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestRequestorRejected(t *testing.T) {
	m, p := startRequestor(t, Options{})

	p.read(types.TypeAssociateRQ)
	rj := &pdu.AssociateRJ{
		Result: dicomerr.RejectedTransient,
		Source: dicomerr.RejectSourceServiceProviderACSE,
		Reason: dicomerr.RejectReasonNoReasonGiven,
	}
	p.write(types.TypeAssociateRJ, rj.Encode())

	waitDone(t, m)
	if m.CloseReason() != ReasonRejected {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	var rejected *dicomerr.AssociationRejectedError
	if !errors.As(m.Err(), &rejected) {
		t.Fatalf("Terminal error = %v", m.Err())
	}
	if rejected.Result != dicomerr.RejectedTransient {
		t.Errorf("Result = %v", rejected.Result)
	}
}

func TestRequestorRejectsUnproposedContext(t *testing.T) {
	m, p := startRequestor(t, Options{})

	p.read(types.TypeAssociateRQ)
	ac := &pdu.AssociateAC{
		Contexts: []pdu.ContextReply{
			{ID: 99, Result: types.ContextAccepted, TransferSyntax: types.ImplicitVRLittleEndian},
		},
	}
	p.write(types.TypeAssociateAC, encodePDU(t, ac))

	raw := p.read(types.TypeAbort)
	ab, err := pdu.DecodeAbort(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ABORT: %v", err)
	}
	if ab.Reason != pdu.AbortReasonInvalidPDUParam {
		t.Errorf("Abort reason = 0x%02X", ab.Reason)
	}

	p.conn.Close()
	waitDone(t, m)
}

func TestRequestorDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	dial := func(ctx context.Context) (net.Conn, error) { return nil, dialErr }
	m, err := NewRequestor(dial, Options{Logger: quietLogger(), Request: testRequest()})
	if err != nil {
		t.Fatalf("NewRequestor failed: %v", err)
	}

	waitDone(t, m)
	if m.CloseReason() != ReasonTransportError {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	if !errors.Is(m.Err(), dialErr) {
		t.Errorf("Terminal error = %v", m.Err())
	}
}

func TestPeerAbort(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)

	ab := &pdu.Abort{Source: pdu.AbortSourceServiceUser}
	p.write(types.TypeAbort, ab.Encode())

	waitDone(t, m)
	if m.CloseReason() != ReasonAbortedPeer {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
	var abortErr *dicomerr.AbortError
	if !errors.As(m.Err(), &abortErr) {
		t.Errorf("Terminal error = %v", m.Err())
	}
}

func TestLocalAbortClosesImmediately(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)

	m.Abort()

	raw := p.read(types.TypeAbort)
	ab, err := pdu.DecodeAbort(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ABORT: %v", err)
	}
	if ab.Source != pdu.AbortSourceServiceUser {
		t.Errorf("Abort source = 0x%02X", ab.Source)
	}
	// No waiting on the peer: the transport closes right behind the abort.
	p.expectEOF()

	waitDone(t, m)
	if m.CloseReason() != ReasonAbortedLocal {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestForceCloseUnblocksPinnedWrite(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)

	select {
	case <-m.Established():
	case <-time.After(time.Second):
		t.Fatal("Association never established")
	}

	// The peer stops reading. Pipe writes block until the other end reads,
	// so one P-DATA pins the run loop inside the socket write and Kill
	// alone can never terminate the machine.
	if err := m.SendData(make([]byte, 512)); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.Kill(errors.New("shutting down"))
	select {
	case <-m.Done():
		t.Fatal("Kill terminated a machine pinned in a write")
	case <-time.After(100 * time.Millisecond):
	}

	m.ForceClose()
	waitDone(t, m)
	if r := m.CloseReason(); r != ReasonTransportError && r != ReasonAbortedLocal {
		t.Errorf("Close reason = %v", r)
	}
}

func TestRequestorLocalAbortWhileAwaitingResponse(t *testing.T) {
	m, p := startRequestor(t, Options{})

	p.read(types.TypeAssociateRQ)

	// Abort while the accept/reject is still outstanding.
	m.Abort()

	raw := p.read(types.TypeAbort)
	ab, err := pdu.DecodeAbort(raw.Data)
	if err != nil {
		t.Fatalf("Bad A-ABORT: %v", err)
	}
	if ab.Source != pdu.AbortSourceServiceUser {
		t.Errorf("Abort source = 0x%02X", ab.Source)
	}
	p.expectEOF()

	waitDone(t, m)
	if m.CloseReason() != ReasonAbortedLocal {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestEstablishedOnlyLeavesThroughReleaseOrAbort(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)
	<-m.Established()

	// A second association request on an established association is a
	// protocol error: the machine aborts, it never renegotiates.
	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAbort)

	if st := m.Association().State(); st != StateAwaitingTransportClose && st != StateIdle {
		t.Errorf("State after protocol error = %v", st)
	}

	p.conn.Close()
	waitDone(t, m)
	if m.Association().State() != StateIdle {
		t.Errorf("Terminal state = %v", m.Association().State())
	}
}

func TestPeerDisappears(t *testing.T) {
	m, p := startAcceptor(t, Options{})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)

	p.conn.Close()

	waitDone(t, m)
	if m.CloseReason() != ReasonTransportError {
		t.Errorf("Close reason = %v", m.CloseReason())
	}
}

func TestSendDataBeforeEstablished(t *testing.T) {
	m, p := startRequestor(t, Options{})
	defer func() {
		p.conn.Close()
		waitDone(t, m)
	}()
	p.read(types.TypeAssociateRQ)

	if err := m.SendData([]byte{0x00}); !errors.Is(err, dicomerr.ErrNotEstablished) {
		t.Errorf("SendData = %v, expected ErrNotEstablished", err)
	}
	if err := m.Release(context.Background()); !errors.Is(err, dicomerr.ErrNotEstablished) {
		t.Errorf("Release = %v, expected ErrNotEstablished", err)
	}
}

func TestDataDelivery(t *testing.T) {
	received := make(chan []byte, 1)
	m, p := startAcceptor(t, Options{
		OnData: func(payload []byte) { received <- payload },
	})

	p.write(types.TypeAssociateRQ, encodePDU(t, testRequest()))
	p.read(types.TypeAssociateAC)

	p.write(types.TypePDataTF, []byte{0xDE, 0xAD})

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte{0xDE, 0xAD}) {
			t.Errorf("Payload = %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Data never delivered")
	}

	p.conn.Close()
	waitDone(t, m)
}

func TestRequestorValidation(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) { return nil, errors.New("unused") }

	if _, err := NewRequestor(dial, Options{Logger: quietLogger()}); err == nil {
		t.Error("Expected error without an association request")
	}

	noContexts := &pdu.AssociateRQ{CalledAETitle: "A", CallingAETitle: "B"}
	if _, err := NewRequestor(dial, Options{Logger: quietLogger(), Request: noContexts}); err == nil {
		t.Error("Expected error without presentation contexts")
	}

	evenID := testRequest()
	evenID.Contexts[0].ID = 2
	if _, err := NewRequestor(dial, Options{Logger: quietLogger(), Request: evenID}); err == nil {
		t.Error("Expected error for an even presentation context ID")
	}
}
