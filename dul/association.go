package dul

import (
	"sync"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomdul/pdu"
)

// Association is the logical session negotiated over one transport
// connection. It is created by the machine that owns it and mutated only by
// that machine; other goroutines read it through the accessor methods.
type Association struct {
	ID   uuid.UUID
	Role Role

	mu             sync.Mutex
	state          State
	calledAETitle  string
	callingAETitle string
	localMaxPDU    uint32
	peerMaxPDU     uint32
	contexts       []pdu.ContextReply
	extended       []pdu.ExtendedNegotiation
	identityReply  []byte
	hasIdentity    bool
}

func newAssociation(role Role, localMaxPDU uint32) *Association {
	return &Association{
		ID:          uuid.New(),
		Role:        role,
		localMaxPDU: localMaxPDU,
	}
}

// State returns the current state machine state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// AETitles returns the called and calling AE titles seen during
// establishment. Empty until the opening message has been exchanged.
func (a *Association) AETitles() (called, calling string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calledAETitle, a.callingAETitle
}

// MaxPDULengths returns the local and the peer's negotiated maximum PDU
// lengths. The peer value is zero until negotiation completed.
func (a *Association) MaxPDULengths() (local, peer uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localMaxPDU, a.peerMaxPDU
}

// Contexts returns the negotiated presentation context results.
func (a *Association) Contexts() []pdu.ContextReply {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pdu.ContextReply, len(a.contexts))
	copy(out, a.contexts)
	return out
}

// AcceptedContext returns the accepted reply for the given context ID.
func (a *Association) AcceptedContext(id byte) (pdu.ContextReply, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.contexts {
		if pc.ID == id && pc.Result.Accepted() {
			return pc, true
		}
	}
	return pdu.ContextReply{}, false
}

// ExtendedResults returns the extended negotiation outcomes.
func (a *Association) ExtendedResults() []pdu.ExtendedNegotiation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pdu.ExtendedNegotiation, len(a.extended))
	copy(out, a.extended)
	return out
}

// IdentityResponse returns the identity response payload negotiated for this
// association, if the acceptor produced one.
func (a *Association) IdentityResponse() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identityReply, a.hasIdentity
}

func (a *Association) setNegotiated(called, calling string, peerMaxPDU uint32, contexts []pdu.ContextReply, extended []pdu.ExtendedNegotiation, identity []byte, hasIdentity bool) {
	a.mu.Lock()
	a.calledAETitle = called
	a.callingAETitle = calling
	a.peerMaxPDU = peerMaxPDU
	a.contexts = contexts
	a.extended = extended
	a.identityReply = identity
	a.hasIdentity = hasIdentity
	a.mu.Unlock()
}
