// Package negotiate reconciles a peer's proposed association parameters
// against local capabilities. It is pure computation: the same request and
// capability table always produce the same result, independent of map
// iteration order.
package negotiate

import (
	"github.com/caio-sobreiro/dicomdul/dicomerr"
	"github.com/caio-sobreiro/dicomdul/pdu"
	"github.com/caio-sobreiro/dicomdul/types"
)

// Capabilities is the local table of supported abstract syntaxes and, per
// abstract syntax, the transfer syntaxes the application can decode.
type Capabilities struct {
	syntaxes map[string]map[string]bool

	// storageTransfer, when non-nil, accepts every storage SOP class with
	// the given transfer syntaxes instead of enumerating the whole family.
	storageTransfer map[string]bool
}

// NewCapabilities returns an empty capability table.
func NewCapabilities() *Capabilities {
	return &Capabilities{syntaxes: make(map[string]map[string]bool)}
}

// Add declares support for an abstract syntax with the given transfer
// syntaxes. Calling Add again for the same abstract syntax extends the set.
func (c *Capabilities) Add(abstractSyntax string, transferSyntaxes ...string) *Capabilities {
	set := c.syntaxes[abstractSyntax]
	if set == nil {
		set = make(map[string]bool)
		c.syntaxes[abstractSyntax] = set
	}
	for _, ts := range transferSyntaxes {
		set[ts] = true
	}
	return c
}

// AcceptStorageClasses accepts the whole image storage SOP class family with
// the given transfer syntaxes.
func (c *Capabilities) AcceptStorageClasses(transferSyntaxes ...string) *Capabilities {
	if c.storageTransfer == nil {
		c.storageTransfer = make(map[string]bool)
	}
	for _, ts := range transferSyntaxes {
		c.storageTransfer[ts] = true
	}
	return c
}

// SupportsAbstractSyntax reports whether uid is locally supported.
func (c *Capabilities) SupportsAbstractSyntax(uid string) bool {
	if _, ok := c.syntaxes[uid]; ok {
		return true
	}
	return c.storageTransfer != nil && types.IsStorageSOPClass(uid)
}

// SupportsTransferSyntax reports whether ts is supported for abstractSyntax.
func (c *Capabilities) SupportsTransferSyntax(abstractSyntax, ts string) bool {
	if set, ok := c.syntaxes[abstractSyntax]; ok && set[ts] {
		return true
	}
	if c.storageTransfer != nil && types.IsStorageSOPClass(abstractSyntax) {
		return c.storageTransfer[ts]
	}
	return false
}

// ExtendedHandler produces the service-class application information to send
// back for one extended negotiation item. A nil response leaves the item
// unacknowledged.
type ExtendedHandler func(item pdu.ExtendedNegotiation) []byte

// IdentityVerifier validates a requestor's identity assertion. The engine
// ships no verifier; validation policy belongs to the embedding application.
//
// Verify returns (response, true, nil) when the assertion is valid,
// (nil, false, nil) when this verifier cannot judge the assertion type at
// all, and a non-nil error when verification failed. The caller maps a
// failure to an association reject.
type IdentityVerifier interface {
	Verify(identity *pdu.UserIdentity) (response []byte, ok bool, err error)
}

// Negotiator matches association requests against local capabilities.
type Negotiator struct {
	Capabilities     *Capabilities
	ExtendedHandlers map[string]ExtendedHandler
	IdentityVerifier IdentityVerifier
}

// New returns a Negotiator over the given capability table.
func New(caps *Capabilities) *Negotiator {
	return &Negotiator{Capabilities: caps}
}

// Result is the outcome of negotiating one A-ASSOCIATE-RQ.
type Result struct {
	// Contexts holds one reply per requested context, in request order.
	Contexts []pdu.ContextReply

	// ExtendedResponses holds the acknowledged extended negotiation items.
	ExtendedResponses []pdu.ExtendedNegotiation

	// RoleResponses echoes the role selections whose SOP class is locally
	// supported.
	RoleResponses []pdu.RoleSelection

	// IdentityResponse is the positive identity response payload, present
	// only when the verifier produced one.
	IdentityResponse    []byte
	HasIdentityResponse bool

	// Rejection is non-nil when the association must be refused instead
	// of accepted; Cause says why for diagnostics.
	Rejection *pdu.AssociateRJ
	Cause     string
}

// Accepted reports whether the association as a whole may be accepted.
func (r *Result) Accepted() bool {
	return r.Rejection == nil
}

// Negotiate produces one reply per requested presentation context, resolves
// extended negotiation items and the identity assertion, and decides whether
// the association is accepted or rejected.
//
// Per-context algorithm: an unsupported abstract syntax yields result 3; an
// abstract syntax with none of the proposed transfer syntaxes supported
// yields result 4; otherwise the first proposed transfer syntax that is
// locally supported wins. Context IDs are echoed unchanged and reply order
// follows request order.
func (n *Negotiator) Negotiate(rq *pdu.AssociateRQ) *Result {
	res := &Result{}

	accepted := 0
	for _, pc := range rq.Contexts {
		reply := n.negotiateContext(pc)
		if reply.Result.Accepted() {
			accepted++
		}
		res.Contexts = append(res.Contexts, reply)
	}

	if accepted == 0 {
		res.Rejection = &pdu.AssociateRJ{
			Result: dicomerr.RejectedPermanent,
			Source: dicomerr.RejectSourceServiceProviderACSE,
			Reason: dicomerr.RejectReasonNoReasonGiven,
		}
		res.Cause = "no presentation context accepted"
		return res
	}

	if dup := duplicateKey(rq.UserInfo.ExtendedNegotiations); dup != "" {
		res.Rejection = &pdu.AssociateRJ{
			Result: dicomerr.RejectedPermanent,
			Source: dicomerr.RejectSourceServiceUser,
			Reason: dicomerr.RejectReasonNoReasonGiven,
		}
		res.Cause = "duplicate extended negotiation item for " + dup
		return res
	}

	for _, item := range rq.UserInfo.ExtendedNegotiations {
		handler, ok := n.ExtendedHandlers[item.SOPClassUID]
		if !ok {
			// No local handler: pass through unacknowledged.
			continue
		}
		if response := handler(item); response != nil {
			res.ExtendedResponses = append(res.ExtendedResponses, pdu.ExtendedNegotiation{
				SOPClassUID:     item.SOPClassUID,
				ApplicationInfo: response,
			})
		}
	}

	for _, rs := range rq.UserInfo.RoleSelections {
		if !n.Capabilities.SupportsAbstractSyntax(rs.SOPClassUID) {
			continue
		}
		res.RoleResponses = append(res.RoleResponses, rs)
	}

	if id := rq.UserInfo.Identity; id != nil && n.IdentityVerifier != nil {
		response, ok, err := n.IdentityVerifier.Verify(id)
		if err != nil {
			// Never fabricate a response on failure; refuse the
			// association instead.
			res.Rejection = &pdu.AssociateRJ{
				Result: dicomerr.RejectedPermanent,
				Source: dicomerr.RejectSourceServiceUser,
				Reason: dicomerr.RejectReasonNoReasonGiven,
			}
			res.Cause = "identity verification failed: " + err.Error()
			return res
		}
		// A response goes back only when the peer asked for one and the
		// verifier could actually judge the assertion type.
		if ok && id.PositiveResponseRequested {
			res.IdentityResponse = response
			res.HasIdentityResponse = true
		}
	}

	return res
}

func (n *Negotiator) negotiateContext(pc pdu.ProposedContext) pdu.ContextReply {
	reply := pdu.ContextReply{ID: pc.ID}

	if pc.ID%2 == 0 {
		// Context IDs must be odd; refuse the context without failing
		// the whole association.
		reply.Result = types.ContextNoReason
		return reply
	}

	if !n.Capabilities.SupportsAbstractSyntax(pc.AbstractSyntax) {
		reply.Result = types.ContextAbstractSyntaxNotSupported
		return reply
	}

	for _, ts := range pc.TransferSyntaxes {
		if n.Capabilities.SupportsTransferSyntax(pc.AbstractSyntax, ts) {
			reply.Result = types.ContextAccepted
			reply.TransferSyntax = ts
			return reply
		}
	}

	reply.Result = types.ContextTransferSyntaxesNotSupported
	return reply
}

func duplicateKey(items []pdu.ExtendedNegotiation) string {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.SOPClassUID] {
			return item.SOPClassUID
		}
		seen[item.SOPClassUID] = true
	}
	return ""
}
