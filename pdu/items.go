package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/caio-sobreiro/dicomdul/types"
)

// Variable item and sub-item type codes (DICOM Part 8, Section 9.3 and
// Part 7, Annex D.3.3).
const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	subItemAbstractSyntax     = 0x30
	subItemTransferSyntax     = 0x40
	itemUserInformation       = 0x50

	subItemMaxLength              = 0x51
	subItemImplementationClassUID = 0x52
	subItemAsyncOperations        = 0x53
	subItemRoleSelection          = 0x54
	subItemImplementationVersion  = 0x55
	subItemExtendedNegotiation    = 0x56
	subItemCommonExtendedNeg      = 0x57
	subItemUserIdentityRQ         = 0x58
	subItemUserIdentityAC         = 0x59
)

// RoleSelection is the SCP/SCU role selection sub-item for one SOP class.
type RoleSelection struct {
	SOPClassUID string
	SCURole     bool
	SCPRole     bool
}

// ExtendedNegotiation carries opaque service-class application information
// keyed by SOP class UID.
type ExtendedNegotiation struct {
	SOPClassUID     string
	ApplicationInfo []byte
}

// CommonExtendedNegotiation additionally names the service class and any
// related general SOP classes.
type CommonExtendedNegotiation struct {
	SOPClassUID            string
	ServiceClassUID        string
	RelatedGeneralSOPClass []string
}

// UserIdentity is the authentication assertion proposed by the requestor.
type UserIdentity struct {
	Type                      types.UserIdentityType
	PositiveResponseRequested bool
	Primary                   []byte
	Secondary                 []byte
}

// Validate checks the structural invariants of the identity item.
func (u *UserIdentity) Validate() error {
	switch u.Type {
	case types.IdentityUsername, types.IdentityKerberos, types.IdentitySAML:
		if len(u.Secondary) != 0 {
			return fmt.Errorf("user identity type %s must not carry a secondary field", u.Type)
		}
	case types.IdentityUsernamePasscode:
	default:
		return fmt.Errorf("unknown user identity type %d", byte(u.Type))
	}
	return nil
}

// UserInfo is the decoded user information item of an A-ASSOCIATE-RQ/-AC.
type UserInfo struct {
	MaxPDULength               uint32
	ImplementationClassUID     string
	ImplementationVersion      string
	RoleSelections             []RoleSelection
	ExtendedNegotiations       []ExtendedNegotiation
	CommonExtendedNegotiations []CommonExtendedNegotiation

	// Identity is present on an RQ when the requestor asserts an identity.
	Identity *UserIdentity

	// IdentityResponse is present on an AC when the acceptor produced a
	// positive identity response (sub-item 0x59).
	IdentityResponse    []byte
	HasIdentityResponse bool
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// maxItemValue is the largest value representable by the 16-bit item length.
const maxItemValue = 0xFFFF

// checkItemLen rejects a value that does not fit the 16-bit item length.
// Truncating instead would frame a corrupt PDU.
func checkItemLen(what string, n int) error {
	if n > maxItemValue {
		return fmt.Errorf("%s is %d bytes, item limit is %d", what, n, maxItemValue)
	}
	return nil
}

// appendItem appends one type/reserved/length/value item to buf. The caller
// has already checked that value fits the 16-bit length.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// appendUIDField appends a 2-byte length prefixed UID field.
func appendUIDField(buf []byte, uid string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(uid)))
	return append(buf, uid...)
}

// readUIDField consumes one 2-byte length prefixed UID field from data.
func readUIDField(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("UID field header truncated")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return "", nil, fmt.Errorf("UID field exceeds item length")
	}
	return normalizeUID(data[2 : 2+n]), data[2+n:], nil
}

// forEachItem walks a sequence of type/reserved/length/value items and calls
// fn for each. Items that overflow the enclosing buffer are an error.
func forEachItem(data []byte, fn func(itemType byte, value []byte) error) error {
	offset := 0
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("item 0x%02X exceeds enclosing length", itemType)
		}
		if err := fn(itemType, data[valueStart:valueEnd]); err != nil {
			return err
		}
		offset = valueEnd
	}
	return nil
}

// encode serializes the user information item including all sub-items.
func (u *UserInfo) encode() ([]byte, error) {
	var sub []byte

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, u.MaxPDULength)
	sub = appendItem(sub, subItemMaxLength, maxLen)

	if u.ImplementationClassUID != "" {
		if err := checkItemLen("implementation class UID", len(u.ImplementationClassUID)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemImplementationClassUID, []byte(u.ImplementationClassUID))
	}
	if u.ImplementationVersion != "" {
		if err := checkItemLen("implementation version", len(u.ImplementationVersion)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemImplementationVersion, []byte(u.ImplementationVersion))
	}

	for _, rs := range u.RoleSelections {
		var v []byte
		v = appendUIDField(v, rs.SOPClassUID)
		v = append(v, boolByte(rs.SCURole), boolByte(rs.SCPRole))
		if err := checkItemLen("role selection for "+rs.SOPClassUID, len(v)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemRoleSelection, v)
	}

	for _, en := range u.ExtendedNegotiations {
		var v []byte
		v = appendUIDField(v, en.SOPClassUID)
		v = append(v, en.ApplicationInfo...)
		if err := checkItemLen("extended negotiation for "+en.SOPClassUID, len(v)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemExtendedNegotiation, v)
	}

	for _, cen := range u.CommonExtendedNegotiations {
		var v []byte
		v = appendUIDField(v, cen.SOPClassUID)
		v = appendUIDField(v, cen.ServiceClassUID)
		var related []byte
		for _, uid := range cen.RelatedGeneralSOPClass {
			related = appendUIDField(related, uid)
		}
		if err := checkItemLen("related general SOP class list for "+cen.SOPClassUID, len(related)); err != nil {
			return nil, err
		}
		v = binary.BigEndian.AppendUint16(v, uint16(len(related)))
		v = append(v, related...)
		if err := checkItemLen("common extended negotiation for "+cen.SOPClassUID, len(v)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemCommonExtendedNeg, v)
	}

	if u.Identity != nil {
		if err := checkItemLen("user identity primary field", len(u.Identity.Primary)); err != nil {
			return nil, err
		}
		if err := checkItemLen("user identity secondary field", len(u.Identity.Secondary)); err != nil {
			return nil, err
		}
		var v []byte
		v = append(v, byte(u.Identity.Type), boolByte(u.Identity.PositiveResponseRequested))
		v = binary.BigEndian.AppendUint16(v, uint16(len(u.Identity.Primary)))
		v = append(v, u.Identity.Primary...)
		v = binary.BigEndian.AppendUint16(v, uint16(len(u.Identity.Secondary)))
		v = append(v, u.Identity.Secondary...)
		if err := checkItemLen("user identity item", len(v)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemUserIdentityRQ, v)
	}

	if u.HasIdentityResponse {
		var v []byte
		v = binary.BigEndian.AppendUint16(v, uint16(len(u.IdentityResponse)))
		v = append(v, u.IdentityResponse...)
		if err := checkItemLen("user identity response", len(v)); err != nil {
			return nil, err
		}
		sub = appendItem(sub, subItemUserIdentityAC, v)
	}

	if err := checkItemLen("user information item", len(sub)); err != nil {
		return nil, err
	}
	return sub, nil
}

// decodeUserInfo parses the user information item value. Unknown sub-items
// are skipped; a conformant peer may send items this implementation does not
// negotiate (for example asynchronous operations).
func decodeUserInfo(data []byte) (*UserInfo, error) {
	ui := &UserInfo{}
	err := forEachItem(data, func(itemType byte, value []byte) error {
		switch itemType {
		case subItemMaxLength:
			if len(value) != 4 {
				return fmt.Errorf("maximum length sub-item has length %d, want 4", len(value))
			}
			ui.MaxPDULength = binary.BigEndian.Uint32(value)
		case subItemImplementationClassUID:
			ui.ImplementationClassUID = normalizeUID(value)
		case subItemImplementationVersion:
			ui.ImplementationVersion = strings.TrimRight(string(value), "\x00 ")
		case subItemRoleSelection:
			uid, rest, err := readUIDField(value)
			if err != nil {
				return fmt.Errorf("role selection: %w", err)
			}
			if len(rest) < 2 {
				return fmt.Errorf("role selection for %s truncated", uid)
			}
			ui.RoleSelections = append(ui.RoleSelections, RoleSelection{
				SOPClassUID: uid,
				SCURole:     rest[0] != 0,
				SCPRole:     rest[1] != 0,
			})
		case subItemExtendedNegotiation:
			uid, rest, err := readUIDField(value)
			if err != nil {
				return fmt.Errorf("extended negotiation: %w", err)
			}
			ui.ExtendedNegotiations = append(ui.ExtendedNegotiations, ExtendedNegotiation{
				SOPClassUID:     uid,
				ApplicationInfo: append([]byte(nil), rest...),
			})
		case subItemCommonExtendedNeg:
			cen, err := decodeCommonExtended(value)
			if err != nil {
				return err
			}
			ui.CommonExtendedNegotiations = append(ui.CommonExtendedNegotiations, *cen)
		case subItemUserIdentityRQ:
			id, err := decodeUserIdentity(value)
			if err != nil {
				return err
			}
			ui.Identity = id
		case subItemUserIdentityAC:
			if len(value) < 2 {
				return fmt.Errorf("user identity response truncated")
			}
			n := int(binary.BigEndian.Uint16(value[0:2]))
			if len(value) < 2+n {
				return fmt.Errorf("user identity response exceeds item length")
			}
			ui.IdentityResponse = append([]byte(nil), value[2:2+n]...)
			ui.HasIdentityResponse = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ui, nil
}

func decodeCommonExtended(value []byte) (*CommonExtendedNegotiation, error) {
	uid, rest, err := readUIDField(value)
	if err != nil {
		return nil, fmt.Errorf("common extended negotiation: %w", err)
	}
	serviceUID, rest, err := readUIDField(rest)
	if err != nil {
		return nil, fmt.Errorf("common extended negotiation for %s: %w", uid, err)
	}
	cen := &CommonExtendedNegotiation{SOPClassUID: uid, ServiceClassUID: serviceUID}

	if len(rest) < 2 {
		// The related general SOP class field is optional in old items.
		return cen, nil
	}
	relatedLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest) < 2+relatedLen {
		return nil, fmt.Errorf("common extended negotiation for %s: related field exceeds item", uid)
	}
	related := rest[2 : 2+relatedLen]
	for len(related) > 0 {
		var ruid string
		ruid, related, err = readUIDField(related)
		if err != nil {
			return nil, fmt.Errorf("common extended negotiation for %s: %w", uid, err)
		}
		cen.RelatedGeneralSOPClass = append(cen.RelatedGeneralSOPClass, ruid)
	}
	return cen, nil
}

func decodeUserIdentity(value []byte) (*UserIdentity, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("user identity sub-item truncated")
	}
	id := &UserIdentity{
		Type:                      types.UserIdentityType(value[0]),
		PositiveResponseRequested: value[1] != 0,
	}
	rest := value[2:]

	primaryLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest) < 2+primaryLen {
		return nil, fmt.Errorf("user identity primary field exceeds item length")
	}
	id.Primary = append([]byte(nil), rest[2:2+primaryLen]...)
	rest = rest[2+primaryLen:]

	if len(rest) >= 2 {
		secondaryLen := int(binary.BigEndian.Uint16(rest[0:2]))
		if len(rest) < 2+secondaryLen {
			return nil, fmt.Errorf("user identity secondary field exceeds item length")
		}
		if secondaryLen > 0 {
			id.Secondary = append([]byte(nil), rest[2:2+secondaryLen]...)
		}
	}

	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
