package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/caio-sobreiro/dicomdul/types"
)

const fixedFieldsLength = 68 // version(2) + reserved(2) + AE titles(32) + reserved(32)

// ProposedContext is one presentation context item of an A-ASSOCIATE-RQ:
// an odd context ID, one abstract syntax and the transfer syntaxes the
// requestor is willing to use, in order of preference.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// ContextReply is one presentation context item of an A-ASSOCIATE-AC: the
// echoed context ID, the result code and, when accepted, exactly one
// transfer syntax.
type ContextReply struct {
	ID             byte
	Result         types.ContextResult
	TransferSyntax string
}

// AssociateRQ is the decoded form of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	ProtocolVersion    uint16
	CalledAETitle      string
	CallingAETitle     string
	ApplicationContext string
	Contexts           []ProposedContext
	UserInfo           UserInfo
}

// AssociateAC is the decoded form of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	ProtocolVersion    uint16
	CalledAETitle      string
	CallingAETitle     string
	ApplicationContext string
	Contexts           []ContextReply
	UserInfo           UserInfo
}

// Encode serializes the request into PDU payload bytes. Values too long for
// their 16-bit item length are an error, never truncated.
func (rq *AssociateRQ) Encode() ([]byte, error) {
	appCtx := applicationContextOrDefault(rq.ApplicationContext)
	if err := checkItemLen("application context", len(appCtx)); err != nil {
		return nil, err
	}
	buf := encodeFixedFields(rq.ProtocolVersion, rq.CalledAETitle, rq.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(appCtx))

	for _, pc := range rq.Contexts {
		var v []byte
		v = append(v, pc.ID, 0x00, 0x00, 0x00)
		v = appendItem(v, subItemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			v = appendItem(v, subItemTransferSyntax, []byte(ts))
		}
		if err := checkItemLen(fmt.Sprintf("presentation context %d", pc.ID), len(v)); err != nil {
			return nil, err
		}
		buf = appendItem(buf, itemPresentationContextRQ, v)
	}

	ui, err := rq.UserInfo.encode()
	if err != nil {
		return nil, err
	}
	return appendItem(buf, itemUserInformation, ui), nil
}

// Encode serializes the accept into PDU payload bytes. Accepted contexts
// carry exactly one transfer syntax sub-item; rejected contexts carry none
// (DICOM Part 8, Section 9.3.3.2).
func (ac *AssociateAC) Encode() ([]byte, error) {
	appCtx := applicationContextOrDefault(ac.ApplicationContext)
	if err := checkItemLen("application context", len(appCtx)); err != nil {
		return nil, err
	}
	buf := encodeFixedFields(ac.ProtocolVersion, ac.CalledAETitle, ac.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(appCtx))

	for _, pc := range ac.Contexts {
		var v []byte
		v = append(v, pc.ID, 0x00, byte(pc.Result), 0x00)
		if pc.Result.Accepted() {
			v = appendItem(v, subItemTransferSyntax, []byte(pc.TransferSyntax))
		}
		if err := checkItemLen(fmt.Sprintf("presentation context reply %d", pc.ID), len(v)); err != nil {
			return nil, err
		}
		buf = appendItem(buf, itemPresentationContextAC, v)
	}

	ui, err := ac.UserInfo.encode()
	if err != nil {
		return nil, err
	}
	return appendItem(buf, itemUserInformation, ui), nil
}

// DecodeAssociateRQ parses A-ASSOCIATE-RQ payload bytes.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	version, called, calling, rest, err := decodeFixedFields(data)
	if err != nil {
		return nil, fmt.Errorf("A-ASSOCIATE-RQ: %w", err)
	}

	rq := &AssociateRQ{
		ProtocolVersion: version,
		CalledAETitle:   called,
		CallingAETitle:  calling,
		UserInfo:        UserInfo{MaxPDULength: types.DefaultMaxPDULength},
	}

	err = forEachItem(rest, func(itemType byte, value []byte) error {
		switch itemType {
		case itemApplicationContext:
			rq.ApplicationContext = normalizeUID(value)
		case itemPresentationContextRQ:
			pc, err := decodeProposedContext(value)
			if err != nil {
				return err
			}
			rq.Contexts = append(rq.Contexts, *pc)
		case itemUserInformation:
			ui, err := decodeUserInfo(value)
			if err != nil {
				return err
			}
			if ui.MaxPDULength == 0 {
				ui.MaxPDULength = types.DefaultMaxPDULength
			}
			rq.UserInfo = *ui
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("A-ASSOCIATE-RQ: %w", err)
	}

	if len(rq.Contexts) == 0 {
		return nil, fmt.Errorf("A-ASSOCIATE-RQ: no presentation contexts proposed")
	}
	return rq, nil
}

// DecodeAssociateAC parses A-ASSOCIATE-AC payload bytes.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	version, called, calling, rest, err := decodeFixedFields(data)
	if err != nil {
		return nil, fmt.Errorf("A-ASSOCIATE-AC: %w", err)
	}

	ac := &AssociateAC{
		ProtocolVersion: version,
		CalledAETitle:   called,
		CallingAETitle:  calling,
		UserInfo:        UserInfo{MaxPDULength: types.DefaultMaxPDULength},
	}

	err = forEachItem(rest, func(itemType byte, value []byte) error {
		switch itemType {
		case itemApplicationContext:
			ac.ApplicationContext = normalizeUID(value)
		case itemPresentationContextAC:
			pc, err := decodeContextReply(value)
			if err != nil {
				return err
			}
			ac.Contexts = append(ac.Contexts, *pc)
		case itemUserInformation:
			ui, err := decodeUserInfo(value)
			if err != nil {
				return err
			}
			if ui.MaxPDULength == 0 {
				ui.MaxPDULength = types.DefaultMaxPDULength
			}
			ac.UserInfo = *ui
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("A-ASSOCIATE-AC: %w", err)
	}
	return ac, nil
}

func decodeProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context item too short: %d", len(data))
	}
	pc := &ProposedContext{ID: data[0]}

	err := forEachItem(data[4:], func(itemType byte, value []byte) error {
		switch itemType {
		case subItemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(value)
		case subItemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(value))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presentation context %d: %w", pc.ID, err)
	}

	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	if len(pc.TransferSyntaxes) == 0 {
		return nil, fmt.Errorf("presentation context %d proposes no transfer syntaxes", pc.ID)
	}
	return pc, nil
}

func decodeContextReply(data []byte) (*ContextReply, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context reply too short: %d", len(data))
	}
	pc := &ContextReply{
		ID:     data[0],
		Result: types.ContextResult(data[2]),
	}

	err := forEachItem(data[4:], func(itemType byte, value []byte) error {
		if itemType == subItemTransferSyntax {
			pc.TransferSyntax = normalizeUID(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presentation context reply %d: %w", pc.ID, err)
	}
	return pc, nil
}

func encodeFixedFields(version uint16, calledAE, callingAE string) []byte {
	if version == 0 {
		version = 0x0001
	}
	buf := make([]byte, fixedFieldsLength)
	binary.BigEndian.PutUint16(buf[0:2], version)
	copy(buf[4:20], paddedAETitle(calledAE))
	copy(buf[20:36], paddedAETitle(callingAE))
	return buf
}

func decodeFixedFields(data []byte) (version uint16, called, calling string, rest []byte, err error) {
	if len(data) < fixedFieldsLength {
		return 0, "", "", nil, fmt.Errorf("fixed fields truncated: %d bytes", len(data))
	}
	version = binary.BigEndian.Uint16(data[0:2])
	called = trimAETitle(data[4:20])
	calling = trimAETitle(data[20:36])
	return version, called, calling, data[fixedFieldsLength:], nil
}

// paddedAETitle space-pads (or truncates) an AE title to the fixed 16 bytes.
func paddedAETitle(ae string) []byte {
	if len(ae) > 16 {
		ae = ae[:16]
	}
	return []byte(fmt.Sprintf("%-16s", ae))
}

func trimAETitle(raw []byte) string {
	ae := string(raw)
	if idx := strings.IndexByte(ae, 0); idx != -1 {
		ae = ae[:idx]
	}
	return strings.TrimSpace(ae)
}

func applicationContextOrDefault(uid string) string {
	if uid == "" {
		return types.ApplicationContextUID
	}
	return uid
}
