package types

import "testing"

func TestIsKnownPDUType(t *testing.T) {
	for b := byte(TypeAssociateRQ); b <= TypeAbort; b++ {
		if !IsKnownPDUType(b) {
			t.Errorf("0x%02X should be known", b)
		}
	}
	for _, b := range []byte{0x00, 0x08, 0x7F, 0xFF} {
		if IsKnownPDUType(b) {
			t.Errorf("0x%02X should not be known", b)
		}
	}
}

func TestPDUTypeName(t *testing.T) {
	if got := PDUTypeName(TypePDataTF); got != "P-DATA-TF" {
		t.Errorf("PDUTypeName = %q", got)
	}
	if got := PDUTypeName(0x99); got != "UNKNOWN" {
		t.Errorf("PDUTypeName = %q", got)
	}
}

func TestIsStorageSOPClass(t *testing.T) {
	tests := []struct {
		uid      string
		expected bool
	}{
		{CTImageStorage, true},
		{MRImageStorage, true},
		{UltrasoundImageStorage, true},
		{VerificationSOPClass, false},
		{StudyRootQueryRetrieveInformationModelFind, false},
		{"1.2.840.10008.5.1.4.1.1.", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsStorageSOPClass(tt.uid); got != tt.expected {
			t.Errorf("IsStorageSOPClass(%q) = %v", tt.uid, got)
		}
	}
}
