// Package types holds the DICOM UID constants and upper-layer protocol
// values shared by the PDU, negotiation and transport packages.
package types

import "strings"

// ApplicationContextUID identifies the DICOM application context proposed in
// every A-ASSOCIATE-RQ (DICOM Part 7, Annex A.2.1).
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Transfer Syntax UIDs (DICOM Part 5, Section 8 and Part 6, Annex A.4).
const (
	// ImplicitVRLittleEndian is the default transfer syntax every
	// conformant implementation must support.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian is the preferred general-purpose encoding.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian is retired but still proposed by old devices.
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	// DeflatedExplicitVRLittleEndian applies deflate on top of explicit VR.
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"

	// JPEGBaseline8Bit - JPEG Baseline (Process 1), 8-bit lossy.
	JPEGBaseline8Bit = "1.2.840.10008.1.2.4.50"

	// JPEG2000Lossless - JPEG 2000 Image Compression (Lossless Only).
	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"

	// RLELossless - Run Length Encoding, Lossless.
	RLELossless = "1.2.840.10008.1.2.5"
)

// SOP Class UIDs commonly seen during association negotiation
// (DICOM Part 4, Annex B and Annex C).
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	CTImageStorage               = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage               = "1.2.840.10008.5.1.4.1.1.4"
	UltrasoundImageStorage       = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"

	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"

	// StorageServiceClass keys common extended negotiation items for the
	// storage SOP classes (DICOM Part 4, Annex B.3).
	StorageServiceClass = "1.2.840.10008.4.2"
)

// IsStorageSOPClass reports whether uid belongs to the image storage family.
// Capability tables frequently accept the whole family rather than
// enumerating every member.
func IsStorageSOPClass(uid string) bool {
	const storagePrefix = "1.2.840.10008.5.1.4.1.1."
	return strings.HasPrefix(uid, storagePrefix) && uid != storagePrefix
}
