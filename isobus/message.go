package isobus

import "time"

// Pgn is a Parameter Group Number, the 18-bit value (EDP, DP, PF, PS) that
// identifies an ISOBUS message's payload format.
type Pgn uint32

// EDP, DP, PF and PS split a Pgn into its constituent fields as they sit in
// the 29-bit CAN identifier: EDP at bit 17, DP at bit 16, PF at bits 8-15,
// PS at bits 0-7.
func (p Pgn) EDP() uint8 { return uint8((p >> 17) & 0x1) }
func (p Pgn) DP() uint8  { return uint8((p >> 16) & 0x1) }
func (p Pgn) PF() uint8  { return uint8((p >> 8) & 0xFF) }
func (p Pgn) PS() uint8  { return uint8(p & 0xFF) }

// IsPDU1 reports whether the PGN addresses a specific destination (PF < 240,
// PDU1 format) rather than broadcasting (PDU2 format).
func (p Pgn) IsPDU1() bool {
	return p.PF() < 240
}

const (
	// PgnRequest is the ISO 11783-5 Request PGN, used to solicit
	// Address-Claimed from other stations.
	PgnRequest Pgn = 59904
	// PgnAddressClaimed carries a station's NAME, both when announcing a
	// successful claim and as the Cannot-Claim-Address message.
	PgnAddressClaimed Pgn = 60928
	// PgnProductInfo carries a station's model/software/serial identification.
	// Normally sent as a multi-packet message; this module only observes
	// whatever single-frame fragment arrives, since multi-packet reassembly
	// is out of scope.
	PgnProductInfo Pgn = 126996
	// PgnConfigurationInformation carries free-text installation/configuration
	// description fields, observed the same single-frame-fragment way as
	// PgnProductInfo.
	PgnConfigurationInformation Pgn = 126998
)

// IsobusMessage is a decoded ISOBUS application message: a raw CAN frame's
// identifier split into priority/PGN/source/destination plus its payload.
// The wire-level frame representation lives in package driver.
type IsobusMessage struct {
	Priority    uint8
	Pgn         Pgn
	Source      Address
	Destination Address // AddressGlobal for PDU2 (broadcast) PGNs
	Data        []byte
	Timestamp   time.Time
}
