package isobus

// idCodec packs and unpacks the 29-bit extended CAN identifier used by every
// ISOBUS frame. The bit layout follows SAE J1939-21 and is exercised end to
// end by the worked examples in idcodec_test.go.
//
//	bit 31    : CAN extended-frame flag (always set on the wire)
//	bit 26-28 : priority
//	bit 25    : EDP (extended data page)
//	bit 24    : DP (data page)
//	bit 16-23 : PF (PDU format)
//	bit 8-15  : PS (PDU2 group extension) or DA (PDU1 destination address)
//	bit 0-7   : SA (source address)
const canEFFFlag = 0x80000000

// DecodedID is the result of splitting a 29-bit identifier back into its
// ISOBUS fields.
type DecodedID struct {
	Priority    uint8
	Pgn         Pgn
	Destination Address
	Source      Address
}

// Encode packs priority, pgn, da and sa into a 29-bit extended CAN
// identifier (with the CAN_EFF_FLAG bit set, matching the value socketcan
// expects on the wire). da is ignored for PDU2 (broadcast) PGNs.
//
// A PGN with EDP=1 is not a valid ISOBUS PGN and is rejected.
func Encode(priority uint8, pgn Pgn, da Address, sa Address) (uint32, error) {
	if pgn.EDP() != 0 {
		return 0, ErrInvalidPgn
	}

	id := uint32(canEFFFlag)
	id |= uint32(priority&0x7) << 26
	id |= uint32(pgn.DP()&0x1) << 24
	id |= uint32(pgn.PF()) << 16

	if pgn.IsPDU1() {
		id |= uint32(da) << 8
	} else {
		id |= uint32(pgn.PS()) << 8
	}
	id |= uint32(sa)

	return id, nil
}

// hasEDP reports whether the extended-data-page bit (bit 25) is set on a raw
// identifier. ISOBUS does not use EDP=1; frames carrying it are dropped at
// dispatch rather than decoded.
func hasEDP(id uint32) bool {
	return id&(1<<25) != 0
}

// Decode splits a 29-bit extended CAN identifier into its ISOBUS fields. The
// CAN_EFF_FLAG bit, if present, is ignored.
func Decode(id uint32) DecodedID {
	id &^= canEFFFlag

	priority := uint8((id >> 26) & 0x7)
	dp := uint8((id >> 24) & 0x1)
	pf := uint8((id >> 16) & 0xFF)
	second := uint8((id >> 8) & 0xFF)
	sa := Address(id & 0xFF)

	var pgn Pgn
	var da Address
	if pf < 240 {
		pgn = Pgn(uint32(dp)<<16 | uint32(pf)<<8)
		da = Address(second)
	} else {
		pgn = Pgn(uint32(dp)<<16 | uint32(pf)<<8 | uint32(second))
		da = AddressGlobal
	}

	return DecodedID{
		Priority:    priority,
		Pgn:         pgn,
		Destination: da,
		Source:      sa,
	}
}
