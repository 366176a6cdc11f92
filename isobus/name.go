package isobus

import "encoding/binary"

// Name is the 64-bit ISOBUS station identity used to arbitrate address-claim
// contention. Comparison is unsigned 64-bit; a lower Name wins a contention.
//
// Bit layout (bit 63 is the MSB):
//
//	bit 63     : self-configurable-address capability
//	bit 60..62 : industry group (3 bits)
//	bit 56..59 : device-class instance (4 bits)
//	bit 49..55 : device class (7 bits)
//	bit 48     : reserved, must be 0
//	bit 40..47 : function (8 bits)
//	bit 35..39 : function instance (5 bits)
//	bit 32..34 : ECU instance (3 bits)
//	bit 21..31 : manufacturer code (11 bits)
//	bit 0..20  : identity number (21 bits)
type Name uint64

const nameSelfConfigurableBit = Name(1) << 63

// NameFields is the decomposed, human-readable form of a Name.
type NameFields struct {
	SelfConfigurable  bool
	IndustryGroup     uint8 // 3 bits
	DeviceClassInst   uint8 // 4 bits
	DeviceClass       uint8 // 7 bits
	Function          uint8 // 8 bits
	FunctionInstance  uint8 // 5 bits
	ECUInstance       uint8 // 3 bits
	ManufacturerCode  uint16 // 11 bits
	IdentityNumber    uint32 // 21 bits
}

// NewName packs NameFields into a Name. Out-of-range field values are
// silently masked to their bit width.
func NewName(f NameFields) Name {
	var n Name
	if f.SelfConfigurable {
		n |= nameSelfConfigurableBit
	}
	n |= Name(f.IndustryGroup&0x7) << 60
	n |= Name(f.DeviceClassInst&0xF) << 56
	n |= Name(f.DeviceClass&0x7F) << 49
	n |= Name(f.Function) << 40
	n |= Name(f.FunctionInstance&0x1F) << 35
	n |= Name(f.ECUInstance&0x7) << 32
	n |= Name(f.ManufacturerCode&0x7FF) << 21
	n |= Name(f.IdentityNumber & 0x1FFFFF)
	return n
}

// Fields decomposes a Name back into its named bitfields.
func (n Name) Fields() NameFields {
	return NameFields{
		SelfConfigurable: n&nameSelfConfigurableBit != 0,
		IndustryGroup:    uint8((n >> 60) & 0x7),
		DeviceClassInst:  uint8((n >> 56) & 0xF),
		DeviceClass:      uint8((n >> 49) & 0x7F),
		Function:         uint8((n >> 40) & 0xFF),
		FunctionInstance: uint8((n >> 35) & 0x1F),
		ECUInstance:      uint8((n >> 32) & 0x7),
		ManufacturerCode: uint16((n >> 21) & 0x7FF),
		IdentityNumber:   uint32(n & 0x1FFFFF),
	}
}

// IsSelfConfigurable reports whether bit 63 (self-configurable address
// capability) is set.
func (n Name) IsSelfConfigurable() bool {
	return n&nameSelfConfigurableBit != 0
}

// Less reports whether n would win a NAME contention against other. Lower
// NAME wins, and the comparison is strict: equal NAMEs never "win".
func (n Name) Less(other Name) bool {
	return n < other
}

// Bytes encodes the Name little-endian, least-significant-byte-first, as
// carried in the 8-byte Address-Claimed / Cannot-Claim payload.
func (n Name) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b
}

// NameFromBytes decodes an 8-byte little-endian NAME payload.
func NameFromBytes(b []byte) (Name, error) {
	if len(b) != 8 {
		return 0, ErrInvalidArgument
	}
	return Name(binary.LittleEndian.Uint64(b)), nil
}
