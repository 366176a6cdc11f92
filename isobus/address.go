package isobus

// Address is a one-byte ISOBUS station address. Two values are reserved by
// the protocol and are never valid as a claimed address.
type Address uint8

const (
	// AddressNull marks "no address": used as source address before a
	// station has claimed one, and as the source of a Cannot-Claim message.
	AddressNull Address = 254
	// AddressGlobal is the broadcast destination address, and doubles as the
	// "any" sentinel for an unset preferred address.
	AddressGlobal Address = 255
	// AddressAny is an alias for AddressGlobal when used as a preferred
	// address in Endpoint.Bind, preserving the source implementation's
	// overloading of the same byte value for two distinct meanings.
	AddressAny = AddressGlobal

	// AddressSCMin and AddressSCMax bound the self-configurable address
	// range a NAME with the self-configurable bit set may claim.
	AddressSCMin Address = 128
	AddressSCMax Address = 247
)

// IsSelfConfigurable reports whether the address falls in the
// self-configurable range [128, 247].
func (a Address) IsSelfConfigurable() bool {
	return a >= AddressSCMin && a <= AddressSCMax
}

// IsClaimable reports whether a can be held as a station's current address
// (i.e. is neither NULL nor GLOBAL).
func (a Address) IsClaimable() bool {
	return a != AddressNull && a != AddressGlobal
}
