package isobus

import "github.com/purduesensorsw/goisobus/driver"

// pduPgnMask keeps only the EDP/DP/PF bits of a PDU1 PGN (bits 8-17 in the
// Pgn representation). For a PDU1 PGN the low byte is always zero and
// belongs to the destination address, not the PGN identity. Grounded on
// original_source/socketcan-isobus/isobus.c's CAN_ISOBUS_PGN1_MASK.
const pduPgnMask = Pgn(0x03FF00)

// IsobusFilter is a high-level match rule an endpoint installs to select
// which inbound messages reach its inbox.
type IsobusFilter struct {
	Pgn          Pgn
	PgnMask      Pgn
	DestAddr     Address
	DestAddrMask Address
	SrcAddr      Address
	SrcAddrMask  Address
	Priority     uint8
	PriorityMask uint8
	Inverted     bool
}

// ToDriverFilter translates f into a driver-level (id, mask, invert)
// triple. A PDU2 filter with a non-zero DestAddrMask is rejected: PDU2 PGNs
// have no destination address field, so filtering on one is meaningless.
func (f IsobusFilter) ToDriverFilter() (driver.Filter, error) {
	if !f.Pgn.IsPDU1() && f.DestAddrMask != 0 {
		return driver.Filter{}, ErrInvalidFilter
	}

	id := uint32(canEFFFlag)
	id |= uint32(f.Priority&0x7) << 26
	id |= uint32(f.Pgn) << 8
	id |= uint32(f.DestAddr) << 8
	id |= uint32(f.SrcAddr)

	pgnMask := f.PgnMask
	if f.Pgn.IsPDU1() {
		pgnMask &= pduPgnMask
	}

	mask := uint32(canEFFFlag)
	mask |= uint32(f.PriorityMask&0x7) << 26
	mask |= uint32(pgnMask) << 8
	mask |= uint32(f.DestAddrMask) << 8
	mask |= uint32(f.SrcAddrMask)

	return driver.Filter{ID: id, Mask: mask, Inverted: f.Inverted}, nil
}

// nmFilters are the two fixed network-management filters every endpoint
// installs in addition to its user filters: one for address-claim traffic,
// one for requests.
func nmFilters() []IsobusFilter {
	return []IsobusFilter{
		{
			Pgn:      PgnAddressClaimed,
			PgnMask:  0x3FF00,
			DestAddr: AddressGlobal,
		},
		{
			Pgn:     PgnRequest,
			PgnMask: 0x3FF00,
		},
	}
}

// installedFilter pairs a user filter with the driver handle it was
// installed under, so it can be torn down individually.
type installedFilter struct {
	filter IsobusFilter
	handle driver.FilterHandle
}

// FilterEngine owns one endpoint's installed filter set and performs the
// atomic install/rollback dance against a driver.Driver.
type FilterEngine struct {
	drv       driver.Driver
	installed []installedFilter
}

// NewFilterEngine returns a FilterEngine bound to drv.
func NewFilterEngine(drv driver.Driver) *FilterEngine {
	return &FilterEngine{drv: drv}
}

// Install replaces the current filter set with user plus the two fixed NM
// filters. If any individual installation fails, every filter installed so
// far in this call is uninstalled and the previous set is left untouched.
func (e *FilterEngine) Install(user []IsobusFilter) error {
	all := make([]IsobusFilter, 0, len(user)+2)
	all = append(all, nmFilters()...)
	all = append(all, user...)

	next := make([]installedFilter, 0, len(all))
	for _, f := range all {
		df, err := f.ToDriverFilter()
		if err != nil {
			e.rollback(next)
			return err
		}
		handle, err := e.drv.InstallFilter(df)
		if err != nil {
			e.rollback(next)
			return err
		}
		next = append(next, installedFilter{filter: f, handle: handle})
	}

	old := e.installed
	e.installed = next
	e.uninstallAll(old)
	return nil
}

// Filters returns the user-supplied filters currently installed, excluding
// the two fixed NM filters.
func (e *FilterEngine) Filters() []IsobusFilter {
	out := make([]IsobusFilter, 0, len(e.installed))
	for _, f := range e.installed[minInt(len(nmFilters()), len(e.installed)):] {
		out = append(out, f.filter)
	}
	return out
}

// Release uninstalls every filter this engine currently owns.
func (e *FilterEngine) Release() {
	e.uninstallAll(e.installed)
	e.installed = nil
}

func (e *FilterEngine) rollback(installed []installedFilter) {
	e.uninstallAll(installed)
}

func (e *FilterEngine) uninstallAll(installed []installedFilter) {
	for _, f := range installed {
		_ = e.drv.UninstallFilter(f.handle)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
